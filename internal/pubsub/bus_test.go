package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/syncmesh/hub/internal/protocol"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

type fakePublisher struct {
	mu        sync.Mutex
	published []*message.Message
	topics    []string
}

func (p *fakePublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.published = append(p.published, messages...)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type fakeSubscriber struct {
	out chan *message.Message
}

func newFakeSubscriber() *fakeSubscriber { return &fakeSubscriber{out: make(chan *message.Message, 8)} }

func (s *fakeSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.out, nil
}

func (s *fakeSubscriber) Close() error { return nil }

type recordingDispatcher struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (d *recordingDispatcher) Route(_ context.Context, tenantID, fromBranchID string, env protocol.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.envs = append(d.envs, env)
	return nil
}

func TestBusPublishStampsOriginAndEncodesEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	b := &Bus{instanceID: "hub-a", publisher: pub, subscriber: newFakeSubscriber(), logger: discardLogger()}

	env := protocol.NewEnvelope("env-1", "t1", "b1", protocol.KindSyncBatch, []byte("x"), nil)
	if err := b.Publish(context.Background(), "t1", env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.published))
	}
	if pub.topics[0] != "tenant.t1" {
		t.Errorf("topic = %q, want tenant.t1", pub.topics[0])
	}
	msg := pub.published[0]
	if msg.Metadata.Get(originHeader) != "hub-a" {
		t.Errorf("origin header = %q, want hub-a", msg.Metadata.Get(originHeader))
	}
	decoded, err := protocol.Decode(msg.Payload)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded.ID != "env-1" {
		t.Errorf("decoded envelope ID = %q, want env-1", decoded.ID)
	}
}

func TestBusSubscribeDropsOwnPublishes(t *testing.T) {
	sub := newFakeSubscriber()
	b := &Bus{instanceID: "hub-a", publisher: &fakePublisher{}, subscriber: sub, logger: discardLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	envs, err := b.Subscribe(ctx, "t1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	own := protocol.NewEnvelope("own", "t1", "b1", protocol.KindHeartbeat, nil, nil)
	ownRaw, _ := protocol.Encode(own)
	ownMsg := message.NewMessage("m1", ownRaw)
	ownMsg.Metadata.Set(originHeader, "hub-a")
	sub.out <- ownMsg

	remote := protocol.NewEnvelope("remote", "t1", "b2", protocol.KindHeartbeat, nil, nil)
	remoteRaw, _ := protocol.Encode(remote)
	remoteMsg := message.NewMessage("m2", remoteRaw)
	remoteMsg.Metadata.Set(originHeader, "hub-b")
	sub.out <- remoteMsg

	select {
	case got := <-envs:
		if got.ID != "remote" {
			t.Errorf("delivered envelope ID = %q, want remote (own publish must be dropped)", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("never received the remote envelope")
	}
}

func TestBusPumpRedeliversThroughDispatcher(t *testing.T) {
	sub := newFakeSubscriber()
	b := &Bus{instanceID: "hub-a", publisher: &fakePublisher{}, subscriber: sub, logger: discardLogger()}
	dispatcher := &recordingDispatcher{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Pump(ctx, "t1", dispatcher) }()

	remote := protocol.NewEnvelope("remote", "t1", "b2", protocol.KindHeartbeat, nil, nil)
	raw, _ := protocol.Encode(remote)
	msg := message.NewMessage("m1", raw)
	msg.Metadata.Set(originHeader, "hub-b")
	sub.out <- msg

	deadline := time.After(time.Second)
	for {
		dispatcher.mu.Lock()
		n := len(dispatcher.envs)
		dispatcher.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("dispatcher never received the redelivered envelope")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	close(sub.out)
	<-done
}
