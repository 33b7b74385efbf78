package grpc

import (
	"context"
	"testing"

	"google.golang.org/grpc/metadata"
)

func TestRawCodecRoundTrip(t *testing.T) {
	c := rawCodec{}
	want := []byte("framed-envelope-bytes")

	marshaled, err := c.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got []byte
	if err := c.Unmarshal(marshaled, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("round trip = %q, want %q", got, want)
	}
}

func TestRawCodecMarshalRejectsNonBytes(t *testing.T) {
	if _, err := (rawCodec{}).Marshal("not bytes"); err == nil {
		t.Fatal("Marshal(string) error = nil, want a type error")
	}
}

func TestBearerFromContextExtractsTokenAndPeer(t *testing.T) {
	md := metadata.Pairs("authorization", "Bearer abc123")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	token, _ := bearerFromContext(ctx)
	if token != "abc123" {
		t.Errorf("token = %q, want abc123", token)
	}
}

func TestBearerFromContextMissingHeader(t *testing.T) {
	token, _ := bearerFromContext(context.Background())
	if token != "" {
		t.Errorf("token = %q, want empty", token)
	}
}
