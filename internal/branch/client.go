package branch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/syncmesh/hub/internal/domain/model"
	"github.com/syncmesh/hub/internal/protocol"
)

// Client is the branch agent's outbound connection to the hub: it dials
// the hub's /ws endpoint, reissues its bearer token via POST /auth/token
// as needed (§6, tokens are short-lived), and dispatches inbound
// SyncAck/SyncNack/ConflictNotification envelopes to the CDCReader and
// ApplyPipeline. It implements Sender for both of them.
//
// Grounded structurally on the reconnect-with-backoff client shape in
// other_examples' wingthing ws client (connect, read loop, reconnect on
// disconnect), adapted to this module's envelope framing and to
// cenkalti/backoff/v4 (matching the retry idiom already used by
// CDCReader.sendWithRetry) instead of hand-rolled backoff doubling.
type Client struct {
	tenantID string
	branchID string
	apiKey   string
	hubWSURL    string // e.g. wss://hub.example.com/ws
	hubTokenURL string // e.g. https://hub.example.com/auth/token
	tenant   model.Tenant

	reader *CDCReader
	apply  *ApplyPipeline

	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	// plannedShutdown is set when the hub announces ControlServerShutdown,
	// so Run's reconnect loop knows the coming disconnect isn't a failure
	// worth backing off from.
	plannedShutdown atomic.Bool
}

// NewClient wires a Client against an already-constructed CDCReader and
// ApplyPipeline; the caller sets each's sender to this Client (SetSender)
// once it's built, since Client itself depends on neither.
func NewClient(tenantID, branchID, apiKey, hubWSURL, hubTokenURL string, tenant model.Tenant, reader *CDCReader, apply *ApplyPipeline, logger *slog.Logger) *Client {
	return &Client{
		tenantID:    tenantID,
		branchID:    branchID,
		apiKey:      apiKey,
		hubWSURL:    hubWSURL,
		hubTokenURL: hubTokenURL,
		tenant:      tenant,
		reader:      reader,
		apply:       apply,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		dialer:      websocket.DefaultDialer,
		logger:      logger,
	}
}

// Reader exposes the CDCReader so callers wiring the poll loop's own
// goroutine (cmd.BranchRunner.Run) don't need a separate reference.
func (c *Client) Reader() *CDCReader { return c.reader }

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff on every disconnect.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.plannedShutdown.CompareAndSwap(true, false) {
			c.logger.Info("hub announced shutdown, reconnecting immediately", slog.Any("err", err))
			bo.Reset()
			continue
		}
		c.logger.Warn("hub connection lost, reconnecting", slog.Any("err", err))

		delay := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	token, err := c.fetchToken(ctx)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := c.dialer.DialContext(ctx, c.hubWSURL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.logger.Info("connected to hub", slog.String("url", c.hubWSURL))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("malformed envelope from hub", slog.Any("err", err))
			continue
		}
		c.dispatch(ctx, env)
	}
}

// dispatch routes one hub->branch envelope to the component that handles
// its kind. Unknown kinds and decode failures are logged and dropped: the
// originating branch's CDCReader resends a SyncBatch until it is acked, so
// a dropped frame here just costs one retry cycle, not data.
func (c *Client) dispatch(ctx context.Context, env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindSyncBatch:
		var payload protocol.SyncBatchPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.logger.Warn("bad SyncBatch payload", slog.Any("err", err))
			return
		}
		sentAt := time.Unix(0, env.CreatedAt)
		if err := c.apply.Handle(ctx, env.From, payload, sentAt, c.tenant); err != nil {
			c.logger.Error("apply pipeline failed", slog.String("batch_id", payload.BatchID), slog.Any("err", err))
		}

	case protocol.KindSyncAck:
		var payload protocol.SyncAckPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.logger.Warn("bad SyncAck payload", slog.Any("err", err))
			return
		}
		if err := c.reader.HandleAck(ctx, payload); err != nil {
			c.logger.Error("handle ack failed", slog.String("batch_id", payload.BatchID), slog.Any("err", err))
		}

	case protocol.KindSyncNack:
		var payload protocol.SyncNackPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.logger.Warn("bad SyncNack payload", slog.Any("err", err))
			return
		}
		c.reader.HandleNack(payload)

	case protocol.KindConflictNotification:
		// Informational only in this implementation: the conflict is
		// already recorded at the winner's side. Logged for operator
		// visibility; no action required of the losing branch.
		var payload protocol.ConflictNotificationPayload
		if err := json.Unmarshal(env.Payload, &payload); err == nil {
			c.logger.Info("conflict notification received",
				slog.String("table", payload.Table), slog.String("pk", payload.PK), slog.String("winner", payload.Winner))
		}

	case protocol.KindControl:
		var payload protocol.ControlPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.logger.Warn("bad Control payload", slog.Any("err", err))
			return
		}
		if payload.Code == protocol.ControlServerShutdown {
			c.logger.Info("hub announced ServerShutdown")
			c.plannedShutdown.Store(true)
		}
		// Other codes (Displaced, RateLimited, AuthExpired) are left to the
		// transport layer, which already answers liveness at the frame
		// level; only a deliberate shutdown changes Run's reconnect pacing.

	case protocol.KindHeartbeat:
		// no-op: the transport layer already answers liveness at the
		// frame level.

	default:
		c.logger.Warn("unhandled envelope kind from hub", slog.String("kind", env.Kind.String()))
	}
}

// Send implements Sender for both CDCReader and ApplyPipeline.
func (c *Client) Send(ctx context.Context, env protocol.Envelope) error {
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected to hub")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, raw)
}

type tokenRequest struct {
	TenantID string `json:"tenant_id"`
	BranchID string `json:"branch_id"`
	APIKey   string `json:"api_key"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	body, err := json.Marshal(tokenRequest{TenantID: c.tenantID, BranchID: c.branchID, APIKey: c.apiKey})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.hubTokenURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("token request failed: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}
