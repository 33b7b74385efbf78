// Package ws is the hub-side websocket upgrade surface, §4.1 "Transport":
// each accepted connection becomes one Session once the bearer-token
// handshake (§4.2) succeeds. Grounded structurally on the teacher's
// internal/handler/ws/delivery.go (upgrade, subscribe to the hub, pump
// loop until the context or the channel closes), generalized from a
// fixed demo user id to the tenant/branch identity a real handshake
// yields.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/syncmesh/hub/internal/auth"
	"github.com/syncmesh/hub/internal/protocol"
	"github.com/syncmesh/hub/internal/registry"
	"github.com/syncmesh/hub/internal/router"
	"github.com/syncmesh/hub/internal/session"
)

// Handler upgrades inbound HTTP connections to the sync session protocol.
type Handler struct {
	logger   *slog.Logger
	authr    *auth.Authenticator
	registry *registry.Registry
	router   *router.Router
	upgrader websocket.Upgrader
}

func NewHandler(logger *slog.Logger, authr *auth.Authenticator, reg *registry.Registry, rt *router.Router) *Handler {
	return &Handler{
		logger:   logger,
		authr:    authr,
		registry: reg,
		router:   rt,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements §4.2's handshake ahead of the upgrade: a bearer
// token in the Authorization header must validate before the connection
// is ever promoted to a websocket, so a rejected handshake costs the
// caller nothing but an HTTP status code.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	identity, err := h.authr.Authenticate(r.Context(), token, sourceIP(r))
	if err != nil {
		http.Error(w, "handshake rejected", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", slog.Any("err", err))
		return
	}

	transport := &wsTransport{conn: conn}
	sess := session.New(r.Context(), identity.TenantID, identity.BranchID, transport, h.onInbound, h.onClose, h.logger)
	if err := h.registry.Insert(sess); err != nil {
		h.logger.Warn("ws session rejected by registry", slog.Any("err", err))
		conn.Close()
		return
	}

	sess.Start()
	go h.deliverBacklog(sess)
	sess.Wait()
}

// onInbound hands every decoded envelope to the Router, re-stamping its
// identity from the session's own authenticated (tenant, branch), never
// from the envelope's own fields, §4.5 step 1.
func (h *Handler) onInbound(ctx context.Context, sess *session.Session, env protocol.Envelope) {
	if err := h.router.Route(ctx, sess.TenantID, sess.BranchID, env); err != nil {
		h.logger.Warn("route failed", slog.String("tenant_id", sess.TenantID), slog.String("branch_id", sess.BranchID), slog.Any("err", err))
	}
}

// onClose removes the session's registry entry by session_id, §4.3's
// compare-and-remove: a stale teardown from a just-displaced session must
// never delete the newer entry that replaced it.
func (h *Handler) onClose(sess *session.Session, cause error) {
	h.registry.Remove(sess.TenantID, sess.BranchID, sess.ID)
}

// deliverBacklog drains this branch's offline queue the moment its
// session is registered, §4.6 "On reconnect ... messages are delivered
// through the Router path."
func (h *Handler) deliverBacklog(sess *session.Session) {
	const drainBatch = 100
	if err := h.router.DeliverOffline(sess.Context(), sess.TenantID, sess.BranchID, drainBatch); err != nil {
		h.logger.Warn("offline backlog delivery failed", slog.String("tenant_id", sess.TenantID), slog.String("branch_id", sess.BranchID), slog.Any("err", err))
	}
}

func bearerToken(r *http.Request) string {
	v := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(v, prefix) {
		return ""
	}
	return strings.TrimPrefix(v, prefix)
}

func sourceIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	return r.RemoteAddr
}
