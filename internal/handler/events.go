package handler

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ledgerline/reconauth/internal/audit"
	"github.com/ledgerline/reconauth/internal/auth"
	"github.com/ledgerline/reconauth/internal/permission"
	"github.com/ledgerline/reconauth/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// AlertSource delivers audit events published by any instance.
// Implemented by audit.Subscriber.
type AlertSource interface {
	Subscribe(ctx context.Context, types ...audit.EventType) (<-chan audit.Event, func(), error)
}

type streamMessage struct {
	Kind    string                `json:"kind"`
	Session *service.SessionEvent `json:"session,omitempty"`
	Alert   *audit.Event          `json:"alert,omitempty"`
}

// Events handles GET /api/v1/events. The route sits behind middleware.Auth,
// so the upgrade only happens for a verified access token. Callers receive
// revocations of their own sessions; holders of sessions:manage see the
// whole tenant and holders of audit:read also get security alerts. The
// stream closes when the caller's own session is revoked or the token expires.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	c := claims(w, r)
	if c == nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sessions, stopSessions, err := h.sessionSvc.Subscribe(ctx)
	if err != nil {
		h.writeServiceError(w, r, "subscribe session events", err)
		return
	}
	defer stopSessions()

	var alerts <-chan audit.Event
	if h.alerts != nil && c.Permissions.Has(permission.AuditRead) {
		ch, stop, err := h.alerts.Subscribe(ctx, audit.EventSecurityAlert)
		if err != nil {
			h.writeServiceError(w, r, "subscribe alerts", service.ErrStorageUnavailable)
			return
		}
		defer stop()
		alerts = ch
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	go func() {
		defer cancel()
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.streamEvents(ctx, conn, c, sessions, alerts)
}

func (h *Handler) streamEvents(ctx context.Context, conn *websocket.Conn, c *auth.Claims, sessions <-chan service.SessionEvent, alerts <-chan audit.Event) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	expiry := time.NewTimer(time.Until(c.ExpiresAtTime()))
	defer expiry.Stop()

	tenantWide := c.Permissions.Has(permission.SessionsManage)
	for {
		select {
		case <-ctx.Done():
			return
		case <-expiry.C:
			closeStream(conn, websocket.ClosePolicyViolation, "token expired")
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sessions:
			if !ok {
				closeStream(conn, websocket.CloseTryAgainLater, "event source closed")
				return
			}
			if ev.TenantID != c.TenantID || (!tenantWide && ev.AccountID != c.AccountID()) {
				continue
			}
			if err := writeMessage(conn, streamMessage{Kind: "session", Session: &ev}); err != nil {
				return
			}
			if ev.SessionID == c.SessionID {
				closeStream(conn, websocket.ClosePolicyViolation, "session revoked")
				return
			}
		case alert, ok := <-alerts:
			if !ok {
				alerts = nil
				continue
			}
			if alert.TenantID != "" && alert.TenantID != c.TenantID {
				continue
			}
			if err := writeMessage(conn, streamMessage{Kind: "alert", Alert: &alert}); err != nil {
				return
			}
		}
	}
}

func writeMessage(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func closeStream(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

// checkOrigin accepts non-browser clients and the configured origins.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := h.cfg.Server.AllowedOrigins
	return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
}
