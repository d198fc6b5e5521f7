package realtime

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"solar-cloud/internal/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second

	maxRequestSize = 512
)

// Client actions accepted over the socket.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

type clientRequest struct {
	Action   string `json:"action"`
	DeviceID string `json:"device_id"`
}

// Handler upgrades HTTP requests to websocket sessions and bridges them
// into the hub. Authentication happens before the upgrade, in the shared
// auth middleware; the handler only reads the identity off the context.
type Handler struct {
	hub      *Hub
	logger   *log.Logger
	upgrader websocket.Upgrader

	nextID atomic.Uint64
	now    func() time.Time
}

// NewHandler creates a websocket handler backed by the given hub.
func NewHandler(hub *Hub, logger *log.Logger) (*Handler, error) {
	if hub == nil {
		return nil, fmt.Errorf("hub must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Handler{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		now: time.Now,
	}, nil
}

// ServeHTTP upgrades the connection and runs the session pumps.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("realtime: upgrade failed: %v", err)
		return
	}

	session := NewSession(fmt.Sprintf("ws-%d", h.nextID.Add(1)), identity)
	h.hub.Register(session)
	h.logger.Printf("realtime: session %s connected for %s", session.ID(), identity.CustomerCode)

	go h.writePump(conn, session)
	h.readPump(conn, session)
}

// readPump consumes subscribe/unsubscribe requests until the socket closes.
func (h *Handler) readPump(conn *websocket.Conn, session *Session) {
	defer func() {
		h.hub.Disconnect(session)
		conn.Close()
	}()

	conn.SetReadLimit(maxRequestSize)
	conn.SetReadDeadline(h.now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(h.now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Printf("realtime: session %s read error: %v", session.ID(), err)
			}
			return
		}

		var req clientRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			session.sendReply(formatError(fmt.Errorf("malformed request: %w", err), h.now()), writeWait)
			continue
		}

		switch req.Action {
		case actionSubscribe:
			if err := h.hub.Subscribe(session, req.DeviceID); err != nil {
				session.sendReply(formatError(err, h.now()), writeWait)
				continue
			}
			session.sendReply(formatStatus(req.DeviceID, "subscribed"), writeWait)
		case actionUnsubscribe:
			h.hub.Unsubscribe(session, req.DeviceID)
			session.sendReply(formatStatus(req.DeviceID, "unsubscribed"), writeWait)
		default:
			session.sendReply(formatError(fmt.Errorf("%w: %q", errUnknownAction, req.Action), h.now()), writeWait)
		}
	}
}

// writePump drains the session queue onto the socket and keeps the
// connection alive with pings.
func (h *Handler) writePump(conn *websocket.Conn, session *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case payload := <-session.Replies():
			conn.SetWriteDeadline(h.now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case payload := <-session.Queue():
			conn.SetWriteDeadline(h.now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(h.now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-session.Done():
			conn.SetWriteDeadline(h.now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
