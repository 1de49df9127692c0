// Package transport adapts websocket connections to the realtime delivery
// service: an upgrade handler that binds sockets to users and a Sender that
// serializes envelopes onto the wire.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wellmesh/realtime_layer/internal/app/services/realtime"
	"github.com/wellmesh/realtime_layer/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// WSSender writes envelopes to one websocket connection. Writes are
// serialized by a mutex and bounded by a write deadline; per-message
// compression is negotiated with clients that support it.
type WSSender struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

var _ realtime.Sender = (*WSSender)(nil)

// NewWSSender wraps an already-established connection.
func NewWSSender(conn *websocket.Conn) *WSSender {
	conn.EnableWriteCompression(true)
	return &WSSender{conn: conn}
}

// Send marshals payload as JSON and writes it as one text message.
func (s *WSSender) Send(ctx context.Context, payload map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("connection closed")
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Close sends a close frame and shuts the connection. Closing twice is a
// no-op.
func (s *WSSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	return s.conn.Close()
}

// WSHandler upgrades HTTP requests to websocket connections and binds them
// to the delivery service.
type WSHandler struct {
	service  *realtime.Service
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewWSHandler builds the upgrade endpoint.
func NewWSHandler(service *realtime.Service, log *logger.Logger) *WSHandler {
	if log == nil {
		log = logger.NewDefault("transport")
	}
	return &WSHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			EnableCompression: true,
			CheckOrigin: func(*http.Request) bool {
				// Authentication and origin policy live upstream of this layer.
				return true
			},
		},
		log: log,
	}
}

// ServeHTTP handles GET /ws?user_id={id}.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "user_id is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the failure response.
		h.log.WithError(err).WithField("user_id", userID).Warn("websocket upgrade failed")
		return
	}

	sender := NewWSSender(conn)
	meta := map[string]string{"remote_addr": r.RemoteAddr}
	if ua := r.UserAgent(); ua != "" {
		meta["user_agent"] = ua
	}

	bound, err := h.service.Connect(r.Context(), userID, sender, meta)
	if err != nil {
		h.log.WithError(err).WithField("user_id", userID).Warn("websocket connect rejected")
		_ = sender.Close()
		return
	}

	done := make(chan struct{})
	go h.pingLoop(conn, done)
	h.readPump(conn, userID, bound.ConnectionID, done)
}

// readPump consumes inbound frames until the socket dies, keeping the
// connection's activity stamp fresh. Delivery is one-way; client frames are
// only liveness signals.
func (h *WSHandler) readPump(conn *websocket.Conn, userID, connectionID string, done chan struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		h.service.Touch(userID)
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.WithError(err).WithField("user_id", userID).Debug("websocket read failed")
			}
			break
		}
		h.service.Touch(userID)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if _, err := h.service.DisconnectConnection(ctx, userID, connectionID); err != nil {
		h.log.WithError(err).WithField("user_id", userID).Warn("teardown failed")
	}
}

func (h *WSHandler) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
