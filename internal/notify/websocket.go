// ABOUTME: Websocket endpoint that streams hub signals to connected clients
// ABOUTME: One subscription per connection; a failed write drops only that connection

package notify

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// writeTimeout bounds a single signal write to a slow client.
const writeTimeout = 5 * time.Second

// Handler serves the websocket endpoint. Clients may pass
// ?conversationId=<id> to receive signals for one conversation only.
type Handler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewHandler creates a websocket handler backed by hub.
func NewHandler(hub *Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:    hub,
		logger: logger.With("component", "notify-ws"),
	}
}

// ServeHTTP upgrades the request and streams signals until either side goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversationId")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	defer conn.CloseNow()

	// CloseRead discards client frames and cancels ctx once the client closes.
	ctx := conn.CloseRead(r.Context())
	signals, subID := h.hub.Subscribe(ctx, conversationID)

	h.logger.Debug("websocket connected",
		"conversation_id", conversationID,
		"sub_id", subID,
		"remote_addr", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("websocket disconnected", "sub_id", subID)
			return
		case sig, ok := <-signals:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := h.write(ctx, conn, sig); err != nil {
				h.logger.Debug("websocket write failed, dropping connection",
					"sub_id", subID,
					"error", err)
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, sig Signal) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, sig)
}
