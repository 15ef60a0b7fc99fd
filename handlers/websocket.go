package handlers

import (
	"log/slog"
	"net/http"

	"github.com/CrowderSoup/daily-todo/services"
	"github.com/gorilla/websocket"
)

// SocketHandler upgrades authenticated requests to live task sockets.
type SocketHandler struct {
	hub      *services.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewSocketHandler(hub *services.Hub, logger *slog.Logger) *SocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			// Origins are enforced by the CORS layer and the token.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// HandleWebSocket upgrades the HTTP connection to a WebSocket connection
func (h *SocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	email, ok := EmailFromContext(r.Context())
	if !ok {
		http.Error(w, "user not found", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade to WebSocket", "email", email, "error", err)
		return
	}

	client := services.NewClient(h.hub, conn, email)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
