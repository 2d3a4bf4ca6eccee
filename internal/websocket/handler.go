package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/gatedl/gatedl/internal/auth"
	apperrors "github.com/gatedl/gatedl/internal/errors"
	"github.com/gatedl/gatedl/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The session JWT in the query string is the credential, not cookies
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SessionValidator checks a portal session JWT
type SessionValidator interface {
	ValidateSession(token string) (*auth.Claims, error)
}

// Handler handles WebSocket connections.
type Handler struct {
	hub      *Hub
	sessions SessionValidator
	log      *logger.Logger
}

func NewHandler(hub *Hub, sessions SessionValidator) *Handler {
	return &Handler{
		hub:      hub,
		sessions: sessions,
		log:      logger.Default().WithComponent("websocket"),
	}
}

// ServeWS upgrades a portal connection authenticated by ?token=<jwt>.
// Browsers cannot set headers on WebSocket requests.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	reqID := apperrors.GetRequestID(r.Context())

	token := r.URL.Query().Get("token")
	if token == "" {
		apperrors.WriteError(w, reqID, apperrors.Unauthorized("missing token parameter"))
		return
	}

	claims, err := h.sessions.ValidateSession(token)
	if err != nil {
		if err == auth.ErrTokenExpired {
			apperrors.WriteError(w, reqID, apperrors.TokenExpired())
			return
		}
		apperrors.WriteError(w, reqID, apperrors.InvalidToken("invalid session token"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := NewClient(h.hub, conn, claims.TokenID)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (h *Handler) GetHub() *Hub {
	return h.hub
}
