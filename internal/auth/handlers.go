package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	apperrors "github.com/gatedl/gatedl/internal/errors"
	"github.com/gatedl/gatedl/internal/logger"
	"github.com/gatedl/gatedl/internal/models"
)

type SessionRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type SessionResponse struct {
	AccessToken string              `json:"accessToken"`
	ExpiresIn   int                 `json:"expiresIn"`
	Token       models.TokenSummary `json:"token"`
}

type Handlers struct {
	authService *Service
	log         *logger.Logger
}

func NewHandlers(authService *Service) *Handlers {
	return &Handlers{
		authService: authService,
		log:         logger.Default().WithComponent("auth"),
	}
}

// CreateSession exchanges an access token and its password for a session JWT
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) error {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return apperrors.BadRequest("invalid request body")
	}
	if err := validateSessionRequest(&req); err != nil {
		return err
	}

	session, err := h.authService.CreateSession(r.Context(), req.Token, req.Password)
	if err != nil {
		if appErr, ok := apperrors.As(err); ok && appErr.HTTPStatus < http.StatusInternalServerError {
			h.log.Warn(r.Context(), "session rejected", map[string]interface{}{
				"code": appErr.Code,
			})
		}
		return err
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, SessionResponse{
		AccessToken: session.AccessToken,
		ExpiresIn:   session.ExpiresIn,
		Token:       session.Token.Summary(),
	})
	return nil
}

func validateSessionRequest(req *SessionRequest) error {
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" || req.Password == "" {
		return apperrors.ValidationError("token and password are required")
	}
	if len(req.Token) > 128 {
		return apperrors.ValidationError("token is too long")
	}
	return nil
}
