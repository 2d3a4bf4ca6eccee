package auth

import (
	"context"
	"net/http"
	"strings"

	apperrors "github.com/gatedl/gatedl/internal/errors"
)

type contextKey string

const TokenContextKey contextKey = "access_token"

// Middleware requires a Bearer session JWT and puts its access token ID in
// the request context
func Middleware(authService *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := apperrors.GetRequestID(r.Context())

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apperrors.WriteError(w, reqID, apperrors.Unauthorized("missing authorization header"))
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				apperrors.WriteError(w, reqID, apperrors.Unauthorized("invalid authorization header format"))
				return
			}

			claims, err := authService.ValidateSession(parts[1])
			if err != nil {
				if err == ErrTokenExpired {
					apperrors.WriteError(w, reqID, apperrors.TokenExpired())
					return
				}
				apperrors.WriteError(w, reqID, apperrors.InvalidToken("invalid session token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTokenID(r.Context(), claims.TokenID)))
		})
	}
}

func WithTokenID(ctx context.Context, tokenID string) context.Context {
	return context.WithValue(ctx, TokenContextKey, tokenID)
}

// GetTokenID returns the access token ID of the session, or "" outside one
func GetTokenID(ctx context.Context) string {
	id, _ := ctx.Value(TokenContextKey).(string)
	return id
}
