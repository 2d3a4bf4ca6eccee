package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/gatedl/gatedl/internal/db"
	apperrors "github.com/gatedl/gatedl/internal/errors"
	"github.com/gatedl/gatedl/internal/models"
)

const (
	testSecret   = "test-secret"
	testPassword = "correct horse battery staple"
)

type fakeTokens map[string]*models.AccessToken

func (f fakeTokens) GetByToken(ctx context.Context, token string) (*models.AccessToken, error) {
	t, ok := f[token]
	if !ok {
		return nil, db.ErrTokenNotFound
	}
	return t, nil
}

func testToken(t *testing.T, secret, status string, expiresIn time.Duration) *models.AccessToken {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	return &models.AccessToken{
		ID:              "id-" + secret,
		Token:           secret,
		PasswordHash:    string(hash),
		TotalQuotaBytes: 1 << 30,
		Status:          status,
		ExpiresAt:       time.Now().Add(expiresIn),
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(fakeTokens{
		"active":  testToken(t, "active", models.TokenActive, 48*time.Hour),
		"soon":    testToken(t, "soon", models.TokenActive, time.Hour),
		"revoked": testToken(t, "revoked", models.TokenRevoked, 48*time.Hour),
		"expired": testToken(t, "expired", models.TokenActive, -time.Hour),
	}, testSecret)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword(testPassword)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(testPassword)); err != nil {
		t.Error("password comparison failed for correct password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("wrongpassword")); err == nil {
		t.Error("password comparison should fail for wrong password")
	}

	if cost, _ := bcrypt.Cost([]byte(hash)); cost != BcryptCost {
		t.Errorf("bcrypt cost = %d, want %d", cost, BcryptCost)
	}
}

func TestCreateSession(t *testing.T) {
	svc := newTestService(t)

	tests := []struct {
		name     string
		token    string
		password string
		wantCode string
	}{
		{"valid", "active", testPassword, ""},
		{"wrong password", "active", "nope", apperrors.CodeInvalidCredentials},
		{"unknown token", "missing", testPassword, apperrors.CodeInvalidCredentials},
		{"revoked", "revoked", testPassword, apperrors.CodeTokenInactive},
		{"expired", "expired", testPassword, apperrors.CodeTokenInactive},
		{"expired with wrong password", "expired", "nope", apperrors.CodeInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := svc.CreateSession(context.Background(), tt.token, tt.password)
			if tt.wantCode != "" {
				if !apperrors.IsCode(err, tt.wantCode) {
					t.Errorf("CreateSession() error = %v, want %s", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateSession() error = %v", err)
			}
			claims, err := svc.ValidateSession(session.AccessToken)
			if err != nil {
				t.Fatalf("ValidateSession() error = %v", err)
			}
			if claims.TokenID != "id-active" {
				t.Errorf("TokenID = %q, want id-active", claims.TokenID)
			}
			if session.ExpiresIn != int(SessionExpiry.Seconds()) {
				t.Errorf("ExpiresIn = %d, want %d", session.ExpiresIn, int(SessionExpiry.Seconds()))
			}
		})
	}
}

func TestCreateSession_ExpiryCappedByToken(t *testing.T) {
	svc := newTestService(t)

	session, err := svc.CreateSession(context.Background(), "soon", testPassword)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if session.ExpiresIn > int(time.Hour.Seconds()) {
		t.Errorf("ExpiresIn = %d, want at most one hour", session.ExpiresIn)
	}
}

func TestValidateSession(t *testing.T) {
	svc := newTestService(t)
	session, err := svc.CreateSession(context.Background(), "active", testPassword)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	other := NewService(fakeTokens{}, "another-secret")
	if _, err := other.ValidateSession(session.AccessToken); err != ErrInvalidToken {
		t.Errorf("foreign secret error = %v, want ErrInvalidToken", err)
	}

	if _, err := svc.ValidateSession(session.AccessToken + "x"); err != ErrInvalidToken {
		t.Errorf("tampered token error = %v, want ErrInvalidToken", err)
	}

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{TokenID: "id-active"})
	raw, _ := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := svc.ValidateSession(raw); err != ErrInvalidToken {
		t.Errorf("alg none error = %v, want ErrInvalidToken", err)
	}

	svc.now = func() time.Time { return time.Now().Add(13 * time.Hour) }
	if _, err := svc.ValidateSession(session.AccessToken); err != ErrTokenExpired {
		t.Errorf("stale session error = %v, want ErrTokenExpired", err)
	}
}

func TestCheckPasswordStrength(t *testing.T) {
	tests := []struct {
		password string
		wantErr  bool
	}{
		{"password", true},
		{"12345678", true},
		{"qwertyuiop", true},
		{testPassword, false},
		{"Vq7#mZ2!pL9x&Rt4", false},
	}

	for _, tt := range tests {
		err := CheckPasswordStrength(tt.password)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckPasswordStrength(%q) error = %v, wantErr %v", tt.password, err, tt.wantErr)
		}
	}
}

func TestNewAccessToken(t *testing.T) {
	if _, err := NewAccessToken("password", Limits{TTL: time.Hour}); err != ErrPasswordTooSimple {
		t.Errorf("weak password error = %v, want ErrPasswordTooSimple", err)
	}

	tok, err := NewAccessToken(testPassword, Limits{
		MaxFileSizeBytes:       1 << 20,
		TotalQuotaBytes:        1 << 30,
		MaxConcurrentDownloads: 2,
		TTL:                    time.Hour,
	})
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}
	if len(tok.Token) != 64 {
		t.Errorf("token secret length = %d, want 64", len(tok.Token))
	}
	if tok.Status != models.TokenActive || !tok.IsUsable(time.Now()) {
		t.Errorf("new token not usable: %+v", tok)
	}
	if bcrypt.CompareHashAndPassword([]byte(tok.PasswordHash), []byte(testPassword)) != nil {
		t.Error("stored hash does not match the password")
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)
	session, err := svc.CreateSession(context.Background(), "active", testPassword)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	var seen string
	handler := Middleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetTokenID(r.Context())
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCode   string
	}{
		{"missing", "", http.StatusUnauthorized, apperrors.CodeUnauthorized},
		{"wrong scheme", "Basic " + session.AccessToken, http.StatusUnauthorized, apperrors.CodeUnauthorized},
		{"garbage", "Bearer abc", http.StatusUnauthorized, apperrors.CodeInvalidToken},
		{"valid", "Bearer " + session.AccessToken, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/api/v1/downloads", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantCode != "" && !strings.Contains(rec.Body.String(), tt.wantCode) {
				t.Errorf("body = %s, want code %s", rec.Body.String(), tt.wantCode)
			}
			if tt.wantCode == "" && seen != "id-active" {
				t.Errorf("token id in context = %q, want id-active", seen)
			}
		})
	}
}

func TestHandlers_CreateSession(t *testing.T) {
	h := NewHandlers(newTestService(t))
	handler := apperrors.HandleFunc(h.CreateSession)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"missing password", `{"token":"active"}`, http.StatusBadRequest},
		{"bad credentials", `{"token":"active","password":"nope"}`, http.StatusUnauthorized},
		{"revoked", `{"token":"revoked","password":"` + testPassword + `"}`, http.StatusForbidden},
		{"ok", `{"token":"active","password":"` + testPassword + `"}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/session", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), "password_hash") {
				t.Error("session response leaks the password hash")
			}
		})
	}
}
