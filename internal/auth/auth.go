package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/nbutton23/zxcvbn-go"
	"golang.org/x/crypto/bcrypt"

	"github.com/gatedl/gatedl/internal/db"
	apperrors "github.com/gatedl/gatedl/internal/errors"
	"github.com/gatedl/gatedl/internal/models"
)

const (
	SessionExpiry = 12 * time.Hour
	BcryptCost    = 12
	// MinPasswordScore is the lowest zxcvbn score accepted for a new token
	MinPasswordScore = 3
	issuer           = "gatedl"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrPasswordTooSimple  = errors.New("password too simple")
)

// Claims identify the access token a portal session was opened with
type Claims struct {
	TokenID string `json:"token_id"`
	jwt.RegisteredClaims
}

// TokenStore looks access tokens up by their secret value
type TokenStore interface {
	GetByToken(ctx context.Context, token string) (*models.AccessToken, error)
}

type Session struct {
	AccessToken string              `json:"accessToken"`
	ExpiresIn   int                 `json:"expiresIn"`
	Token       *models.AccessToken `json:"token"`
}

type Service struct {
	tokens    TokenStore
	jwtSecret []byte
	now       func() time.Time
}

func NewService(tokens TokenStore, jwtSecret string) *Service {
	return &Service{
		tokens:    tokens,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

// CreateSession checks the token's password and state and signs a session
// bound to it
func (s *Service) CreateSession(ctx context.Context, token, password string) (*Session, error) {
	t, err := s.tokens.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, db.ErrTokenNotFound) {
			return nil, apperrors.InvalidCredentials()
		}
		return nil, apperrors.DatabaseError("failed to load access token").WithCause(err)
	}

	// Compare first so a wrong password reveals nothing about token state
	if err := bcrypt.CompareHashAndPassword([]byte(t.PasswordHash), []byte(password)); err != nil {
		return nil, apperrors.InvalidCredentials()
	}

	if !t.IsUsable(s.now()) {
		status := t.Status
		if status == models.TokenActive {
			status = models.TokenExpired
		}
		return nil, apperrors.TokenInactive(status)
	}

	signed, err := s.sign(t)
	if err != nil {
		return nil, apperrors.InternalError("failed to sign session").WithCause(err)
	}

	return &Session{
		AccessToken: signed,
		ExpiresIn:   int(s.expiry(t).Seconds()),
		Token:       t,
	}, nil
}

// expiry never outlives the access token itself
func (s *Service) expiry(t *models.AccessToken) time.Duration {
	d := SessionExpiry
	if left := t.ExpiresAt.Sub(s.now()); left < d {
		d = left
	}
	return d
}

func (s *Service) sign(t *models.AccessToken) (string, error) {
	now := s.now()
	claims := &Claims{
		TokenID: t.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry(t))),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateSession verifies a session JWT and returns its claims
func (s *Service) ValidateSession(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TokenID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// GenerateToken returns a random 64 character hex secret
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CheckPasswordStrength rejects passwords zxcvbn scores below
// MinPasswordScore. hints are words the password should not lean on.
func CheckPasswordStrength(password string, hints ...string) error {
	if zxcvbn.PasswordStrength(password, hints).Score < MinPasswordScore {
		return ErrPasswordTooSimple
	}
	return nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Limits are the quota settings of a new access token
type Limits struct {
	MaxFileSizeBytes       int64
	TotalQuotaBytes        int64
	MaxConcurrentDownloads int
	TTL                    time.Duration
}

// NewAccessToken builds an active token with a fresh secret and a hashed
// password. The returned secret is the only copy of the plain token value.
func NewAccessToken(password string, limits Limits) (*models.AccessToken, error) {
	secret, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	if err := CheckPasswordStrength(password, secret); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &models.AccessToken{
		ID:                     uuid.New().String(),
		Token:                  secret,
		PasswordHash:           hash,
		MaxFileSizeBytes:       limits.MaxFileSizeBytes,
		TotalQuotaBytes:        limits.TotalQuotaBytes,
		MaxConcurrentDownloads: limits.MaxConcurrentDownloads,
		Status:                 models.TokenActive,
		ExpiresAt:              now.Add(limits.TTL),
		CreatedAt:              now,
		UpdatedAt:              now,
	}, nil
}
