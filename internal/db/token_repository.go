package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gatedl/gatedl/internal/models"
)

var ErrTokenNotFound = errors.New("access token not found")

const tokenColumns = `id, token, password_hash, max_file_size_bytes, total_quota_bytes, used_bytes,
	max_concurrent_downloads, status, expires_at, created_at, updated_at`

type AccessTokenRepository struct {
	db *DB
}

func NewAccessTokenRepository(db *DB) *AccessTokenRepository {
	return &AccessTokenRepository{db: db}
}

func (r *AccessTokenRepository) Create(ctx context.Context, t *models.AccessToken) error {
	query := `
		INSERT INTO access_tokens (id, token, password_hash, max_file_size_bytes, total_quota_bytes,
			used_bytes, max_concurrent_downloads, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = models.TokenActive
	}

	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.Token, t.PasswordHash, t.MaxFileSizeBytes, t.TotalQuotaBytes,
		t.UsedBytes, t.MaxConcurrentDownloads, t.Status, t.ExpiresAt, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func scanToken(row interface{ Scan(...any) error }) (*models.AccessToken, error) {
	t := &models.AccessToken{}
	err := row.Scan(
		&t.ID, &t.Token, &t.PasswordHash, &t.MaxFileSizeBytes, &t.TotalQuotaBytes, &t.UsedBytes,
		&t.MaxConcurrentDownloads, &t.Status, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	// Expiry is derived at read time; the stored status only records revocation.
	if t.Status == models.TokenActive && !time.Now().Before(t.ExpiresAt) {
		t.Status = models.TokenExpired
	}
	return t, nil
}

// GetByToken looks a token up by its secret value
func (r *AccessTokenRepository) GetByToken(ctx context.Context, token string) (*models.AccessToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM access_tokens WHERE token = $1`
	return scanToken(r.db.QueryRowContext(ctx, query, token))
}

func (r *AccessTokenRepository) GetByID(ctx context.Context, id string) (*models.AccessToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM access_tokens WHERE id = $1`
	return scanToken(r.db.QueryRowContext(ctx, query, id))
}

func (r *AccessTokenRepository) List(ctx context.Context) ([]models.AccessToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM access_tokens ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []models.AccessToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

func (r *AccessTokenRepository) Revoke(ctx context.Context, id string) error {
	query := `
		UPDATE access_tokens
		SET status = 'revoked', updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrTokenNotFound
	}

	return nil
}
