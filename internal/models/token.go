package models

import (
	"time"
)

const (
	TokenActive  = "active"
	TokenRevoked = "revoked"
	TokenExpired = "expired"
)

// AccessToken gates submissions and carries the byte quota.
type AccessToken struct {
	ID                     string    `json:"id"`
	Token                  string    `json:"token"`
	PasswordHash           string    `json:"-"`
	MaxFileSizeBytes       int64     `json:"max_file_size_bytes"`
	TotalQuotaBytes        int64     `json:"total_quota_bytes"`
	UsedBytes              int64     `json:"used_bytes"`
	MaxConcurrentDownloads int       `json:"max_concurrent_downloads"`
	Status                 string    `json:"status"`
	ExpiresAt              time.Time `json:"expires_at"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// RemainingBytes returns how much of the quota is left, never negative.
func (t *AccessToken) RemainingBytes() int64 {
	if left := t.TotalQuotaBytes - t.UsedBytes; left > 0 {
		return left
	}
	return 0
}

// IsUsable reports whether the token may submit new downloads at now.
func (t *AccessToken) IsUsable(now time.Time) bool {
	return t.Status == TokenActive && now.Before(t.ExpiresAt)
}

// TokenSummary is the view of a token shown to its holder. The secret and
// password hash are never part of it.
type TokenSummary struct {
	ID                     string    `json:"id"`
	TokenPrefix            string    `json:"token_prefix"`
	MaxFileSizeBytes       int64     `json:"max_file_size_bytes"`
	TotalQuotaBytes        int64     `json:"total_quota_bytes"`
	UsedBytes              int64     `json:"used_bytes"`
	RemainingBytes         int64     `json:"remaining_bytes"`
	MaxConcurrentDownloads int       `json:"max_concurrent_downloads"`
	Status                 string    `json:"status"`
	ExpiresAt              time.Time `json:"expires_at"`
}

func (t *AccessToken) Summary() TokenSummary {
	prefix := t.Token
	if len(prefix) > 8 {
		prefix = prefix[:8] + "..."
	}
	return TokenSummary{
		ID:                     t.ID,
		TokenPrefix:            prefix,
		MaxFileSizeBytes:       t.MaxFileSizeBytes,
		TotalQuotaBytes:        t.TotalQuotaBytes,
		UsedBytes:              t.UsedBytes,
		RemainingBytes:         t.RemainingBytes(),
		MaxConcurrentDownloads: t.MaxConcurrentDownloads,
		Status:                 t.Status,
		ExpiresAt:              t.ExpiresAt,
	}
}
