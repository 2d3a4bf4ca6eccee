package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type DB struct {
	*sql.DB
}

func New(host, port, user, password, dbname string) (*DB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname,
	)
	return Open(connStr)
}

// Open connects using a libpq connection string or postgres:// URL.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS access_tokens (
		id UUID PRIMARY KEY,
		token VARCHAR(128) UNIQUE NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		max_file_size_bytes BIGINT NOT NULL,
		total_quota_bytes BIGINT NOT NULL,
		used_bytes BIGINT NOT NULL DEFAULT 0,
		max_concurrent_downloads INTEGER NOT NULL DEFAULT 1,
		status VARCHAR(16) NOT NULL DEFAULT 'active',
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		CONSTRAINT access_tokens_used_bytes_nonneg CHECK (used_bytes >= 0)
	);

	CREATE TABLE IF NOT EXISTS downloads (
		id UUID PRIMARY KEY,
		token_id UUID NOT NULL REFERENCES access_tokens(id) ON DELETE CASCADE,
		source_url TEXT NOT NULL,
		redirected_url TEXT,
		filename VARCHAR(255) NOT NULL,
		max_bytes BIGINT NOT NULL,
		output_path TEXT NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'queued',
		total_bytes BIGINT NOT NULL DEFAULT 0,
		downloaded_bytes BIGINT NOT NULL DEFAULT 0,
		speed BIGINT NOT NULL DEFAULT 0,
		eta BIGINT NOT NULL DEFAULT 0,
		error_message TEXT,
		public_url TEXT,
		strategy VARCHAR(32),
		torrent_hash VARCHAR(64),
		torrent_seeders INTEGER,
		torrent_peers INTEGER,
		torrent_upload_speed BIGINT,
		quota_applied BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		started_at TIMESTAMP WITH TIME ZONE,
		completed_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_token_id ON downloads(token_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_downloads_active ON downloads(token_id) WHERE status IN ('queued', 'downloading');
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
