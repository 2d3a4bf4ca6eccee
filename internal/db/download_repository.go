package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gatedl/gatedl/internal/models"
)

var (
	ErrDownloadNotFound = errors.New("download not found")
	// ErrAlreadyCompleted is returned when a finished download is picked up again.
	ErrAlreadyCompleted = errors.New("download already completed")
)

const downloadColumns = `id, token_id, source_url, redirected_url, filename, max_bytes, output_path,
	status, total_bytes, downloaded_bytes, speed, eta, error_message, public_url, strategy,
	torrent_hash, torrent_seeders, torrent_peers, torrent_upload_speed,
	created_at, updated_at, started_at, completed_at`

// ProgressUpdate is the durable subset of a progress snapshot
type ProgressUpdate struct {
	TotalBytes      int64
	DownloadedBytes int64
	Speed           int64
	ETA             int64
	Torrent         *models.TorrentInfo
}

// Completion describes the artifact a finished download produced
type Completion struct {
	Filename  string
	Size      int64
	PublicURL string
	Strategy  string
}

type DownloadRepository struct {
	db *DB
}

func NewDownloadRepository(db *DB) *DownloadRepository {
	return &DownloadRepository{db: db}
}

func (r *DownloadRepository) Create(ctx context.Context, d *models.Download) error {
	query := `
		INSERT INTO downloads (id, token_id, source_url, filename, max_bytes, output_path,
			status, total_bytes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = models.StatusQueued
	}

	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.TokenID, d.SourceURL, d.Filename, d.MaxBytes, d.OutputPath,
		d.Status, d.TotalBytes, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func scanDownload(row interface{ Scan(...any) error }) (*models.Download, error) {
	d := &models.Download{}
	var (
		redirected, errMsg, publicURL, strategy, hash sql.NullString
		seeders, peers                                sql.NullInt32
		upSpeed                                       sql.NullInt64
		startedAt, completedAt                        sql.NullTime
	)

	err := row.Scan(
		&d.ID, &d.TokenID, &d.SourceURL, &redirected, &d.Filename, &d.MaxBytes, &d.OutputPath,
		&d.Status, &d.TotalBytes, &d.DownloadedBytes, &d.Speed, &d.ETA, &errMsg, &publicURL, &strategy,
		&hash, &seeders, &peers, &upSpeed,
		&d.CreatedAt, &d.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDownloadNotFound
		}
		return nil, err
	}

	d.RedirectedURL = nullStringPtr(redirected)
	d.ErrorMessage = nullStringPtr(errMsg)
	d.PublicURL = nullStringPtr(publicURL)
	d.Strategy = nullStringPtr(strategy)
	if startedAt.Valid {
		d.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		d.CompletedAt = &completedAt.Time
	}
	if hash.Valid {
		d.Torrent = &models.TorrentInfo{
			Hash:        hash.String,
			Seeders:     int(seeders.Int32),
			Peers:       int(peers.Int32),
			UploadSpeed: upSpeed.Int64,
		}
	}
	return d, nil
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func (r *DownloadRepository) Get(ctx context.Context, id string) (*models.Download, error) {
	query := `SELECT ` + downloadColumns + ` FROM downloads WHERE id = $1`
	return scanDownload(r.db.QueryRowContext(ctx, query, id))
}

// GetForToken scopes the lookup to one access token so callers cannot read
// downloads they do not own.
func (r *DownloadRepository) GetForToken(ctx context.Context, tokenID, id string) (*models.Download, error) {
	query := `SELECT ` + downloadColumns + ` FROM downloads WHERE id = $1 AND token_id = $2`
	return scanDownload(r.db.QueryRowContext(ctx, query, id, tokenID))
}

func (r *DownloadRepository) ListByToken(ctx context.Context, tokenID string, limit int) ([]models.Download, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + downloadColumns + `
		FROM downloads
		WHERE token_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, tokenID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []models.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		downloads = append(downloads, *d)
	}
	return downloads, rows.Err()
}

// CountActive counts queued and in-flight downloads for a token
func (r *DownloadRepository) CountActive(ctx context.Context, tokenID string) (int, error) {
	query := `SELECT COUNT(*) FROM downloads WHERE token_id = $1 AND status IN ('queued', 'downloading')`

	var n int
	err := r.db.QueryRowContext(ctx, query, tokenID).Scan(&n)
	return n, err
}

// MarkDownloading moves a job into the downloading state and returns the
// fresh record. Returns ErrAlreadyCompleted if the job finished earlier.
func (r *DownloadRepository) MarkDownloading(ctx context.Context, id string) (*models.Download, error) {
	query := `
		UPDATE downloads
		SET status = 'downloading', error_message = NULL,
			started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status <> 'completed'
		RETURNING ` + downloadColumns

	d, err := scanDownload(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, ErrDownloadNotFound) {
		existing, getErr := r.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if existing.Status == models.StatusCompleted {
			return existing, ErrAlreadyCompleted
		}
		return nil, ErrDownloadNotFound
	}
	return d, err
}

// UpdateProgress persists a durable progress snapshot. downloaded_bytes never
// moves backwards and never passes a known total.
func (r *DownloadRepository) UpdateProgress(ctx context.Context, id string, p ProgressUpdate) error {
	query := `
		UPDATE downloads
		SET total_bytes = GREATEST(total_bytes, $2),
			downloaded_bytes = GREATEST(downloaded_bytes,
				CASE WHEN GREATEST(total_bytes, $2) > 0 THEN LEAST($3, GREATEST(total_bytes, $2)) ELSE $3 END),
			speed = $4, eta = $5,
			torrent_seeders = COALESCE($6, torrent_seeders),
			torrent_peers = COALESCE($7, torrent_peers),
			torrent_upload_speed = COALESCE($8, torrent_upload_speed),
			updated_at = NOW()
		WHERE id = $1 AND status = 'downloading'
	`

	var seeders, peers sql.NullInt32
	var upSpeed sql.NullInt64
	if p.Torrent != nil {
		seeders = sql.NullInt32{Int32: int32(p.Torrent.Seeders), Valid: true}
		peers = sql.NullInt32{Int32: int32(p.Torrent.Peers), Valid: true}
		upSpeed = sql.NullInt64{Int64: p.Torrent.UploadSpeed, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query, id, p.TotalBytes, p.DownloadedBytes, p.Speed, p.ETA, seeders, peers, upSpeed)
	return err
}

func (r *DownloadRepository) SetRedirectedURL(ctx context.Context, id, redirected string) error {
	query := `UPDATE downloads SET redirected_url = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, redirected)
	return err
}

// SetTorrentHash stores the daemon's identifier for a torrent-backed download
func (r *DownloadRepository) SetTorrentHash(ctx context.Context, id, hash string) error {
	query := `UPDATE downloads SET torrent_hash = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, hash)
	return err
}

// Complete finalizes a download and charges its size to the owning token in
// one transaction. The charge happens at most once per download; applied
// reports whether this call performed it.
func (r *DownloadRepository) Complete(ctx context.Context, id string, c Completion) (applied bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var tokenID string
	var alreadyCharged bool
	err = tx.QueryRowContext(ctx, `
		UPDATE downloads
		SET status = 'completed', filename = $2, total_bytes = $3, downloaded_bytes = $3,
			public_url = $4, strategy = $5, speed = 0, eta = 0, error_message = NULL,
			completed_at = COALESCE(completed_at, NOW()), updated_at = NOW()
		WHERE id = $1
		RETURNING token_id, quota_applied
	`, id, c.Filename, c.Size, c.PublicURL, c.Strategy).Scan(&tokenID, &alreadyCharged)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrDownloadNotFound
		}
		return false, fmt.Errorf("mark completed: %w", err)
	}

	if !alreadyCharged {
		if _, err = tx.ExecContext(ctx,
			`UPDATE downloads SET quota_applied = TRUE WHERE id = $1`, id); err != nil {
			return false, fmt.Errorf("flag quota applied: %w", err)
		}

		var res sql.Result
		res, err = tx.ExecContext(ctx, `
			UPDATE access_tokens
			SET used_bytes = used_bytes + $2, updated_at = NOW()
			WHERE id = $1
		`, tokenID, c.Size)
		if err != nil {
			return false, fmt.Errorf("charge quota: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			err = ErrTokenNotFound
			return false, err
		}
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit complete tx: %w", err)
	}
	return !alreadyCharged, nil
}

// Fail records a terminal failure. Completed downloads are left untouched.
func (r *DownloadRepository) Fail(ctx context.Context, id, message string) error {
	query := `
		UPDATE downloads
		SET status = 'failed', error_message = $2, speed = 0, eta = 0, updated_at = NOW()
		WHERE id = $1 AND status <> 'completed'
	`
	_, err := r.db.ExecContext(ctx, query, id, message)
	return err
}

// Requeue returns a failed download to the queued state ahead of a retry
func (r *DownloadRepository) Requeue(ctx context.Context, id, reason string) error {
	query := `
		UPDATE downloads
		SET status = 'queued', error_message = $2, speed = 0, eta = 0, updated_at = NOW()
		WHERE id = $1 AND status <> 'completed'
	`
	_, err := r.db.ExecContext(ctx, query, id, reason)
	return err
}
