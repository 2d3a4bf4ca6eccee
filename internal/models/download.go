package models

import (
	"time"
)

// Download status values. Only queued -> downloading -> {completed, failed}
// transitions are legal, plus failed -> downloading when the queue retries.
const (
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// Download is the durable record of one acquisition job.
type Download struct {
	ID              string       `json:"id"`
	TokenID         string       `json:"token_id"`
	SourceURL       string       `json:"source_url"`
	RedirectedURL   *string      `json:"redirected_url,omitempty"`
	Filename        string       `json:"filename"`
	MaxBytes        int64        `json:"max_bytes"`
	OutputPath      string       `json:"-"`
	Status          string       `json:"status"`
	TotalBytes      int64        `json:"total_bytes"`
	DownloadedBytes int64        `json:"downloaded_bytes"`
	Speed           int64        `json:"speed"`
	ETA             int64        `json:"eta"`
	ErrorMessage    *string      `json:"error_message,omitempty"`
	PublicURL       *string      `json:"public_url,omitempty"`
	Strategy        *string      `json:"strategy,omitempty"`
	Torrent         *TorrentInfo `json:"torrent_info,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

// TorrentInfo carries swarm statistics for torrent-backed downloads.
type TorrentInfo struct {
	Hash        string `json:"hash,omitempty"`
	Seeders     int    `json:"seeders"`
	Peers       int    `json:"peers"`
	UploadSpeed int64  `json:"upload_speed"`
}

// IsTerminal returns true if the download is in a terminal state
func (d *Download) IsTerminal() bool {
	return d.Status == StatusCompleted || d.Status == StatusFailed
}

// ProgressSnapshot is the ephemeral live view of a download. The durable
// Download record stays authoritative.
type ProgressSnapshot struct {
	JobID           string       `json:"job_id"`
	TokenID         string       `json:"token_id,omitempty"`
	Status          string       `json:"status"`
	TotalBytes      int64        `json:"total_bytes"`
	DownloadedBytes int64        `json:"downloaded_bytes"`
	Speed           int64        `json:"speed"`
	ETA             int64        `json:"eta"`
	Connections     int          `json:"connections,omitempty"`
	Strategy        string       `json:"strategy,omitempty"`
	Torrent         *TorrentInfo `json:"torrent_info,omitempty"`
	Error           string       `json:"error,omitempty"`
	PublicURL       string       `json:"public_url,omitempty"`
	LastUpdate      time.Time    `json:"last_update"`
}
