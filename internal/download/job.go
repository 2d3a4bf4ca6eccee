package download

import (
	"time"
)

// DownloadJob is the queue payload for one acquisition. The durable record
// lives in Postgres; this is only what a worker needs to start.
type DownloadJob struct {
	ID         string    `json:"id"`
	TokenID    string    `json:"token_id"`
	URL        string    `json:"url"`
	Filename   string    `json:"filename"`
	MaxBytes   int64     `json:"max_bytes"`
	OutputDir  string    `json:"output_dir"`
	Attempt    int       `json:"attempt"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// CanRetry returns true if another attempt fits within maxAttempts
func (j *DownloadJob) CanRetry(maxAttempts int) bool {
	return j.Attempt+1 < maxAttempts
}
