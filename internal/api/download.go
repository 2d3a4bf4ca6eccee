package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gatedl/gatedl/internal/auth"
	apperrors "github.com/gatedl/gatedl/internal/errors"
	"github.com/gatedl/gatedl/internal/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// DownloadService is the submission side of the pipeline as the portal sees it
type DownloadService interface {
	Submit(ctx context.Context, tokenID, rawURL string) (*models.Download, error)
	Get(ctx context.Context, tokenID, jobID string) (*models.Download, error)
	List(ctx context.Context, tokenID string, limit int) ([]models.Download, error)
	Cancel(ctx context.Context, tokenID, jobID string) error
}

// TokenReader loads access tokens by id
type TokenReader interface {
	GetByID(ctx context.Context, id string) (*models.AccessToken, error)
}

type DownloadHandlers struct {
	downloads DownloadService
	tokens    TokenReader
}

func NewDownloadHandlers(downloads DownloadService, tokens TokenReader) *DownloadHandlers {
	return &DownloadHandlers{
		downloads: downloads,
		tokens:    tokens,
	}
}

type CreateDownloadRequest struct {
	URL string `json:"url"`
}

// DownloadResponse is a download with its progress as a percentage
type DownloadResponse struct {
	models.Download
	Progress float64 `json:"progress"`
}

func newDownloadResponse(d *models.Download) DownloadResponse {
	resp := DownloadResponse{Download: *d}
	switch {
	case d.Status == models.StatusCompleted:
		resp.Progress = 100
	case d.TotalBytes > 0:
		resp.Progress = float64(int(float64(d.DownloadedBytes)/float64(d.TotalBytes)*10000)) / 100
	}
	return resp
}

// CreateDownload handles POST /api/v1/downloads
func (h *DownloadHandlers) CreateDownload(w http.ResponseWriter, r *http.Request) error {
	tokenID := auth.GetTokenID(r.Context())
	if tokenID == "" {
		return apperrors.Unauthorized("not authenticated")
	}

	var req CreateDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return apperrors.BadRequest("invalid request body")
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return apperrors.ValidationError("url is required")
	}

	d, err := h.downloads.Submit(r.Context(), tokenID, req.URL)
	if err != nil {
		return err
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusCreated, newDownloadResponse(d))
	return nil
}

// GetDownload handles GET /api/v1/downloads/{job_id}
func (h *DownloadHandlers) GetDownload(w http.ResponseWriter, r *http.Request) error {
	tokenID := auth.GetTokenID(r.Context())
	if tokenID == "" {
		return apperrors.Unauthorized("not authenticated")
	}

	jobID := r.PathValue("job_id")
	if jobID == "" {
		return apperrors.BadRequest("job_id is required")
	}

	d, err := h.downloads.Get(r.Context(), tokenID, jobID)
	if err != nil {
		return err
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, newDownloadResponse(d))
	return nil
}

// ListDownloads handles GET /api/v1/downloads?limit=N
func (h *DownloadHandlers) ListDownloads(w http.ResponseWriter, r *http.Request) error {
	tokenID := auth.GetTokenID(r.Context())
	if tokenID == "" {
		return apperrors.Unauthorized("not authenticated")
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return apperrors.ValidationError("limit must be a positive integer")
		}
		limit = min(n, maxListLimit)
	}

	downloads, err := h.downloads.List(r.Context(), tokenID, limit)
	if err != nil {
		return err
	}

	responses := make([]DownloadResponse, 0, len(downloads))
	for i := range downloads {
		responses = append(responses, newDownloadResponse(&downloads[i]))
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, map[string]interface{}{
		"downloads": responses,
	})
	return nil
}

// CancelDownload handles DELETE /api/v1/downloads/{job_id}
func (h *DownloadHandlers) CancelDownload(w http.ResponseWriter, r *http.Request) error {
	tokenID := auth.GetTokenID(r.Context())
	if tokenID == "" {
		return apperrors.Unauthorized("not authenticated")
	}

	if err := h.downloads.Cancel(r.Context(), tokenID, r.PathValue("job_id")); err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// GetToken handles GET /api/v1/token, the session token's quota summary
func (h *DownloadHandlers) GetToken(w http.ResponseWriter, r *http.Request) error {
	tokenID := auth.GetTokenID(r.Context())
	if tokenID == "" {
		return apperrors.Unauthorized("not authenticated")
	}

	t, err := h.tokens.GetByID(r.Context(), tokenID)
	if err != nil {
		return apperrors.InvalidToken("access token no longer exists")
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, t.Summary())
	return nil
}

// usable mirrors the session check for callers that hold only a token id
func usable(t *models.AccessToken) error {
	if t.IsUsable(time.Now()) {
		return nil
	}
	status := t.Status
	if status == models.TokenActive {
		status = models.TokenExpired
	}
	return apperrors.TokenInactive(status)
}
