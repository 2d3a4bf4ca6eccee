package api

import (
	"mime"
	"net/http"
	"os"

	"github.com/gatedl/gatedl/internal/artifact"
	apperrors "github.com/gatedl/gatedl/internal/errors"
	"github.com/gatedl/gatedl/internal/logger"
	"github.com/gatedl/gatedl/internal/models"
)

// ArtifactHandlers serves finished downloads at /d/{token_id}/{job_id}/{filename}.
// The public path is the credential; no session is required.
type ArtifactHandlers struct {
	downloads DownloadService
	tokens    TokenReader
	root      string
	log       *logger.Logger
}

func NewArtifactHandlers(downloads DownloadService, tokens TokenReader, root string) *ArtifactHandlers {
	return &ArtifactHandlers{
		downloads: downloads,
		tokens:    tokens,
		root:      root,
		log:       logger.Default().WithComponent("artifacts"),
	}
}

func (h *ArtifactHandlers) Serve(w http.ResponseWriter, r *http.Request) error {
	tokenID := r.PathValue("token_id")
	jobID := r.PathValue("job_id")
	filename := r.PathValue("filename")

	path, err := artifact.Locate(h.root, tokenID, jobID, filename)
	if err != nil {
		return apperrors.ArtifactNotFound()
	}

	t, err := h.tokens.GetByID(r.Context(), tokenID)
	if err != nil {
		return apperrors.ArtifactNotFound()
	}
	if err := usable(t); err != nil {
		return err
	}

	d, err := h.downloads.Get(r.Context(), tokenID, jobID)
	if err != nil || d.Status != models.StatusCompleted || d.Filename != filename {
		return apperrors.ArtifactNotFound()
	}

	f, err := os.Open(path)
	if err != nil {
		h.log.Warn(r.Context(), "completed artifact missing on disk", map[string]interface{}{
			"job_id": jobID,
			"path":   path,
		})
		return apperrors.ArtifactNotFound()
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return apperrors.ArtifactNotFound()
	}

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	http.ServeContent(w, r, filename, info.ModTime(), f)
	return nil
}
