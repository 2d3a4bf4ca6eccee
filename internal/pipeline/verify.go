package pipeline

import (
	"io"
	"os"

	apperrors "github.com/gatedl/gatedl/internal/errors"
	"github.com/gatedl/gatedl/internal/sniff"
)

// DefaultMinRealFileBytes is the smallest artifact accepted as real content
const DefaultMinRealFileBytes = 5 << 20

// Verifier is the gate every produced file passes before it is accepted
type Verifier struct {
	MinBytes int64
}

// Check returns the file's size, or a content error explaining why the file
// is not the payload: markup where binary was expected, a body below the
// minimum, or one above the allowed maximum.
func (v Verifier) Check(path string, maxBytes int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, apperrors.StorageError("artifact missing after fetch").WithCause(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, apperrors.StorageError("failed to stat artifact").WithCause(err)
	}
	size := info.Size()

	head := make([]byte, sniff.HeadSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return size, apperrors.StorageError("failed to read artifact").WithCause(err)
	}
	if sniff.LooksLikeHTML(head[:n]) {
		return size, apperrors.HTMLResponse()
	}

	if size < v.MinBytes || size == 0 {
		return size, apperrors.FileTooSmall(size, v.MinBytes)
	}
	if maxBytes > 0 && size > maxBytes {
		return size, apperrors.SizeExceeded(size, maxBytes)
	}
	return size, nil
}
