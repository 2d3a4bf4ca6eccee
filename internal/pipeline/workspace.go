package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	apperrors "github.com/gatedl/gatedl/internal/errors"
)

// diskReserve is kept free on the downloads volume beyond the expected size
const diskReserve = 512 << 20

// FreeSpaceFunc reports free bytes on the filesystem holding path
type FreeSpaceFunc func(ctx context.Context, path string) (uint64, error)

// DiskFree reads free space with gopsutil
func DiskFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Workspace is a job's output directory. It is created on Prepare and
// removed on Discard, so failed jobs leave nothing behind.
type Workspace struct {
	Root string
	Dir  string

	free FreeSpaceFunc
}

func NewWorkspace(root, dir string, free FreeSpaceFunc) *Workspace {
	return &Workspace{Root: root, Dir: dir, free: free}
}

// Prepare creates the directory. Every attempt starts empty since a failed
// attempt discards its workspace.
func (w *Workspace) Prepare() error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return apperrors.StorageError("failed to create output directory").WithCause(err)
	}
	return nil
}

// EnsureSpace fails when expected bytes would not fit next to the reserve
func (w *Workspace) EnsureSpace(ctx context.Context, expected int64) error {
	if w.free == nil || expected <= 0 {
		return nil
	}
	path := w.Dir
	if _, err := os.Stat(path); err != nil {
		path = w.Root
	}
	free, err := w.free(ctx, path)
	if err != nil {
		// Unknown free space never blocks a job
		return nil
	}
	need := uint64(expected) + diskReserve
	if free < need {
		return apperrors.InsufficientDisk(need, free)
	}
	return nil
}

// Finalize moves the artifact to <dir>/<filename> and removes every other
// file in the workspace. It returns the final path.
func (w *Workspace) Finalize(path, filename string) (string, error) {
	final := filepath.Join(w.Dir, filename)
	if filepath.Clean(path) != final {
		if err := os.Rename(path, final); err != nil {
			return "", apperrors.StorageError("failed to move artifact into place").WithCause(err)
		}
	}

	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return final, nil
	}
	for _, e := range entries {
		if e.Name() == filename {
			continue
		}
		os.RemoveAll(filepath.Join(w.Dir, e.Name()))
	}
	return final, nil
}

// Discard removes the workspace and everything in it
func (w *Workspace) Discard() error {
	if w.Dir == "" || filepath.Clean(w.Dir) == filepath.Clean(w.Root) {
		return fmt.Errorf("refusing to remove workspace root %q", w.Dir)
	}
	if err := os.RemoveAll(w.Dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
