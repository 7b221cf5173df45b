// Package workspace owns the temporary files of a single synthesis run.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Workspace is a run-scoped directory. Everything written through it is
// removed by Release.
type Workspace struct {
	dir      string
	mu       sync.Mutex
	released bool
}

// New creates a fresh directory under root (os.TempDir when root is empty).
func New(root, runID string) (*Workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}
	dir, err := os.MkdirTemp(root, "narrator_"+runID+"_*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

func (w *Workspace) Dir() string { return w.dir }

// Path returns the location of name inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, filepath.Base(name))
}

// StageFile writes data under name and returns its path.
func (w *Workspace) StageFile(name string, data []byte) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return "", fmt.Errorf("workspace %s already released", w.dir)
	}
	path := w.Path(name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("stage %s: %w", name, err)
	}
	return path, nil
}

// WritePart stores the audio produced for segment index.
func (w *Workspace) WritePart(index int, data []byte) (string, error) {
	return w.StageFile(fmt.Sprintf("part_%05d.wav", index), data)
}

// Remove deletes a single staged file. Missing files are ignored.
func (w *Workspace) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Release deletes the workspace and everything in it. It is safe to call more
// than once.
func (w *Workspace) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return nil
	}
	w.released = true
	return os.RemoveAll(w.dir)
}
