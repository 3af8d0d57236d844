// Package workspace manages the shellfence runtime directory structure.
// All runtime state (history database, audit log, application logs) is
// consolidated under a single workspace root, making the server portable.
//
// Default workspace: ~/.shellfence/workspace (configurable via config or
// SHELLFENCE_WORKSPACE env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".shellfence/workspace"

// Workspace manages runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path. It resolves ~ to the
// user's home directory and creates the root directory if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.shellfence/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// DataDir returns <root>/data/. Stores the execution history database.
func (w *Workspace) DataDir() string {
	return w.dir("data")
}

// LogsDir returns <root>/logs/. Application log files and the audit trail.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// AuditPath returns <root>/logs/audit.jsonl.
func (w *Workspace) AuditPath() string {
	return filepath.Join(w.LogsDir(), "audit.jsonl")
}

// HistoryDBPath returns <root>/data/history.db, the default SQLite path.
func (w *Workspace) HistoryDBPath() string {
	return filepath.Join(w.DataDir(), "history.db")
}

// ConfigPath returns <root>/config.yaml.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Root, "config.yaml")
}

// dir ensures <root>/<name> exists and returns its path.
func (w *Workspace) dir(name string) string {
	path := filepath.Join(w.Root, name)
	if err := w.ensureDir(path, 0750); err != nil {
		// Directory creation failures surface on first file use; the
		// accessor stays infallible for call-site ergonomics.
		return path
	}
	return path
}

func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}
	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}
	w.created[path] = true
	return nil
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return filepath.Abs(path)
}
