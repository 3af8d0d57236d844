// Package workdir validates requested working directories and resolves
// redirection paths against them.
package workdir

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrRequired is returned when no working directory was supplied.
var ErrRequired = errors.New("Directory is required")

// NotAbsoluteError reports a relative working directory.
type NotAbsoluteError struct{ Dir string }

func (e *NotAbsoluteError) Error() string {
	return "Directory must be an absolute path: " + e.Dir
}

// NotFoundError reports a working directory that does not exist.
type NotFoundError struct{ Dir string }

func (e *NotFoundError) Error() string {
	return "Directory does not exist: " + e.Dir
}

// NotDirError reports a path that exists but is not a directory.
type NotDirError struct{ Dir string }

func (e *NotDirError) Error() string {
	return "Not a directory: " + e.Dir
}

// NotAccessibleError reports a directory the process cannot read and enter.
type NotAccessibleError struct{ Dir string }

func (e *NotAccessibleError) Error() string {
	return "Directory is not accessible: " + e.Dir
}

// Validate confirms the directory is absolute, exists, is a directory, and
// is readable+executable. Checks run in this fixed order so error messages
// are deterministic.
func Validate(dir string) error {
	if dir == "" {
		return ErrRequired
	}
	if !filepath.IsAbs(dir) {
		return &NotAbsoluteError{Dir: dir}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return &NotFoundError{Dir: dir}
	}
	if !info.IsDir() {
		return &NotDirError{Dir: dir}
	}
	if err := unix.Access(dir, unix.R_OK|unix.X_OK); err != nil {
		return &NotAccessibleError{Dir: dir}
	}
	return nil
}

// Resolve makes path absolute, joining it onto base when it is relative.
func Resolve(path, base string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if base == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return path
		}
		return abs
	}
	return filepath.Join(base, path)
}
