// Package redirect turns a parsed RedirectionSpec into live I/O handles:
// the full contents of the input file for "<", an opened file handle for
// ">"/">>", and engine-managed pipes otherwise.
package redirect

import (
	"log/slog"
	"os"

	"github.com/jkaninda/shellfence/internal/cmdparse"
	"github.com/jkaninda/shellfence/internal/workdir"
)

// InputError reports a failure to open or read the stdin redirection file.
type InputError struct{ Err error }

func (e *InputError) Error() string { return "Failed to open input file" }
func (e *InputError) Unwrap() error { return e.Err }

// OutputError reports a failure to open the stdout redirection file.
type OutputError struct{ Err error }

func (e *OutputError) Error() string { return "Failed to open output file" }
func (e *OutputError) Unwrap() error { return e.Err }

// Handles holds the resolved I/O for one stage. Stdin contents are read
// eagerly — the payload is handed to the process as a stdin write, not
// streamed from the file. A nil Stdout means the supervisor captures the
// stage's output through a pipe.
type Handles struct {
	StdinData []byte
	Stdout    *os.File

	logger *slog.Logger
	closed bool
}

// HasStdin reports whether an input redirection supplied a stdin payload.
func (h *Handles) HasStdin() bool { return h.StdinData != nil }

// Close releases the output handle. Idempotent; close-time I/O errors are
// logged, never raised — at this point the result is already determined.
func (h *Handles) Close() {
	if h == nil || h.closed {
		return
	}
	h.closed = true
	if h.Stdout == nil {
		return
	}
	if err := h.Stdout.Close(); err != nil {
		h.logger.Warn("closing redirection output file",
			slog.String("path", h.Stdout.Name()),
			slog.String("error", err.Error()),
		)
	}
}

// Resolve opens the handles a spec calls for, resolving relative paths
// against the working directory. On any failure nothing is left open.
func Resolve(spec cmdparse.RedirectionSpec, directory string, logger *slog.Logger) (*Handles, error) {
	h := &Handles{logger: logger}

	if spec.HasStdin() {
		path := workdir.Resolve(spec.StdinPath, directory)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &InputError{Err: err}
		}
		h.StdinData = data
	}

	if spec.HasStdout() {
		path := workdir.Resolve(spec.StdoutPath, directory)
		flags := os.O_CREATE | os.O_WRONLY
		if spec.StdoutAppend {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(path, flags, 0644)
		if err != nil {
			return nil, &OutputError{Err: err}
		}
		h.Stdout = f
	}

	return h, nil
}
