package redirect

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jkaninda/shellfence/internal/cmdparse"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveStdin(t *testing.T) {
	tmp := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmp, "in.txt"), []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}

	h, err := Resolve(cmdparse.RedirectionSpec{StdinPath: "in.txt"}, tmp, testLogger())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer h.Close()

	if !h.HasStdin() {
		t.Fatal("HasStdin = false")
	}
	if string(h.StdinData) != "abc" {
		t.Errorf("StdinData = %q, want abc", h.StdinData)
	}
	if h.Stdout != nil {
		t.Error("Stdout handle opened without output redirection")
	}
}

func TestResolveStdinMissingFile(t *testing.T) {
	_, err := Resolve(cmdparse.RedirectionSpec{StdinPath: "nope.txt"}, t.TempDir(), testLogger())
	var inErr *InputError
	if !errors.As(err, &inErr) {
		t.Fatalf("err = %v, want InputError", err)
	}
	if err.Error() != "Failed to open input file" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestResolveStdoutTruncateThenAppend(t *testing.T) {
	tmp := t.TempDir()

	write := func(spec cmdparse.RedirectionSpec, data string) {
		t.Helper()
		h, err := Resolve(spec, tmp, testLogger())
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if _, err := h.Stdout.WriteString(data); err != nil {
			t.Fatal(err)
		}
		h.Close()
	}

	write(cmdparse.RedirectionSpec{StdoutPath: "out.txt"}, "first\n")
	write(cmdparse.RedirectionSpec{StdoutPath: "out.txt", StdoutAppend: true}, "second\n")

	data, err := os.ReadFile(filepath.Join(tmp, "out.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first\nsecond\n" {
		t.Errorf("file = %q, want first then second", data)
	}

	// Truncate mode replaces earlier content.
	write(cmdparse.RedirectionSpec{StdoutPath: "out.txt"}, "fresh\n")
	data, err = os.ReadFile(filepath.Join(tmp, "out.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "fresh\n" {
		t.Errorf("file = %q, want fresh only", data)
	}
}

func TestResolveStdoutUnwritableDir(t *testing.T) {
	_, err := Resolve(cmdparse.RedirectionSpec{StdoutPath: "missing/dir/out.txt"}, t.TempDir(), testLogger())
	var outErr *OutputError
	if !errors.As(err, &outErr) {
		t.Fatalf("err = %v, want OutputError", err)
	}
	if err.Error() != "Failed to open output file" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestCloseIdempotent(t *testing.T) {
	tmp := t.TempDir()
	h, err := Resolve(cmdparse.RedirectionSpec{StdoutPath: "out.txt"}, tmp, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	h.Close()
	h.Close() // second close must be a no-op, not a double-close error

	var nilHandles *Handles
	nilHandles.Close() // nil receiver tolerated
}

func TestResolveAbsolutePaths(t *testing.T) {
	tmp := t.TempDir()
	abs := filepath.Join(tmp, "abs-in.txt")
	if err := os.WriteFile(abs, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}

	h, err := Resolve(cmdparse.RedirectionSpec{StdinPath: abs}, "/somewhere/else", testLogger())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer h.Close()
	if string(h.StdinData) != "payload" {
		t.Errorf("StdinData = %q", h.StdinData)
	}
}
