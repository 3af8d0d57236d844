package workdir

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidate(t *testing.T) {
	tmp := t.TempDir()
	file := filepath.Join(tmp, "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		dir     string
		wantErr string
	}{
		{"valid", tmp, ""},
		{"missing", "", "Directory is required"},
		{"relative", "some/relative/path", "Directory must be an absolute path: some/relative/path"},
		{"nonexistent", filepath.Join(tmp, "nope"), "Directory does not exist: " + filepath.Join(tmp, "nope")},
		{"not a directory", file, "Not a directory: " + file},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.dir)
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Validate(%q) = %v, want nil", tc.dir, err)
				}
				return
			}
			if err == nil || err.Error() != tc.wantErr {
				t.Errorf("Validate(%q) = %v, want %q", tc.dir, err, tc.wantErr)
			}
		})
	}
}

func TestValidateNotAccessible(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks are bypassed for root")
	}

	tmp := t.TempDir()
	locked := filepath.Join(tmp, "locked")
	if err := os.Mkdir(locked, 0000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0755) })

	err := Validate(locked)
	var accErr *NotAccessibleError
	if !errors.As(err, &accErr) {
		t.Errorf("err = %v, want NotAccessibleError", err)
	}
}

func TestValidateRequired(t *testing.T) {
	if err := Validate(""); !errors.Is(err, ErrRequired) {
		t.Errorf("err = %v, want ErrRequired", err)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		path string
		base string
		want string
	}{
		{"absolute stays", "/etc/hosts", "/tmp", "/etc/hosts"},
		{"relative joined", "out.txt", "/work", "/work/out.txt"},
		{"nested relative", "sub/out.txt", "/work", "/work/sub/out.txt"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Resolve(tc.path, tc.base); got != tc.want {
				t.Errorf("Resolve(%q, %q) = %q, want %q", tc.path, tc.base, got, tc.want)
			}
		})
	}
}
