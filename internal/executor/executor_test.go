package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/shellfence/internal/audit"
	"github.com/jkaninda/shellfence/internal/history"
	"github.com/jkaninda/shellfence/internal/observability"
	"github.com/jkaninda/shellfence/internal/policy"
	"github.com/jkaninda/shellfence/internal/process"
	"github.com/jkaninda/shellfence/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testExecutor allows a small command set and spawns through plain /bin/sh
// so stderr stays free of job-control noise.
func testExecutor(t *testing.T, opts ...Option) *Executor {
	t.Helper()
	pol := policy.New([]string{"echo", "cat", "tr", "sh", "sleep", "wc"}, nil, testLogger())
	sup := process.NewSupervisor(testLogger(), process.WithShell("/bin/sh"), process.WithInteractive(false))
	return New(pol, sup, testLogger(), opts...)
}

func TestExecuteEcho(t *testing.T) {
	e := testExecutor(t)
	dir := t.TempDir()

	res := e.Execute(context.Background(), Request{
		Command:   []string{"echo", "hello"},
		Directory: dir,
	})

	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if res.Status != 0 {
		t.Errorf("status = %d, want 0", res.Status)
	}
	if res.Stdout != "hello" {
		t.Errorf("stdout = %q, want %q (trimmed)", res.Stdout, "hello")
	}
	if res.Directory != dir {
		t.Errorf("directory = %q, want %q", res.Directory, dir)
	}
	if res.ExecutionTime <= 0 {
		t.Error("execution time not recorded")
	}
}

func TestNonZeroExitIsNotAnError(t *testing.T) {
	e := testExecutor(t)

	res := e.Execute(context.Background(), Request{
		Command:   []string{"sh", "-c", "exit 3"},
		Directory: t.TempDir(),
	})

	if res.Error != "" {
		t.Fatalf("non-zero exit must not set Error: %s", res.Error)
	}
	if res.Status != 3 {
		t.Errorf("status = %d, want 3", res.Status)
	}
}

func TestCommandNotAllowed(t *testing.T) {
	e := testExecutor(t)

	res := e.Execute(context.Background(), Request{
		Command:   []string{"rm", "-rf", "/"},
		Directory: t.TempDir(),
	})

	if res.Error != "Command not allowed: rm" {
		t.Errorf("error = %q", res.Error)
	}
	if res.Status != 1 {
		t.Errorf("status = %d, want 1", res.Status)
	}
	if res.Stderr != res.Error {
		t.Errorf("stderr %q must mirror error %q", res.Stderr, res.Error)
	}
}

func TestEmptyCommand(t *testing.T) {
	e := testExecutor(t)

	for _, command := range [][]string{nil, {}, {""}} {
		res := e.Execute(context.Background(), Request{
			Command:   command,
			Directory: t.TempDir(),
		})
		if res.Error != "Empty command" {
			t.Errorf("Execute(%q) error = %q, want %q", command, res.Error, "Empty command")
		}
	}
}

func TestNoPolicyConfigured(t *testing.T) {
	pol := policy.New(nil, nil, testLogger())
	sup := process.NewSupervisor(testLogger(), process.WithShell("/bin/sh"), process.WithInteractive(false))
	e := New(pol, sup, testLogger())

	res := e.Execute(context.Background(), Request{
		Command:   []string{"echo", "hi"},
		Directory: t.TempDir(),
	})

	want := "No commands are allowed. Please set ALLOW_COMMANDS environment variable."
	if res.Error != want {
		t.Errorf("error = %q, want %q", res.Error, want)
	}
}

func TestDirectoryValidation(t *testing.T) {
	e := testExecutor(t)
	missing := filepath.Join(t.TempDir(), "gone")

	tests := []struct {
		name string
		dir  string
		want string
	}{
		{"empty", "", "Directory is required"},
		{"relative", "some/dir", "Directory must be an absolute path: some/dir"},
		{"missing", missing, "Directory does not exist: " + missing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Execute(context.Background(), Request{
				Command:   []string{"echo", "hi"},
				Directory: tt.dir,
			})
			if res.Error != tt.want {
				t.Errorf("error = %q, want %q", res.Error, tt.want)
			}
			if res.Status != 1 {
				t.Errorf("status = %d, want 1", res.Status)
			}
		})
	}
}

func TestShellOperatorRejected(t *testing.T) {
	e := testExecutor(t)
	dir := t.TempDir()

	for _, op := range []string{";", "&&", "||"} {
		res := e.Execute(context.Background(), Request{
			Command:   []string{"echo", "hi", op, "echo", "bye"},
			Directory: dir,
		})
		if res.Error != "Unexpected shell operator: "+op {
			t.Errorf("operator %q: error = %q", op, res.Error)
		}
	}
}

func TestStdinPassthrough(t *testing.T) {
	e := testExecutor(t)

	res := e.Execute(context.Background(), Request{
		Command:   []string{"cat"},
		Directory: t.TempDir(),
		Stdin:     "via stdin",
	})

	if res.Error != "" {
		t.Fatal(res.Error)
	}
	if res.Stdout != "via stdin" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestOutputRedirection(t *testing.T) {
	e := testExecutor(t)
	dir := t.TempDir()

	res := e.Execute(context.Background(), Request{
		Command:   []string{"echo", "redirected", ">", "out.txt"},
		Directory: dir,
	})

	if res.Error != "" {
		t.Fatal(res.Error)
	}
	if res.Stdout != "" {
		t.Errorf("stdout should be empty when redirected, got %q", res.Stdout)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "redirected\n" {
		t.Errorf("file contents = %q", data)
	}
}

func TestAppendRedirection(t *testing.T) {
	e := testExecutor(t)
	dir := t.TempDir()

	for _, word := range []string{"one", "two"} {
		res := e.Execute(context.Background(), Request{
			Command:   []string{"echo", word, ">>", "log.txt"},
			Directory: dir,
		})
		if res.Error != "" {
			t.Fatal(res.Error)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "one\ntwo\n" {
		t.Errorf("file contents = %q", data)
	}
}

func TestInputRedirection(t *testing.T) {
	e := testExecutor(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "in.txt"), []byte("from file\n"), 0644); err != nil {
		t.Fatal(err)
	}

	res := e.Execute(context.Background(), Request{
		Command:   []string{"cat", "<", "in.txt"},
		Directory: dir,
		Stdin:     "caller stdin is overridden",
	})

	if res.Error != "" {
		t.Fatal(res.Error)
	}
	if res.Stdout != "from file" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestInputRedirectionMissingFile(t *testing.T) {
	e := testExecutor(t)

	res := e.Execute(context.Background(), Request{
		Command:   []string{"cat", "<", "missing.txt"},
		Directory: t.TempDir(),
	})

	if res.Error != "Failed to open input file" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestMissingRedirectionTarget(t *testing.T) {
	e := testExecutor(t)

	res := e.Execute(context.Background(), Request{
		Command:   []string{"echo", "hi", ">"},
		Directory: t.TempDir(),
	})

	if res.Error != "Missing path for output redirection" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestTimeout(t *testing.T) {
	e := testExecutor(t)
	start := time.Now()

	res := e.Execute(context.Background(), Request{
		Command:   []string{"sleep", "10"},
		Directory: t.TempDir(),
		Timeout:   1 * time.Second,
	})

	if res.Status != -1 {
		t.Errorf("status = %d, want -1", res.Status)
	}
	if res.Error != "Command timed out after 1 seconds" {
		t.Errorf("error = %q", res.Error)
	}
	if res.Stderr != res.Error {
		t.Errorf("stderr %q must mirror error %q", res.Stderr, res.Error)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s, want prompt termination", elapsed)
	}
}

func TestPipeline(t *testing.T) {
	e := testExecutor(t)

	res := e.Execute(context.Background(), Request{
		Command:   []string{"echo", "hello", "|", "tr", "a-z", "A-Z"},
		Directory: t.TempDir(),
	})

	if res.Error != "" {
		t.Fatal(res.Error)
	}
	// Pipeline output is not trimmed.
	if res.Stdout != "HELLO\n" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "HELLO\n")
	}
	if res.Status != 0 {
		t.Errorf("status = %d", res.Status)
	}
}

func TestGluedPipeIsRecovered(t *testing.T) {
	e := testExecutor(t)

	res := e.Execute(context.Background(), Request{
		Command:   []string{"echo", "hi|tr", "a-z", "A-Z"},
		Directory: t.TempDir(),
	})

	if res.Error != "" {
		t.Fatal(res.Error)
	}
	if res.Stdout != "HI\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestPipelineStdinFeedsFirstStage(t *testing.T) {
	e := testExecutor(t)

	res := e.Execute(context.Background(), Request{
		Command:   []string{"cat", "|", "tr", "a-z", "A-Z"},
		Directory: t.TempDir(),
		Stdin:     "piped\n",
	})

	if res.Error != "" {
		t.Fatal(res.Error)
	}
	if res.Stdout != "PIPED\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestPipelineOutputRedirection(t *testing.T) {
	e := testExecutor(t)
	dir := t.TempDir()

	res := e.Execute(context.Background(), Request{
		Command:   []string{"echo", "hello", "|", "tr", "a-z", "A-Z", ">", "out.txt"},
		Directory: dir,
	})

	if res.Error != "" {
		t.Fatal(res.Error)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "HELLO\n" {
		t.Errorf("file contents = %q", data)
	}
}

func TestPipelineDeniedCommand(t *testing.T) {
	e := testExecutor(t)

	res := e.Execute(context.Background(), Request{
		Command:   []string{"echo", "hi", "|", "rm"},
		Directory: t.TempDir(),
	})

	if res.Error != "Command not allowed: rm" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestPipelineEdgeCases(t *testing.T) {
	e := testExecutor(t)
	dir := t.TempDir()

	tests := []struct {
		name    string
		command []string
		want    string
	}{
		{"leading pipe", []string{"|", "cat"}, "Empty command before pipe operator"},
		{"trailing pipe", []string{"echo", "hi", "|"}, "Empty command after pipe operator"},
		{"operator in pipeline", []string{"echo", "hi", "|", "cat", ";"}, "Unexpected shell operator in pipeline: ;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Execute(context.Background(), Request{Command: tt.command, Directory: dir})
			if res.Error != tt.want {
				t.Errorf("error = %q, want %q", res.Error, tt.want)
			}
		})
	}
}

func TestPipelineStageFailure(t *testing.T) {
	e := testExecutor(t)

	res := e.Execute(context.Background(), Request{
		Command:   []string{"echo", "hi", "|", "sh", "-c", "exit 7"},
		Directory: t.TempDir(),
	})

	if res.Status != 1 {
		t.Errorf("status = %d, want 1", res.Status)
	}
	if res.Error != "Command failed with exit code 7" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRateLimit(t *testing.T) {
	e := testExecutor(t, WithRateLimiter(ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
	})))
	dir := t.TempDir()

	first := e.Execute(context.Background(), Request{Command: []string{"echo", "ok"}, Directory: dir, CallerID: "a"})
	if first.Error != "" {
		t.Fatal(first.Error)
	}
	second := e.Execute(context.Background(), Request{Command: []string{"echo", "ok"}, Directory: dir, CallerID: "a"})
	if second.Error != "rate limit exceeded" {
		t.Errorf("error = %q", second.Error)
	}
	if second.Status != 1 {
		t.Errorf("status = %d, want 1", second.Status)
	}
}

func TestEnvOverrides(t *testing.T) {
	e := testExecutor(t)

	res := e.Execute(context.Background(), Request{
		Command:   []string{"sh", "-c", "echo $GUARD_VAR"},
		Directory: t.TempDir(),
		Env:       map[string]string{"GUARD_VAR": "present"},
	})

	if res.Error != "" {
		t.Fatal(res.Error)
	}
	if res.Stdout != "present" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestAuditAndHistoryRecorded(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.jsonl")
	al, err := audit.NewLogger(auditPath, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer al.Close()

	hs, err := history.Open(history.Config{Path: filepath.Join(dir, "history.db")}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer hs.Close()

	metrics := observability.NewMetricsCollector()
	e := testExecutor(t, WithAudit(al), WithHistory(hs), WithMetrics(metrics))

	res := e.Execute(context.Background(), Request{
		Command:   []string{"echo", "tracked"},
		Directory: t.TempDir(),
	})
	if res.Error != "" {
		t.Fatal(res.Error)
	}

	f, err := os.Open(auditPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("no audit event written")
	}
	var ev audit.Event
	if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Mode != "single" || ev.Status != 0 {
		t.Errorf("audit event = %+v", ev)
	}

	rows, err := hs.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Command != "echo tracked" {
		t.Errorf("history rows = %+v", rows)
	}

	families, err := metrics.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, mf := range families {
		if strings.HasSuffix(mf.GetName(), "executions_total") {
			found = true
		}
	}
	if !found {
		t.Error("executions_total not gathered")
	}
}

func TestDefaultTimeoutApplies(t *testing.T) {
	e := testExecutor(t, WithDefaultTimeout(1*time.Second))

	res := e.Execute(context.Background(), Request{
		Command:   []string{"sleep", "10"},
		Directory: t.TempDir(),
	})

	if res.Status != -1 {
		t.Errorf("status = %d, want -1", res.Status)
	}
}
