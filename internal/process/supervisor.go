// Package process spawns and supervises the OS processes behind guarded
// shell executions. Every spawned process is tracked in a live registry
// until it exits, so timeouts, pipeline failures, and host termination
// signals can always sweep and kill whatever is still running.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps captured stdout/stderr to prevent OOM from
	// chatty commands. Excess output is silently discarded.
	maxOutputBytes = 4 << 20 // 4 MB

	termPollAttempts = 5
	termPollInterval = 100 * time.Millisecond
	killReapTimeout  = 1 * time.Second
	cleanupTimeout   = 5 * time.Second
)

// State is the lifecycle state of a managed process.
type State int

const (
	StateRunning State = iota
	StateExited
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// TimeoutError reports that a process outlived its wall-clock budget. The
// process is guaranteed dead by the time the caller sees this error.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Command timed out after %d seconds", int(e.Timeout.Seconds()))
}

// SpawnError reports an OS-level failure to create a process.
type SpawnError struct{ Err error }

func (e *SpawnError) Error() string { return "Failed to create process: " + e.Err.Error() }
func (e *SpawnError) Unwrap() error { return e.Err }

// StageError reports a pipeline stage that exited non-zero. Its message is
// the stage's own stderr when there was any, else a synthesized one.
type StageError struct {
	ExitCode int
	Stderr   string
}

func (e *StageError) Error() string {
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		return msg
	}
	return fmt.Sprintf("Command failed with exit code %d", e.ExitCode)
}

// Managed is one supervised OS process. The Supervisor exclusively owns it
// from spawn until it exits or is killed; no other component holds a
// process reference.
type Managed struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	// stdoutBuf is nil when stdout goes to a redirection handle.
	stdoutBuf *limitedBuffer
	stderrBuf *limitedBuffer

	waitOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	state    State
	exitCode int
}

// PID returns the OS process id.
func (m *Managed) PID() int { return m.cmd.Process.Pid }

// State returns the current lifecycle state.
func (m *Managed) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Running reports whether the process has not yet been reaped.
func (m *Managed) Running() bool { return m.State() == StateRunning }

// ExitCode returns the recorded exit code; -1 for killed processes.
func (m *Managed) ExitCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitCode
}

// wait starts the single Wait goroutine on first use and returns a channel
// closed once the process is reaped.
func (m *Managed) wait() <-chan struct{} {
	m.waitOnce.Do(func() {
		go func() {
			err := m.cmd.Wait()
			m.mu.Lock()
			if m.state == StateRunning {
				m.state = StateExited
			}
			m.exitCode = exitCodeOf(err)
			m.mu.Unlock()
			close(m.done)
		}()
	})
	return m.done
}

func (m *Managed) markKilled() {
	m.mu.Lock()
	m.state = StateKilled
	m.mu.Unlock()
}

// signalGroup delivers sig to the whole process group. The child runs with
// Setpgid, so a negative pid reaches any grandchildren it spawned.
func (m *Managed) signalGroup(sig syscall.Signal) error {
	return syscall.Kill(-m.cmd.Process.Pid, sig)
}

func (m *Managed) stdoutBytes() []byte {
	if m.stdoutBuf == nil {
		return nil
	}
	return m.stdoutBuf.Bytes()
}

func (m *Managed) stderrBytes() []byte { return m.stderrBuf.Bytes() }

func exitCodeOf(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Supervisor spawns processes through the configured shell and tracks every
// live one for emergency cleanup.
type Supervisor struct {
	shell          string
	interactive    bool
	maxOutputBytes int
	logger         *slog.Logger

	mu    sync.Mutex
	procs map[int]*Managed
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithShell overrides the login shell the supervisor spawns through.
func WithShell(path string) Option {
	return func(s *Supervisor) { s.shell = path }
}

// WithInteractive toggles the -i flag. Interactive mode makes aliases and
// rc-file behavior match a login session; tests disable it to keep stderr
// free of job-control noise.
func WithInteractive(enabled bool) Option {
	return func(s *Supervisor) { s.interactive = enabled }
}

// WithMaxOutputBytes overrides the captured-output cap.
func WithMaxOutputBytes(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxOutputBytes = n
		}
	}
}

// NewSupervisor creates a supervisor that spawns through the user's login
// shell in interactive mode.
func NewSupervisor(logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Supervisor{
		shell:          LoginShell(),
		interactive:    true,
		maxOutputBytes: maxOutputBytes,
		logger:         logger,
		procs:          make(map[int]*Managed),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Shell returns the shell path the supervisor spawns through.
func (s *Supervisor) Shell() string { return s.shell }

// LiveCount returns the number of currently tracked processes.
func (s *Supervisor) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// SpawnSpec describes one process to spawn.
type SpawnSpec struct {
	// ShellCommand is the already-quoted command string. It is the only
	// thing the shell re-parses; every argument inside it was strictly
	// quoted by the tokenizer.
	ShellCommand string
	Directory    string
	// Stdout receives the process output when set (an output-redirection
	// handle); nil means the supervisor captures it.
	Stdout io.Writer
	// Env is merged on top of the inherited environment.
	Env map[string]string
}

// Spawn launches the command through the shell and registers the process in
// the live-set.
func (s *Supervisor) Spawn(spec SpawnSpec) (*Managed, error) {
	args := make([]string, 0, 3)
	if s.interactive {
		args = append(args, "-i")
	}
	args = append(args, "-c", spec.ShellCommand)

	cmd := exec.Command(s.shell, args...)
	cmd.Dir = spec.Directory
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	m := &Managed{
		cmd:       cmd,
		done:      make(chan struct{}),
		stderrBuf: newLimitedBuffer(s.maxOutputBytes),
	}
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	} else {
		m.stdoutBuf = newLimitedBuffer(s.maxOutputBytes)
		cmd.Stdout = m.stdoutBuf
	}
	cmd.Stderr = m.stderrBuf

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Err: err}
	}
	m.stdin = stdin

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Err: err}
	}
	m.state = StateRunning

	s.mu.Lock()
	s.procs[cmd.Process.Pid] = m
	s.mu.Unlock()

	s.logger.Debug("process spawned",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("dir", spec.Directory),
	)
	return m, nil
}

// RunWithTimeout writes stdin, waits for completion, and enforces the
// wall-clock timeout. Losing the race triggers terminate → bounded poll →
// kill, and the caller observes the original timeout error — never while
// the process is still alive. A zero timeout waits indefinitely (subject to
// ctx).
func (s *Supervisor) RunWithTimeout(ctx context.Context, m *Managed, stdin []byte, timeout time.Duration) (stdout, stderr []byte, exitCode int, err error) {
	go func() {
		if len(stdin) > 0 {
			if _, werr := m.stdin.Write(stdin); werr != nil {
				s.logger.Debug("stdin write interrupted", slog.String("error", werr.Error()))
			}
		}
		_ = m.stdin.Close()
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-m.wait():
		s.remove(m)
		return m.stdoutBytes(), m.stderrBytes(), m.ExitCode(), nil
	case <-timer:
		s.terminateThenKill(m)
		s.remove(m)
		return nil, m.stderrBytes(), -1, &TimeoutError{Timeout: timeout}
	case <-ctx.Done():
		s.terminateThenKill(m)
		s.remove(m)
		return nil, m.stderrBytes(), -1, ctx.Err()
	}
}

// terminateThenKill sends SIGTERM, polls briefly for a voluntary exit, then
// force-kills and reaps. Never hangs: every wait is bounded.
func (s *Supervisor) terminateThenKill(m *Managed) {
	if !m.Running() {
		return
	}
	pid := m.PID()
	if err := m.signalGroup(syscall.SIGTERM); err != nil {
		s.logger.Warn("terminating process", slog.Int("pid", pid), slog.String("error", err.Error()))
	}
	for i := 0; i < termPollAttempts; i++ {
		select {
		case <-m.wait():
			m.markKilled()
			return
		case <-time.After(termPollInterval):
		}
	}

	if err := m.signalGroup(syscall.SIGKILL); err != nil {
		s.logger.Warn("killing process", slog.Int("pid", pid), slog.String("error", err.Error()))
	}
	select {
	case <-m.wait():
	case <-time.After(killReapTimeout):
		s.logger.Error("process did not die after SIGKILL", slog.Int("pid", pid))
	}
	m.markKilled()
}

// CleanupAll force-kills every still-running process in the list and waits
// a bounded time for reaping. Individual failures are logged, not raised.
func (s *Supervisor) CleanupAll(procs []*Managed) {
	deadline := time.After(cleanupTimeout)
	for _, m := range procs {
		if m == nil || !m.Running() {
			continue
		}
		if err := m.signalGroup(syscall.SIGKILL); err != nil {
			s.logger.Warn("cleanup kill", slog.Int("pid", m.PID()), slog.String("error", err.Error()))
		}
		select {
		case <-m.wait():
			m.markKilled()
			s.remove(m)
		case <-deadline:
			s.logger.Error("process cleanup timed out", slog.Int("pid", m.PID()))
			return
		}
	}
}

// snapshot copies the live set so signal handlers never iterate the live
// map while another execution mutates it.
func (s *Supervisor) snapshot() []*Managed {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Managed, 0, len(s.procs))
	for _, m := range s.procs {
		out = append(out, m)
	}
	return out
}

func (s *Supervisor) remove(m *Managed) {
	s.mu.Lock()
	delete(s.procs, m.cmd.Process.Pid)
	s.mu.Unlock()
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			key = kv[:idx]
		}
		if _, shadowed := overrides[key]; !shadowed {
			merged = append(merged, kv)
		}
	}
	for k, v := range overrides {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// limitedBuffer buffers writes up to a byte cap, discarding the excess.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	remaining int
}

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{remaining: limit}
}

func (lb *limitedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.remaining <= 0 {
		return len(p), nil
	}
	chunk := p
	if len(chunk) > lb.remaining {
		chunk = chunk[:lb.remaining]
	}
	n, err := lb.buf.Write(chunk)
	lb.remaining -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}

func (lb *limitedBuffer) Bytes() []byte {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Bytes()
}
