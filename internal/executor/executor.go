// Package executor is the guarded execution engine: it threads a request
// through normalization, policy validation, directory validation, and
// redirection resolution, then hands the vetted command to the process
// supervisor. Execute never returns a Go error — every failure becomes a
// structured Result the caller can serialize as-is.
package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/shellfence/internal/audit"
	"github.com/jkaninda/shellfence/internal/cmdparse"
	"github.com/jkaninda/shellfence/internal/history"
	"github.com/jkaninda/shellfence/internal/observability"
	"github.com/jkaninda/shellfence/internal/policy"
	"github.com/jkaninda/shellfence/internal/process"
	"github.com/jkaninda/shellfence/internal/ratelimit"
	"github.com/jkaninda/shellfence/internal/redirect"
	"github.com/jkaninda/shellfence/internal/workdir"
)

// Execution modes, used for metrics labels and audit events.
const (
	modeSingle   = "single"
	modePipeline = "pipeline"
)

// Request is one command to execute.
type Request struct {
	// Command is the argument vector. Operators ("|", ">", "<") arrive as
	// their own tokens; glued forms are recovered during normalization.
	Command   []string
	Directory string
	// Stdin is written to the first process's stdin. An input redirection
	// ("< file") overrides it.
	Stdin string
	// Timeout bounds the wall-clock run. Zero falls back to the executor's
	// default; a negative default means unlimited.
	Timeout time.Duration
	// Env is merged on top of the inherited environment.
	Env map[string]string
	// CallerID attributes the request for rate limiting. Empty means a
	// shared anonymous bucket.
	CallerID string
}

// Result is the outcome of one execution. Status holds the process exit
// code, 1 for rejected or failed requests, and -1 for timeouts. Error is
// empty on success.
type Result struct {
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	Status        int           `json:"status"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	Directory     string        `json:"directory,omitempty"`
}

// Executor coordinates the execution flow.
type Executor struct {
	policy     *policy.Policy
	supervisor *process.Supervisor
	logger     *slog.Logger

	metrics *observability.MetricsCollector
	tracer  trace.Tracer
	audit   *audit.Logger
	history *history.Store
	limiter *ratelimit.Limiter

	defaultTimeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithMetrics attaches the Prometheus collector.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer attaches an OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithAudit attaches the audit trail logger.
func WithAudit(a *audit.Logger) Option {
	return func(e *Executor) { e.audit = a }
}

// WithHistory attaches the execution history store.
func WithHistory(h *history.Store) Option {
	return func(e *Executor) { e.history = h }
}

// WithRateLimiter attaches the per-caller rate limiter.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(e *Executor) { e.limiter = l }
}

// WithDefaultTimeout sets the timeout applied when a request carries none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) { e.defaultTimeout = d }
}

// New creates an Executor. Policy and supervisor are required; everything
// else is optional and nil-safe.
func New(pol *policy.Policy, sup *process.Supervisor, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		policy:     pol,
		supervisor: sup,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = (*observability.TracerSetup)(nil).Tracer()
	}
	return e
}

// Execute runs one request end to end. The returned Result is always
// well-formed; rejections and failures are reported through its Status,
// Error, and Stderr fields.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	start := time.Now()
	execID := uuid.NewString()

	ctx, span := e.tracer.Start(ctx, "executor.execute",
		trace.WithAttributes(
			attribute.String("execution.id", execID),
			attribute.Int("execution.argc", len(req.Command)),
		),
	)
	defer span.End()

	mode := modeSingle
	fail := func(status int, err error, reason string) Result {
		msg := err.Error()
		elapsed := time.Since(start)
		if reason != "" {
			e.metrics.RecordDenial(reason)
		}
		e.metrics.RecordExecution(mode, outcomeOf(status, true), elapsed.Seconds())
		e.record(ctx, execID, req, mode, status, msg, elapsed)
		e.logger.InfoContext(ctx, "execution rejected",
			slog.String("execution_id", execID),
			slog.String("mode", mode),
			slog.Int("status", status),
			slog.String("error", msg),
		)
		span.SetAttributes(attribute.Int("execution.status", status))
		return Result{
			Stderr:        msg,
			Status:        status,
			Error:         msg,
			ExecutionTime: elapsed,
		}
	}

	if err := e.limiter.Allow(req.CallerID); err != nil {
		return fail(1, err, "rate_limited")
	}

	if err := workdir.Validate(req.Directory); err != nil {
		return fail(1, err, "directory")
	}

	tokens := cmdparse.Clean(cmdparse.Normalize(req.Command))
	if len(tokens) == 0 {
		return fail(1, policy.ErrEmptyCommand, "empty")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	if timeout < 0 {
		timeout = 0 // unlimited
	}

	if cmdparse.ContainsPipe(tokens) {
		mode = modePipeline
		span.SetAttributes(attribute.String("execution.mode", mode))
		return e.executePipeline(ctx, span, execID, req, tokens, timeout, start, fail)
	}
	span.SetAttributes(attribute.String("execution.mode", mode))
	return e.executeSingle(ctx, span, execID, req, tokens, timeout, start, fail)
}

type failFunc func(status int, err error, reason string) Result

func (e *Executor) executeSingle(ctx context.Context, span trace.Span, execID string, req Request, tokens []string, timeout time.Duration, start time.Time, fail failFunc) Result {
	for _, tok := range tokens {
		if err := e.policy.ValidateOperatorToken(tok); err != nil {
			return fail(1, err, "operator")
		}
	}

	command, spec, err := cmdparse.ExtractRedirections(tokens)
	if err != nil {
		return fail(1, err, "redirection")
	}
	if err := e.policy.ValidateCommand(command); err != nil {
		return fail(1, err, denialReason(err))
	}

	handles, err := redirect.Resolve(spec, req.Directory, e.logger)
	if err != nil {
		return fail(1, err, "redirection")
	}
	defer handles.Close()

	stdin := []byte(req.Stdin)
	if handles.HasStdin() {
		stdin = handles.StdinData
	}

	m, err := e.supervisor.Spawn(process.SpawnSpec{
		ShellCommand: cmdparse.Quote(command),
		Directory:    req.Directory,
		Stdout:       stdoutWriter(handles),
		Env:          req.Env,
	})
	if err != nil {
		return fail(1, err, "")
	}
	e.metrics.SetLiveProcesses(e.supervisor.LiveCount())

	stdout, stderr, code, err := e.supervisor.RunWithTimeout(ctx, m, stdin, timeout)
	e.metrics.SetLiveProcesses(e.supervisor.LiveCount())
	if err != nil {
		return e.runFailure(ctx, span, execID, req, modeSingle, err, start, fail)
	}

	elapsed := time.Since(start)
	e.metrics.RecordExecution(modeSingle, outcomeOf(code, false), elapsed.Seconds())
	e.record(ctx, execID, req, modeSingle, code, "", elapsed)
	span.SetAttributes(attribute.Int("execution.status", code))
	e.logger.InfoContext(ctx, "execution finished",
		slog.String("execution_id", execID),
		slog.String("mode", modeSingle),
		slog.Int("status", code),
		slog.Duration("elapsed", elapsed),
	)

	return Result{
		Stdout:        strings.TrimSpace(string(stdout)),
		Stderr:        strings.TrimSpace(string(stderr)),
		Status:        code,
		ExecutionTime: elapsed,
		Directory:     req.Directory,
	}
}

func (e *Executor) executePipeline(ctx context.Context, span trace.Span, execID string, req Request, tokens []string, timeout time.Duration, start time.Time, fail failFunc) Result {
	if err := e.policy.ValidatePipeline(tokens); err != nil {
		return fail(1, err, denialReason(err))
	}

	rawStages := cmdparse.SplitPipeline(tokens)
	stages := make([]string, 0, len(rawStages))
	var firstSpec, lastSpec cmdparse.RedirectionSpec

	for i, stage := range rawStages {
		command, spec, err := cmdparse.ExtractRedirections(stage)
		if err != nil {
			return fail(1, err, "redirection")
		}
		if err := e.policy.ValidateCommand(command); err != nil {
			return fail(1, err, denialReason(err))
		}
		// Only the pipeline's outer edges honor redirections: stdin on
		// the first stage, stdout on the last.
		if i == 0 {
			firstSpec.StdinPath = spec.StdinPath
		}
		if i == len(rawStages)-1 {
			lastSpec.StdoutPath = spec.StdoutPath
			lastSpec.StdoutAppend = spec.StdoutAppend
		}
		stages = append(stages, cmdparse.Quote(command))
	}

	inHandles, err := redirect.Resolve(firstSpec, req.Directory, e.logger)
	if err != nil {
		return fail(1, err, "redirection")
	}
	defer inHandles.Close()
	outHandles, err := redirect.Resolve(lastSpec, req.Directory, e.logger)
	if err != nil {
		return fail(1, err, "redirection")
	}
	defer outHandles.Close()

	stdin := []byte(req.Stdin)
	if inHandles.HasStdin() {
		stdin = inHandles.StdinData
	}

	spanStages := attribute.Int("execution.stages", len(stages))
	span.SetAttributes(spanStages)

	stdout, stderr, _, err := e.supervisor.RunPipeline(ctx, process.PipelineSpec{
		Stages:     stages,
		FirstStdin: stdin,
		LastStdout: stdoutWriter(outHandles),
		Directory:  req.Directory,
		Timeout:    timeout,
		Env:        req.Env,
	})
	e.metrics.SetLiveProcesses(e.supervisor.LiveCount())
	if err != nil {
		return e.runFailure(ctx, span, execID, req, modePipeline, err, start, fail)
	}

	elapsed := time.Since(start)
	e.metrics.RecordExecution(modePipeline, "success", elapsed.Seconds())
	e.record(ctx, execID, req, modePipeline, 0, "", elapsed)
	span.SetAttributes(attribute.Int("execution.status", 0))
	e.logger.InfoContext(ctx, "execution finished",
		slog.String("execution_id", execID),
		slog.String("mode", modePipeline),
		slog.Int("status", 0),
		slog.Duration("elapsed", elapsed),
	)

	// Pipeline output is returned verbatim; only the single-command path
	// trims surrounding whitespace.
	return Result{
		Stdout:        string(stdout),
		Stderr:        string(stderr),
		Status:        0,
		ExecutionTime: elapsed,
		Directory:     req.Directory,
	}
}

// runFailure translates supervisor errors into Results. Timeouts keep their
// sentinel -1 status; everything else reports status 1 with the error text
// mirrored into stderr.
func (e *Executor) runFailure(ctx context.Context, span trace.Span, execID string, req Request, mode string, err error, start time.Time, fail failFunc) Result {
	var timeoutErr *process.TimeoutError
	if errors.As(err, &timeoutErr) {
		e.metrics.RecordTimeout()
		msg := timeoutErr.Error()
		elapsed := time.Since(start)
		e.metrics.RecordExecution(mode, "timeout", elapsed.Seconds())
		e.record(ctx, execID, req, mode, -1, msg, elapsed)
		span.SetAttributes(attribute.Int("execution.status", -1))
		e.logger.WarnContext(ctx, "execution timed out",
			slog.String("execution_id", execID),
			slog.String("mode", mode),
			slog.Duration("timeout", timeoutErr.Timeout),
		)
		return Result{
			Stderr:        msg,
			Status:        -1,
			Error:         msg,
			ExecutionTime: elapsed,
		}
	}
	return fail(1, err, "")
}

// record writes the audit event and history row for one finished execution.
func (e *Executor) record(ctx context.Context, execID string, req Request, mode string, status int, errMsg string, elapsed time.Duration) {
	if e.audit != nil {
		if auditErr := e.audit.LogExecution(ctx, audit.Event{
			Time:        time.Now().UTC(),
			ExecutionID: execID,
			Command:     req.Command,
			Directory:   req.Directory,
			Mode:        mode,
			Status:      status,
			Error:       errMsg,
			DurationMS:  elapsed.Milliseconds(),
		}); auditErr != nil {
			e.logger.WarnContext(ctx, "audit write failed",
				slog.String("execution_id", execID),
				slog.String("error", auditErr.Error()),
			)
		}
	}
	e.history.Record(ctx, history.Entry{
		ExecutionID: execID,
		Command:     req.Command,
		Directory:   req.Directory,
		Mode:        mode,
		Status:      status,
		Error:       errMsg,
		Duration:    elapsed,
	})
}

// stdoutWriter unwraps the redirection handle into the supervisor's stdout
// target. A plain nil-interface conversion would hand the supervisor a
// non-nil io.Writer wrapping a nil *os.File.
func stdoutWriter(h *redirect.Handles) io.Writer {
	if h == nil || h.Stdout == nil {
		return nil
	}
	return h.Stdout
}

// outcomeOf maps an exit status to a metrics label. Rejections always count
// as errors; a finished process counts success only on exit 0.
func outcomeOf(status int, rejected bool) string {
	if rejected || status != 0 {
		return "error"
	}
	return "success"
}

// denialReason classifies a validation error for the denial counter.
func denialReason(err error) string {
	var notAllowed *policy.NotAllowedError
	var operator *policy.OperatorError
	switch {
	case errors.As(err, &notAllowed):
		return "not_allowed"
	case errors.As(err, &operator):
		return "operator"
	case errors.Is(err, policy.ErrNoPolicy):
		return "no_policy"
	case errors.Is(err, policy.ErrEmptyCommand),
		errors.Is(err, policy.ErrEmptyBeforePipe),
		errors.Is(err, policy.ErrEmptyAfterPipe):
		return "empty"
	default:
		return "validation"
	}
}
