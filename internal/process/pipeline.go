package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// ErrNoStages is returned for a pipeline with no stages at all.
var ErrNoStages = errors.New("No commands provided")

// PipelineSpec describes a pipeline of already-quoted stage commands.
type PipelineSpec struct {
	Stages []string
	// FirstStdin is the stdin payload for stage 1 (caller input or an
	// input-redirection file).
	FirstStdin []byte
	// LastStdout, when set, receives the final stage's output instead of
	// the returned stdout bytes.
	LastStdout io.Writer
	Directory  string
	// Timeout bounds each stage's communicate, matching single-command
	// behavior. Zero means no timeout.
	Timeout time.Duration
	Env     map[string]string
}

// RunPipeline executes the stages sequentially, feeding each stage's
// captured stdout into the next stage's stdin. Stage stderr accumulates
// across the whole pipeline for diagnostics. The first stage that exits
// non-zero aborts the pipeline with a StageError; every spawned process is
// reaped before RunPipeline returns, on every exit path.
func (s *Supervisor) RunPipeline(ctx context.Context, spec PipelineSpec) (stdout, stderr []byte, exitCode int, err error) {
	if len(spec.Stages) == 0 {
		return nil, nil, 1, ErrNoStages
	}

	var procs []*Managed
	defer func() { s.CleanupAll(procs) }()

	prev := spec.FirstStdin
	var aggStderr []byte
	var finalStdout []byte

	for i, stage := range spec.Stages {
		last := i == len(spec.Stages)-1

		var stdoutTarget io.Writer
		if last && spec.LastStdout != nil {
			stdoutTarget = spec.LastStdout
		}

		m, spawnErr := s.Spawn(SpawnSpec{
			ShellCommand: stage,
			Directory:    spec.Directory,
			Stdout:       stdoutTarget,
			Env:          spec.Env,
		})
		if spawnErr != nil {
			return nil, aggStderr, 1, spawnErr
		}
		procs = append(procs, m)

		out, errBytes, code, runErr := s.RunWithTimeout(ctx, m, prev, spec.Timeout)
		aggStderr = append(aggStderr, errBytes...)
		if runErr != nil {
			return nil, aggStderr, code, runErr
		}
		if code != 0 {
			s.logger.Debug("pipeline stage failed",
				slog.Int("stage", i),
				slog.Int("exit_code", code),
			)
			return nil, aggStderr, code, &StageError{ExitCode: code, Stderr: string(errBytes)}
		}

		if last {
			finalStdout = out
		} else {
			prev = out
		}
	}

	return finalStdout, aggStderr, 0, nil
}
