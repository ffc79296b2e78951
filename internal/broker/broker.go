// Package broker mediates every shell command an agent issues. Commands are
// checked against a blocklist before any process is spawned, executed inside
// the sandbox with a time budget and output caps, and recorded in the run
// log. The broker is the single choke point between model output and the
// sandbox.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/fundi/internal/runlog"
	"github.com/jkaninda/fundi/internal/sandbox"
)

// RunContext carries the per-run execution parameters shared by every
// command of one agent run.
type RunContext struct {
	ImagePath       string
	Mounts          []sandbox.Mount
	WorkingDir      string
	Env             map[string]string
	BlockedPatterns []string
	Timeout         time.Duration
	MaxOutputBytes  int
}

// CommandResult is the broker's view of one finished command. It is never
// nil, even on error: a blocked or timed-out command still produces a result
// describing what happened.
type CommandResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool
	TimedOut  bool
	Blocked   bool
}

// Broker executes commands through a sandbox runtime with policy
// enforcement and run logging. Safe for concurrent use.
type Broker struct {
	runtime sandbox.Runtime
	log     *runlog.Sink
	metrics *Metrics
	logger  *slog.Logger
}

// New creates a Broker. metrics may be nil.
func New(runtime sandbox.Runtime, log *runlog.Sink, metrics *Metrics, logger *slog.Logger) *Broker {
	return &Broker{
		runtime: runtime,
		log:     log,
		metrics: metrics,
		logger:  logger,
	}
}

// Execute runs one command under the run's policy and budgets.
//
// The returned CommandResult is always non-nil. The error, when set, is one
// of *PolicyError (nothing was spawned), *UnavailableError (the sandbox
// cannot run anything), *TimeoutError (killed at the deadline, partial
// output preserved on the result), or the context's own cancellation error.
func (b *Broker) Execute(ctx context.Context, command string, rc *RunContext) (*CommandResult, error) {
	start := time.Now()

	// 1. Policy check before anything touches the runtime. Matching is a
	// plain substring test on the raw command line.
	if pattern, blocked := matchBlocklist(command, rc.BlockedPatterns); blocked {
		res := &CommandResult{ExitCode: -1, Blocked: true}
		err := &PolicyError{Pattern: pattern, Command: command}

		b.logger.WarnContext(ctx, "command blocked",
			slog.String("pattern", pattern),
			slog.String("command", command),
		)
		if b.metrics != nil {
			b.metrics.CommandsBlocked.Inc()
		}
		b.record(command, res, "blocked", rc.Env)
		return res, err
	}

	// 2. Fail fast when the sandbox image is gone: no point handing the
	// command to the runtime just to watch it error out.
	if _, statErr := os.Stat(rc.ImagePath); statErr != nil {
		res := &CommandResult{ExitCode: -1}
		err := &UnavailableError{ImagePath: rc.ImagePath, Err: statErr}

		if b.metrics != nil {
			b.metrics.CommandsFailed.Inc()
		}
		b.record(command, res, "unavailable", rc.Env)
		return res, err
	}

	// 3. Dispatch to the runtime.
	execRes, execErr := b.runtime.Execute(ctx, sandbox.ExecutionRequest{
		ImagePath:      rc.ImagePath,
		Command:        command,
		Mounts:         rc.Mounts,
		WorkingDir:     rc.WorkingDir,
		Env:            rc.Env,
		Timeout:        rc.Timeout,
		MaxOutputBytes: rc.MaxOutputBytes,
	})

	res := &CommandResult{ExitCode: -1, Duration: time.Since(start)}
	if execRes != nil {
		res.Stdout = execRes.Stdout
		res.Stderr = execRes.Stderr
		res.ExitCode = execRes.ExitCode
		res.Duration = execRes.Duration
		res.Truncated = execRes.Truncated
		res.TimedOut = execRes.TimedOut
	}

	if b.metrics != nil {
		b.metrics.CommandsExecuted.Inc()
		b.metrics.CommandDuration.Observe(res.Duration.Seconds())
		if res.Truncated {
			b.metrics.OutputTruncated.Inc()
		}
	}

	// 4. Classify the outcome.
	switch {
	case execErr == nil:
		b.record(command, res, "ok", rc.Env)
		return res, nil

	case errors.Is(execErr, context.DeadlineExceeded):
		res.TimedOut = true
		b.logger.WarnContext(ctx, "command timed out",
			slog.String("command", command),
			slog.String("timeout", rc.Timeout.String()),
		)
		if b.metrics != nil {
			b.metrics.CommandsTimedOut.Inc()
		}
		b.record(command, res, "timeout", rc.Env)
		return res, &TimeoutError{Timeout: rc.Timeout}

	case errors.Is(execErr, context.Canceled):
		// The run itself was cancelled. Propagate as-is so callers can tell
		// cancellation apart from a command-level timeout.
		b.record(command, res, "cancelled", rc.Env)
		return res, execErr

	default:
		if b.metrics != nil {
			b.metrics.CommandsFailed.Inc()
		}
		b.record(command, res, "error", rc.Env)
		return res, fmt.Errorf("executing command: %w", execErr)
	}
}

// record appends one command record to the run log. Log failures are
// reported but never fail the command itself.
func (b *Broker) record(command string, res *CommandResult, status string, env map[string]string) {
	if b.log == nil {
		return
	}
	rec := runlog.Record{
		Timestamp:  time.Now().UTC(),
		Kind:       runlog.KindCommand,
		Command:    command,
		ExitCode:   runlog.IntPtr(res.ExitCode),
		Status:     status,
		DurationMS: res.Duration.Milliseconds(),
		Truncated:  res.Truncated,
		EnvKeys:    runlog.SanitizeEnvKeys(env),
	}
	if err := b.log.Append(rec); err != nil {
		b.logger.Error("failed to append run log record",
			slog.String("error", err.Error()),
		)
	}
}

// matchBlocklist returns the first pattern contained in the command.
func matchBlocklist(command string, patterns []string) (string, bool) {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(command, p) {
			return p, true
		}
	}
	return "", false
}
