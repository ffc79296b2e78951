package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/fundi/internal/broker"
	"github.com/jkaninda/fundi/internal/filebridge"
	"github.com/jkaninda/fundi/internal/runlog"
)

// Executor runs one tool call. The isError return flags a tool-level
// failure to feed back to the model; the error return is reserved for
// run-level failures (cancellation, sandbox unavailable).
type Executor interface {
	Execute(ctx context.Context, call *ToolCall) (output string, isError bool, err error)
}

// Tool names exposed to the model alongside the file bridge tools.
const (
	ShellToolName  = "run_command"
	SubmitToolName = "submit"
)

// ShellExecutor runs run_command calls through the broker.
type ShellExecutor struct {
	Broker *broker.Broker
	Run    *broker.RunContext
}

func (e *ShellExecutor) Execute(ctx context.Context, call *ToolCall) (string, bool, error) {
	command, ok := call.Input["command"].(string)
	if !ok || strings.TrimSpace(command) == "" {
		return "Error: run_command requires a non-empty string 'command' argument", true, nil
	}

	res, err := e.Broker.Execute(ctx, command, e.Run)
	switch {
	case err == nil:
		return formatCommandOutput(res), false, nil

	case isPolicyError(err):
		return "Error: " + err.Error(), true, nil

	case isTimeoutError(err):
		out := formatCommandOutput(res)
		if out != "" {
			out += "\n"
		}
		return out + "Error: " + err.Error(), true, nil

	default:
		// Unavailable sandbox and cancellation surface to the loop.
		return "", true, err
	}
}

// formatCommandOutput renders a finished command for the model: stdout,
// stderr when present, nonzero exit codes, and a truncation notice.
func formatCommandOutput(res *broker.CommandResult) string {
	var sb strings.Builder
	sb.WriteString(res.Stdout)
	if res.Stderr != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("--- stderr ---\n")
		sb.WriteString(res.Stderr)
	}
	if res.ExitCode != 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "(exit code %d)", res.ExitCode)
	}
	if res.Truncated {
		sb.WriteString("\n[output truncated]")
	}
	return sb.String()
}

func isPolicyError(err error) bool {
	var pe *broker.PolicyError
	return errors.As(err, &pe)
}

func isTimeoutError(err error) bool {
	var te *broker.TimeoutError
	return errors.As(err, &te)
}

// FileExecutor routes file tool calls to the bridge and records each call
// in the run log.
type FileExecutor struct {
	Bridge *filebridge.Bridge
	Log    *runlog.Sink
}

func (e *FileExecutor) Execute(ctx context.Context, call *ToolCall) (string, bool, error) {
	start := time.Now()
	output, isError, err := e.Bridge.Call(ctx, call.Name, call.Input)
	duration := time.Since(start)

	status := "ok"
	if isError {
		status = "error"
	}
	if err != nil {
		status = "failed"
	}
	e.record(call.Name, status, duration)

	if err != nil {
		// Transport failure: the server process is gone, the run cannot
		// continue editing files.
		return "", true, fmt.Errorf("file bridge: %w", err)
	}
	return output, isError, nil
}

func (e *FileExecutor) record(toolName, status string, duration time.Duration) {
	if e.Log == nil {
		return
	}
	_ = e.Log.Append(runlog.Record{
		Timestamp:  time.Now().UTC(),
		Kind:       runlog.KindMCP,
		ToolName:   toolName,
		Status:     status,
		DurationMS: duration.Milliseconds(),
	})
}

// SubmitExecutor captures the agent's final patch. The diff is taken inside
// the sandbox so it reflects exactly what the agent's commands and file
// edits produced, and lands in the workspace outputs directory.
type SubmitExecutor struct {
	Broker     *broker.Broker
	Run        *broker.RunContext
	OutputsDir string
}

// submissionFile is the patch name under outputs/.
const submissionFile = "submission.patch"

func (e *SubmitExecutor) Execute(ctx context.Context, _ *ToolCall) (string, bool, error) {
	// Track untracked files too, so new files show up in the diff.
	res, err := e.Broker.Execute(ctx, "git add -N . >/dev/null 2>&1; git diff", e.Run)
	if err != nil {
		return "", true, err
	}
	if res.ExitCode != 0 {
		return fmt.Sprintf("Error capturing diff: %s", res.Stderr), true, nil
	}

	path := filepath.Join(e.OutputsDir, submissionFile)
	if err := os.WriteFile(path, []byte(res.Stdout), 0640); err != nil {
		return "", true, fmt.Errorf("writing submission: %w", err)
	}

	return "Submission captured.", false, nil
}
