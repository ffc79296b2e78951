package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

const (
	// defaultMaxOutputBytes caps each stream to prevent OOM from chatty commands.
	defaultMaxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout     = 30 * time.Second
	defaultCopyTimeout = 5 * time.Minute
)

// ApptainerConfig configures the Apptainer-based runtime.
type ApptainerConfig struct {
	Binary         string        // Apptainer binary. Default: "apptainer".
	DefaultTimeout time.Duration // Wall-clock timeout per execution.
	MaxOutputBytes int           // Per-stream capture cap.
	CopyTimeout    time.Duration // Timeout for CopyOut (large repos take a while).
}

// ApptainerRuntime executes commands inside immutable .sif images.
//
// Guarantees:
//   - The image is never modified; all writes land on bind-mounted host paths
//   - Each command runs in its own process group (Setpgid)
//   - The entire process group is killed on timeout/cancel, no orphans
//   - Commands run under a login shell so image profile setup applies
//   - stdout/stderr capped per stream, flagged as truncated rather than failed
type ApptainerRuntime struct {
	config ApptainerConfig
	logger *slog.Logger
}

// NewApptainerRuntime creates an Apptainer-backed runtime.
func NewApptainerRuntime(cfg ApptainerConfig, logger *slog.Logger) *ApptainerRuntime {
	if cfg.Binary == "" {
		cfg.Binary = "apptainer"
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.CopyTimeout == 0 {
		cfg.CopyTimeout = defaultCopyTimeout
	}
	return &ApptainerRuntime{
		config: cfg,
		logger: logger,
	}
}

// Execute runs a shell command inside the image.
//
// On timeout or cancellation the result is still populated with everything
// captured before the process group was killed, and the context error is
// returned so callers can distinguish deadline from caller cancel.
func (r *ApptainerRuntime) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("empty command")
	}
	if req.ImagePath == "" {
		return nil, fmt.Errorf("no image path")
	}

	// 1. Apply timeout.
	timeout := req.Timeout
	if timeout == 0 {
		timeout = r.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 2. Assemble the exec invocation.
	args := r.buildExecArgs(req)
	cmd := exec.CommandContext(ctx, r.config.Binary, args...)

	// 3. Process group isolation: the command and everything it spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// 4. Capture output with per-stream caps.
	maxBytes := req.MaxOutputBytes
	if maxBytes == 0 {
		maxBytes = r.config.MaxOutputBytes
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, remaining: maxBytes}
	stderr := &limitedWriter{w: &stderrBuf, remaining: maxBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.Info("sandbox executing",
		slog.String("image", req.ImagePath),
		slog.String("command", req.Command),
		slog.String("workdir", req.WorkingDir),
		slog.Int("mounts", len(req.Mounts)),
		slog.Duration("timeout", timeout),
	)

	// 5. Execute and measure.
	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &ExecutionResult{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Duration:  duration,
		Truncated: stdout.truncated || stderr.truncated,
	}

	// 6. Interpret the outcome.
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.ExitCode = -1
			result.TimedOut = errors.Is(ctxErr, context.DeadlineExceeded)
			r.logger.Warn("sandbox execution interrupted",
				slog.String("command", req.Command),
				slog.Duration("duration", duration),
				slog.Bool("timed_out", result.TimedOut),
			)
			return result, ctxErr
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("sandbox execution failed: %w", runErr)
		}
	}

	r.logger.Info("sandbox execution completed",
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
		slog.Bool("truncated", result.Truncated),
	)

	return result, nil
}

// buildExecArgs constructs the full apptainer exec argument list.
// Mount order is preserved exactly as given; precedence was already decided
// by ResolveMounts.
func (r *ApptainerRuntime) buildExecArgs(req ExecutionRequest) []string {
	args := []string{"exec"}

	for _, m := range req.Mounts {
		args = append(args, "--bind", m.Flag())
	}
	if req.WorkingDir != "" {
		args = append(args, "--pwd", req.WorkingDir)
	}
	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}

	args = append(args, req.ImagePath)

	// Login shell so /etc/profile and conda/venv activation in the image apply.
	args = append(args, "/bin/bash", "-lc", req.Command)

	return args
}

// CopyOut copies srcDir from inside the image into destDir on the host.
func (r *ApptainerRuntime) CopyOut(ctx context.Context, imagePath, srcDir, destDir string) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.CopyTimeout)
	defer cancel()

	script := fmt.Sprintf("cp -a %s/. %s/", srcDir, destDir)
	cmd := exec.CommandContext(ctx, r.config.Binary,
		"exec", "--bind", destDir+":"+destDir, imagePath, "sh", "-c", script)

	r.logger.Info("copying from image",
		slog.String("image", imagePath),
		slog.String("src", srcDir),
		slog.String("dest", destDir),
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("timeout copying %s from image: %w", srcDir, ctx.Err())
		}
		return fmt.Errorf("copying %s from image: %w: %s", srcDir, err, bytes.TrimSpace(out))
	}
	return nil
}

// limitedWriter stops writing after a byte limit and remembers that it did.
// Excess data is discarded, not an error.
type limitedWriter struct {
	w         io.Writer
	remaining int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		if len(p) > 0 {
			lw.truncated = true
		}
		return len(p), nil
	}
	full := len(p)
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
		lw.truncated = true
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return full, nil
}
