// Package sandbox provides isolated execution of commands inside immutable
// container images. All agent shell activity runs through a Runtime, never
// directly on the host.
package sandbox

import (
	"context"
	"time"
)

// Runtime executes commands inside a container image and copies files out of
// one. Implementations must kill the whole process group of a command when
// the context is cancelled or the timeout fires.
type Runtime interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)

	// CopyOut copies srcDir from inside the image rooted at imagePath into
	// destDir on the host. Used to materialize workspace snapshots.
	CopyOut(ctx context.Context, imagePath, srcDir, destDir string) error
}

// Mount maps a host path into the container. Identical files are visible on
// both sides of the mount.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Flag renders the mount in host:container[:ro] form.
func (m Mount) Flag() string {
	s := m.HostPath + ":" + m.ContainerPath
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// ResolveMounts merges workspace-derived mounts with caller extras into one
// deterministic, ordered list. Workspace mounts always come first; when two
// mounts target the same container path, the earlier one wins and the later
// one is dropped.
func ResolveMounts(workspace, extra []Mount) []Mount {
	resolved := make([]Mount, 0, len(workspace)+len(extra))
	seen := make(map[string]bool, len(workspace)+len(extra))
	for _, m := range workspace {
		if seen[m.ContainerPath] {
			continue
		}
		seen[m.ContainerPath] = true
		resolved = append(resolved, m)
	}
	for _, m := range extra {
		if seen[m.ContainerPath] {
			continue
		}
		seen[m.ContainerPath] = true
		resolved = append(resolved, m)
	}
	return resolved
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// ImagePath is the container image on disk (e.g. a .sif file).
	ImagePath string

	// Command is a shell command line. The runtime wraps it in a login shell
	// so profile and environment setup applies inside the container.
	Command string

	// Mounts are attached in order. See ResolveMounts for precedence.
	Mounts []Mount

	// WorkingDir pins the working directory inside the container.
	// Empty = the runtime's default.
	WorkingDir string

	// Env adds environment variables inside the container.
	Env map[string]string

	// Timeout bounds the execution wall clock. Zero = runtime default.
	Timeout time.Duration

	// MaxOutputBytes caps each captured stream. Zero = runtime default.
	MaxOutputBytes int
}

// ExecutionResult captures the outcome of a sandboxed command.
// It is populated even when the command timed out, preserving any output
// captured before the process group was killed.
type ExecutionResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool // at least one stream hit its byte cap
	TimedOut  bool // process group was killed at the deadline
}
