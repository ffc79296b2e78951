// Package workspace manages per-run isolated environments. Each run gets a
// directory tree holding a live snapshot of a container image's filesystem:
//
//	workspaces/
//	  └── {timestamp}_{model}_{instance}/
//	      ├── testbed/        # Snapshot from the image, bind-mounted back in
//	      ├── outputs/        # Run log, submission, agent artifacts
//	      └── metadata.json   # Run metadata
//
// The testbed directory is bind-mounted into the sandbox and handed to the
// file bridge as its only allowed directory, so the shell surface and the
// file-editing surface observe the exact same files.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	metadataFile   = "metadata.json"
	testbedDirName = "testbed"
	outputsDirName = "outputs"

	// maxTokenLen caps sanitized instance/model tokens so workspace ids stay
	// within filesystem name limits.
	maxTokenLen = 64

	timestampLayout = "20060102_150405"
)

// Error reports a failed workspace operation.
type Error struct {
	Op        string   // "create", "cleanup", "metadata", "snapshot"
	Workspace string   // workspace dir or id, may be empty
	Remaining []string // paths left behind by a partial removal
	Err       error
}

func (e *Error) Error() string {
	msg := "workspace " + e.Op
	if e.Workspace != "" {
		msg += " " + e.Workspace
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Remaining) > 0 {
		msg += fmt.Sprintf(" (remaining: %s)", strings.Join(e.Remaining, ", "))
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Info describes one created workspace.
type Info struct {
	WorkspaceID string    `json:"workspace_id"`
	Dir         string    `json:"workspace_dir"`
	TestbedDir  string    `json:"testbed_dir"`
	OutputsDir  string    `json:"outputs_dir"`
	InstanceID  string    `json:"instance_id"`
	ModelName   string    `json:"model_name"`
	Timestamp   string    `json:"timestamp"`
	ImageRef    string    `json:"image_ref"`
	CreatedAt   time.Time `json:"created_at"`
}

// Snapshotter copies a directory out of a container image onto the host.
// Satisfied by sandbox.Runtime.
type Snapshotter interface {
	CopyOut(ctx context.Context, imagePath, srcDir, destDir string) error
}

// Manager owns the workspace base directory. It has exclusive creation and
// deletion authority over everything under it.
type Manager struct {
	baseDir string
	snap    Snapshotter
	logger  *slog.Logger

	// snapshotSource is the in-image directory copied into testbed/.
	snapshotSource string

	// now is overridable for collision tests.
	now func() time.Time
}

// NewManager creates a Manager rooted at baseDir.
func NewManager(baseDir string, snap Snapshotter, logger *slog.Logger) *Manager {
	return &Manager{
		baseDir:        baseDir,
		snap:           snap,
		logger:         logger,
		snapshotSource: "/testbed",
		now:            time.Now,
	}
}

// WithSnapshotSource overrides the in-image directory snapshotted into testbed/.
func (m *Manager) WithSnapshotSource(dir string) *Manager {
	m.snapshotSource = dir
	return m
}

// Create materializes a new workspace for one run.
//
// The directory is claimed with an exclusive create, so a colliding
// workspace id fails loudly instead of overwriting an existing run. On any
// failure after the claim, the partial workspace is removed before the
// error is surfaced.
func (m *Manager) Create(ctx context.Context, instanceID, modelName, imageRef string) (*Info, error) {
	now := m.now().UTC()
	timestamp := now.Format(timestampLayout)
	workspaceID := timestamp + "_" + sanitizeToken(modelName) + "_" + sanitizeToken(instanceID)

	dir := filepath.Join(m.baseDir, workspaceID)
	info := &Info{
		WorkspaceID: workspaceID,
		Dir:         dir,
		TestbedDir:  filepath.Join(dir, testbedDirName),
		OutputsDir:  filepath.Join(dir, outputsDirName),
		InstanceID:  instanceID,
		ModelName:   modelName,
		Timestamp:   timestamp,
		ImageRef:    imageRef,
		CreatedAt:   now,
	}

	m.logger.Info("creating workspace",
		slog.String("workspace_id", workspaceID),
		slog.String("instance_id", instanceID),
		slog.String("model", modelName),
		slog.String("image", imageRef),
	)

	if err := os.MkdirAll(m.baseDir, 0750); err != nil {
		return nil, &Error{Op: "create", Workspace: workspaceID, Err: err}
	}

	// Exclusive claim: os.Mkdir fails with EEXIST on collision.
	if err := os.Mkdir(dir, 0750); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, &Error{Op: "create", Workspace: workspaceID,
				Err: fmt.Errorf("workspace already exists: %w", err)}
		}
		return nil, &Error{Op: "create", Workspace: workspaceID, Err: err}
	}

	if err := m.initialize(ctx, info, imageRef); err != nil {
		// Remove the partial workspace before surfacing the error.
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			m.logger.Warn("failed to remove partial workspace",
				slog.String("workspace_id", workspaceID),
				slog.String("error", rmErr.Error()),
			)
		}
		return nil, err
	}

	m.logger.Info("workspace created",
		slog.String("workspace_id", workspaceID),
		slog.String("testbed_dir", info.TestbedDir),
	)

	return info, nil
}

// initialize builds the directory tree, snapshots the image, and writes
// metadata. Caller removes the workspace on error.
func (m *Manager) initialize(ctx context.Context, info *Info, imageRef string) error {
	for _, d := range []string{info.TestbedDir, info.OutputsDir} {
		if err := os.Mkdir(d, 0750); err != nil {
			return &Error{Op: "create", Workspace: info.WorkspaceID, Err: err}
		}
	}

	if _, err := os.Stat(imageRef); err != nil {
		return &Error{Op: "snapshot", Workspace: info.WorkspaceID,
			Err: fmt.Errorf("container image not found: %s", imageRef)}
	}
	if err := m.snap.CopyOut(ctx, imageRef, m.snapshotSource, info.TestbedDir); err != nil {
		return &Error{Op: "snapshot", Workspace: info.WorkspaceID, Err: err}
	}

	if err := m.writeMetadata(info); err != nil {
		return &Error{Op: "metadata", Workspace: info.WorkspaceID, Err: err}
	}
	return nil
}

// writeMetadata writes metadata.json via temp file + atomic rename so no
// reader ever observes a partially written file.
func (m *Manager) writeMetadata(info *Info) error {
	metadata := map[string]any{
		"instance_id":  info.InstanceID,
		"model_name":   info.ModelName,
		"timestamp":    info.Timestamp,
		"workspace_id": info.WorkspaceID,
		"image_ref":    info.ImageRef,
		"created_at":   info.CreatedAt.Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return err
	}

	final := filepath.Join(info.Dir, metadataFile)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// Cleanup removes a workspace directory tree. Removing a nonexistent or
// partially removable workspace fails with *Error listing what remains.
func (m *Manager) Cleanup(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return &Error{Op: "cleanup", Workspace: dir, Err: err}
	}

	if err := os.RemoveAll(dir); err != nil {
		return &Error{Op: "cleanup", Workspace: dir, Remaining: survivingPaths(dir), Err: err}
	}
	if _, err := os.Stat(dir); err == nil {
		return &Error{Op: "cleanup", Workspace: dir, Remaining: survivingPaths(dir),
			Err: fmt.Errorf("directory still present after removal")}
	}

	m.logger.Info("workspace removed", slog.String("workspace_dir", dir))
	return nil
}

// survivingPaths lists what is left under dir after a failed removal.
func survivingPaths(dir string) []string {
	var remaining []string
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []string{dir}
	}
	for _, e := range entries {
		remaining = append(remaining, filepath.Join(dir, e.Name()))
	}
	if remaining == nil {
		remaining = []string{dir}
	}
	return remaining
}

// List scans the base directory and returns every parseable workspace.
// Malformed entries are logged and skipped; one broken workspace must not
// hide the rest.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &Error{Op: "list", Err: err}
	}

	var infos []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(m.baseDir, e.Name())
		info, err := m.readInfo(dir)
		if err != nil {
			m.logger.Warn("skipping malformed workspace",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			continue
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// Metadata reads and parses a workspace's metadata.json.
func (m *Manager) Metadata(dir string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, &Error{Op: "metadata", Workspace: dir, Err: err}
	}
	var metadata map[string]any
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, &Error{Op: "metadata", Workspace: dir,
			Err: fmt.Errorf("parsing metadata: %w", err)}
	}
	return metadata, nil
}

// readInfo reconstructs an Info from a workspace directory on disk.
func (m *Manager) readInfo(dir string) (*Info, error) {
	metadata, err := m.Metadata(dir)
	if err != nil {
		return nil, err
	}
	str := func(key string) string {
		s, _ := metadata[key].(string)
		return s
	}
	createdAt, err := time.Parse(time.RFC3339, str("created_at"))
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &Info{
		WorkspaceID: str("workspace_id"),
		Dir:         dir,
		TestbedDir:  filepath.Join(dir, testbedDirName),
		OutputsDir:  filepath.Join(dir, outputsDirName),
		InstanceID:  str("instance_id"),
		ModelName:   str("model_name"),
		Timestamp:   str("timestamp"),
		ImageRef:    str("image_ref"),
		CreatedAt:   createdAt,
	}, nil
}

// SweepOlderThan removes workspaces created before now-maxAge. The sweep is
// best-effort: one failed removal does not block the rest. Both the removed
// and failed sets are returned so callers can report partial success.
func (m *Manager) SweepOlderThan(maxAge time.Duration) (removed, failed []string) {
	infos, err := m.List()
	if err != nil {
		m.logger.Error("workspace sweep aborted", slog.String("error", err.Error()))
		return nil, nil
	}

	cutoff := m.now().UTC().Add(-maxAge)
	for _, info := range infos {
		if !info.CreatedAt.Before(cutoff) {
			continue
		}
		if err := m.Cleanup(info.Dir); err != nil {
			m.logger.Warn("failed to remove old workspace",
				slog.String("workspace_id", info.WorkspaceID),
				slog.String("error", err.Error()),
			)
			failed = append(failed, info.Dir)
			continue
		}
		removed = append(removed, info.Dir)
	}

	if len(removed) > 0 || len(failed) > 0 {
		m.logger.Info("workspace sweep completed",
			slog.Int("removed", len(removed)),
			slog.Int("failed", len(failed)),
		)
	}
	return removed, failed
}

// sanitizeToken makes an instance or model name filesystem-safe: path
// separators and shell-hostile characters become underscores, double
// underscores collapse, and the result is length-capped.
func sanitizeToken(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := b.String()
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	s = strings.Trim(s, "_")
	if s == "" {
		s = "_"
	}
	if len(s) > maxTokenLen {
		s = s[:maxTokenLen]
	}
	return s
}
