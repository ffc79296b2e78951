package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeSnapshotter stands in for the sandbox runtime's copy-out primitive.
type fakeSnapshotter struct {
	calls int
	fail  error
}

func (f *fakeSnapshotter) CopyOut(_ context.Context, _, _, destDir string) error {
	f.calls++
	if f.fail != nil {
		return f.fail
	}
	return os.WriteFile(filepath.Join(destDir, "README"), []byte("snapshot"), 0640)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager returns a manager with a fake image file already on disk.
func newTestManager(t *testing.T) (*Manager, *fakeSnapshotter, string) {
	t.Helper()
	tmp := t.TempDir()
	image := filepath.Join(tmp, "instance.sif")
	if err := os.WriteFile(image, []byte("sif"), 0640); err != nil {
		t.Fatal(err)
	}
	snap := &fakeSnapshotter{}
	m := NewManager(filepath.Join(tmp, "workspaces"), snap, testLogger())
	return m, snap, image
}

func TestCreateMetadataRoundTrip(t *testing.T) {
	m, snap, image := newTestManager(t)

	info, err := m.Create(context.Background(), "astropy__astropy-12907", "openai/gpt-oss-20b", image)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if snap.calls != 1 {
		t.Errorf("snapshot called %d times, want 1", snap.calls)
	}

	// Snapshot landed in testbed/.
	if _, err := os.Stat(filepath.Join(info.TestbedDir, "README")); err != nil {
		t.Errorf("testbed snapshot missing: %v", err)
	}

	metadata, err := m.Metadata(info.Dir)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if got := metadata["instance_id"]; got != "astropy__astropy-12907" {
		t.Errorf("instance_id = %v", got)
	}
	if got := metadata["model_name"]; got != "openai/gpt-oss-20b" {
		t.Errorf("model_name = %v", got)
	}
	if got := metadata["workspace_id"]; got != info.WorkspaceID {
		t.Errorf("workspace_id = %v, want %v", got, info.WorkspaceID)
	}
	if _, err := time.Parse(time.RFC3339, metadata["created_at"].(string)); err != nil {
		t.Errorf("created_at not RFC3339: %v", err)
	}
}

func TestCreateCollisionFailsLoudly(t *testing.T) {
	m, _, image := newTestManager(t)

	// Pin the clock so both creations produce the same workspace id.
	fixed := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	first, err := m.Create(context.Background(), "inst", "model", image)
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}

	_, err = m.Create(context.Background(), "inst", "model", image)
	var wsErr *Error
	if !errors.As(err, &wsErr) {
		t.Fatalf("second Create err = %v, want *Error", err)
	}

	// The first workspace must be untouched.
	if _, statErr := os.Stat(filepath.Join(first.Dir, "metadata.json")); statErr != nil {
		t.Errorf("first workspace damaged by collision: %v", statErr)
	}
}

func TestCreateRemovesPartialWorkspaceOnSnapshotFailure(t *testing.T) {
	m, snap, image := newTestManager(t)
	snap.fail = fmt.Errorf("copy blew up")

	_, err := m.Create(context.Background(), "inst", "model", image)
	var wsErr *Error
	if !errors.As(err, &wsErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if wsErr.Op != "snapshot" {
		t.Errorf("Op = %q, want snapshot", wsErr.Op)
	}

	// No partial workspace left behind.
	infos, listErr := m.List()
	if listErr != nil {
		t.Fatal(listErr)
	}
	if len(infos) != 0 {
		t.Errorf("partial workspace survived: %v", infos)
	}
	entries, _ := os.ReadDir(m.baseDir)
	if len(entries) != 0 {
		t.Errorf("base dir not empty after failed create: %v", entries)
	}
}

func TestCreateMissingImageFailsBeforeSnapshot(t *testing.T) {
	m, snap, _ := newTestManager(t)

	_, err := m.Create(context.Background(), "inst", "model", "/nonexistent/image.sif")
	var wsErr *Error
	if !errors.As(err, &wsErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if snap.calls != 0 {
		t.Errorf("snapshot attempted against missing image (%d calls)", snap.calls)
	}
}

func TestCleanupIsNotIdempotent(t *testing.T) {
	m, _, image := newTestManager(t)

	info, err := m.Create(context.Background(), "inst", "model", image)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Cleanup(info.Dir); err != nil {
		t.Fatalf("first Cleanup: %v", err)
	}

	// Second cleanup on the removed path fails with a workspace error, not a crash.
	err = m.Cleanup(info.Dir)
	var wsErr *Error
	if !errors.As(err, &wsErr) {
		t.Fatalf("second Cleanup err = %v, want *Error", err)
	}
}

func TestListSkipsMalformedEntries(t *testing.T) {
	m, _, image := newTestManager(t)

	if _, err := m.Create(context.Background(), "good", "model", image); err != nil {
		t.Fatal(err)
	}

	// A directory without metadata and one with garbage metadata.
	if err := os.MkdirAll(filepath.Join(m.baseDir, "no_metadata"), 0750); err != nil {
		t.Fatal(err)
	}
	badDir := filepath.Join(m.baseDir, "bad_metadata")
	if err := os.MkdirAll(badDir, 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(badDir, "metadata.json"), []byte("{not json"), 0640); err != nil {
		t.Fatal(err)
	}

	infos, err := m.List()
	if err != nil {
		t.Fatalf("List must not abort on malformed entries: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("got %d workspaces, want 1: %v", len(infos), infos)
	}
	if infos[0].InstanceID != "good" {
		t.Errorf("wrong workspace listed: %+v", infos[0])
	}
}

func TestSweepOlderThan(t *testing.T) {
	m, _, image := newTestManager(t)

	// One old workspace, one fresh.
	old := time.Now().UTC().Add(-48 * time.Hour)
	m.now = func() time.Time { return old }
	oldWS, err := m.Create(context.Background(), "old-inst", "model", image)
	if err != nil {
		t.Fatal(err)
	}

	m.now = time.Now
	freshWS, err := m.Create(context.Background(), "fresh-inst", "model", image)
	if err != nil {
		t.Fatal(err)
	}

	removed, failed := m.SweepOlderThan(24 * time.Hour)
	if len(failed) != 0 {
		t.Errorf("unexpected failures: %v", failed)
	}
	if len(removed) != 1 || removed[0] != oldWS.Dir {
		t.Errorf("removed = %v, want [%s]", removed, oldWS.Dir)
	}
	if _, err := os.Stat(freshWS.Dir); err != nil {
		t.Errorf("fresh workspace removed: %v", err)
	}

	// Second sweep removes nothing.
	removed, failed = m.SweepOlderThan(24 * time.Hour)
	if len(removed) != 0 || len(failed) != 0 {
		t.Errorf("second sweep not a no-op: removed=%v failed=%v", removed, failed)
	}
}

func TestSanitizeToken(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"astropy__astropy-12907", "astropy_astropy-12907"},
		{"openai/gpt-oss-20b", "openai_gpt-oss-20b"},
		{"claude-3.5:latest", "claude-3.5_latest"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"", "_"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			if got := sanitizeToken(tc.in); got != tc.want {
				t.Errorf("sanitizeToken(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}

	long := sanitizeToken(fmt.Sprintf("%0200d", 1))
	if len(long) > maxTokenLen {
		t.Errorf("token not capped: %d chars", len(long))
	}
}
