package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "fundi.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func sampleRun(instance, state string) *RunRecord {
	return &RunRecord{
		InstanceID:   instance,
		Model:        "gpt-4o",
		Provider:     "openai",
		State:        state,
		Reason:       "patch submitted",
		Steps:        12,
		Retries:      1,
		InputTokens:  5000,
		OutputTokens: 1200,
		Duration:     90 * time.Second,
		WorkspaceDir: "/data/workspaces/20260830T120000_gpt-4o_" + instance,
		PatchPath:    "outputs/submission.patch",
	}
}

func TestSaveAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := sampleRun("astropy__astropy-12907", "submitted")
	if err := s.SaveRun(ctx, rec); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if rec.ID == uuid.Nil {
		t.Fatal("SaveRun should assign an ID")
	}

	got, err := s.GetRun(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.InstanceID != rec.InstanceID || got.State != rec.State || got.Steps != rec.Steps {
		t.Errorf("got %+v, want fields of %+v", got, rec)
	}
	if got.Duration != 90*time.Second {
		t.Errorf("duration = %s, want 90s", got.Duration)
	}
}

func TestSaveRunUpdatesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := sampleRun("django__django-11099", "step_limit_reached")
	if err := s.SaveRun(ctx, rec); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	rec.State = "submitted"
	rec.Steps = 30
	if err := s.SaveRun(ctx, rec); err != nil {
		t.Fatalf("SaveRun update: %v", err)
	}

	got, err := s.GetRun(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != "submitted" || got.Steps != 30 {
		t.Errorf("got state=%s steps=%d, want updated values", got.State, got.Steps)
	}

	runs, err := s.ListRuns(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("runs = %d, want 1 after an in-place update", len(runs))
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetRun(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected an error for an unknown run ID")
	}
}

func TestListRunsFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := sampleRun("sympy__sympy-20590", "failed")
	if err := s.SaveRun(ctx, first); err != nil {
		t.Fatal(err)
	}
	// Force distinct created_at for a deterministic order.
	first.CreatedAt = first.CreatedAt.Add(-time.Minute)
	if err := s.SaveRun(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := sampleRun("sympy__sympy-20590", "submitted")
	if err := s.SaveRun(ctx, second); err != nil {
		t.Fatal(err)
	}
	other := sampleRun("requests__requests-863", "submitted")
	if err := s.SaveRun(ctx, other); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRuns(ctx, ListFilter{InstanceID: "sympy__sympy-20590"})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2 for the instance filter", len(runs))
	}
	if runs[0].ID != second.ID {
		t.Errorf("first run = %s, want the newest (%s)", runs[0].ID, second.ID)
	}

	submitted, err := s.ListRuns(ctx, ListFilter{State: "submitted", Limit: 1})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(submitted) != 1 || submitted[0].State != "submitted" {
		t.Errorf("filtered runs = %+v, want one submitted run", submitted)
	}
}
