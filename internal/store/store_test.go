package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/vieneulabs/vieneu-console/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "console.db")}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoadRows(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	in := []RowSnapshot{{ID: 1, Text: "xin chào"}, {ID: 3, Text: "tạm biệt"}}
	if err := s.SaveRows(ctx, in); err != nil {
		t.Fatalf("save rows: %v", err)
	}
	out, err := s.LoadRows(ctx)
	if err != nil {
		t.Fatalf("load rows: %v", err)
	}
	if len(out) != 2 || out[0].ID != 1 || out[1].Text != "tạm biệt" {
		t.Fatalf("unexpected rows %+v", out)
	}
}

func TestJobMappings(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.SaveRows(ctx, []RowSnapshot{{ID: 1}, {ID: 2}}); err != nil {
		t.Fatalf("save rows: %v", err)
	}
	if err := s.AssignJob(ctx, 1, "job-a"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := s.AssignJob(ctx, 1, "job-b"); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	jobs, err := s.Jobs(ctx)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if jobs[1] != "job-b" || len(jobs) != 1 {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	if err := s.ClearJob(ctx, 1); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := s.ClearJob(ctx, 1); err != nil {
		t.Fatalf("clear twice: %v", err)
	}
	jobs, _ = s.Jobs(ctx)
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs, got %+v", jobs)
	}
}

func TestSaveRowsReconcilesStaleJobs(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.SaveRows(ctx, []RowSnapshot{{ID: 1}, {ID: 2}}); err != nil {
		t.Fatalf("save rows: %v", err)
	}
	if err := s.AssignJob(ctx, 2, "job-x"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	// Row 2 disappears; its mapping must go with it.
	if err := s.SaveRows(ctx, []RowSnapshot{{ID: 1}}); err != nil {
		t.Fatalf("save rows: %v", err)
	}
	jobs, err := s.Jobs(ctx)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected stale mapping dropped, got %+v", jobs)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	defaults := Settings{Backbone: "default-bb", Codec: "default-codec", Voice: "Binh", Temperature: 1.0, ActiveTab: "single"}
	got, err := s.LoadSettings(ctx, defaults)
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if got != defaults {
		t.Fatalf("expected defaults back, got %+v", got)
	}

	saved := Settings{Backbone: "bb", Codec: "cc", Voice: "Lan", Temperature: 0.7, ActiveTab: "batch"}
	if err := s.SaveSettings(ctx, saved); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	got, err = s.LoadSettings(ctx, defaults)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if got != saved {
		t.Fatalf("expected %+v, got %+v", saved, got)
	}
}
