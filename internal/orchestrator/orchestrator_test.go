package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vieneulabs/vieneu-console/internal/backend"
	"github.com/vieneulabs/vieneu-console/internal/config"
	"github.com/vieneulabs/vieneu-console/internal/session"
	"github.com/vieneulabs/vieneu-console/internal/store"
)

// fakeServer emulates the synthesis server's HTTP surface.
type fakeServer struct {
	mu      sync.Mutex
	busy    bool
	state   string // job state reported by /api/status
	missing bool   // report 404 for any job
	submits int
	cancels int
	audio   []byte

	// stallSubmit, when set, holds every /api/synthesize response until
	// the channel is closed; submitEntered signals that a submission
	// request reached the server.
	stallSubmit   chan struct{}
	submitEntered chan struct{}
}

func (f *fakeServer) setBusy(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy = b
}

func (f *fakeServer) setState(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeServer) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeServer) cancelled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *fakeServer) handleSynthesize(w http.ResponseWriter) {
	f.mu.Lock()
	if f.busy {
		f.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"busy": true})
		return
	}
	stall := f.stallSubmit
	if f.submitEntered != nil {
		select {
		case f.submitEntered <- struct{}{}:
		default:
		}
	}
	f.mu.Unlock()
	if stall != nil {
		<-stall
	}
	f.mu.Lock()
	f.submits++
	f.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]any{"job_id": "job-1"})
}

func (f *fakeServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/synthesize" {
			f.handleSynthesize(w)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.URL.Path == "/api/busy":
			json.NewEncoder(w).Encode(map[string]any{"busy": f.busy})
		case strings.HasPrefix(r.URL.Path, "/api/status/"):
			if f.missing {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"status": f.state, "progress": f.state})
		case strings.HasPrefix(r.URL.Path, "/api/stream/"), strings.HasPrefix(r.URL.Path, "/api/audio/"):
			w.Write(f.audio)
		case strings.HasPrefix(r.URL.Path, "/api/cancel/"):
			f.cancels++
			json.NewEncoder(w).Encode(map[string]any{"cancelled": true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.BaseURL = baseURL
	cfg.Server.RequestTimeoutMS = 2000
	cfg.Admission.ProbeIntervalMS = 5
	cfg.Polling.IntervalMS = 5
	cfg.Streaming.BufferThresholdSec = 1
	cfg.Streaming.CacheDir = t.TempDir()
	cfg.Store.Path = filepath.Join(t.TempDir(), "console.db")
	cfg.Download.Directory = t.TempDir()
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg config.Config) (*Orchestrator, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(context.Background(), cfg.Store, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	o, err := New(context.Background(), cfg, st, backend.NewClient(cfg.Server, logger), nil, nil, logger)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(o.Shutdown)
	return o, st
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAddAndRemoveRows(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o, _ := newTestOrchestrator(t, testConfig(t, srv.URL))
	ctx := context.Background()

	first := o.AddRow(ctx)
	second := o.AddRow(ctx)
	if err := o.SetText(ctx, second, "hello"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	if err := o.RemoveRow(ctx, first); err != nil {
		t.Fatalf("remove: %v", err)
	}
	rows := o.Rows()
	if len(rows) != 1 || rows[0].Text != "hello" {
		t.Fatalf("unexpected rows after remove: %+v", rows)
	}

	// The last row is cleared in place, never deleted.
	if err := o.RemoveRow(ctx, second); err != nil {
		t.Fatalf("remove last: %v", err)
	}
	rows = o.Rows()
	if len(rows) != 1 || rows[0].Text != "" {
		t.Fatalf("last row should be cleared in place, got %+v", rows)
	}

	if err := o.RemoveRow(ctx, 999); !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("expected ErrRowNotFound, got %v", err)
	}
}

func TestGenerateRunsToDone(t *testing.T) {
	fake := &fakeServer{state: "done", audio: make([]byte, 4800)}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o, st := newTestOrchestrator(t, testConfig(t, srv.URL))
	ctx := context.Background()

	id := o.AddRow(ctx)
	if err := o.SetText(ctx, id, "hello world"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	if err := o.Generate(ctx, id); err != nil {
		t.Fatalf("generate: %v", err)
	}

	waitFor(t, "row done", func() bool {
		row, _ := o.Row(id)
		return row.Phase == session.PhaseDone
	})
	row, _ := o.Row(id)
	if row.AudioURL == "" {
		t.Fatal("done row should carry a permanent audio url")
	}
	if got := fake.submitted(); got != 1 {
		t.Fatalf("expected exactly one submission, got %d", got)
	}
	waitFor(t, "mapping cleared", func() bool {
		jobs, err := st.Jobs(ctx)
		return err == nil && len(jobs) == 0
	})
}

func TestGenerateRejectsEmptyText(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o, _ := newTestOrchestrator(t, testConfig(t, srv.URL))
	ctx := context.Background()

	id := o.AddRow(ctx)
	if err := o.Generate(ctx, id); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if err := o.Generate(ctx, 999); !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("expected ErrRowNotFound, got %v", err)
	}
}

func TestBusyBackendHoldsQueue(t *testing.T) {
	fake := &fakeServer{busy: true, state: "done", audio: make([]byte, 2400)}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o, _ := newTestOrchestrator(t, testConfig(t, srv.URL))
	ctx := context.Background()

	id := o.AddRow(ctx)
	if err := o.SetText(ctx, id, "queued text"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	if err := o.Generate(ctx, id); err != nil {
		t.Fatalf("generate: %v", err)
	}

	// While the backend is busy nothing may be submitted.
	time.Sleep(50 * time.Millisecond)
	if got := fake.submitted(); got != 0 {
		t.Fatalf("expected no submissions while busy, got %d", got)
	}
	row, _ := o.Row(id)
	if row.Phase != session.PhaseQueued {
		t.Fatalf("expected queued phase, got %s", row.Phase)
	}

	fake.setBusy(false)
	waitFor(t, "row done after backend freed", func() bool {
		row, _ := o.Row(id)
		return row.Phase == session.PhaseDone
	})
}

func TestStopIsIdempotent(t *testing.T) {
	fake := &fakeServer{state: "processing"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o, _ := newTestOrchestrator(t, testConfig(t, srv.URL))
	ctx := context.Background()

	id := o.AddRow(ctx)
	if err := o.SetText(ctx, id, "long synthesis"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	if err := o.Generate(ctx, id); err != nil {
		t.Fatalf("generate: %v", err)
	}
	waitFor(t, "row processing", func() bool {
		row, _ := o.Row(id)
		return row.Phase == session.PhaseProcessing
	})

	if err := o.StopRow(ctx, id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	row, _ := o.Row(id)
	if row.Phase != session.PhaseCancelled {
		t.Fatalf("expected cancelled, got %s", row.Phase)
	}

	// Stopping again, in any state, is a no-op.
	if err := o.StopRow(ctx, id); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	row, _ = o.Row(id)
	if row.Phase != session.PhaseCancelled {
		t.Fatalf("second stop changed phase to %s", row.Phase)
	}
}

func TestStopDuringInflightSubmitLeavesNoHandles(t *testing.T) {
	fake := &fakeServer{
		state:         "processing",
		stallSubmit:   make(chan struct{}),
		submitEntered: make(chan struct{}, 1),
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o, st := newTestOrchestrator(t, testConfig(t, srv.URL))
	ctx := context.Background()

	id := o.AddRow(ctx)
	if err := o.SetText(ctx, id, "hold the line"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	if err := o.Generate(ctx, id); err != nil {
		t.Fatalf("generate: %v", err)
	}

	// The submission request is on the wire; stop the row before the
	// server answers.
	<-fake.submitEntered
	if err := o.StopRow(ctx, id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(fake.stallSubmit)

	// The late job id must be discarded and cancelled server-side, never
	// re-armed on the stopped row.
	waitFor(t, "server-side cancel", func() bool { return fake.cancelled() > 0 })
	row, err := o.Row(id)
	if err != nil {
		t.Fatalf("row: %v", err)
	}
	if row.Phase != session.PhaseCancelled {
		t.Fatalf("expected cancelled, got %s", row.Phase)
	}
	if row.JobID != "" {
		t.Fatalf("expected no job on stopped row, got %q", row.JobID)
	}
	if got := o.poller.ActiveCount(); got != 0 {
		t.Fatalf("expected no pollers, got %d", got)
	}
	if got := o.streams.ActiveCount(); got != 0 {
		t.Fatalf("expected no streams, got %d", got)
	}
	jobs, err := st.Jobs(ctx)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no persisted mapping, got %v", jobs)
	}
}

func TestLateDoneAfterStopLeavesNoAudio(t *testing.T) {
	fake := &fakeServer{state: "processing"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o, _ := newTestOrchestrator(t, testConfig(t, srv.URL))
	ctx := context.Background()

	id := o.AddRow(ctx)
	if err := o.SetText(ctx, id, "almost there"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	if err := o.Generate(ctx, id); err != nil {
		t.Fatalf("generate: %v", err)
	}
	waitFor(t, "row processing", func() bool {
		row, _ := o.Row(id)
		return row.Phase == session.PhaseProcessing
	})
	if err := o.StopRow(ctx, id); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// A final status response already in flight lands after the stop; the
	// stale result must not decorate the cancelled row.
	(*pollEvents)(o).Done(id, backend.Status{State: "done", AudioURL: srv.URL + "/api/audio/job-1"})

	row, _ := o.Row(id)
	if row.Phase != session.PhaseCancelled {
		t.Fatalf("expected cancelled, got %s", row.Phase)
	}
	if row.AudioURL != "" {
		t.Fatalf("expected no audio on cancelled row, got %q", row.AudioURL)
	}
	if row.Status != "Stopped" {
		t.Fatalf("expected stopped status, got %q", row.Status)
	}
}

func TestStopLeavesFinishedAudioUntouched(t *testing.T) {
	fake := &fakeServer{state: "done", audio: make([]byte, 2400)}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o, _ := newTestOrchestrator(t, testConfig(t, srv.URL))
	ctx := context.Background()

	id := o.AddRow(ctx)
	if err := o.SetText(ctx, id, "short"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	if err := o.Generate(ctx, id); err != nil {
		t.Fatalf("generate: %v", err)
	}
	waitFor(t, "row done", func() bool {
		row, _ := o.Row(id)
		return row.Phase == session.PhaseDone
	})

	if err := o.StopRow(ctx, id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	row, _ := o.Row(id)
	if row.Phase != session.PhaseDone || row.AudioURL == "" {
		t.Fatalf("stop must not disturb a finished row, got %+v", row)
	}
}

func TestResumeReattachesFinishedJob(t *testing.T) {
	fake := &fakeServer{state: "done", audio: make([]byte, 2400)}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	seed, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := seed.SaveRows(ctx, []store.RowSnapshot{{ID: 1, Text: "persisted"}}); err != nil {
		t.Fatalf("seed rows: %v", err)
	}
	if err := seed.AssignJob(ctx, 1, "job-9"); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	seed.Close()

	o, st := newTestOrchestrator(t, cfg)
	if err := o.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	row, err := o.Row(1)
	if err != nil {
		t.Fatalf("row after resume: %v", err)
	}
	if row.Phase != session.PhaseDone || row.AudioURL == "" || row.JobID != "job-9" {
		t.Fatalf("resume did not reconstruct the finished job: %+v", row)
	}
	// The finished audio must be recovered without a new submission.
	if got := fake.submitted(); got != 0 {
		t.Fatalf("resume must not resubmit, got %d submissions", got)
	}
	jobs, err := st.Jobs(ctx)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("mapping should be cleared after resume, got %v (err %v)", jobs, err)
	}
}

func TestResumeDropsExpiredMapping(t *testing.T) {
	fake := &fakeServer{missing: true}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	seed, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := seed.SaveRows(ctx, []store.RowSnapshot{{ID: 1, Text: "stale"}}); err != nil {
		t.Fatalf("seed rows: %v", err)
	}
	if err := seed.AssignJob(ctx, 1, "job-gone"); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	seed.Close()

	o, st := newTestOrchestrator(t, cfg)
	if err := o.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	row, err := o.Row(1)
	if err != nil {
		t.Fatalf("row after resume: %v", err)
	}
	if row.Phase != session.PhaseUnsubmitted || row.Text != "stale" {
		t.Fatalf("expired mapping should leave the row idle with its text, got %+v", row)
	}
	jobs, err := st.Jobs(ctx)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("stale mapping should be dropped, got %v (err %v)", jobs, err)
	}
}

func TestResumeReattachesRunningJob(t *testing.T) {
	fake := &fakeServer{state: "processing"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	seed, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := seed.SaveRows(ctx, []store.RowSnapshot{{ID: 1, Text: "in flight"}}); err != nil {
		t.Fatalf("seed rows: %v", err)
	}
	if err := seed.AssignJob(ctx, 1, "job-live"); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	seed.Close()

	o, _ := newTestOrchestrator(t, cfg)
	if err := o.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	row, _ := o.Row(1)
	if row.Phase != session.PhaseProcessing || row.JobID != "job-live" {
		t.Fatalf("running job should be reattached as processing: %+v", row)
	}
	if got := fake.submitted(); got != 0 {
		t.Fatalf("resume must not resubmit, got %d submissions", got)
	}

	// The reattached poller observes the terminal state.
	fake.setState("done")
	waitFor(t, "reattached job done", func() bool {
		row, _ := o.Row(1)
		return row.Phase == session.PhaseDone
	})
}

func TestResumeEmptySnapshotYieldsOneBlankRow(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o, _ := newTestOrchestrator(t, testConfig(t, srv.URL))
	if err := o.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	rows := o.Rows()
	if len(rows) != 1 || rows[0].Text != "" || rows[0].Phase != session.PhaseUnsubmitted {
		t.Fatalf("expected one blank row, got %+v", rows)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o, _ := newTestOrchestrator(t, testConfig(t, srv.URL))
	ctx := context.Background()

	set := o.Settings()
	set.Voice = "nova"
	set.Temperature = 0.9
	if err := o.UpdateSettings(ctx, set); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	got := o.Settings()
	if got.Voice != "nova" || got.Temperature != 0.9 {
		t.Fatalf("settings not applied: %+v", got)
	}
}

func TestStopAllAcrossMixedStates(t *testing.T) {
	fake := &fakeServer{state: "done", audio: make([]byte, 2400)}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o, _ := newTestOrchestrator(t, testConfig(t, srv.URL))
	ctx := context.Background()

	done := o.AddRow(ctx)
	o.SetText(ctx, done, "finished row")
	if err := o.Generate(ctx, done); err != nil {
		t.Fatalf("generate done row: %v", err)
	}
	waitFor(t, "first row done", func() bool {
		row, _ := o.Row(done)
		return row.Phase == session.PhaseDone
	})

	fake.setState("processing")
	processing := o.AddRow(ctx)
	o.SetText(ctx, processing, "long row")
	if err := o.Generate(ctx, processing); err != nil {
		t.Fatalf("generate processing row: %v", err)
	}
	waitFor(t, "second row processing", func() bool {
		row, _ := o.Row(processing)
		return row.Phase == session.PhaseProcessing
	})

	fake.setBusy(true)
	queued := o.AddRow(ctx)
	o.SetText(ctx, queued, "waiting row")
	if err := o.Generate(ctx, queued); err != nil {
		t.Fatalf("generate queued row: %v", err)
	}

	o.StopAll(ctx)

	row, _ := o.Row(done)
	if row.Phase != session.PhaseDone || row.AudioURL == "" {
		t.Fatalf("done row must survive stop-all untouched: %+v", row)
	}
	for _, id := range []int64{processing, queued} {
		row, _ := o.Row(id)
		if row.Phase != session.PhaseCancelled {
			t.Fatalf("row %d should be cancelled, got %s", id, row.Phase)
		}
	}
	if got := o.queue.Len(); got != 0 {
		t.Fatalf("admission queue should be empty after stop-all, got %d", got)
	}
	if got := o.poller.ActiveCount(); got != 0 {
		t.Fatalf("no poller loops may remain after stop-all, got %d", got)
	}
	if got := o.streams.ActiveCount(); got != 0 {
		t.Fatalf("no stream sessions may remain after stop-all, got %d", got)
	}
}

func TestClearAllResetsWorkspace(t *testing.T) {
	fake := &fakeServer{state: "processing"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	o, _ := newTestOrchestrator(t, testConfig(t, srv.URL))
	ctx := context.Background()

	a := o.AddRow(ctx)
	b := o.AddRow(ctx)
	o.SetText(ctx, a, "one")
	o.SetText(ctx, b, "two")
	if n := o.GenerateAll(ctx); n != 2 {
		t.Fatalf("expected 2 rows enqueued, got %d", n)
	}

	o.ClearAll(ctx)
	rows := o.Rows()
	if len(rows) != 1 || rows[0].Text != "" {
		t.Fatalf("clear-all should leave one blank row, got %+v", rows)
	}
}
