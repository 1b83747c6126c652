// Package orchestrator owns the whole client-side pipeline: rows, the
// admission queue, per-job pollers, streaming sessions and the playback
// slot. All mutable queues and timers live behind this one object and are
// torn down deterministically by Shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vieneulabs/vieneu-console/internal/admission"
	"github.com/vieneulabs/vieneu-console/internal/backend"
	"github.com/vieneulabs/vieneu-console/internal/bus"
	"github.com/vieneulabs/vieneu-console/internal/config"
	"github.com/vieneulabs/vieneu-console/internal/notify"
	"github.com/vieneulabs/vieneu-console/internal/playback"
	"github.com/vieneulabs/vieneu-console/internal/poller"
	"github.com/vieneulabs/vieneu-console/internal/protocol"
	"github.com/vieneulabs/vieneu-console/internal/session"
	"github.com/vieneulabs/vieneu-console/internal/store"
	"github.com/vieneulabs/vieneu-console/internal/stream"
)

// ErrRowNotFound is returned for operations on unknown rows.
var ErrRowNotFound = errors.New("row not found")

// ErrEmptyText is returned when generation is requested for a blank row.
var ErrEmptyText = errors.New("row text is empty")

// Orchestrator is the single owner of all row-keyed state and handles.
type Orchestrator struct {
	cfg     config.Config
	log     *slog.Logger
	rows    *session.Registry
	store   *store.Store
	backend *backend.Client
	queue   *admission.Queue
	poller  *poller.Poller
	streams *stream.Controller
	slots   *playback.Queue
	bus     *bus.Client
	hook    *notify.Hook
	metrics *metrics
	tracer  trace.Tracer

	// lifeMu serializes arming and disarming of row handles so a stop
	// cannot interleave with a submission response that is still in flight.
	lifeMu sync.Mutex

	settingsMu sync.Mutex
	settings   store.Settings

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires the orchestrator. busClient and hook may be nil.
func New(parent context.Context, cfg config.Config, st *store.Store, client *backend.Client, busClient *bus.Client, hook *notify.Hook, log *slog.Logger) (*Orchestrator, error) {
	ctx, cancel := context.WithCancel(parent)
	o := &Orchestrator{
		cfg:     cfg,
		log:     log.With(slog.String("component", "orchestrator")),
		rows:    session.NewRegistry(),
		store:   st,
		backend: client,
		slots:   playback.NewQueue(log),
		bus:     busClient,
		hook:    hook,
		tracer:  otel.Tracer("vieneu-console"),
		ctx:     ctx,
		cancel:  cancel,
	}
	o.queue = admission.NewQueue(ctx, time.Duration(cfg.Admission.ProbeIntervalMS)*time.Millisecond, client, (*dispatcher)(o), log)
	o.poller = poller.New(ctx, cfg.Polling, client, (*pollEvents)(o), log)
	o.streams = stream.NewController(ctx, cfg.Streaming, client, o.slots, (*streamHooks)(o), nil, log)

	m, err := newMetrics(otel.Meter("vieneu-console"), o.queue.Len, func() int { return len(o.slots.Waiting()) })
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	o.metrics = m
	o.settings = store.Settings{
		Backbone:    cfg.Synthesis.Backbone,
		Codec:       cfg.Synthesis.Codec,
		Voice:       cfg.Synthesis.Voice,
		Temperature: cfg.Synthesis.Temperature,
		ActiveTab:   "single",
	}
	return o, nil
}

// Shutdown clears all owned timers and handles deterministically.
func (o *Orchestrator) Shutdown() {
	o.queue.Shutdown()
	o.poller.Shutdown()
	o.streams.Shutdown()
	o.slots.Reset()
	o.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o.persistRows(ctx)
}

// Rows returns a snapshot of all rows in order.
func (o *Orchestrator) Rows() []session.Row {
	return o.rows.List()
}

// Row returns one row.
func (o *Orchestrator) Row(id int64) (session.Row, error) {
	row, ok := o.rows.Get(id)
	if !ok {
		return session.Row{}, ErrRowNotFound
	}
	return row, nil
}

// AddRow appends an empty input row.
func (o *Orchestrator) AddRow(ctx context.Context) int64 {
	id := o.rows.Add()
	o.persistRows(ctx)
	o.publishRow(id)
	return id
}

// RemoveRow stops and deletes a row. The last remaining row is cleared in
// place.
func (o *Orchestrator) RemoveRow(ctx context.Context, id int64) error {
	if _, ok := o.rows.Get(id); !ok {
		return ErrRowNotFound
	}
	o.lifeMu.Lock()
	o.stopHandles(id, true)
	o.rows.Remove(id)
	o.lifeMu.Unlock()
	if err := o.store.ClearJob(ctx, id); err != nil {
		o.log.Warn("clear job mapping failed", slog.Int64("row_id", id), slog.String("error", err.Error()))
	}
	o.persistRows(ctx)
	return nil
}

// SetText updates a row's draft text.
func (o *Orchestrator) SetText(ctx context.Context, id int64, text string) error {
	if !o.rows.SetText(id, text) {
		return ErrRowNotFound
	}
	o.persistRows(ctx)
	return nil
}

// Generate enqueues one row for synthesis. A resubmission invalidates the
// prior job's local handles without cancelling it server-side.
func (o *Orchestrator) Generate(ctx context.Context, id int64) error {
	row, ok := o.rows.Get(id)
	if !ok {
		return ErrRowNotFound
	}
	if strings.TrimSpace(row.Text) == "" {
		return ErrEmptyText
	}
	o.lifeMu.Lock()
	o.stopHandles(id, false)
	o.toQueued(id)
	pos := o.queue.Enqueue(id)
	o.rows.SetStatus(id, fmt.Sprintf("Queued #%d", pos))
	o.lifeMu.Unlock()
	o.publishRow(id)
	return nil
}

// GenerateAll enqueues every idle row that has text, in row order.
func (o *Orchestrator) GenerateAll(ctx context.Context) int {
	count := 0
	for _, row := range o.rows.List() {
		if row.Phase.Active() || strings.TrimSpace(row.Text) == "" {
			continue
		}
		if err := o.Generate(ctx, row.ID); err == nil {
			count++
		}
	}
	return count
}

// StopRow halts a row's generation and playback. Idempotent in any state;
// rows already done keep their audio untouched.
func (o *Orchestrator) StopRow(ctx context.Context, id int64) error {
	if _, ok := o.rows.Get(id); !ok {
		return ErrRowNotFound
	}
	o.lifeMu.Lock()
	o.stopHandles(id, true)
	row, _ := o.rows.Get(id)
	stopped := row.Phase.Active()
	if stopped {
		if err := o.rows.Transition(id, session.PhaseCancelled); err == nil {
			o.rows.SetStatus(id, "Stopped")
		}
	}
	o.lifeMu.Unlock()
	if stopped {
		if err := o.store.ClearJob(ctx, id); err != nil {
			o.log.Warn("clear job mapping failed", slog.Int64("row_id", id), slog.String("error", err.Error()))
		}
		o.publishRow(id)
	}
	return nil
}

// StopAll drains the admission queue and stops every active row.
func (o *Orchestrator) StopAll(ctx context.Context) {
	o.queue.DrainAll()
	for _, row := range o.rows.List() {
		_ = o.StopRow(ctx, row.ID)
	}
}

// ClearAll stops everything and resets the workspace to one blank row.
func (o *Orchestrator) ClearAll(ctx context.Context) {
	o.StopAll(ctx)
	o.rows.Clear()
	o.persistRows(ctx)
}

// DownloadAll fetches the finished audio of every done row, one at a time,
// into the download directory. Returns the written file paths.
func (o *Orchestrator) DownloadAll(ctx context.Context) ([]string, error) {
	if err := os.MkdirAll(o.cfg.Download.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	var paths []string
	for _, row := range o.rows.List() {
		if row.Phase != session.PhaseDone || row.JobID == "" {
			continue
		}
		path, err := o.downloadRow(ctx, row)
		if err != nil {
			o.log.Warn("download failed", slog.Int64("row_id", row.ID), slog.String("error", err.Error()))
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (o *Orchestrator) downloadRow(ctx context.Context, row session.Row) (string, error) {
	rc, err := o.backend.FetchAudio(ctx, row.JobID)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	path := filepath.Join(o.cfg.Download.Directory, fmt.Sprintf("row-%d.wav", row.ID))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// Settings returns the last-used synthesis selections.
func (o *Orchestrator) Settings() store.Settings {
	o.settingsMu.Lock()
	defer o.settingsMu.Unlock()
	return o.settings
}

// UpdateSettings persists new selections.
func (o *Orchestrator) UpdateSettings(ctx context.Context, set store.Settings) error {
	if err := o.store.SaveSettings(ctx, set); err != nil {
		return err
	}
	o.settingsMu.Lock()
	o.settings = set
	o.settingsMu.Unlock()
	return nil
}

// LoadModel switches the server's backbone and codec, persisting the
// choice on success.
func (o *Orchestrator) LoadModel(ctx context.Context, backbone, codec string) error {
	if err := o.backend.LoadModel(ctx, backbone, codec); err != nil {
		return err
	}
	set := o.Settings()
	set.Backbone = backbone
	set.Codec = codec
	return o.UpdateSettings(ctx, set)
}

// Resume rebuilds the workspace from the persisted snapshot and reattaches
// to jobs still in flight on the server. Live byte-streaming is not
// resumed: a partial stream position cannot be recovered, so in-flight
// jobs re-synchronize via polling and final-state audio only.
func (o *Orchestrator) Resume(ctx context.Context) error {
	snapshot, err := o.store.LoadRows(ctx)
	if err != nil {
		return fmt.Errorf("load rows: %w", err)
	}
	restored := make([]session.Row, 0, len(snapshot))
	for _, s := range snapshot {
		restored = append(restored, session.Row{ID: s.ID, Text: s.Text, Phase: session.PhaseUnsubmitted})
	}
	o.rows.Restore(restored)

	set, err := o.store.LoadSettings(ctx, o.Settings())
	if err != nil {
		o.log.Warn("load settings failed", slog.String("error", err.Error()))
	} else {
		o.settingsMu.Lock()
		o.settings = set
		o.settingsMu.Unlock()
	}

	jobs, err := o.store.Jobs(ctx)
	if err != nil {
		return fmt.Errorf("load job mappings: %w", err)
	}
	for rowID, jobID := range jobs {
		if _, ok := o.rows.Get(rowID); !ok {
			// Mapping for a vanished row: reconcile it away.
			if err := o.store.ClearJob(ctx, rowID); err != nil {
				o.log.Warn("drop stale mapping failed", slog.Int64("row_id", rowID), slog.String("error", err.Error()))
			}
			continue
		}
		o.resumeJob(ctx, rowID, jobID)
	}
	o.log.Info("workspace resumed", slog.Int("rows", len(o.rows.List())), slog.Int("jobs", len(jobs)))
	return nil
}

func (o *Orchestrator) resumeJob(ctx context.Context, rowID int64, jobID string) {
	statusCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.Server.RequestTimeoutMS)*time.Millisecond)
	defer cancel()

	st, err := o.backend.JobStatus(statusCtx, jobID)
	switch {
	case errors.Is(err, backend.ErrJobNotFound):
		o.rows.SetStatus(rowID, "Previous job expired on server")
		if err := o.store.ClearJob(ctx, rowID); err != nil {
			o.log.Warn("drop expired mapping failed", slog.Int64("row_id", rowID), slog.String("error", err.Error()))
		}
		return
	case err != nil:
		// Leave the mapping for the next restart; this one stays detached.
		o.log.Warn("resume status check failed", slog.Int64("row_id", rowID), slog.String("job_id", jobID), slog.String("error", err.Error()))
		o.rows.SetStatus(rowID, "Could not reach server to resume job")
		return
	}

	switch st.State {
	case "done":
		url := st.AudioURL
		if url == "" {
			url = o.backend.AudioURL(jobID)
		}
		o.rows.ResumeJob(rowID, jobID, session.PhaseDone, url)
		o.rows.SetStatus(rowID, "Done")
		if err := o.store.ClearJob(ctx, rowID); err != nil {
			o.log.Warn("clear resumed mapping failed", slog.Int64("row_id", rowID), slog.String("error", err.Error()))
		}
		o.publishRow(rowID)
	case "error":
		o.rows.ResumeJob(rowID, jobID, session.PhaseError, "")
		o.rows.SetStatus(rowID, "Failed: "+st.Error)
		if err := o.store.ClearJob(ctx, rowID); err != nil {
			o.log.Warn("clear resumed mapping failed", slog.Int64("row_id", rowID), slog.String("error", err.Error()))
		}
		o.publishRow(rowID)
	default:
		// pending/processing: reattach polling only.
		phase := session.PhaseSubmitted
		if st.State == "processing" {
			phase = session.PhaseProcessing
		}
		o.rows.ResumeJob(rowID, jobID, phase, "")
		o.rows.SetStatus(rowID, st.Progress)
		o.poller.Start(rowID, jobID)
		o.publishRow(rowID)
	}
}

// Models lists the server's synthesis backbones.
func (o *Orchestrator) Models(ctx context.Context) ([]backend.ModelInfo, error) {
	return o.backend.ListModels(ctx)
}

// Codecs lists the server's audio codecs.
func (o *Orchestrator) Codecs(ctx context.Context) ([]backend.ModelInfo, error) {
	return o.backend.ListCodecs(ctx)
}

// Voices lists the preset voices of the loaded model.
func (o *Orchestrator) Voices(ctx context.Context) ([]backend.VoiceInfo, error) {
	return o.backend.ListVoices(ctx)
}

// stopHandles invalidates a row's local handles: queue entry, poller and
// stream. When cancelServer is set and a job is assigned, a best-effort
// cancel is sent to the backend as well.
func (o *Orchestrator) stopHandles(id int64, cancelServer bool) {
	o.queue.Cancel(id)
	o.poller.Stop(id)
	o.streams.Stop(id)
	if cancelServer {
		if row, ok := o.rows.Get(id); ok && row.Phase.Active() && row.JobID != "" {
			o.backend.Cancel(row.JobID)
		}
	}
}

// toQueued walks a row into the queued phase from whatever state it is in.
func (o *Orchestrator) toQueued(id int64) {
	row, ok := o.rows.Get(id)
	if !ok {
		return
	}
	if row.Phase.Active() {
		// A live row is first locally detached; the old job keeps running
		// on the server unless the user explicitly stopped it.
		if err := o.rows.Transition(id, session.PhaseCancelled); err != nil {
			o.log.Debug("transition to cancelled failed", slog.Int64("row_id", id), slog.String("error", err.Error()))
		}
	}
	if err := o.rows.Transition(id, session.PhaseQueued); err != nil {
		o.log.Debug("transition to queued failed", slog.Int64("row_id", id), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) persistRows(ctx context.Context) {
	rows := o.rows.List()
	snapshot := make([]store.RowSnapshot, 0, len(rows))
	for _, row := range rows {
		snapshot = append(snapshot, store.RowSnapshot{ID: row.ID, Text: row.Text})
	}
	if err := o.store.SaveRows(ctx, snapshot); err != nil {
		o.log.Warn("persist rows failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) publishRow(id int64) {
	if o.bus == nil {
		return
	}
	row, ok := o.rows.Get(id)
	if !ok {
		return
	}
	o.bus.PublishJSON(protocol.SubjectRowStatus, protocol.RowEvent{
		RowID:     row.ID,
		JobID:     row.JobID,
		Phase:     string(row.Phase),
		Status:    row.Status,
		AudioURL:  row.AudioURL,
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) publishPlayback(id int64, state string) {
	if o.bus == nil {
		return
	}
	o.bus.PublishJSON(protocol.SubjectPlayback, protocol.PlaybackEvent{
		RowID:     id,
		State:     state,
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) fireHook(id int64) {
	row, ok := o.rows.Get(id)
	if !ok {
		return
	}
	o.hook.Fire(row.ID, string(row.Phase), row.Status)
}
