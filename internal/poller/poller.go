// Package poller runs per-job status loops against the backend. Polling
// for many rows runs concurrently; each row has at most one active loop.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vieneulabs/vieneu-console/internal/backend"
	"github.com/vieneulabs/vieneu-console/internal/config"
)

// StatusFetcher is the backend surface the poller needs.
type StatusFetcher interface {
	JobStatus(ctx context.Context, jobID string) (backend.Status, error)
}

// Events receives per-row outcomes. Done, JobFailed, Expired and PollFailed
// are each the last call a poller instance makes for its row.
type Events interface {
	Progress(rowID int64, st backend.Status)
	Done(rowID int64, st backend.Status)
	JobFailed(rowID int64, message string)
	Expired(rowID int64)
	PollFailed(rowID int64, err error)
}

// Poller owns the row-keyed status loops.
type Poller struct {
	mu      sync.Mutex
	handles map[int64]context.CancelFunc

	cfg     config.PollingConfig
	fetcher StatusFetcher
	events  Events
	log     *slog.Logger
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(parent context.Context, cfg config.PollingConfig, fetcher StatusFetcher, events Events, log *slog.Logger) *Poller {
	ctx, cancel := context.WithCancel(parent)
	return &Poller{
		handles: make(map[int64]context.CancelFunc),
		cfg:     cfg,
		fetcher: fetcher,
		events:  events,
		log:     log.With(slog.String("component", "status-poller")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins a status loop for one job, replacing any prior loop for the
// same row.
func (p *Poller) Start(rowID int64, jobID string) {
	p.mu.Lock()
	if cancel, ok := p.handles[rowID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.handles[rowID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.poll(ctx, rowID, jobID)
}

// Stop cancels the row's loop if present. Idempotent.
func (p *Poller) Stop(rowID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.handles[rowID]; ok {
		cancel()
		delete(p.handles, rowID)
	}
}

// Active reports whether a loop exists for the row.
func (p *Poller) Active(rowID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.handles[rowID]
	return ok
}

// ActiveCount returns the number of live loops.
func (p *Poller) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Shutdown cancels every loop and waits for them to exit.
func (p *Poller) Shutdown() {
	p.cancel()
	p.mu.Lock()
	p.handles = make(map[int64]context.CancelFunc)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) poll(ctx context.Context, rowID int64, jobID string) {
	defer p.wg.Done()
	defer p.release(ctx, rowID)

	interval := time.Duration(p.cfg.IntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := p.fetch(ctx, jobID)
		if ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, backend.ErrJobNotFound):
			p.log.Info("job expired on server", slog.Int64("row_id", rowID), slog.String("job_id", jobID))
			p.events.Expired(rowID)
			return
		case err != nil:
			p.log.Warn("status poll failed", slog.Int64("row_id", rowID), slog.String("job_id", jobID), slog.String("error", err.Error()))
			p.events.PollFailed(rowID, err)
			return
		}

		switch st.State {
		case "pending", "processing":
			p.events.Progress(rowID, st)
		case "done":
			p.events.Done(rowID, st)
			return
		case "error":
			p.events.JobFailed(rowID, st.Error)
			return
		default:
			p.log.Warn("unknown job status", slog.Int64("row_id", rowID), slog.String("state", st.State))
			p.events.Progress(rowID, st)
		}
	}
}

// fetch performs one status query, retrying transport errors with capped
// exponential backoff when retry_mode=backoff. A not-found answer is never
// retried.
func (p *Poller) fetch(ctx context.Context, jobID string) (backend.Status, error) {
	if p.cfg.RetryMode != "backoff" {
		return p.fetcher.JobStatus(ctx, jobID)
	}
	return backoff.Retry(ctx, func() (backend.Status, error) {
		st, err := p.fetcher.JobStatus(ctx, jobID)
		if err != nil && errors.Is(err, backend.ErrJobNotFound) {
			return backend.Status{}, backoff.Permanent(err)
		}
		return st, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(uint(p.cfg.MaxRetries)))
}

// release drops the handle entry unless the row was already restarted with
// a newer loop.
func (p *Poller) release(ctx context.Context, rowID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.handles[rowID]; ok {
		// Only remove our own registration: a replacement loop owns a
		// different context.
		if ctx.Err() == nil {
			cancel()
			delete(p.handles, rowID)
		}
	}
}
