// Package admission serializes job submission against a backend that
// accepts only one synthesis at a time. A ticker-driven loop probes server
// readiness and submits at most the head row per tick.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBusy must be returned by the dispatcher when a submission raced
// another client; the row stays at the head of the queue.
var ErrBusy = errors.New("submission rejected: busy")

// Prober answers whether the backend is free to accept work.
type Prober interface {
	Probe(ctx context.Context) (busy bool, activeProgress string, err error)
}

// Dispatcher performs the submission side effects for the queue.
type Dispatcher interface {
	// Submit attempts to submit one row. Returning ErrBusy requeues the
	// row at the head; any other error is terminal for the row.
	Submit(ctx context.Context, rowID int64) error
	// QueuePosition reports a row's 1-based place while the backend is
	// busy or other rows are ahead of it.
	QueuePosition(rowID int64, position int)
	// SubmitFailed reports a terminal submission failure for one row.
	SubmitFailed(rowID int64, err error)
}

// Queue is the ordered single-concurrency submission queue.
type Queue struct {
	mu      sync.Mutex
	tickMu  sync.Mutex
	pending []int64
	running bool
	stop    chan struct{}

	interval   time.Duration
	prober     Prober
	dispatcher Dispatcher
	log        *slog.Logger
	wg         sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewQueue(parent context.Context, interval time.Duration, prober Prober, dispatcher Dispatcher, log *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(parent)
	return &Queue{
		interval:   interval,
		prober:     prober,
		dispatcher: dispatcher,
		log:        log.With(slog.String("component", "admission-queue")),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Enqueue appends rowID if absent and returns its 1-based position. The
// driver starts on the first entry.
func (q *Queue) Enqueue(rowID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, id := range q.pending {
		if id == rowID {
			return i + 1
		}
	}
	q.pending = append(q.pending, rowID)
	pos := len(q.pending)
	q.startDriverLocked()
	return pos
}

// Cancel removes rowID from the pending list. Idempotent.
func (q *Queue) Cancel(rowID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, id := range q.pending {
		if id == rowID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// Contains reports whether rowID is pending.
func (q *Queue) Contains(rowID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.pending {
		if id == rowID {
			return true
		}
	}
	return false
}

// Len returns the number of pending rows.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// DrainAll empties the pending list and stops the driver.
func (q *Queue) DrainAll() {
	q.mu.Lock()
	q.pending = nil
	stop := q.stop
	q.running = false
	q.stop = nil
	q.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// Shutdown stops the driver and waits for an in-flight tick to finish.
func (q *Queue) Shutdown() {
	q.DrainAll()
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) startDriverLocked() {
	if q.running {
		return
	}
	q.running = true
	q.stop = make(chan struct{})
	stop := q.stop
	q.wg.Add(1)
	go q.drive(stop)
}

// drive runs one tick per interval. Work is done synchronously inside the
// loop so at most one probe or submission is in flight at a time.
func (q *Queue) drive(stop chan struct{}) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if done := q.tick(stop); done {
				return
			}
		}
	}
}

// tick performs one probe-and-maybe-submit cycle. Returns true when the
// queue emptied and the driver should stop. tickMu serializes ticks across
// driver generations so only one submission is ever in flight.
func (q *Queue) tick(stop chan struct{}) bool {
	q.tickMu.Lock()
	defer q.tickMu.Unlock()

	select {
	case <-stop:
		return true
	default:
	}

	q.mu.Lock()
	if len(q.pending) == 0 {
		if q.stop == stop {
			q.running = false
			q.stop = nil
		}
		q.mu.Unlock()
		return true
	}
	snapshot := append([]int64(nil), q.pending...)
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(q.ctx, q.interval)
	defer cancel()

	busy, progress, err := q.prober.Probe(ctx)
	if err != nil {
		q.log.Warn("readiness probe failed", slog.String("error", err.Error()))
		return false
	}
	if busy {
		if progress != "" {
			q.log.Debug("backend busy", slog.String("active_progress", progress))
		}
		for i, id := range snapshot {
			q.dispatcher.QueuePosition(id, i+1)
		}
		return false
	}

	head := snapshot[0]
	err = q.dispatcher.Submit(q.ctx, head)
	switch {
	case err == nil:
		q.Cancel(head)
	case errors.Is(err, ErrBusy):
		// Lost the race with another client; retry the same row next tick.
		q.log.Debug("submission raced a busy backend", slog.Int64("row_id", head))
	default:
		q.Cancel(head)
		q.dispatcher.SubmitFailed(head, err)
	}
	return false
}
