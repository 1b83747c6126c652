// Package playback serializes audible output: at most one row's audio plays
// at any time, later-ready rows wait their turn in arrival order.
package playback

import (
	"log/slog"
	"sync"
)

// Queue is the single shared playback slot plus its FIFO of waiting rows.
type Queue struct {
	mu      sync.Mutex
	active  int64
	hasAct  bool
	waiting []int64
	playFns map[int64]func()
	log     *slog.Logger
}

func NewQueue(log *slog.Logger) *Queue {
	return &Queue{
		playFns: make(map[int64]func()),
		log:     log.With(slog.String("component", "playback-queue")),
	}
}

// RequestPlay grants the slot immediately when it is free or already held
// by rowID, invoking playFn before returning. Otherwise the row joins the
// wait list (deduplicated) and playFn runs when its turn comes.
func (q *Queue) RequestPlay(rowID int64, playFn func()) {
	q.mu.Lock()
	if !q.hasAct || q.active == rowID {
		q.active = rowID
		q.hasAct = true
		q.mu.Unlock()
		playFn()
		return
	}
	q.playFns[rowID] = playFn
	for _, id := range q.waiting {
		if id == rowID {
			q.mu.Unlock()
			return
		}
	}
	q.waiting = append(q.waiting, rowID)
	q.log.Debug("row waiting for playback slot", slog.Int64("row_id", rowID), slog.Int("queue_len", len(q.waiting)))
	q.mu.Unlock()
}

// OnFinished releases the slot held by rowID and promotes the head waiter.
func (q *Queue) OnFinished(rowID int64) {
	q.mu.Lock()
	if q.hasAct && q.active == rowID {
		q.hasAct = false
	}
	var next func()
	var nextID int64
	if !q.hasAct && len(q.waiting) > 0 {
		nextID = q.waiting[0]
		q.waiting = q.waiting[1:]
		next = q.playFns[nextID]
		delete(q.playFns, nextID)
		q.active = nextID
		q.hasAct = true
	}
	q.mu.Unlock()

	if next != nil {
		q.log.Debug("playback slot handed over", slog.Int64("row_id", nextID))
		next()
	}
}

// Remove drops rowID from the wait list and forgets its callback. If rowID
// held the slot it is released without promoting a waiter; a stopping row
// is not a finished row.
func (q *Queue) Remove(rowID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.hasAct && q.active == rowID {
		q.hasAct = false
	}
	delete(q.playFns, rowID)
	for i, id := range q.waiting {
		if id == rowID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
}

// Active returns the row currently holding the slot.
func (q *Queue) Active() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active, q.hasAct
}

// Waiting returns the wait list in order.
func (q *Queue) Waiting() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.waiting...)
}

// Reset clears the slot, wait list and callbacks.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hasAct = false
	q.waiting = nil
	q.playFns = make(map[int64]func())
}
