package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeBackend drives probe answers and records submissions.
type fakeBackend struct {
	mu        sync.Mutex
	busyTicks int // number of probes answered busy before going free
	probes    int
	submitted []int64
	busyOnce  map[int64]bool // rows whose first submission races a busy rejection
	failRows  map[int64]error
	positions map[int64][]int
	failed    map[int64]error
	inFlight  int
	maxFlight int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		busyOnce:  make(map[int64]bool),
		failRows:  make(map[int64]error),
		positions: make(map[int64][]int),
		failed:    make(map[int64]error),
	}
}

func (f *fakeBackend) Probe(ctx context.Context) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.probes <= f.busyTicks {
		return true, "Generating chunk 1/4...", nil
	}
	return false, "", nil
}

func (f *fakeBackend) Submit(ctx context.Context, rowID int64) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busyOnce[rowID] {
		delete(f.busyOnce, rowID)
		return ErrBusy
	}
	if err, ok := f.failRows[rowID]; ok {
		return err
	}
	f.submitted = append(f.submitted, rowID)
	return nil
}

func (f *fakeBackend) QueuePosition(rowID int64, position int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[rowID] = append(f.positions[rowID], position)
}

func (f *fakeBackend) SubmitFailed(rowID int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[rowID] = err
}

func (f *fakeBackend) submittedRows() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.submitted...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEnqueueDeduplicates(t *testing.T) {
	fb := newFakeBackend()
	fb.busyTicks = 1 << 30 // never free, queue stays put
	q := NewQueue(context.Background(), 5*time.Millisecond, fb, fb, newLogger())
	defer q.Shutdown()

	if pos := q.Enqueue(1); pos != 1 {
		t.Fatalf("expected position 1, got %d", pos)
	}
	if pos := q.Enqueue(2); pos != 2 {
		t.Fatalf("expected position 2, got %d", pos)
	}
	if pos := q.Enqueue(1); pos != 1 {
		t.Fatalf("re-enqueue must keep position 1, got %d", pos)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 pending, got %d", q.Len())
	}
}

func TestBusyBackendAnnotatesPositionsThenSubmitsInOrder(t *testing.T) {
	fb := newFakeBackend()
	fb.busyTicks = 2
	q := NewQueue(context.Background(), 5*time.Millisecond, fb, fb, newLogger())
	defer q.Shutdown()

	q.Enqueue(1)
	q.Enqueue(2)

	waitFor(t, func() bool { return len(fb.submittedRows()) == 2 })

	rows := fb.submittedRows()
	if rows[0] != 1 || rows[1] != 2 {
		t.Fatalf("expected submission order 1,2, got %v", rows)
	}
	fb.mu.Lock()
	p1, p2 := fb.positions[1], fb.positions[2]
	fb.mu.Unlock()
	if len(p1) == 0 || p1[0] != 1 {
		t.Fatalf("expected row 1 annotated at position 1, got %v", p1)
	}
	if len(p2) == 0 || p2[0] != 2 {
		t.Fatalf("expected row 2 annotated at position 2, got %v", p2)
	}
}

func TestBusyRejectionRetriesSameRowFirst(t *testing.T) {
	fb := newFakeBackend()
	fb.busyOnce[1] = true
	q := NewQueue(context.Background(), 5*time.Millisecond, fb, fb, newLogger())
	defer q.Shutdown()

	q.Enqueue(1)
	q.Enqueue(2)

	waitFor(t, func() bool { return len(fb.submittedRows()) == 2 })
	rows := fb.submittedRows()
	if rows[0] != 1 {
		t.Fatalf("busy-rejected row must be retried before any other, got %v", rows)
	}
	if fb.maxFlight > 1 {
		t.Fatalf("expected at most one submission in flight, saw %d", fb.maxFlight)
	}
}

func TestSubmitTransportFailureIsTerminalForRowOnly(t *testing.T) {
	fb := newFakeBackend()
	boom := errors.New("connection refused")
	fb.failRows[1] = boom
	q := NewQueue(context.Background(), 5*time.Millisecond, fb, fb, newLogger())
	defer q.Shutdown()

	q.Enqueue(1)
	q.Enqueue(2)

	waitFor(t, func() bool { return len(fb.submittedRows()) == 1 })
	if rows := fb.submittedRows(); rows[0] != 2 {
		t.Fatalf("expected row 2 submitted after row 1 failed, got %v", rows)
	}
	fb.mu.Lock()
	failedErr := fb.failed[1]
	fb.mu.Unlock()
	if !errors.Is(failedErr, boom) {
		t.Fatalf("expected failure surfaced for row 1, got %v", failedErr)
	}
}

func TestCancelRemovesPendingRow(t *testing.T) {
	fb := newFakeBackend()
	fb.busyTicks = 3
	q := NewQueue(context.Background(), 5*time.Millisecond, fb, fb, newLogger())
	defer q.Shutdown()

	q.Enqueue(1)
	q.Enqueue(2)
	q.Cancel(1)
	q.Cancel(1) // idempotent

	waitFor(t, func() bool { return len(fb.submittedRows()) == 1 })
	if rows := fb.submittedRows(); rows[0] != 2 {
		t.Fatalf("expected only row 2 submitted, got %v", rows)
	}
}

func TestDrainAllStopsDriver(t *testing.T) {
	fb := newFakeBackend()
	fb.busyTicks = 1 << 30
	q := NewQueue(context.Background(), 5*time.Millisecond, fb, fb, newLogger())
	defer q.Shutdown()

	q.Enqueue(1)
	q.Enqueue(2)
	q.DrainAll()
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
	if len(fb.submittedRows()) != 0 {
		t.Fatalf("expected no submissions after drain, got %v", fb.submittedRows())
	}
}

func TestDriverStopsWhenQueueEmpties(t *testing.T) {
	fb := newFakeBackend()
	q := NewQueue(context.Background(), 5*time.Millisecond, fb, fb, newLogger())
	defer q.Shutdown()

	q.Enqueue(1)
	waitFor(t, func() bool { return len(fb.submittedRows()) == 1 })

	// Give the driver a moment to observe the empty queue and stop; probe
	// count must then hold steady.
	time.Sleep(30 * time.Millisecond)
	fb.mu.Lock()
	before := fb.probes
	fb.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	fb.mu.Lock()
	after := fb.probes
	fb.mu.Unlock()
	if after != before {
		t.Fatalf("expected driver stopped, probes went %d -> %d", before, after)
	}
}
