// Package session holds the client-side rows and their job lifecycle.
package session

import (
	"fmt"
	"sync"
)

// Phase is the explicit job lifecycle state of a row.
type Phase string

const (
	PhaseUnsubmitted Phase = "unsubmitted"
	PhaseQueued      Phase = "queued"     // waiting in the local admission queue
	PhaseSubmitted   Phase = "submitted"  // accepted by the server, pending
	PhaseProcessing  Phase = "processing" // server is synthesizing
	PhaseDone        Phase = "done"
	PhaseError       Phase = "error"
	PhaseExpired     Phase = "expired" // server forgot the job
	PhaseCancelled   Phase = "cancelled"
)

// Terminal reports whether no further automatic transition occurs.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseDone, PhaseError, PhaseExpired, PhaseCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the row currently owns live handles (queue entry,
// poller or stream).
func (p Phase) Active() bool {
	switch p {
	case PhaseQueued, PhaseSubmitted, PhaseProcessing:
		return true
	default:
		return false
	}
}

// Row is one unit of input text and its generation state.
type Row struct {
	ID       int64
	Text     string
	Phase    Phase
	JobID    string
	AudioURL string // permanent location once the job is done
	Status   string // one-line human readable state
}

func validTransition(from, to Phase) bool {
	if from == to {
		return true
	}
	switch from {
	case PhaseUnsubmitted:
		return to == PhaseQueued
	case PhaseQueued:
		return to == PhaseSubmitted || to == PhaseUnsubmitted || to == PhaseError || to == PhaseCancelled
	case PhaseSubmitted:
		return to == PhaseProcessing || to == PhaseDone || to == PhaseError || to == PhaseExpired || to == PhaseCancelled
	case PhaseProcessing:
		return to == PhaseDone || to == PhaseError || to == PhaseExpired || to == PhaseCancelled
	case PhaseDone, PhaseError, PhaseExpired, PhaseCancelled:
		// Resubmission or clearing re-arms a terminal row.
		return to == PhaseQueued || to == PhaseUnsubmitted
	default:
		return false
	}
}

// Registry owns the ordered row list. IDs are assigned monotonically and
// never reused while the process lives.
type Registry struct {
	mu     sync.RWMutex
	rows   []*Row
	nextID int64
}

func NewRegistry() *Registry {
	return &Registry{nextID: 1}
}

// Add appends an empty row and returns its id.
func (r *Registry) Add() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked("")
}

func (r *Registry) addLocked(text string) int64 {
	id := r.nextID
	r.nextID++
	r.rows = append(r.rows, &Row{ID: id, Text: text, Phase: PhaseUnsubmitted})
	return id
}

// Restore replaces the row list from a persisted snapshot, keeping the id
// counter ahead of every restored id. An empty snapshot yields one blank row.
func (r *Registry) Restore(snapshot []Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = nil
	for _, s := range snapshot {
		row := s
		if row.Phase == "" {
			row.Phase = PhaseUnsubmitted
		}
		r.rows = append(r.rows, &row)
		if row.ID >= r.nextID {
			r.nextID = row.ID + 1
		}
	}
	if len(r.rows) == 0 {
		r.addLocked("")
	}
}

// Remove deletes a row. The last remaining row is cleared in place instead
// of being removed, so the workspace never ends up empty. Returns whether
// the row existed and whether it was deleted (false means cleared).
func (r *Registry) Remove(id int64) (existed, deleted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, row := range r.rows {
		if row.ID != id {
			continue
		}
		if len(r.rows) == 1 {
			*row = Row{ID: row.ID, Phase: PhaseUnsubmitted}
			return true, false
		}
		r.rows = append(r.rows[:i], r.rows[i+1:]...)
		return true, true
	}
	return false, false
}

// Clear resets to a single blank row.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = nil
	r.addLocked("")
}

// Get returns a snapshot of one row.
func (r *Registry) Get(id int64) (Row, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, row := range r.rows {
		if row.ID == id {
			return *row, true
		}
	}
	return Row{}, false
}

// List returns snapshots of all rows in order.
func (r *Registry) List() []Row {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Row, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, *row)
	}
	return out
}

// SetText updates a row's draft text.
func (r *Registry) SetText(id int64, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			row.Text = text
			return true
		}
	}
	return false
}

// Transition moves a row to a new phase, validating the edge.
func (r *Registry) Transition(id int64, to Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID != id {
			continue
		}
		if !validTransition(row.Phase, to) {
			return fmt.Errorf("invalid transition for row %d: %s -> %s", id, row.Phase, to)
		}
		row.Phase = to
		return nil
	}
	return fmt.Errorf("row %d not found", id)
}

// SetStatus updates the one-line status string.
func (r *Registry) SetStatus(id int64, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			row.Status = status
			return
		}
	}
}

// AssignJob records a new server job for a row, replacing any prior one.
func (r *Registry) AssignJob(id int64, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			row.JobID = jobID
			row.AudioURL = ""
			return
		}
	}
}

// ClearJob drops the row's job reference.
func (r *Registry) ClearJob(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			row.JobID = ""
			return
		}
	}
}

// ResumeJob reconstructs a row's job state from a persisted mapping after a
// restart. It bypasses transition validation: the restored phase reflects
// what the server reported, not an edge taken by this process.
func (r *Registry) ResumeJob(id int64, jobID string, phase Phase, audioURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			row.JobID = jobID
			row.Phase = phase
			row.AudioURL = audioURL
			return
		}
	}
}

// SetAudioURL records the permanent audio location of a done job.
func (r *Registry) SetAudioURL(id int64, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			row.AudioURL = url
			return
		}
	}
}
