// Package protocol defines the event payloads the console publishes on the
// bus for UIs to mirror row state without polling the HTTP API.
package protocol

import "time"

// RowEvent is one row lifecycle update.
type RowEvent struct {
	RowID     int64     `json:"row_id"`
	JobID     string    `json:"job_id,omitempty"`
	Phase     string    `json:"phase"`
	Status    string    `json:"status,omitempty"`
	Position  int       `json:"position,omitempty"` // 1-based admission queue position
	AudioURL  string    `json:"audio_url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PlaybackEvent reports playback slot changes.
type PlaybackEvent struct {
	RowID     int64     `json:"row_id"`
	State     string    `json:"state"` // started, finished
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectRowStatus = "console.row.status"
	SubjectPlayback  = "console.playback"
)
