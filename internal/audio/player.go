package audio

import (
	"sync"
	"time"
)

// Player is the audible element a row's audio is bound to. Implementations
// must be safe for concurrent use; only one Player is ever unpaused across
// the whole console (enforced by the playback queue, not here).
type Player interface {
	Play()
	Pause()
	Playing() bool
	// Position is the current playback offset.
	Position() time.Duration
	// SetSource rebinds the element to a new audio location, resetting the
	// position. Used to swap from the streamed buffer to the permanent file.
	SetSource(url string)
	Source() string
	// Close detaches the element; it never plays again.
	Close()
}

// ClockPlayer tracks playback position against the wall clock. It is the
// default Player for the headless console, where "audible" means the
// position advances in real time for whoever mirrors the state.
type ClockPlayer struct {
	mu        sync.Mutex
	playing   bool
	closed    bool
	elapsed   time.Duration
	startedAt time.Time
	source    string
	now       func() time.Time
}

func NewClockPlayer() *ClockPlayer {
	return &ClockPlayer{now: time.Now}
}

func (p *ClockPlayer) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.playing {
		return
	}
	p.playing = true
	p.startedAt = p.now()
}

func (p *ClockPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return
	}
	p.elapsed += p.now().Sub(p.startedAt)
	p.playing = false
}

func (p *ClockPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *ClockPlayer) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		return p.elapsed + p.now().Sub(p.startedAt)
	}
	return p.elapsed
}

func (p *ClockPlayer) SetSource(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = url
	p.elapsed = 0
	if p.playing {
		p.startedAt = p.now()
	}
	p.playing = false
}

func (p *ClockPlayer) Source() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source
}

func (p *ClockPlayer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	p.closed = true
}
