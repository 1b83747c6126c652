// Package audio provides the incremental PCM sink and the playback element
// the streaming controller feeds. The sink accepts one append at a time and
// tracks buffered duration so playback can be gated on buffered-ahead time.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrSinkFinalized is returned by Append once end-of-stream was signalled.
var ErrSinkFinalized = errors.New("sink finalized")

// ErrSinkClosed is returned by Append after Close.
var ErrSinkClosed = errors.New("sink closed")

// Sink buffers streamed audio bytes and knows how much audio time it
// holds. It starts out assuming raw PCM (s16le); MarkEncoded switches it
// to a compressed payload measured by its encoded byte rate.
type Sink struct {
	mu         sync.Mutex
	buf        []byte
	sampleRate int
	channels   int
	byteRate   int
	encoded    bool
	finalized  bool
	closed     bool
}

func NewSink(sampleRate, channels int) *Sink {
	return &Sink{sampleRate: sampleRate, channels: channels, byteRate: sampleRate * channels * 2}
}

// MarkEncoded declares the buffered bytes a compressed container rather
// than raw PCM. Buffered time is estimated from byteRate (bytes of payload
// per second of audio) and Export writes the bytes verbatim instead of
// wrapping them in a WAV header.
func (s *Sink) MarkEncoded(byteRate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encoded = true
	if byteRate > 0 {
		s.byteRate = byteRate
	}
}

// Encoded reports whether the sink holds a compressed payload.
func (s *Sink) Encoded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encoded
}

// Append adds one chunk. Appends are serialized: a second caller blocks
// until the previous append completed.
func (s *Sink) Append(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if s.finalized {
		return ErrSinkFinalized
	}
	s.buf = append(s.buf, pcm...)
	return nil
}

// Duration returns the buffered end time.
func (s *Sink) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durationLocked()
}

func (s *Sink) durationLocked() time.Duration {
	if s.byteRate == 0 {
		return 0
	}
	return time.Duration(len(s.buf)) * time.Second / time.Duration(s.byteRate)
}

// Finalize marks end-of-stream: no more data is coming.
func (s *Sink) Finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
}

// Finalized reports whether end-of-stream was signalled.
func (s *Sink) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// Size returns the buffered byte count.
func (s *Sink) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Export writes the buffered audio to path, the local replay resource used
// until the permanent server-side audio is available. PCM is wrapped as a
// WAV file; a compressed payload is written verbatim since putting a PCM
// header on container bytes would produce an unplayable file.
func (s *Sink) Export(path string) error {
	s.mu.Lock()
	pcm := append([]byte(nil), s.buf...)
	rate, channels := s.sampleRate, s.channels
	encoded := s.encoded
	s.mu.Unlock()

	if encoded {
		if err := os.WriteFile(path, pcm, 0o644); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Close releases the buffer. Appends fail afterwards.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buf = nil
}
