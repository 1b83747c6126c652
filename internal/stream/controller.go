// Package stream renders audio incrementally as the server produces it.
// Each row gets one streaming session that buffers the live byte stream
// into a PCM sink and asks for the playback slot once enough audio is
// buffered ahead of the play position.
package stream

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

	"github.com/vieneulabs/vieneu-console/internal/audio"
	"github.com/vieneulabs/vieneu-console/internal/config"
	"github.com/vieneulabs/vieneu-console/internal/playback"
)

// Streamer opens the backend's incremental byte stream for a job and
// reports the stream's content type.
type Streamer interface {
	Stream(ctx context.Context, jobID string) (io.ReadCloser, string, error)
}

// Hooks receives streaming lifecycle callbacks.
type Hooks interface {
	// Buffering reports progress toward the playback threshold.
	Buffering(rowID int64, buffered, threshold time.Duration)
	PlaybackStarted(rowID int64)
	// PlaybackFinished fires after the row's audio finished playing and
	// the playback slot was advanced; swapped reports whether the source
	// was switched to the permanent audio location.
	PlaybackFinished(rowID int64, swapped bool)
	// StreamFailed is diagnostic only: the poller's terminal transition
	// still governs row-level reporting.
	StreamFailed(rowID int64, err error)
	// FinalAudio returns the permanent audio location if the job has
	// already reached done.
	FinalAudio(rowID int64) (string, bool)
}

// Controller owns the row-keyed streaming sessions.
type Controller struct {
	mu       sync.Mutex
	sessions map[int64]*session

	cfg       config.StreamingConfig
	streamer  Streamer
	slots     *playback.Queue
	hooks     Hooks
	newPlayer func() audio.Player
	log       *slog.Logger
	wg        sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

type session struct {
	rowID  int64
	jobID  string
	cancel context.CancelFunc
	player audio.Player
	sink   *audio.Sink

	mu        sync.Mutex
	cachePath string
	requested bool
}

func (s *session) path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachePath
}

func (s *session) setPath(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachePath = p
}

func NewController(parent context.Context, cfg config.StreamingConfig, streamer Streamer, slots *playback.Queue, hooks Hooks, newPlayer func() audio.Player, log *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(parent)
	if newPlayer == nil {
		newPlayer = func() audio.Player { return audio.NewClockPlayer() }
	}
	return &Controller{
		sessions:  make(map[int64]*session),
		cfg:       cfg,
		streamer:  streamer,
		slots:     slots,
		hooks:     hooks,
		newPlayer: newPlayer,
		log:       log.With(slog.String("component", "stream-controller")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start opens the byte stream for one job, replacing any prior session for
// the row.
func (c *Controller) Start(rowID int64, jobID string) {
	c.Stop(rowID)

	if err := os.MkdirAll(c.cfg.CacheDir, 0o755); err != nil {
		c.log.Warn("create stream cache dir failed", slog.String("error", err.Error()))
	}

	ctx, cancel := context.WithCancel(c.ctx)
	s := &session{
		rowID:     rowID,
		jobID:     jobID,
		cancel:    cancel,
		player:    c.newPlayer(),
		sink:      audio.NewSink(c.cfg.SampleRate, c.cfg.Channels),
		cachePath: filepath.Join(c.cfg.CacheDir, fmt.Sprintf("row-%d.wav", rowID)),
	}
	c.mu.Lock()
	c.sessions[rowID] = s
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx, s)
}

// Stop aborts the row's in-flight stream, removes it from the playback
// queue whether active or waiting, and pauses and detaches its player.
// Idempotent.
func (c *Controller) Stop(rowID int64) {
	c.mu.Lock()
	s, ok := c.sessions[rowID]
	if ok {
		delete(c.sessions, rowID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	c.slots.Remove(rowID)
	s.player.Pause()
	s.player.Close()
	s.sink.Close()
	_ = os.Remove(s.path())
}

// StopAll stops every session.
func (c *Controller) StopAll() {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Stop(id)
	}
}

// Active reports whether the row has a live streaming session.
func (c *Controller) Active(rowID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[rowID]
	return ok
}

// ActiveCount returns the number of live sessions.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Shutdown stops everything and waits for session goroutines to exit.
func (c *Controller) Shutdown() {
	c.cancel()
	c.StopAll()
	c.wg.Wait()
}

func (c *Controller) run(ctx context.Context, s *session) {
	defer c.wg.Done()

	rc, contentType, err := c.streamer.Stream(ctx, s.jobID)
	if err != nil {
		if ctx.Err() == nil {
			c.hooks.StreamFailed(s.rowID, err)
			c.abort(s)
		}
		return
	}
	defer rc.Close()

	if !rawPCM(contentType) {
		// The server streams a compressed container (WebM/Opus), so
		// buffered time comes from the encoded bitrate and the cache file
		// keeps the container bytes instead of a WAV wrapper.
		s.sink.MarkEncoded(c.cfg.StreamBitrateKbps * 1000 / 8)
		s.setPath(strings.TrimSuffix(s.path(), ".wav") + ".webm")
	}

	readCtx, stopRead := context.WithCancel(ctx)
	defer stopRead()
	go func() {
		// Unblock the read when the session is stopped.
		<-readCtx.Done()
		rc.Close()
	}()

	threshold := time.Duration(c.cfg.BufferThresholdSec) * time.Second
	buf := make([]byte, c.cfg.ChunkBytes)
	for {
		n, readErr := rc.Read(buf)
		if n > 0 {
			if err := s.sink.Append(ctx, buf[:n]); err != nil {
				if ctx.Err() == nil {
					// Local playback-path failure: degrade to the final
					// completed-audio fallback rather than failing the row.
					c.log.Warn("sink rejected append", slog.Int64("row_id", s.rowID), slog.String("error", err.Error()))
					c.hooks.StreamFailed(s.rowID, err)
					c.abort(s)
				}
				return
			}
			buffered := s.sink.Duration() - s.player.Position()
			if !s.playRequested() {
				c.hooks.Buffering(s.rowID, buffered, threshold)
				if buffered >= threshold {
					c.requestPlay(s)
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				c.finishStream(ctx, s)
			} else if ctx.Err() == nil {
				c.hooks.StreamFailed(s.rowID, readErr)
				c.abort(s)
			}
			return
		}
	}
}

// finishStream handles normal end-of-stream: finalize the sink, start the
// short-audio fallback, and watch for playback completion.
func (c *Controller) finishStream(ctx context.Context, s *session) {
	s.sink.Finalize()
	if s.sink.Size() == 0 && !s.playRequested() {
		// An empty stream has no playback to wait for; tear the session
		// down instead of watching a position that can never advance.
		c.abort(s)
		return
	}
	if err := s.sink.Export(s.path()); err != nil {
		c.log.Warn("export streamed audio failed", slog.Int64("row_id", s.rowID), slog.String("error", err.Error()))
	}
	// Short audio that never crossed the threshold still plays: waiting
	// forever on a threshold no further data can reach would hang the row.
	if !s.playRequested() {
		c.requestPlay(s)
	}
	c.watchPlayback(ctx, s)
}

func (c *Controller) requestPlay(s *session) {
	s.mu.Lock()
	if s.requested {
		s.mu.Unlock()
		return
	}
	s.requested = true
	s.mu.Unlock()
	c.slots.RequestPlay(s.rowID, func() {
		s.player.Play()
		c.hooks.PlaybackStarted(s.rowID)
	})
}

func (s *session) playRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}

// watchPlayback waits for the player to reach the end of the buffered
// audio, then performs the swap-to-final and advances the playback queue.
func (c *Controller) watchPlayback(ctx context.Context, s *session) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	total := s.sink.Duration()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.player.Playing() {
			continue
		}
		if s.player.Position() < total {
			continue
		}

		s.player.Pause()
		swapped := false
		if url, ok := c.hooks.FinalAudio(s.rowID); ok {
			// Lossless replay and seeking come from the permanent file;
			// the streamed buffer is no longer needed.
			s.player.SetSource(url)
			s.sink.Close()
			_ = os.Remove(s.path())
			swapped = true
		} else {
			s.player.SetSource(s.path())
		}

		c.mu.Lock()
		if c.sessions[s.rowID] == s {
			delete(c.sessions, s.rowID)
		}
		c.mu.Unlock()

		c.slots.OnFinished(s.rowID)
		c.hooks.PlaybackFinished(s.rowID, swapped)
		return
	}
}

// rawPCM reports whether the stream content type carries uncompressed
// s16le samples the sink can measure and export directly. An absent
// content type is treated as raw bytes.
func rawPCM(contentType string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case ct == "",
		strings.HasPrefix(ct, "application/octet-stream"),
		strings.HasPrefix(ct, "audio/l16"),
		strings.HasPrefix(ct, "audio/pcm"),
		strings.HasPrefix(ct, "audio/wav"),
		strings.HasPrefix(ct, "audio/x-wav"):
		return true
	default:
		return false
	}
}

// abort tears a failed session down without reporting row-level failure.
func (c *Controller) abort(s *session) {
	c.slots.Remove(s.rowID)
	s.player.Pause()
	s.sink.Close()
	c.mu.Lock()
	if c.sessions[s.rowID] == s {
		delete(c.sessions, s.rowID)
	}
	c.mu.Unlock()
}
