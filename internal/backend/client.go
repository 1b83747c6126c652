// Package backend is the HTTP client for the VieNeu-TTS synthesis server.
// The server runs at most one synthesis job at a time; callers are expected
// to probe readiness before submitting and to treat a busy rejection as a
// signal to requeue, not as a failure.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vieneulabs/vieneu-console/internal/config"
)

// ErrBusy is returned by Submit when the server rejected the request
// because another job is already running.
var ErrBusy = errors.New("server busy")

// ErrJobNotFound is returned by Status when the server no longer knows the
// job, typically after a server restart.
var ErrJobNotFound = errors.New("job not found")

// Client talks to one VieNeu-TTS server.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

func NewClient(cfg config.ServerConfig, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		},
		log: log.With(slog.String("component", "backend-client")),
	}
}

// SubmitRequest carries one row's text and voice parameters.
type SubmitRequest struct {
	Text        string  `json:"text"`
	VoiceID     string  `json:"voice_id"`
	RefText     string  `json:"ref_text,omitempty"`
	Temperature float64 `json:"temperature"`
}

// Status is the server's view of one job.
type Status struct {
	State       string `json:"status"`
	Progress    string `json:"progress"`
	AudioURL    string `json:"audio_url,omitempty"`
	Error       string `json:"error,omitempty"`
	ChunksDone  int    `json:"chunks_done"`
	ChunksTotal int    `json:"chunks_total"`
}

// ModelInfo describes one synthesis backbone or codec offered by the server.
type ModelInfo struct {
	Name        string `json:"name"`
	Repo        string `json:"repo"`
	Description string `json:"description"`
}

// VoiceInfo describes one preset voice.
type VoiceInfo struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Probe asks whether the server is free to accept a job. Side-effect free.
func (c *Client) Probe(ctx context.Context) (busy bool, activeProgress string, err error) {
	var out struct {
		Busy           bool   `json:"busy"`
		ActiveProgress string `json:"active_progress"`
	}
	if err := c.getJSON(ctx, "/api/busy", &out); err != nil {
		return false, "", err
	}
	return out.Busy, out.ActiveProgress, nil
}

// Submit asks the server to synthesize req. A busy rejection maps to ErrBusy
// so the admission queue can requeue without treating it as a failure.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/synthesize", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		JobID string `json:"job_id"`
		Error string `json:"error"`
		Busy  bool   `json:"busy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if resp.StatusCode == http.StatusServiceUnavailable || out.Busy {
		return "", ErrBusy
	}
	if resp.StatusCode >= 300 {
		if out.Error != "" {
			return "", fmt.Errorf("submit rejected: %s", out.Error)
		}
		return "", fmt.Errorf("submit returned status %s", resp.Status)
	}
	if out.JobID == "" {
		return "", errors.New("submit response missing job id")
	}
	return out.JobID, nil
}

// JobStatus fetches the current job state. A 404 maps to ErrJobNotFound.
func (c *Client) JobStatus(ctx context.Context, jobID string) (Status, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/status/"+jobID, nil)
	if err != nil {
		return Status{}, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Status{}, ErrJobNotFound
	}
	if resp.StatusCode >= 300 {
		return Status{}, fmt.Errorf("status returned %s", resp.Status)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	if st.AudioURL != "" && !strings.HasPrefix(st.AudioURL, "http") {
		st.AudioURL = c.baseURL + st.AudioURL
	}
	return st, nil
}

// Stream opens the incremental audio byte stream for a running job. The
// stream may be requested before the job reaches "done". The caller owns
// the returned reader. The response content type is returned alongside so
// callers can tell raw PCM apart from a compressed container; the server
// sends WebM/Opus.
func (c *Client) Stream(ctx context.Context, jobID string) (io.ReadCloser, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/stream/"+jobID, nil)
	if err != nil {
		return nil, "", err
	}
	// Streams outlive the normal request timeout; use a bare client so the
	// read loop is bounded only by ctx.
	resp, err := (&http.Client{}).Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, "", ErrJobNotFound
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, "", fmt.Errorf("stream returned %s", resp.Status)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// FetchAudio downloads the complete audio resource for a finished job.
func (c *Client) FetchAudio(ctx context.Context, jobID string) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.AudioURL(jobID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := (&http.Client{}).Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch audio: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrJobNotFound
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch audio returned %s", resp.Status)
	}
	return resp.Body, nil
}

// AudioURL is the stable location of a finished job's audio.
func (c *Client) AudioURL(jobID string) string {
	return c.baseURL + "/api/audio/" + jobID
}

// Cancel tells the server to abandon a job. Best effort: the caller has
// already moved on locally, so the result is only logged.
func (c *Client) Cancel(jobID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/cancel/"+jobID, nil)
		if err != nil {
			return
		}
		resp, err := c.http.Do(httpReq)
		if err != nil {
			c.log.Debug("cancel request failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
			return
		}
		resp.Body.Close()
	}()
}

// ListModels returns the synthesis backbones the server offers.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var out []ModelInfo
	if err := c.getJSON(ctx, "/api/models", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListCodecs returns the audio codecs the server offers.
func (c *Client) ListCodecs(ctx context.Context) ([]ModelInfo, error) {
	var out []ModelInfo
	if err := c.getJSON(ctx, "/api/codecs", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListVoices returns the preset voices of the currently loaded model.
func (c *Client) ListVoices(ctx context.Context) ([]VoiceInfo, error) {
	var out []VoiceInfo
	if err := c.getJSON(ctx, "/api/voices", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadModel asks the server to switch backbone and codec. Slow: the server
// reloads model weights, so the context should allow for that.
func (c *Client) LoadModel(ctx context.Context, backbone, codec string) error {
	body, err := json.Marshal(map[string]string{"backbone": backbone, "codec": codec})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/load_model", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := (&http.Client{}).Do(httpReq)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var out struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err == nil && out.Error != "" {
			return fmt.Errorf("load model rejected: %s", out.Error)
		}
		return fmt.Errorf("load model returned %s", resp.Status)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("get %s returned %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
