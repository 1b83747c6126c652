package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vieneulabs/vieneu-console/internal/admission"
	"github.com/vieneulabs/vieneu-console/internal/backend"
	"github.com/vieneulabs/vieneu-console/internal/protocol"
	"github.com/vieneulabs/vieneu-console/internal/session"
)

// dispatcher adapts the orchestrator to the admission queue's callbacks.
type dispatcher Orchestrator

func (d *dispatcher) Submit(ctx context.Context, rowID int64) error {
	o := (*Orchestrator)(d)
	row, ok := o.rows.Get(rowID)
	if !ok {
		// Row vanished while queued; nothing to do.
		return nil
	}

	ctx, span := o.tracer.Start(ctx, "console.submit")
	span.SetAttributes(attribute.Int64("row.id", rowID))
	defer span.End()

	set := o.Settings()
	jobID, err := o.backend.Submit(ctx, backend.SubmitRequest{
		Text:        row.Text,
		VoiceID:     set.Voice,
		Temperature: set.Temperature,
	})
	if err != nil {
		if errors.Is(err, backend.ErrBusy) {
			span.SetStatus(codes.Error, "busy")
			return admission.ErrBusy
		}
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String("job.id", jobID))

	o.lifeMu.Lock()
	if err := o.rows.Transition(rowID, session.PhaseSubmitted); err != nil {
		o.lifeMu.Unlock()
		// The row was stopped or removed while the request was in flight.
		// The job must not be re-armed: drop the result and ask the server
		// to abandon it.
		o.backend.Cancel(jobID)
		span.SetStatus(codes.Error, "row no longer eligible")
		o.log.Info("discarding job for stopped row", slog.Int64("row_id", rowID), slog.String("job_id", jobID))
		return nil
	}
	o.rows.AssignJob(rowID, jobID)
	o.rows.SetStatus(rowID, "Submitted")
	if err := o.store.AssignJob(ctx, rowID, jobID); err != nil {
		o.log.Warn("persist job mapping failed", slog.Int64("row_id", rowID), slog.String("error", err.Error()))
	}
	o.poller.Start(rowID, jobID)
	o.streams.Start(rowID, jobID)
	o.lifeMu.Unlock()

	o.metrics.submissions.Add(ctx, 1)
	o.publishRow(rowID)
	o.log.Info("job submitted", slog.Int64("row_id", rowID), slog.String("job_id", jobID))
	return nil
}

func (d *dispatcher) QueuePosition(rowID int64, position int) {
	o := (*Orchestrator)(d)
	o.rows.SetStatus(rowID, fmt.Sprintf("Queued #%d", position))
	if o.bus != nil {
		if row, ok := o.rows.Get(rowID); ok {
			o.bus.PublishJSON(protocol.SubjectRowStatus, protocol.RowEvent{
				RowID:     row.ID,
				Phase:     string(row.Phase),
				Status:    row.Status,
				Position:  position,
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func (d *dispatcher) SubmitFailed(rowID int64, err error) {
	o := (*Orchestrator)(d)
	if terr := o.rows.Transition(rowID, session.PhaseError); terr != nil {
		o.log.Debug("transition to error failed", slog.Int64("row_id", rowID), slog.String("error", terr.Error()))
	}
	o.rows.SetStatus(rowID, "Submission failed: "+err.Error())
	o.metrics.failures.Add(o.ctx, 1)
	o.publishRow(rowID)
	o.fireHook(rowID)
	o.log.Warn("submission failed", slog.Int64("row_id", rowID), slog.String("error", err.Error()))
}

// pollEvents adapts the orchestrator to the status poller's callbacks.
type pollEvents Orchestrator

func (e *pollEvents) Progress(rowID int64, st backend.Status) {
	o := (*Orchestrator)(e)
	if st.State == "processing" {
		if err := o.rows.Transition(rowID, session.PhaseProcessing); err != nil {
			return
		}
	}
	if st.Progress != "" {
		o.rows.SetStatus(rowID, st.Progress)
	}
	o.publishRow(rowID)
}

func (e *pollEvents) Done(rowID int64, st backend.Status) {
	o := (*Orchestrator)(e)
	row, ok := o.rows.Get(rowID)
	if !ok {
		return
	}
	if err := o.rows.Transition(rowID, session.PhaseDone); err != nil {
		// The row was stopped or resubmitted while the final poll was in
		// flight; the live handles were already torn down and the stale
		// result must not leave audio on the row.
		o.log.Debug("late done ignored", slog.Int64("row_id", rowID), slog.String("error", err.Error()))
		return
	}
	url := st.AudioURL
	if url == "" && row.JobID != "" {
		url = o.backend.AudioURL(row.JobID)
	}
	o.rows.SetAudioURL(rowID, url)
	o.rows.SetStatus(rowID, "Done")
	o.clearStoredJob(rowID)
	o.publishRow(rowID)
	o.fireHook(rowID)
	o.log.Info("job done", slog.Int64("row_id", rowID), slog.String("job_id", row.JobID))
}

func (e *pollEvents) JobFailed(rowID int64, message string) {
	o := (*Orchestrator)(e)
	o.streams.Stop(rowID)
	if err := o.rows.Transition(rowID, session.PhaseError); err != nil {
		o.log.Debug("late failure ignored", slog.Int64("row_id", rowID), slog.String("error", err.Error()))
		return
	}
	o.rows.SetStatus(rowID, "Failed: "+message)
	o.metrics.failures.Add(o.ctx, 1)
	o.clearStoredJob(rowID)
	o.publishRow(rowID)
	o.fireHook(rowID)
	o.log.Warn("job failed", slog.Int64("row_id", rowID), slog.String("message", message))
}

func (e *pollEvents) Expired(rowID int64) {
	o := (*Orchestrator)(e)
	o.streams.Stop(rowID)
	if err := o.rows.Transition(rowID, session.PhaseExpired); err != nil {
		o.log.Debug("late expiry ignored", slog.Int64("row_id", rowID), slog.String("error", err.Error()))
		return
	}
	o.rows.ClearJob(rowID)
	o.rows.SetStatus(rowID, "Job expired on server, resubmit to retry")
	o.clearStoredJob(rowID)
	o.publishRow(rowID)
	o.fireHook(rowID)
	o.log.Warn("job expired", slog.Int64("row_id", rowID))
}

func (e *pollEvents) PollFailed(rowID int64, err error) {
	o := (*Orchestrator)(e)
	o.streams.Stop(rowID)
	if terr := o.rows.Transition(rowID, session.PhaseError); terr != nil {
		o.log.Debug("late poll failure ignored", slog.Int64("row_id", rowID), slog.String("error", terr.Error()))
		return
	}
	// The job may still be running server-side, so the persisted mapping
	// stays: a restart can reattach once the server is reachable again.
	o.rows.SetStatus(rowID, "Lost contact with server: "+err.Error())
	o.metrics.failures.Add(o.ctx, 1)
	o.publishRow(rowID)
	o.fireHook(rowID)
	o.log.Warn("status polling failed", slog.Int64("row_id", rowID), slog.String("error", err.Error()))
}

// streamHooks adapts the orchestrator to the stream controller's callbacks.
type streamHooks Orchestrator

func (h *streamHooks) Buffering(rowID int64, buffered, threshold time.Duration) {
	o := (*Orchestrator)(h)
	o.rows.SetStatus(rowID, fmt.Sprintf("Buffering %.0fs / %.0fs", buffered.Seconds(), threshold.Seconds()))
	o.publishRow(rowID)
}

func (h *streamHooks) PlaybackStarted(rowID int64) {
	o := (*Orchestrator)(h)
	o.publishPlayback(rowID, "started")
	o.log.Info("playback started", slog.Int64("row_id", rowID))
}

func (h *streamHooks) PlaybackFinished(rowID int64, swapped bool) {
	o := (*Orchestrator)(h)
	o.metrics.handovers.Add(o.ctx, 1)
	o.publishPlayback(rowID, "finished")
	o.log.Info("playback finished", slog.Int64("row_id", rowID), slog.Bool("swapped", swapped))
}

func (h *streamHooks) StreamFailed(rowID int64, err error) {
	o := (*Orchestrator)(h)
	// Diagnostic only: the poller's terminal transition reports the row.
	o.log.Warn("stream interrupted", slog.Int64("row_id", rowID), slog.String("error", err.Error()))
}

func (h *streamHooks) FinalAudio(rowID int64) (string, bool) {
	o := (*Orchestrator)(h)
	row, ok := o.rows.Get(rowID)
	if !ok || row.AudioURL == "" {
		return "", false
	}
	return row.AudioURL, true
}

func (o *Orchestrator) clearStoredJob(rowID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.store.ClearJob(ctx, rowID); err != nil {
		o.log.Warn("clear job mapping failed", slog.Int64("row_id", rowID), slog.String("error", err.Error()))
	}
}
