package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/vieneulabs/vieneu-console/internal/orchestrator"
	"github.com/vieneulabs/vieneu-console/internal/session"
	"github.com/vieneulabs/vieneu-console/internal/store"
)

// api is the JSON control surface for the console. Every mutation goes
// through the orchestrator; handlers only translate HTTP.
type api struct {
	orch *orchestrator.Orchestrator
	log  *slog.Logger
}

func newAPI(orch *orchestrator.Orchestrator, log *slog.Logger) *api {
	return &api{orch: orch, log: log.With(slog.String("component", "api"))}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/rows", a.handleListRows)
	mux.HandleFunc("POST /api/rows", a.handleAddRow)
	mux.HandleFunc("DELETE /api/rows/{id}", a.handleRemoveRow)
	mux.HandleFunc("PUT /api/rows/{id}/text", a.handleSetText)
	mux.HandleFunc("POST /api/rows/{id}/generate", a.handleGenerate)
	mux.HandleFunc("POST /api/rows/{id}/stop", a.handleStop)
	mux.HandleFunc("POST /api/generate-all", a.handleGenerateAll)
	mux.HandleFunc("POST /api/stop-all", a.handleStopAll)
	mux.HandleFunc("POST /api/clear-all", a.handleClearAll)
	mux.HandleFunc("POST /api/download-all", a.handleDownloadAll)
	mux.HandleFunc("GET /api/settings", a.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", a.handlePutSettings)
	mux.HandleFunc("GET /api/models", a.handleModels)
	mux.HandleFunc("GET /api/codecs", a.handleCodecs)
	mux.HandleFunc("GET /api/voices", a.handleVoices)
	mux.HandleFunc("POST /api/load-model", a.handleLoadModel)
}

type rowJSON struct {
	ID       int64  `json:"id"`
	Text     string `json:"text"`
	Phase    string `json:"phase"`
	Status   string `json:"status"`
	JobID    string `json:"job_id,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
}

func toRowJSON(row session.Row) rowJSON {
	return rowJSON{
		ID:       row.ID,
		Text:     row.Text,
		Phase:    string(row.Phase),
		Status:   row.Status,
		JobID:    row.JobID,
		AudioURL: row.AudioURL,
	}
}

func (a *api) handleListRows(w http.ResponseWriter, _ *http.Request) {
	rows := a.orch.Rows()
	out := make([]rowJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, toRowJSON(row))
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *api) handleAddRow(w http.ResponseWriter, r *http.Request) {
	id := a.orch.AddRow(r.Context())
	a.writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (a *api) handleRemoveRow(w http.ResponseWriter, r *http.Request) {
	id, ok := a.rowID(w, r)
	if !ok {
		return
	}
	if err := a.orch.RemoveRow(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleSetText(w http.ResponseWriter, r *http.Request) {
	id, ok := a.rowID(w, r)
	if !ok {
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := a.orch.SetText(r.Context(), id, body.Text); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleGenerate(w http.ResponseWriter, r *http.Request) {
	id, ok := a.rowID(w, r)
	if !ok {
		return
	}
	if err := a.orch.Generate(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	row, err := a.orch.Row(id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, toRowJSON(row))
}

func (a *api) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := a.rowID(w, r)
	if !ok {
		return
	}
	if err := a.orch.StopRow(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleGenerateAll(w http.ResponseWriter, r *http.Request) {
	n := a.orch.GenerateAll(r.Context())
	a.writeJSON(w, http.StatusAccepted, map[string]int{"enqueued": n})
}

func (a *api) handleStopAll(w http.ResponseWriter, r *http.Request) {
	a.orch.StopAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleClearAll(w http.ResponseWriter, r *http.Request) {
	a.orch.ClearAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleDownloadAll(w http.ResponseWriter, r *http.Request) {
	files, err := a.orch.DownloadAll(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (a *api) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.orch.Settings())
}

func (a *api) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var set store.Settings
	if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := a.orch.UpdateSettings(r.Context(), set); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, set)
}

func (a *api) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := a.orch.Models(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, models)
}

func (a *api) handleCodecs(w http.ResponseWriter, r *http.Request) {
	codecs, err := a.orch.Codecs(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, codecs)
}

func (a *api) handleVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := a.orch.Voices(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, voices)
}

func (a *api) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Backbone string `json:"backbone"`
		Codec    string `json:"codec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if body.Backbone == "" || body.Codec == "" {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "backbone and codec are required"})
		return
	}
	if err := a.orch.LoadModel(r.Context(), body.Backbone, body.Codec); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) rowID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid row id"})
		return 0, false
	}
	return id, true
}

func (a *api) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.log.Warn("failed to write response", slog.String("error", err.Error()))
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrRowNotFound):
		a.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrEmptyText):
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		a.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
}
