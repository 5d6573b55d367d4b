package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bhorvath-dev/wa-scheduler/internal/dispatch"
	"github.com/bhorvath-dev/wa-scheduler/internal/introspect"
	"github.com/bhorvath-dev/wa-scheduler/internal/model"
	"github.com/bhorvath-dev/wa-scheduler/internal/store"
)

type Handler struct {
	engine *dispatch.Engine
	store  store.JobStore

	now func() time.Time
}

func NewHandler(e *dispatch.Engine, s store.JobStore) *Handler {
	return &Handler{
		engine: e,
		store:  s,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type gatewayConfigPayload struct {
	BaseURL  string `json:"baseUrl"`
	Instance string `json:"instance"`
	Token    string `json:"token"`
}

type createJobRequest struct {
	OwnerID     string               `json:"ownerId"`
	Recipient   string               `json:"recipient"`
	Body        string               `json:"body"`
	ScheduledAt time.Time            `json:"scheduledAt"`
	Gateway     gatewayConfigPayload `json:"gateway"`
}

// jobSummary is the job view returned to collaborators. The gateway token
// never leaves the server.
type jobSummary struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"ownerId,omitempty"`
	Recipient   string       `json:"recipient"`
	Body        string       `json:"body"`
	ScheduledAt time.Time    `json:"scheduledAt"`
	Status      model.Status `json:"status"`
	Retries     int          `json:"retries"`
	CreatedAt   time.Time    `json:"createdAt"`
	ProcessedAt *time.Time   `json:"processedAt,omitempty"`
	LastError   string       `json:"lastError,omitempty"`
}

func toSummary(j model.ScheduledJob) jobSummary {
	s := jobSummary{
		ID:          j.ID,
		OwnerID:     j.OwnerID,
		Recipient:   j.Recipient,
		Body:        j.Body,
		ScheduledAt: j.ScheduledAt,
		Status:      j.Status,
		Retries:     j.Retries,
		CreatedAt:   j.CreatedAt,
		ProcessedAt: j.ProcessedAt,
	}
	if j.LastError != nil {
		s.LastError = *j.LastError
	}
	return s
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []model.ScheduledJob
		err  error
	)

	if owner := r.URL.Query().Get("owner"); owner != "" {
		jobs, err = h.store.ListByOwner(r.Context(), owner)
	} else {
		jobs, err = h.store.ListAll(r.Context())
	}
	if err != nil {
		slog.Error("list jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	items := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, toSummary(j))
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job := model.ScheduledJob{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		Recipient:   req.Recipient,
		Body:        req.Body,
		ScheduledAt: req.ScheduledAt.UTC(),
		Gateway: model.GatewayConfig{
			BaseURL:  req.Gateway.BaseURL,
			Instance: req.Gateway.Instance,
			Token:    req.Gateway.Token,
		},
		Status:    model.StatusPending,
		CreatedAt: h.now(),
	}

	if err := job.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.Create(r.Context(), job); err != nil {
		slog.Error("create job failed", "job_id", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	slog.Info("job created",
		"job_id", job.ID,
		"recipient", job.Recipient,
		"scheduled_at", job.ScheduledAt,
	)
	writeJSON(w, http.StatusCreated, toSummary(job))
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := h.store.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown job id")
	case errors.Is(err, store.ErrTerminalState):
		writeError(w, http.StatusConflict, "job is no longer pending")
	case err != nil:
		slog.Error("cancel job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
	default:
		slog.Info("job cancelled", "job_id", id)
		writeJSON(w, http.StatusOK, map[string]any{
			"id":     id,
			"status": model.StatusCancelled,
		})
	}
}

// RunSweep forces one dispatch cycle, so operators and tests never have to
// wait for the periodic timer.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	sum, err := h.engine.Sweep(r.Context())
	if err != nil {
		slog.Error("forced sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"processed": sum.Processed,
		"total":     sum.Total,
	})
}

func (h *Handler) DispatchStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := introspect.Build(r.Context(), h.store, h.now())
	if err != nil {
		slog.Error("status snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build snapshot")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"running":     h.engine.IsRunning(),
		"currentTime": snap.CurrentTime,
		"total":       snap.Total,
		"pending":     snap.Pending,
		"sent":        snap.Sent,
		"failed":      snap.Failed,
		"cancelled":   snap.Cancelled,
		"jobs":        snap.Jobs,
	})
}

func (h *Handler) DispatchStart(w http.ResponseWriter, r *http.Request) {
	h.engine.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.engine.IsRunning()})
}

func (h *Handler) DispatchStop(w http.ResponseWriter, r *http.Request) {
	h.engine.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.engine.IsRunning()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
