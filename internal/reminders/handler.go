package reminders

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

// Runner is the part of Scheduler the admin endpoint drives.
type Runner interface {
	Run(ctx context.Context, asOfDate, timezone string, opts ...RunOption) (JobRun, error)
}

// Handler exposes manual reminder runs to admins.
type Handler struct {
	runner Runner
	logger *logging.Logger
}

func NewHandler(runner Runner, logger *logging.Logger) *Handler {
	if runner == nil {
		panic("reminders: runner required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{runner: runner, logger: logger}
}

// Routes is mounted under /admin/reminders.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/run", h.HandleRun)
	return r
}

type runRequest struct {
	Date     string `json:"date"`
	Timezone string `json:"timezone"`
	DryRun   bool   `json:"dry_run"`
}

// HandleRun triggers a reminder run and returns its summary.
// POST /admin/reminders/run {"date":"2025-06-03","timezone":"America/Mexico_City","dry_run":true}
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	if _, _, err := ResolveDate(req.Date, req.Timezone, time.Now()); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	run, err := h.runner.Run(r.Context(), req.Date, req.Timezone, DryRun(req.DryRun))
	if err != nil {
		h.logger.Error("manual reminder run failed", "run_id", run.ID, "error", err)
		if run.ID == "" {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reminder run failed"})
			return
		}
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
