package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/vdavid/ticketdesk/internal/auth"
	"github.com/vdavid/ticketdesk/internal/db"
	"github.com/vdavid/ticketdesk/internal/models"
	"go.uber.org/zap"
)

// IngestTrigger starts an ingestion run. *ingest.Coordinator implements it.
type IngestTrigger interface {
	Run(ctx context.Context, trigger, actor string) (*models.RunRecord, error)
}

// RunHistory reads the run log. *ingest.RunLog implements it.
type RunHistory interface {
	LatestRun(ctx context.Context) (*models.RunRecord, error)
}

type JobsHandler struct {
	trigger IngestTrigger
	history RunHistory
	logger  *zap.Logger
}

func NewJobsHandler(trigger IngestTrigger, history RunHistory, logger *zap.Logger) *JobsHandler {
	return &JobsHandler{trigger: trigger, history: history, logger: logger}
}

// TriggerScheduled runs ingestion for a scheduler holding the job token.
func (h *JobsHandler) TriggerScheduled(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, models.TriggerCron, "")
}

// TriggerManual runs ingestion on behalf of the administrator in the request context.
func (h *JobsHandler) TriggerManual(w http.ResponseWriter, r *http.Request) {
	email, ok := auth.GetUserEmailFromContext(r.Context())
	if !ok {
		writeJSON(w, h.logger, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	h.run(w, r, models.TriggerManual, email)
}

func (h *JobsHandler) run(w http.ResponseWriter, r *http.Request, trigger, actor string) {
	// A caller hanging up must not abort a run halfway through an account.
	ctx := context.WithoutCancel(r.Context())

	record, err := h.trigger.Run(ctx, trigger, actor)
	if err != nil {
		h.logger.Error("ingestion trigger failed", zap.String("trigger", trigger), zap.Error(err))
	}

	switch {
	case record == nil:
		writeJSON(w, h.logger, http.StatusInternalServerError, map[string]any{"ok": false, "error": "ingest_failed"})
	case err != nil || record.Report == nil || !record.Report.OK:
		writeJSON(w, h.logger, http.StatusInternalServerError, record)
	default:
		writeJSON(w, h.logger, http.StatusOK, record)
	}
}

// Latest returns the most recent run log entry, or null when nothing ran yet.
func (h *JobsHandler) Latest(w http.ResponseWriter, r *http.Request) {
	record, err := h.history.LatestRun(r.Context())
	if errors.Is(err, db.ErrRunNotFound) {
		writeJSON(w, h.logger, http.StatusOK, map[string]any{"ok": true, "latest": nil})
		return
	}
	if err != nil {
		h.logger.Error("failed to read latest run", zap.Error(err))
		writeJSON(w, h.logger, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}

	writeJSON(w, h.logger, http.StatusOK, map[string]any{"ok": true, "latest": record})
}
