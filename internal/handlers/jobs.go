package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/rexanwong/textbehindimage/backend/internal/models"
	"github.com/rexanwong/textbehindimage/backend/internal/store"
)

// JobReader loads single reconciliation jobs.
type JobReader interface {
	GetByID(ctx context.Context, id int64) (*models.Job, error)
}

// QueueStats reports reconciliation queue counts. *worker.Worker satisfies it.
type QueueStats interface {
	GetQueueStats(ctx context.Context) (*models.JobStats, error)
}

// JobHandler exposes reconciliation queue state for operators.
type JobHandler struct {
	jobs  JobReader
	queue QueueStats
}

// NewJobHandler creates a JobHandler. A nil reader or queue answers 503.
func NewJobHandler(jobs JobReader, queue QueueStats) *JobHandler {
	return &JobHandler{jobs: jobs, queue: queue}
}

// RegisterRoutes registers job handlers with the router
func (h *JobHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/jobs/stats", h.GetJobStats())
	router.Get("/api/jobs/{id}", h.GetJob())
}

// GetJobStats returns counts per job status.
func (h *JobHandler) GetJobStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.queue == nil {
			writeError(w, http.StatusServiceUnavailable, msgDatabaseNotConfigured)
			return
		}

		stats, err := h.queue.GetQueueStats(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("jobs: get stats")
			writeError(w, http.StatusInternalServerError, "failed to get job stats")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// GetJob returns a single job by id.
func (h *JobHandler) GetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.jobs == nil {
			writeError(w, http.StatusServiceUnavailable, msgDatabaseNotConfigured)
			return
		}

		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid job id")
			return
		}

		job, err := h.jobs.GetByID(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				writeError(w, http.StatusNotFound, "job not found")
				return
			}
			log.Error().Err(err).Int64("job_id", id).Msg("jobs: get job")
			writeError(w, http.StatusInternalServerError, "failed to get job")
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}
