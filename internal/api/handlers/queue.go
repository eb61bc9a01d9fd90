package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mailroom/internal/admission"
	"mailroom/internal/core"
	"mailroom/internal/types"
)

// defaultStatsWindow is the trailing window for queue statistics when the
// request does not specify one.
const defaultStatsWindow = 24 * time.Hour

// maxStatsWindow caps the requested window so a typo cannot force a full
// table scan over months of history.
const maxStatsWindow = 30 * 24 * time.Hour

// QueueStatsProvider is the subset of the notification repository used by the
// operations handler.
type QueueStatsProvider interface {
	Stats(ctx context.Context, now time.Time, window time.Duration) (*types.QueueStats, error)
}

// Enqueuer admits notifications into the queue. Matches the admission
// controller's Enqueue signature.
type Enqueuer interface {
	Enqueue(ctx context.Context, params admission.EnqueueParams) (*types.NotificationRecord, error)
}

// OpsHandler serves the internal operations endpoints: queue inspection and
// notification enqueueing. These routes are mounted under /internal and are
// expected to be reachable only from inside the network perimeter.
type OpsHandler struct {
	stats    QueueStatsProvider
	enqueuer Enqueuer
	clock    types.Clock
	logger   *slog.Logger
}

// NewOpsHandler creates an OpsHandler with the provided dependencies.
func NewOpsHandler(stats QueueStatsProvider, enqueuer Enqueuer, clock types.Clock, logger *slog.Logger) *OpsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &OpsHandler{stats: stats, enqueuer: enqueuer, clock: clock, logger: logger}
}

// RegisterRoutes mounts the internal operations endpoints onto the mux.
func (h *OpsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/internal/queue/status", h.HandleQueueStatus)
	r.Post("/internal/notifications", h.HandleEnqueue)
}

// HandleQueueStatus handles GET /internal/queue/status?window=24h.
//
// Returns counts by status over the trailing window, queued counts by
// priority, the oldest queued timestamp, and the average time-to-send.
func (h *OpsHandler) HandleQueueStatus(w http.ResponseWriter, r *http.Request) {
	window := defaultStatsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 || parsed > maxStatsWindow {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"window must be a positive duration no longer than 720h",
				err,
			))
			return
		}
		window = parsed
	}

	stats, err := h.stats.Stats(r.Context(), h.clock.Now(), window)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: stats})
}

// HandleEnqueue handles POST /internal/notifications.
//
// Admission outcomes map directly onto the response: 201 with the queued
// record on success, 403 when the recipient is opted out or bounce
// suppressed, 400 on validation failures.
func (h *OpsHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var params admission.EnqueueParams
	if err := core.DecodeJSON(w, r, &params); err != nil {
		core.Error(w, r, err)
		return
	}

	record, err := h.enqueuer.Enqueue(r.Context(), params)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: record})
}
