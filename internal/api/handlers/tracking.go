// Package handlers contains the HTTP handler implementations for the mailroom
// service: engagement tracking (opens and clicks), unsubscribe pages, inbound
// provider webhooks, and the operational queue-status endpoint.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"mailroom/internal/tracking"
	"mailroom/internal/types"
)

// trackingPixel is a 1x1 transparent GIF. Served for every open-tracking
// request regardless of outcome so email clients never render a broken image.
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x21, 0xF9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2C, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3B,
}

// EngagementRecorder is the subset of the tracking recorder used by the
// tracking handler. Defined locally to avoid tight coupling per the handler
// injection pattern.
type EngagementRecorder interface {
	RecordOpen(ctx context.Context, trackingID string, meta tracking.RequestMeta) error
	RecordClick(ctx context.Context, trackingID, linkID, target string, meta tracking.RequestMeta) (string, error)
}

// TrackingHandler maps pixel and click-through requests to the recorder.
type TrackingHandler struct {
	recorder EngagementRecorder
	// fallbackURL is where click-throughs land when the requested redirect
	// target fails validation. Points at the service's public base URL.
	fallbackURL string
	logger      *slog.Logger
}

// NewTrackingHandler creates a TrackingHandler with the provided dependencies.
func NewTrackingHandler(recorder EngagementRecorder, fallbackURL string, logger *slog.Logger) *TrackingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrackingHandler{
		recorder:    recorder,
		fallbackURL: fallbackURL,
		logger:      logger,
	}
}

// RegisterRoutes mounts the tracking endpoints onto the mux. Both routes are
// public: they are hit by email clients and cannot carry credentials.
func (h *TrackingHandler) RegisterRoutes(r chi.Router) {
	r.Get("/track/open/{trackingID}", h.HandleOpen)
	r.Get("/track/click/{trackingID}/{linkID}", h.HandleClick)
}

// HandleOpen handles GET /track/open/{trackingID}.
//
// The pixel is returned with status 200 no matter what: a failed lookup, a
// database outage, or a bogus tracking ID must never surface as a broken
// image in the recipient's mail client. Recording failures are logged only.
func (h *TrackingHandler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")

	if trackingID != "" {
		if err := h.recorder.RecordOpen(r.Context(), trackingID, requestMeta(r)); err != nil {
			h.logger.Debug("open tracking record failed",
				slog.String("tracking_id", trackingID),
				slog.String("error", err.Error()),
			)
		}
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(trackingPixel)
}

// HandleClick handles GET /track/click/{trackingID}/{linkID}?url=.
//
// On success the recipient is redirected (302) to the validated target URL.
// A target that fails validation redirects to the service base URL instead
// of erroring: the recipient clicked a link in an email we sent, so dumping
// them on an error page helps nobody. Unknown tracking IDs still redirect;
// the click is simply not recorded.
func (h *TrackingHandler) HandleClick(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")
	linkID := chi.URLParam(r, "linkID")
	target := r.URL.Query().Get("url")

	resolved, err := h.recorder.RecordClick(r.Context(), trackingID, linkID, target, requestMeta(r))
	if err != nil {
		h.logger.Debug("click tracking record failed",
			slog.String("tracking_id", trackingID),
			slog.String("link_id", linkID),
			slog.String("error", err.Error()),
		)

		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeValidationRedirectURL {
			http.Redirect(w, r, h.fallbackURL, http.StatusFound)
			return
		}

		// Recording failed but the target itself is usable; validate it the
		// same way the recorder would have and pass the recipient through.
		if validated, vErr := tracking.ValidateRedirectTarget(target); vErr == nil {
			http.Redirect(w, r, validated, http.StatusFound)
			return
		}
		http.Redirect(w, r, h.fallbackURL, http.StatusFound)
		return
	}

	http.Redirect(w, r, resolved, http.StatusFound)
}

// requestMeta extracts the client IP and user agent for event attribution.
func requestMeta(r *http.Request) tracking.RequestMeta {
	return tracking.RequestMeta{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// clientIP returns the originating client address, preferring the first entry
// of X-Forwarded-For when the service sits behind a load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
