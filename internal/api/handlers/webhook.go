package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mailroom/internal/core"
	"mailroom/internal/email"
	"mailroom/internal/types"
)

// BounceProcessor is the subset of the tracking bounce handler used by the
// webhook handler.
type BounceProcessor interface {
	HandleBounce(ctx context.Context, recipientEmail string, bounceType types.BounceType, reason, providerMessageID string) error
	HandleComplaint(ctx context.Context, recipientEmail, providerMessageID string) error
}

// deliveryNotification is the normalized payload posted by the provider
// webhook bridge. Raw SES (SNS envelope) and Mailgun payloads differ wildly;
// the bridge flattens both into this shape before forwarding.
type deliveryNotification struct {
	Type              string `json:"type"`
	Recipient         string `json:"recipient"`
	BounceType        string `json:"bounce_type,omitempty"`
	Reason            string `json:"reason,omitempty"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

const (
	notificationTypeBounce    = "bounce"
	notificationTypeComplaint = "complaint"
)

// WebhookHandler ingests bounce and complaint notifications from the email
// provider. Mounted under /webhooks; the deployment restricts the route to
// the provider bridge, there is no request signature to verify here.
type WebhookHandler struct {
	processor BounceProcessor
	logger    *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler with the provided dependencies.
func NewWebhookHandler(processor BounceProcessor, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{processor: processor, logger: logger}
}

// RegisterRoutes mounts the webhook endpoint onto the mux.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/email", h.HandleDeliveryNotification)
}

// HandleDeliveryNotification handles POST /webhooks/email.
//
// Returns 200 on successful processing and 400 on malformed payloads.
// Unknown recipients return 200: the provider retries on non-2xx, and a
// bounce for an address we no longer know about is not actionable.
func (h *WebhookHandler) HandleDeliveryNotification(w http.ResponseWriter, r *http.Request) {
	var payload deliveryNotification
	if err := core.DecodeJSON(w, r, &payload); err != nil {
		core.Error(w, r, err)
		return
	}

	if payload.Recipient == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"recipient is required",
			nil,
		))
		return
	}

	var err error
	switch payload.Type {
	case notificationTypeBounce:
		err = h.processor.HandleBounce(
			r.Context(),
			payload.Recipient,
			normalizeBounceType(payload.BounceType),
			payload.Reason,
			payload.ProviderMessageID,
		)
	case notificationTypeComplaint:
		err = h.processor.HandleComplaint(r.Context(), payload.Recipient, payload.ProviderMessageID)
	default:
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"type must be bounce or complaint",
			nil,
		))
		return
	}

	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundUser {
			h.logger.Warn("delivery notification for unknown recipient",
				slog.String("type", payload.Type),
				slog.String("recipient", email.RedactEmail(payload.Recipient)),
			)
			core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"status": "ignored"}})
			return
		}
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"status": "processed"}})
}

// normalizeBounceType maps provider vocabulary onto the internal hard/soft
// split. Anything unrecognized is treated as hard: over-counting towards the
// suppression threshold is safer than mailing a dead address forever.
func normalizeBounceType(raw string) types.BounceType {
	switch raw {
	case "soft", "transient", "Transient":
		return types.BounceSoft
	default:
		return types.BounceHard
	}
}
