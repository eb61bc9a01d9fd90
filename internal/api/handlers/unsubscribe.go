package handlers

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mailroom/internal/types"
)

// UnsubscribeService is the subset of the tracking unsubscribe service used
// by this handler.
type UnsubscribeService interface {
	Lookup(ctx context.Context, rawToken string) (*types.UnsubscribeToken, error)
	RecordUnsubscribe(ctx context.Context, rawToken, reason, feedback, fromIP string) error
}

// UnsubscribeHandler serves the browser-facing unsubscribe flow. GET shows a
// confirmation page without consuming the token (mail scanners prefetch
// links, so a GET must never change state); POST consumes it.
type UnsubscribeHandler struct {
	service UnsubscribeService
	logger  *slog.Logger
}

// NewUnsubscribeHandler creates an UnsubscribeHandler with the provided
// dependencies.
func NewUnsubscribeHandler(service UnsubscribeService, logger *slog.Logger) *UnsubscribeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UnsubscribeHandler{service: service, logger: logger}
}

// RegisterRoutes mounts the unsubscribe endpoints onto the mux. Public, no
// auth: the one-time token in the path is the credential.
func (h *UnsubscribeHandler) RegisterRoutes(r chi.Router) {
	r.Get("/unsubscribe/{token}", h.HandleConfirmPage)
	r.Post("/unsubscribe/{token}", h.HandleUnsubscribe)
}

// HandleConfirmPage handles GET /unsubscribe/{token}. It validates the token
// without consuming it and renders the confirmation form. An invalid, used,
// or expired token renders the expired page with 410 Gone.
func (h *UnsubscribeHandler) HandleConfirmPage(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	if _, err := h.service.Lookup(r.Context(), token); err != nil {
		h.renderExpired(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := confirmTmpl.Execute(w, confirmPageData{Token: token}); err != nil {
		h.logger.Error("unsubscribe confirm page render failed", slog.String("error", err.Error()))
	}
}

// HandleUnsubscribe handles POST /unsubscribe/{token}. It consumes the token,
// disables every notification category plus the master opt-in flag, and
// renders the goodbye page. Reason and feedback are optional form fields from
// the confirmation page.
func (h *UnsubscribeHandler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	if err := r.ParseForm(); err != nil {
		h.logger.Debug("unsubscribe form parse failed", slog.String("error", err.Error()))
	}
	reason := r.PostFormValue("reason")
	feedback := r.PostFormValue("feedback")

	err := h.service.RecordUnsubscribe(r.Context(), token, reason, feedback, clientIP(r))
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeTrackingInvalidToken {
			h.renderExpired(w, r, err)
			return
		}
		h.logger.Error("unsubscribe failed", slog.String("error", err.Error()))
		h.renderPage(w, http.StatusInternalServerError, errorTmpl, nil)
		return
	}

	h.renderPage(w, http.StatusOK, doneTmpl, nil)
}

// renderExpired writes the 410 page for tokens that are unknown, already
// used, or past their expiry.
func (h *UnsubscribeHandler) renderExpired(w http.ResponseWriter, r *http.Request, cause error) {
	h.logger.Debug("unsubscribe token rejected",
		slog.String("path", r.URL.Path),
		slog.String("error", cause.Error()),
	)
	h.renderPage(w, http.StatusGone, expiredTmpl, nil)
}

func (h *UnsubscribeHandler) renderPage(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		h.logger.Error("unsubscribe page render failed", slog.String("error", err.Error()))
	}
}

type confirmPageData struct {
	Token string
}

// The unsubscribe pages are deliberately self-contained: no external assets,
// no scripts, so they render identically in every in-app browser that email
// clients open links in.
var (
	confirmTmpl = template.Must(template.New("confirm").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>Unsubscribe</title></head>
<body style="font-family: sans-serif; max-width: 480px; margin: 48px auto; padding: 0 16px;">
  <h1 style="font-size: 20px;">Unsubscribe from email notifications</h1>
  <p>You will stop receiving all email notifications. You can re-enable them at any time from your notification settings.</p>
  <form method="POST" action="/unsubscribe/{{.Token}}">
    <label for="reason">Why are you unsubscribing? (optional)</label><br>
    <select name="reason" id="reason" style="margin: 8px 0;">
      <option value="">Prefer not to say</option>
      <option value="too_frequent">Too many emails</option>
      <option value="not_relevant">Content not relevant</option>
      <option value="never_signed_up">I never signed up</option>
      <option value="other">Other</option>
    </select><br>
    <textarea name="feedback" rows="3" style="width: 100%; margin: 8px 0;" placeholder="Anything else you'd like to tell us? (optional)"></textarea><br>
    <button type="submit" style="padding: 8px 16px;">Unsubscribe</button>
  </form>
</body>
</html>
`))

	doneTmpl = template.Must(template.New("done").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Unsubscribed</title></head>
<body style="font-family: sans-serif; max-width: 480px; margin: 48px auto; padding: 0 16px;">
  <h1 style="font-size: 20px;">You have been unsubscribed</h1>
  <p>You will no longer receive email notifications. It may take a few minutes for emails already in flight to stop.</p>
</body>
</html>
`))

	expiredTmpl = template.Must(template.New("expired").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Link expired</title></head>
<body style="font-family: sans-serif; max-width: 480px; margin: 48px auto; padding: 0 16px;">
  <h1 style="font-size: 20px;">This unsubscribe link is no longer valid</h1>
  <p>The link may have expired or already been used. You can manage email notifications from your account settings.</p>
</body>
</html>
`))

	errorTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Something went wrong</title></head>
<body style="font-family: sans-serif; max-width: 480px; margin: 48px auto; padding: 0 16px;">
  <h1 style="font-size: 20px;">Something went wrong</h1>
  <p>We could not process your request. Please try the link again in a few minutes.</p>
</body>
</html>
`))
)
