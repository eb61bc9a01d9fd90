// Package email implements template rendering for outbound notification
// mail. Templates are embedded Go html/text templates composed over a shared
// base layout. Rendering is deterministic and escapes all payload-supplied
// strings via html/template.
package email

import (
	"errors"

	"mailroom/internal/types"
)

// ErrRecipientBlocked indicates the email provider has the recipient on a
// suppression list or has blocked delivery. This is treated as a terminal
// (non-retryable) failure and reclassified as a bounce.
var ErrRecipientBlocked = errors.New("recipient blocked by provider")

// IsBlocklistError checks whether an error indicates the recipient is blocked
// by the email provider. It checks both the sentinel ErrRecipientBlocked and
// the AppError code ErrCodeEmailBlocked (returned by the email provider).
func IsBlocklistError(err error) bool {
	if errors.Is(err, ErrRecipientBlocked) {
		return true
	}
	// Also check for the AppError code returned by the email provider client,
	// which maps rejection errors to ErrCodeEmailBlocked.
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Code == types.ErrCodeEmailBlocked
	}
	return false
}
