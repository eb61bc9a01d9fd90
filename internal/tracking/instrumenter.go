// Package tracking implements engagement instrumentation and its read path:
// pixel/link injection at send time, open/click recording, bounce handling,
// and one-time unsubscribe tokens.
package tracking

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"mailroom/internal/types"
)

// hrefPattern matches anchor href attributes in rendered HTML. Rendered
// templates use double-quoted attributes, so single quotes are not handled.
var hrefPattern = regexp.MustCompile(`href="([^"]*)"`)

// Instrumenter rewrites rendered HTML for engagement tracking: an invisible
// open pixel, click-redirect links, and the unsubscribe footer.
type Instrumenter struct {
	baseURL string
	logger  types.Logger
}

// NewInstrumenter creates an Instrumenter. baseURL is the public origin
// serving the /track and /unsubscribe routes, without a trailing slash.
func NewInstrumenter(baseURL string, logger types.Logger) *Instrumenter {
	return &Instrumenter{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// PixelURL returns the open-tracking pixel URL for a tracking ID.
func (in *Instrumenter) PixelURL(trackingID string) string {
	return fmt.Sprintf("%s/track/open/%s", in.baseURL, trackingID)
}

// ClickURL returns the redirect URL wrapping target for a given link.
func (in *Instrumenter) ClickURL(trackingID, linkID, target string) string {
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s", in.baseURL, trackingID, linkID, url.QueryEscape(target))
}

// UnsubscribeURL returns the footer unsubscribe URL for a raw token.
func (in *Instrumenter) UnsubscribeURL(rawToken string) string {
	return fmt.Sprintf("%s/unsubscribe/%s", in.baseURL, rawToken)
}

// Instrument applies all tracking rewrites to the rendered HTML body:
//
//  1. Every external link is wrapped in a click-redirect URL carrying the
//     tracking ID and a per-link ID. Anchors, mailto:, tel:, and links
//     already pointing at the tracking origin are left untouched.
//  2. The unsubscribe footer is appended with a single-use token link.
//  3. A 1x1 pixel is injected immediately before </body> (or appended when
//     the template carries no body tag).
//
// The text body is never instrumented.
func (in *Instrumenter) Instrument(htmlBody, trackingID, rawUnsubToken string) string {
	out := in.rewriteLinks(htmlBody, trackingID)
	out = in.appendFooter(out, rawUnsubToken)
	return in.injectPixel(out, trackingID)
}

// rewriteLinks wraps every trackable href in a click-redirect URL.
func (in *Instrumenter) rewriteLinks(htmlBody, trackingID string) string {
	return hrefPattern.ReplaceAllStringFunc(htmlBody, func(match string) string {
		target := html.UnescapeString(match[len(`href="`) : len(match)-1])
		if !in.trackable(target) {
			return match
		}
		linkID := uuid.NewString()
		return fmt.Sprintf(`href="%s"`, html.EscapeString(in.ClickURL(trackingID, linkID, target)))
	})
}

// trackable reports whether a link target should be wrapped.
func (in *Instrumenter) trackable(target string) bool {
	switch {
	case target == "",
		strings.HasPrefix(target, "#"),
		strings.HasPrefix(target, "mailto:"),
		strings.HasPrefix(target, "tel:"),
		strings.HasPrefix(target, in.baseURL+"/track/"),
		strings.HasPrefix(target, in.baseURL+"/unsubscribe/"):
		return false
	}
	return true
}

// injectPixel inserts the 1x1 open-tracking image before </body>.
func (in *Instrumenter) injectPixel(htmlBody, trackingID string) string {
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none"/>`, in.PixelURL(trackingID))
	if idx := strings.LastIndex(htmlBody, "</body>"); idx >= 0 {
		return htmlBody[:idx] + pixel + htmlBody[idx:]
	}
	return htmlBody + pixel
}

// appendFooter adds the unsubscribe footer. With no token (e.g. token
// issuance failed upstream and delivery proceeds without it), the footer is
// omitted rather than rendering a dead link.
func (in *Instrumenter) appendFooter(htmlBody, rawUnsubToken string) string {
	if rawUnsubToken == "" {
		return htmlBody
	}
	footer := fmt.Sprintf(
		`<div style="margin-top:24px;font-size:12px;color:#8a8f98;text-align:center">`+
			`You are receiving this because of your notification settings. `+
			`<a href="%s">Unsubscribe</a></div>`,
		in.UnsubscribeURL(rawUnsubToken),
	)
	if idx := strings.LastIndex(htmlBody, "</body>"); idx >= 0 {
		return htmlBody[:idx] + footer + htmlBody[idx:]
	}
	return htmlBody + footer
}
