package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mailroom/internal/types"
)

// mailgunAPIBase is the default Mailgun API base URL.
// Overridable in tests via MailgunClientConfig.BaseURL.
const mailgunAPIBase = "https://api.mailgun.net"

// MailgunClientConfig holds the configuration for creating a MailgunClient.
type MailgunClientConfig struct {
	APIKey  string
	Domain  string
	BaseURL string // Override for testing; defaults to mailgunAPIBase
	Logger  *slog.Logger
}

// MailgunClient implements EmailProvider by making direct HTTP calls to the
// Mailgun v3 Messages API through BaseClient. This routes all requests
// through the shared resilience infrastructure (circuit breaker, retries,
// error mapping) and makes testing with httptest straightforward.
type MailgunClient struct {
	base    *BaseClient
	apiKey  string
	domain  string
	baseURL string
	logger  *slog.Logger
}

// NewMailgunClient creates a new MailgunClient. The httpClient timeout should
// match the configured email send timeout.
func NewMailgunClient(
	httpClient *http.Client,
	cfg MailgunClientConfig,
) *MailgunClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = mailgunAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"mailgun",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"Mailroom/1.0",
		WithSleepFunc(time.Sleep),
	)

	return &MailgunClient{
		base:    base,
		apiKey:  cfg.APIKey,
		domain:  cfg.Domain,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// NewMailgunClientWithBase creates a MailgunClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration (e.g., disable retries).
func NewMailgunClientWithBase(
	base *BaseClient,
	cfg MailgunClientConfig,
) *MailgunClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = mailgunAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &MailgunClient{
		base:    base,
		apiKey:  cfg.APIKey,
		domain:  cfg.Domain,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// ---------------------------------------------------------------------------
// EmailProvider Implementation
// ---------------------------------------------------------------------------

// Send transmits an email using Mailgun's v3 Messages API. The pre-rendered
// content is posted as a form-encoded body, and the provider message ID is
// returned from the JSON response on success.
//
// Error mapping:
//   - 400 with a suppression message → types.ErrCodeEmailBlocked
//   - 429 Too Many Requests → handled by BaseClient (retry + ErrCodeUpstreamRateLimited)
//   - 5xx → handled by BaseClient (retry + ErrCodeUpstreamUnavailable)
//   - Other 4xx → types.ErrCodeUpstreamEmailProvider
func (m *MailgunClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	form := m.buildMessageForm(input)

	reqURL := fmt.Sprintf("%s/v3/%s/messages", m.baseURL, m.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create Mailgun messages request",
			err,
		)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", m.apiKey)

	resp, err := m.base.Do(req)
	if err != nil {
		return "", m.wrapMailgunError("Send", err)
	}
	defer resp.Body.Close()

	// Mailgun returns 200 OK with a JSON body on success.
	if resp.StatusCode == http.StatusOK {
		var ok mailgunSendResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&ok); decErr != nil {
			return "", types.NewAppError(
				types.ErrCodeUpstreamEmailProvider,
				"Mailgun returned 200 with an unreadable response body",
				decErr,
			)
		}
		return strings.Trim(ok.ID, "<>"), nil
	}

	return "", m.handleErrorResponse(resp, "Send")
}

// ---------------------------------------------------------------------------
// Payload Construction
// ---------------------------------------------------------------------------

// buildMessageForm maps a domain types.SendInput to the Mailgun form payload.
func (m *MailgunClient) buildMessageForm(input types.SendInput) url.Values {
	fromAddr := input.From
	if input.FromName != "" {
		fromAddr = fmt.Sprintf("%s <%s>", input.FromName, input.From)
	}

	form := url.Values{}
	form.Set("from", fromAddr)
	form.Set("to", input.To)
	form.Set("subject", input.Subject)
	if input.HTMLBody != "" {
		form.Set("html", input.HTMLBody)
	}
	if input.TextBody != "" {
		form.Set("text", input.TextBody)
	}

	// Custom variables allow correlation with internal notification IDs.
	if input.ReferenceID != "" {
		form.Set("v:reference_id", input.ReferenceID)
	}

	return form
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// mailgunSendResponse represents the JSON body returned on a successful send.
type mailgunSendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// mailgunErrorResponse represents the JSON error body returned by Mailgun.
type mailgunErrorResponse struct {
	Message string `json:"message"`
}

// handleErrorResponse reads a Mailgun error response and maps it to a
// types.AppError. Suppression-list rejections surface as 400s with a
// "not allowed" or "suppress" message and map to ErrCodeEmailBlocked so
// the caller can treat the recipient as permanently undeliverable.
func (m *MailgunClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("%s: Mailgun returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var mgErr mailgunErrorResponse
	errMsg := ""
	if jsonErr := json.Unmarshal(body, &mgErr); jsonErr == nil && mgErr.Message != "" {
		errMsg = mgErr.Message
	} else {
		errMsg = string(body)
	}

	return m.mapMailgunError(operation, resp.StatusCode, errMsg)
}

// mapMailgunError translates a Mailgun HTTP error into a types.AppError.
func (m *MailgunClient) mapMailgunError(operation string, statusCode int, message string) error {
	lower := strings.ToLower(message)
	blocked := strings.Contains(lower, "suppress") ||
		strings.Contains(lower, "not allowed") ||
		strings.Contains(lower, "blocked")

	switch {
	case statusCode == http.StatusForbidden,
		statusCode == http.StatusBadRequest && blocked:
		return types.NewAppError(
			types.ErrCodeEmailBlocked,
			fmt.Sprintf("%s: Mailgun rejected recipient: %s", operation, message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("%s: Mailgun returned status %d: %s", operation, statusCode, message),
			nil,
		)
	}
}

// wrapMailgunError wraps a BaseClient transport error with context.
func (m *MailgunClient) wrapMailgunError(operation string, err error) error {
	// If it's already an AppError from BaseClient (circuit breaker, retries
	// exhausted), return it as-is since it already has the right error code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamEmailProvider,
		fmt.Sprintf("%s: Mailgun request failed: %v", operation, err),
		err,
	)
}

// Compile-time assertion that MailgunClient satisfies EmailProvider.
var _ EmailProvider = (*MailgunClient)(nil)
