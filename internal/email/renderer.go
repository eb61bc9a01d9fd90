package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"

	"mailroom/internal/types"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

// templateData is the struct passed into Go templates for rendering.
// All string fields pass through html/template escaping in the HTML path.
type templateData struct {
	Subject    string
	Username   string
	Actor      string
	Title      string
	Excerpt    string
	Amount     string
	Message    string
	GroupLabel string
	Count      int
	Items      []string
}

// subjectPrefixes maps template keys to their fallback subject line. Used
// when the payload lacks the fields needed for a personalized subject.
var subjectPrefixes = map[types.TemplateKey]string{
	types.TemplatePostLiked:     "Someone liked your post",
	types.TemplateCommentReply:  "New reply to your comment",
	types.TemplateNewFollower:   "You have a new follower",
	types.TemplateItemSold:      "Your item sold",
	types.TemplateCoinReceived:  "You received coins",
	types.TemplateSecurityAlert: "Security alert on your account",
	types.TemplateAnnouncement:  "Announcement",
	types.TemplateDigest:        "Your activity digest",
}

// allTemplateKeys is the full set of renderable templates. Every key here
// must have a matching pair of embedded template files.
var allTemplateKeys = []types.TemplateKey{
	types.TemplatePostLiked,
	types.TemplateCommentReply,
	types.TemplateNewFollower,
	types.TemplateItemSold,
	types.TemplateCoinReceived,
	types.TemplateSecurityAlert,
	types.TemplateAnnouncement,
	types.TemplateDigest,
}

// Renderer performs email template rendering using Go's html/template with
// embedded template files. Rendering is a pure function of (key, payload):
// the same inputs always produce the same output, and payload strings are
// escaped by html/template in the HTML body.
type Renderer struct {
	htmlTemplates map[types.TemplateKey]*template.Template
	textTemplates map[types.TemplateKey]*texttemplate.Template
	logger        types.Logger
}

// RendererConfig holds the parameters needed to construct a Renderer.
type RendererConfig struct {
	Logger types.Logger
}

// NewRenderer parses the embedded templates and returns a Renderer.
// Returns an error if any template fails to parse.
func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	r := &Renderer{
		htmlTemplates: make(map[types.TemplateKey]*template.Template),
		textTemplates: make(map[types.TemplateKey]*texttemplate.Template),
		logger:        cfg.Logger,
	}

	// Read the base HTML template.
	baseHTML, err := templateFS.ReadFile("templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("renderer: failed to read base.html: %w", err)
	}

	for _, key := range allTemplateKeys {
		name := string(key)

		// Parse HTML: base + key-specific template.
		htmlContent, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.html", name))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to read %s.html: %w", name, err)
		}
		htmlTmpl, err := template.New("base").Parse(string(baseHTML))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to parse base.html: %w", err)
		}
		if _, err := htmlTmpl.Parse(string(htmlContent)); err != nil {
			return nil, fmt.Errorf("renderer: failed to parse %s.html: %w", name, err)
		}
		r.htmlTemplates[key] = htmlTmpl

		// Parse plaintext template.
		txtContent, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.txt", name))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to read %s.txt: %w", name, err)
		}
		txtTmpl, err := texttemplate.New(name).Parse(string(txtContent))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to parse %s.txt: %w", name, err)
		}
		r.textTemplates[key] = txtTmpl
	}

	return r, nil
}

// Render renders the template identified by key with the given payload into
// subject, HTML body, and plaintext body. An unknown template key is a data
// error surfaced immediately; a persistent one will exhaust the record's
// retries and self-abandon.
func (r *Renderer) Render(key types.TemplateKey, payload types.JSONMap) (*types.RenderedEmail, error) {
	htmlTmpl, ok := r.htmlTemplates[key]
	if !ok {
		return nil, fmt.Errorf("renderer: no HTML template for key %q", key)
	}
	txtTmpl, ok := r.textTemplates[key]
	if !ok {
		return nil, fmt.Errorf("renderer: no text template for key %q", key)
	}

	data := buildTemplateData(key, payload)

	var htmlBuf bytes.Buffer
	if err := htmlTmpl.Execute(&htmlBuf, data); err != nil {
		return nil, fmt.Errorf("renderer: failed to render HTML for %q: %w", key, err)
	}

	var txtBuf bytes.Buffer
	if err := txtTmpl.Execute(&txtBuf, data); err != nil {
		return nil, fmt.Errorf("renderer: failed to render text for %q: %w", key, err)
	}

	return &types.RenderedEmail{
		Subject: data.Subject,
		HTML:    htmlBuf.String(),
		Text:    txtBuf.String(),
	}, nil
}

// DigestPayload builds the render payload for a digest email summarizing
// count grouped notifications. Items are short per-notification summary
// lines extracted from the member payloads.
func DigestPayload(groupType string, count int, items []string) types.JSONMap {
	payload := types.JSONMap{
		"group_type": groupType,
		"count":      count,
	}
	if len(items) > 0 {
		anyItems := make([]any, len(items))
		for i, it := range items {
			anyItems[i] = it
		}
		payload["items"] = anyItems
	}
	return payload
}

// buildTemplateData extracts fields from the payload into a typed struct for
// template rendering and computes the subject line.
func buildTemplateData(key types.TemplateKey, payload types.JSONMap) templateData {
	data := templateData{
		Username:   payload.String("username"),
		Actor:      payload.String("actor_name"),
		Title:      payload.String("title"),
		Excerpt:    payload.String("excerpt"),
		Amount:     payload.String("amount"),
		Message:    payload.String("message"),
		Count:      payload.Int("count"),
		GroupLabel: groupLabel(payload),
	}

	if raw, ok := payload["items"].([]any); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				data.Items = append(data.Items, s)
			}
		}
	}

	data.Subject = buildSubject(key, payload, data)
	return data
}

// buildSubject computes a personalized subject line, falling back to the
// static prefix when the payload lacks the needed fields.
func buildSubject(key types.TemplateKey, payload types.JSONMap, data templateData) string {
	fallback := subjectPrefixes[key]
	if fallback == "" {
		fallback = string(key)
	}

	switch key {
	case types.TemplatePostLiked:
		if data.Actor != "" {
			return fmt.Sprintf("%s liked your post", data.Actor)
		}
	case types.TemplateCommentReply:
		if data.Actor != "" {
			return fmt.Sprintf("%s replied to your comment", data.Actor)
		}
	case types.TemplateNewFollower:
		if data.Actor != "" {
			return fmt.Sprintf("%s is now following you", data.Actor)
		}
	case types.TemplateItemSold:
		if data.Title != "" {
			return fmt.Sprintf("Your item sold: %s", data.Title)
		}
	case types.TemplateCoinReceived:
		if data.Amount != "" {
			return fmt.Sprintf("You received %s coins", data.Amount)
		}
	case types.TemplateAnnouncement:
		if s := payload.String("subject"); s != "" {
			return s
		}
	case types.TemplateDigest:
		if data.Count > 0 {
			return fmt.Sprintf("You have %d new %s", data.Count, data.GroupLabel)
		}
	}
	return fallback
}

// groupLabel derives a human-readable plural label for a digest group. The
// payload may override it via "group_label"; otherwise the group type is
// de-snake-cased and pluralized naively.
func groupLabel(payload types.JSONMap) string {
	if label := payload.String("group_label"); label != "" {
		return label
	}
	groupType := payload.String("group_type")
	if groupType == "" {
		return "notifications"
	}
	label := strings.ReplaceAll(groupType, "_", " ")
	if !strings.HasSuffix(label, "s") {
		label += "s"
	}
	return label
}
