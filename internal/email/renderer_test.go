package email

import (
	"strings"
	"testing"

	"mailroom/internal/types"
)

// testLogger implements types.Logger for tests.
type testLogger struct{}

func (l *testLogger) Info(_ string, _ ...any)    {}
func (l *testLogger) Error(_ string, _ ...any)   {}
func (l *testLogger) Warn(_ string, _ ...any)    {}
func (l *testLogger) With(_ ...any) types.Logger { return l }

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(RendererConfig{Logger: &testLogger{}})
	if err != nil {
		t.Fatalf("NewRenderer() error = %v", err)
	}
	return r
}

func TestNewRenderer_ParsesAllTemplates(t *testing.T) {
	r := newTestRenderer(t)

	for _, key := range allTemplateKeys {
		rendered, err := r.Render(key, types.JSONMap{"username": "ada"})
		if err != nil {
			t.Errorf("Render(%q) error = %v", key, err)
			continue
		}
		if rendered.Subject == "" {
			t.Errorf("Render(%q) produced empty subject", key)
		}
		if rendered.HTML == "" || rendered.Text == "" {
			t.Errorf("Render(%q) produced empty body", key)
		}
	}
}

func TestRender_UnknownTemplateKey(t *testing.T) {
	r := newTestRenderer(t)

	if _, err := r.Render(types.TemplateKey("no_such_template"), types.JSONMap{}); err == nil {
		t.Fatal("expected error for unknown template key")
	}
}

func TestRender_SubjectPersonalization(t *testing.T) {
	r := newTestRenderer(t)

	tests := []struct {
		name    string
		key     types.TemplateKey
		payload types.JSONMap
		want    string
	}{
		{
			name:    "post liked with actor",
			key:     types.TemplatePostLiked,
			payload: types.JSONMap{"actor_name": "grace"},
			want:    "grace liked your post",
		},
		{
			name:    "post liked without actor falls back",
			key:     types.TemplatePostLiked,
			payload: types.JSONMap{},
			want:    "Someone liked your post",
		},
		{
			name:    "new follower",
			key:     types.TemplateNewFollower,
			payload: types.JSONMap{"actor_name": "linus"},
			want:    "linus is now following you",
		},
		{
			name:    "item sold with title",
			key:     types.TemplateItemSold,
			payload: types.JSONMap{"title": "Vintage keyboard"},
			want:    "Your item sold: Vintage keyboard",
		},
		{
			name:    "announcement uses payload subject",
			key:     types.TemplateAnnouncement,
			payload: types.JSONMap{"subject": "Scheduled maintenance Saturday"},
			want:    "Scheduled maintenance Saturday",
		},
		{
			name:    "digest with count and group",
			key:     types.TemplateDigest,
			payload: types.JSONMap{"count": 5, "group_type": "post_like"},
			want:    "You have 5 new post likes",
		},
		{
			name:    "digest without count falls back",
			key:     types.TemplateDigest,
			payload: types.JSONMap{},
			want:    "Your activity digest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rendered, err := r.Render(tt.key, tt.payload)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if rendered.Subject != tt.want {
				t.Errorf("Subject = %q, want %q", rendered.Subject, tt.want)
			}
		})
	}
}

func TestRender_EscapesPayloadInHTML(t *testing.T) {
	r := newTestRenderer(t)

	rendered, err := r.Render(types.TemplatePostLiked, types.JSONMap{
		"actor_name": `<script>alert("x")</script>`,
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if strings.Contains(rendered.HTML, "<script>") {
		t.Error("payload script tag leaked into HTML body unescaped")
	}
	if !strings.Contains(rendered.HTML, "&lt;script&gt;") {
		t.Error("expected escaped script tag in HTML body")
	}
}

func TestRender_Deterministic(t *testing.T) {
	r := newTestRenderer(t)

	payload := types.JSONMap{"actor_name": "grace", "excerpt": "nice post"}
	first, err := r.Render(types.TemplateCommentReply, payload)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	second, err := r.Render(types.TemplateCommentReply, payload)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if first.Subject != second.Subject || first.HTML != second.HTML || first.Text != second.Text {
		t.Error("rendering the same inputs twice produced different output")
	}
}

func TestRender_DigestItems(t *testing.T) {
	r := newTestRenderer(t)

	payload := DigestPayload("post_like", 3, []string{
		"grace liked your post",
		"linus liked your post",
		"ada liked your post",
	})
	rendered, err := r.Render(types.TemplateDigest, payload)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(rendered.HTML, "grace liked your post") {
		t.Error("digest HTML missing first item line")
	}
	if !strings.Contains(rendered.Text, "ada liked your post") {
		t.Error("digest text missing last item line")
	}
}

func TestDigestPayload(t *testing.T) {
	payload := DigestPayload("coin_received", 2, []string{"a", "b"})

	if payload.String("group_type") != "coin_received" {
		t.Errorf("group_type = %q", payload.String("group_type"))
	}
	if payload.Int("count") != 2 {
		t.Errorf("count = %d", payload.Int("count"))
	}
	items, ok := payload["items"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("items = %#v, want 2-element []any", payload["items"])
	}

	if _, ok := DigestPayload("x", 0, nil)["items"]; ok {
		t.Error("empty digest should not carry an items key")
	}
}

func TestGroupLabel(t *testing.T) {
	tests := []struct {
		payload types.JSONMap
		want    string
	}{
		{types.JSONMap{"group_label": "likes"}, "likes"},
		{types.JSONMap{"group_type": "post_like"}, "post likes"},
		{types.JSONMap{"group_type": "comment_replies"}, "comment replies"},
		{types.JSONMap{}, "notifications"},
	}
	for _, tt := range tests {
		if got := groupLabel(tt.payload); got != tt.want {
			t.Errorf("groupLabel(%v) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}
