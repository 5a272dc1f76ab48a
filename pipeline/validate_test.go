package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langgraphsystem/rssnews-sub002/common"
	"github.com/langgraphsystem/rssnews-sub002/config"
	"github.com/langgraphsystem/rssnews-sub002/db"
)

func testPipelineConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			MaxArticleAgeHours: 168,
			MinQualityScore:    0.3,
			MinHealthScore:     50,
			SupportedLanguages: []string{"en", "ru", "de", "fr", "es"},
			ChunkingTargetSize: 400,
			ChunkingMinSize:    80,
			ChunkingOverlap:    50,
		},
	}
}

func goodArticle() *db.RawArticle {
	return &db.RawArticle{
		ID:        1,
		URL:       "https://example.com/news/story",
		Title:     "A perfectly ordinary headline",
		Content:   strings.Repeat("The quick brown fox jumps over the lazy dog. ", 10),
		FetchedAt: time.Now().Add(-time.Hour),
	}
}

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "lowercases scheme and host",
			in:   "HTTPS://Example.COM/News/Story",
			want: "https://example.com/News/Story",
		},
		{
			name: "strips utm parameters",
			in:   "https://example.com/a?utm_source=feed&utm_medium=rss&id=7",
			want: "https://example.com/a?id=7",
		},
		{
			name: "strips click trackers",
			in:   "https://example.com/a?fbclid=xyz&gclid=123",
			want: "https://example.com/a",
		},
		{
			name: "drops the fragment",
			in:   "https://example.com/a#section-2",
			want: "https://example.com/a",
		},
		{
			name: "trims the trailing slash off paths",
			in:   "https://example.com/news/story/",
			want: "https://example.com/news/story",
		},
		{
			name: "keeps the root slash",
			in:   "https://example.com/",
			want: "https://example.com/",
		},
		{
			name: "keeps meaningful query parameters",
			in:   "https://example.com/a?page=2&id=7",
			want: "https://example.com/a?id=7&page=2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("rejects urls without a host", func(t *testing.T) {
		_, err := CanonicalURL("/relative/path")
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	stage := NewValidationStage(&Deps{Cfg: testPipelineConfig()})
	now := time.Now()
	maxAge := 168 * time.Hour

	t.Run("good article passes", func(t *testing.T) {
		_, ok := stage.validate(goodArticle(), now, maxAge)
		assert.True(t, ok)
	})

	t.Run("empty url", func(t *testing.T) {
		a := goodArticle()
		a.URL = "  "
		reason, ok := stage.validate(a, now, maxAge)
		assert.False(t, ok)
		assert.Equal(t, common.RejectInvalidContent, reason)
	})

	t.Run("stale article", func(t *testing.T) {
		a := goodArticle()
		a.FetchedAt = now.Add(-200 * time.Hour)
		reason, ok := stage.validate(a, now, maxAge)
		assert.False(t, ok)
		assert.Equal(t, common.RejectTooOld, reason)
	})

	t.Run("short content", func(t *testing.T) {
		a := goodArticle()
		a.Content = "too short"
		reason, ok := stage.validate(a, now, maxAge)
		assert.False(t, ok)
		assert.Equal(t, common.RejectTooShort, reason)
	})

	t.Run("error page content", func(t *testing.T) {
		a := goodArticle()
		a.Title = "404 Not Found"
		reason, ok := stage.validate(a, now, maxAge)
		assert.False(t, ok)
		assert.Equal(t, common.RejectInvalidContent, reason)
	})

	t.Run("javascript wall", func(t *testing.T) {
		a := goodArticle()
		a.Content = "Please enable JavaScript to view this page. " + a.Content
		reason, ok := stage.validate(a, now, maxAge)
		assert.False(t, ok)
		assert.Equal(t, common.RejectInvalidContent, reason)
	})
}

func TestSymbolDensity(t *testing.T) {
	t.Run("plain english prose scores near zero", func(t *testing.T) {
		assert.Less(t, symbolDensity("A normal sentence, with punctuation. And another!"), 0.05)
	})

	t.Run("accented and cyrillic text is not junk", func(t *testing.T) {
		assert.Less(t, symbolDensity("Привет мир, это обычный текст статьи."), 0.05)
		assert.Less(t, symbolDensity("Überraschung für die Bevölkerung"), 0.05)
	})

	t.Run("binary garbage scores high", func(t *testing.T) {
		assert.Greater(t, symbolDensity("\x01\x02\x03{}[]<><><>||\\^^~`\x7f\x7f"), 0.10)
	})

	t.Run("empty string", func(t *testing.T) {
		assert.Equal(t, 0.0, symbolDensity(""))
	})
}
