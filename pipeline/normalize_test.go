package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDetectLanguage(t *testing.T) {
	t.Run("english", func(t *testing.T) {
		lang, conf := DetectLanguage("The government announced a new policy on renewable energy investments today, drawing praise from environmental groups across the country.")
		assert.Equal(t, "en", lang)
		assert.Greater(t, conf, 0.5)
	})

	t.Run("russian", func(t *testing.T) {
		lang, _ := DetectLanguage("Правительство объявило сегодня о новой политике в области возобновляемых источников энергии, что вызвало одобрение экологических организаций.")
		assert.Equal(t, "ru", lang)
	})

	t.Run("empty text falls back to english", func(t *testing.T) {
		lang, conf := DetectLanguage("   ")
		assert.Equal(t, "en", lang)
		assert.Equal(t, 0.5, conf)
	})
}

func TestParsePublishedAt(t *testing.T) {
	fetched := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	t.Run("rfc1123z", func(t *testing.T) {
		got, flag := ParsePublishedAt("Wed, 19 Aug 2026 10:30:00 +0200", fetched)
		assert.Empty(t, flag)
		assert.Equal(t, 2026, got.Year())
		assert.Equal(t, time.August, got.Month())
		assert.Equal(t, 19, got.Day())
	})

	t.Run("bare date", func(t *testing.T) {
		got, flag := ParsePublishedAt("2026-08-19", fetched)
		assert.Empty(t, flag)
		assert.Equal(t, 19, got.Day())
	})

	t.Run("missing date flags and falls back", func(t *testing.T) {
		got, flag := ParsePublishedAt("", fetched)
		assert.Equal(t, "date_missing", flag)
		assert.Equal(t, fetched, got)
	})

	t.Run("unparseable date flags and falls back", func(t *testing.T) {
		got, flag := ParsePublishedAt("next Tuesday-ish", fetched)
		assert.Equal(t, "date_unparseable", flag)
		assert.Equal(t, fetched, got)
	})

	t.Run("far future date flags and falls back", func(t *testing.T) {
		future := time.Now().Add(48 * time.Hour).Format(time.RFC3339)
		got, flag := ParsePublishedAt(future, fetched)
		assert.Equal(t, "date_future", flag)
		assert.Equal(t, fetched, got)
	})
}

func TestNormalizeAuthors(t *testing.T) {
	t.Run("strips bylines and trims", func(t *testing.T) {
		got := NormalizeAuthors([]string{"By Jane Smith", "  John   Doe  "})
		assert.Equal(t, []string{"Jane Smith", "John Doe"}, got)
	})

	t.Run("drops generic roles", func(t *testing.T) {
		got := NormalizeAuthors([]string{"Admin", "Staff", "newsroom", "Jane Smith"})
		assert.Equal(t, []string{"Jane Smith"}, got)
	})

	t.Run("deduplicates case-insensitively", func(t *testing.T) {
		got := NormalizeAuthors([]string{"Jane Smith", "jane smith", "JANE SMITH"})
		assert.Equal(t, []string{"Jane Smith"}, got)
	})

	t.Run("caps the list at five", func(t *testing.T) {
		got := NormalizeAuthors([]string{"A One", "B Two", "C Three", "D Four", "E Five", "F Six", "G Seven"})
		assert.Len(t, got, 5)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, NormalizeAuthors(nil))
	})
}

func TestClassifyCategory(t *testing.T) {
	tests := []struct {
		name    string
		title   string
		content string
		want    string
	}{
		{
			name:    "technology",
			title:   "Startup raises funding for AI software",
			content: "The tech company builds cloud data tools.",
			want:    "technology",
		},
		{
			name:    "sports",
			title:   "Team wins championship game",
			content: "The coach praised the player after the tournament match.",
			want:    "sports",
		},
		{
			name:    "health",
			title:   "New vaccine trial shows promise",
			content: "Hospital patients responded well to the treatment, doctors said.",
			want:    "health",
		},
		{
			name:    "tie falls back to general",
			title:   "Election night game",
			content: "",
			want:    "general",
		},
		{
			name:    "no keywords",
			title:   "A quiet afternoon",
			content: "Nothing much happened anywhere at all.",
			want:    "general",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyCategory(tt.title, tt.content))
		})
	}
}
