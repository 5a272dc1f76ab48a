package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langgraphsystem/rssnews-sub002/db"
)

func TestExtractText(t *testing.T) {
	t.Run("plain text passes through", func(t *testing.T) {
		got, err := ExtractText("Just a plain paragraph of text.")
		require.NoError(t, err)
		assert.Equal(t, "Just a plain paragraph of text.", got)
	})

	t.Run("strips scripts and navigation", func(t *testing.T) {
		html := `<html><body>
			<nav>Home | About</nav>
			<script>var x = 1;</script>
			<p>First paragraph of the story.</p>
			<p>Second paragraph with more detail.</p>
			<footer>Copyright 2026</footer>
		</body></html>`
		got, err := ExtractText(html)
		require.NoError(t, err)
		assert.Equal(t, "First paragraph of the story.\n\nSecond paragraph with more detail.", got)
		assert.NotContains(t, got, "var x")
		assert.NotContains(t, got, "Copyright")
	})

	t.Run("preserves headings and list items", func(t *testing.T) {
		html := `<h2>Section heading</h2><p>Body text.</p><li>List entry</li>`
		got, err := ExtractText(html)
		require.NoError(t, err)
		assert.Contains(t, got, "Section heading")
		assert.Contains(t, got, "List entry")
	})

	t.Run("falls back to body text without block structure", func(t *testing.T) {
		got, err := ExtractText("<div>Bare div content</div>")
		require.NoError(t, err)
		assert.Equal(t, "Bare div content", got)
	})
}

func TestFleschScore(t *testing.T) {
	t.Run("simple prose reads easy", func(t *testing.T) {
		text := "The cat sat on the mat. The dog ran to the park. It was a good day."
		words := wordRe.FindAllString(text, -1)
		assert.Greater(t, FleschScore(text, words), 80.0)
	})

	t.Run("dense prose reads hard", func(t *testing.T) {
		text := "Notwithstanding considerable institutional heterogeneity, intergovernmental macroeconomic coordination necessitates comprehensive multilateral regulatory harmonization"
		words := wordRe.FindAllString(text, -1)
		assert.Less(t, FleschScore(text, words), 30.0)
	})

	t.Run("empty input scores zero", func(t *testing.T) {
		assert.Equal(t, 0.0, FleschScore("", nil))
	})
}

func TestCountSyllables(t *testing.T) {
	tests := map[string]int{
		"cat":      1,
		"window":   2,
		"article":  2, // silent-e adjustment
		"readable": 2,
	}
	for word, want := range tests {
		assert.Equal(t, want, countSyllables(word), word)
	}
}

func TestQualityScore(t *testing.T) {
	published := time.Now().Add(-3 * time.Hour)
	strong := &db.RawArticle{
		Title:        "A headline of a very reasonable length here",
		WordCount:    800,
		LanguageConf: 1.0,
		Readability:  60,
		Authors:      []string{"Jane Smith"},
		PublishedAt:  &published,
	}

	t.Run("strong article scores high", func(t *testing.T) {
		assert.InDelta(t, 1.0, QualityScore(strong), 0.001)
	})

	t.Run("thin content scores low", func(t *testing.T) {
		weak := &db.RawArticle{Title: "hm", WordCount: 40, LanguageConf: 0.5}
		assert.Less(t, QualityScore(weak), 0.3)
	})

	t.Run("quality flags subtract", func(t *testing.T) {
		flagged := *strong
		flagged.QualityFlags = []string{"date_missing", "date_unparseable"}
		assert.Less(t, QualityScore(&flagged), QualityScore(strong))
	})

	t.Run("error flags subtract more", func(t *testing.T) {
		soft := *strong
		soft.Readability = 20
		soft.QualityFlags = []string{"date_missing"}
		hard := soft
		hard.QualityFlags = []string{"error_extraction"}
		assert.Less(t, QualityScore(&hard), QualityScore(&soft))
	})

	t.Run("score is clamped", func(t *testing.T) {
		zero := &db.RawArticle{QualityFlags: []string{"error_a", "error_b"}}
		assert.Equal(t, 0.0, QualityScore(zero))
	})
}

func TestExtractKeywords(t *testing.T) {
	t.Run("frequency ranked, stopwords excluded", func(t *testing.T) {
		text := "climate climate climate policy policy energy energy the the the and of"
		words := strings.Fields(text)
		got := ExtractKeywords(words, 10)
		assert.Equal(t, []string{"climate", "energy", "policy"}, got)
	})

	t.Run("singletons are excluded", func(t *testing.T) {
		words := strings.Fields("unique words appear once climate climate")
		got := ExtractKeywords(words, 10)
		assert.Equal(t, []string{"climate"}, got)
	})

	t.Run("limit caps the list", func(t *testing.T) {
		var words []string
		for _, w := range []string{"alpha", "beta", "gamma", "delta"} {
			words = append(words, w, w)
		}
		got := ExtractKeywords(words, 2)
		assert.Len(t, got, 2)
	})

	t.Run("short words are excluded", func(t *testing.T) {
		words := strings.Fields("ai ai ai ml ml renewables renewables")
		got := ExtractKeywords(words, 10)
		assert.Equal(t, []string{"renewables"}, got)
	})
}
