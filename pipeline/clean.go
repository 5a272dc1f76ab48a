package pipeline

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/langgraphsystem/rssnews-sub002/common"
	"github.com/langgraphsystem/rssnews-sub002/db"
)

// boilerplateSelectors are removed from the DOM before text extraction.
var boilerplateSelectors = []string{
	"script", "style", "nav", "header", "footer", "aside",
	"noscript", "iframe", "form",
}

var paywallPattern = regexp.MustCompile(`(?i)\b(subscribe to (read|continue)|subscription required|this article is for subscribers)\b`)

// stopwords excluded from keyword extraction.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "from": true, "as": true, "is": true, "was": true,
	"are": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true, "may": true,
	"might": true, "shall": true, "can": true, "this": true, "that": true,
	"these": true, "those": true, "it": true, "its": true, "he": true,
	"she": true, "they": true, "we": true, "you": true, "i": true, "his": true,
	"her": true, "their": true, "our": true, "your": true, "not": true,
	"no": true, "so": true, "if": true, "then": true, "than": true,
	"there": true, "here": true, "when": true, "where": true, "what": true,
	"which": true, "who": true, "how": true, "all": true, "any": true,
	"more": true, "most": true, "other": true, "some": true, "such": true,
	"only": true, "own": true, "same": true, "too": true, "very": true,
	"just": true, "about": true, "after": true, "before": true, "also": true,
	"into": true, "over": true, "up": true, "out": true, "down": true,
	"said": true, "says": true, "new": true, "one": true, "two": true,
}

var (
	wordRe     = regexp.MustCompile(`[\p{L}\p{N}']+`)
	sentenceRe = regexp.MustCompile(`[.!?]+`)
)

// CleaningStage extracts the readable text from HTML content, scores its
// quality, and pulls keywords. Articles below the quality floor are
// rejected.
type CleaningStage struct {
	deps *Deps
}

// NewCleaningStage creates stage 4.
func NewCleaningStage(deps *Deps) *CleaningStage {
	return &CleaningStage{deps: deps}
}

func (s *CleaningStage) Name() string { return "cleaning" }

// Process implements Stage.
func (s *CleaningStage) Process(ctx context.Context, pc *Context, articles []*db.RawArticle) ([]*db.RawArticle, error) {
	minQuality := s.deps.Cfg.Pipeline.MinQualityScore

	out := make([]*db.RawArticle, 0, len(articles))
	for _, a := range articles {
		clean, err := ExtractText(a.Content)
		if err != nil || strings.TrimSpace(clean) == "" {
			s.deps.reject(ctx, pc, a, db.ArticleRejected, string(common.RejectExtractionFailed))
			continue
		}
		if paywallPattern.MatchString(clean) {
			s.deps.reject(ctx, pc, a, db.ArticleRejected, string(common.RejectPaywall))
			continue
		}

		a.CleanText = clean
		words := wordRe.FindAllString(clean, -1)
		a.WordCount = len(words)
		a.CharCount = len(clean)
		a.Readability = FleschScore(clean, words)
		a.QualityScore = QualityScore(a)

		if a.QualityScore < minQuality {
			s.deps.reject(ctx, pc, a, db.ArticleRejected, string(common.RejectLowQuality))
			continue
		}

		a.Keywords = ExtractKeywords(words, 10)
		if err := s.deps.Articles.SaveEnrichment(ctx, a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ExtractText strips boilerplate elements from HTML and returns the
// remaining text with paragraph structure preserved. Plain-text input
// passes through unchanged.
func ExtractText(content string) (string, error) {
	if !strings.Contains(content, "<") {
		return strings.TrimSpace(content), nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", err
	}
	doc.Find(strings.Join(boilerplateSelectors, ", ")).Remove()

	var parts []string
	doc.Find("p, h1, h2, h3, h4, li, blockquote, pre").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		// No block structure; fall back to the whole sanitized body.
		return strings.TrimSpace(doc.Text()), nil
	}
	return strings.Join(parts, "\n\n"), nil
}

// FleschScore computes the Flesch reading-ease score, clamped to [0, 100].
func FleschScore(text string, words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	sentences := len(sentenceRe.FindAllString(text, -1))
	if sentences == 0 {
		sentences = 1
	}
	syllables := 0
	for _, w := range words {
		syllables += countSyllables(w)
	}
	score := 206.835 - 1.015*(float64(len(words))/float64(sentences)) -
		84.6*(float64(syllables)/float64(len(words)))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// countSyllables approximates by vowel-group counting.
func countSyllables(word string) int {
	word = strings.ToLower(word)
	count := 0
	prevVowel := false
	for _, r := range word {
		vowel := strings.ContainsRune("aeiouy", r)
		if vowel && !prevVowel {
			count++
		}
		prevVowel = vowel
	}
	if strings.HasSuffix(word, "e") && count > 1 {
		count--
	}
	if count == 0 {
		count = 1
	}
	return count
}

// QualityScore derives a [0, 1] score from content and metadata signals,
// with penalties for accumulated quality flags.
func QualityScore(a *db.RawArticle) float64 {
	var score float64

	// Word count sweet spot: 300..2000 words scores full.
	switch {
	case a.WordCount >= 300 && a.WordCount <= 2000:
		score += 0.30
	case a.WordCount > 2000:
		score += 0.25
	case a.WordCount >= 150:
		score += 0.15
	case a.WordCount >= 50:
		score += 0.05
	}

	// Title quality: present and a plausible length.
	titleLen := len(strings.TrimSpace(a.Title))
	switch {
	case titleLen >= 20 && titleLen <= 120:
		score += 0.15
	case titleLen > 0:
		score += 0.08
	}

	score += 0.15 * a.LanguageConf

	// Readability: 30..80 is the news sweet spot.
	if a.Readability >= 30 && a.Readability <= 80 {
		score += 0.20
	} else if a.Readability > 0 {
		score += 0.10
	}

	if len(a.Authors) > 0 {
		score += 0.10
	}
	if a.PublishedAt != nil {
		score += 0.10
	}

	for _, flag := range a.QualityFlags {
		if strings.HasPrefix(flag, "error") {
			score -= 0.15
		} else {
			score -= 0.05
		}
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// ExtractKeywords returns up to limit keywords by frequency, excluding
// stopwords and words seen fewer than twice.
func ExtractKeywords(words []string, limit int) []string {
	freq := make(map[string]int)
	for _, w := range words {
		w = strings.ToLower(w)
		if len(w) < 3 || stopwords[w] {
			continue
		}
		freq[w]++
	}

	type kw struct {
		word  string
		count int
	}
	ranked := make([]kw, 0, len(freq))
	for w, n := range freq {
		if n >= 2 {
			ranked = append(ranked, kw{w, n})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]string, len(ranked))
	for i, k := range ranked {
		out[i] = k.word
	}
	return out
}
