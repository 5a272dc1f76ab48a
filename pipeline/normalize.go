package pipeline

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/abadojack/whatlanggo"

	"github.com/langgraphsystem/rssnews-sub002/common"
	"github.com/langgraphsystem/rssnews-sub002/db"
)

// dateLayouts are tried in order when parsing published_at_raw.
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC822Z,
	time.RFC822,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"January 2, 2006",
	"2 January 2006",
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	genericRoles = map[string]bool{
		"admin": true, "administrator": true, "editor": true, "staff": true,
		"anonymous": true, "newsroom": true, "news desk": true, "correspondent": true,
	}
)

// categoryKeywords drives the keyword-heuristic classifier. The category
// with the most distinct keyword hits wins; ties fall back to general.
var categoryKeywords = map[string][]string{
	"technology": {"software", "startup", "ai", "artificial intelligence", "computer", "tech", "app", "cyber", "data", "cloud"},
	"business":   {"market", "stocks", "economy", "revenue", "investor", "earnings", "trade", "bank", "inflation", "billion"},
	"politics":   {"election", "government", "senate", "parliament", "president", "policy", "minister", "congress", "vote", "campaign"},
	"science":    {"research", "study", "scientist", "discovery", "climate", "space", "physics", "biology", "experiment", "nasa"},
	"sports":     {"game", "season", "team", "player", "championship", "league", "coach", "tournament", "match", "olympic"},
	"health":     {"health", "disease", "vaccine", "hospital", "patient", "treatment", "medical", "doctor", "drug", "virus"},
}

// NormalizationStage detects language, parses dates, and normalizes
// titles, authors, and categories into their canonical forms.
type NormalizationStage struct {
	deps      *Deps
	supported map[string]bool
}

// NewNormalizationStage creates stage 3.
func NewNormalizationStage(deps *Deps) *NormalizationStage {
	supported := make(map[string]bool, len(deps.Cfg.Pipeline.SupportedLanguages))
	for _, lang := range deps.Cfg.Pipeline.SupportedLanguages {
		supported[strings.ToLower(lang)] = true
	}
	return &NormalizationStage{deps: deps, supported: supported}
}

func (s *NormalizationStage) Name() string { return "normalization" }

// Process implements Stage.
func (s *NormalizationStage) Process(ctx context.Context, pc *Context, articles []*db.RawArticle) ([]*db.RawArticle, error) {
	out := make([]*db.RawArticle, 0, len(articles))
	for _, a := range articles {
		a.Title = normalizeWhitespace(a.Title)
		a.Description = normalizeWhitespace(a.Description)

		a.Language, a.LanguageConf = DetectLanguage(a.Title + " " + a.Content)
		if len(s.supported) > 0 && !s.supported[a.Language] {
			s.deps.reject(ctx, pc, a, db.ArticleRejected, string(common.RejectInvalidLanguage))
			continue
		}

		published, flag := ParsePublishedAt(a.PublishedAtRaw, a.FetchedAt)
		a.PublishedAt = &published
		if flag != "" {
			a.QualityFlags = append(a.QualityFlags, flag)
		}

		a.Authors = NormalizeAuthors(a.Authors)
		a.Category = ClassifyCategory(a.Title, a.Content)

		out = append(out, a)
	}
	return out, nil
}

// DetectLanguage returns the ISO 639-1 code and detector confidence,
// falling back to English at 0.5 when detection is unreliable.
func DetectLanguage(text string) (string, float64) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "en", 0.5
	}
	info := whatlanggo.Detect(text)
	code := info.Lang.Iso6391()
	if code == "" || !info.IsReliable() {
		return "en", 0.5
	}
	return code, info.Confidence
}

// ParsePublishedAt parses the raw timestamp. Unparseable or implausibly
// future dates fall back to the fetch time and return a quality flag.
func ParsePublishedAt(raw string, fetchedAt time.Time) (time.Time, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fetchedAt, "date_missing"
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		if t.After(time.Now().Add(time.Hour)) {
			return fetchedAt, "date_future"
		}
		return t, ""
	}
	return fetchedAt, "date_unparseable"
}

// NormalizeAuthors trims, strips bylines and generic roles, and caps the
// list at five.
func NormalizeAuthors(authors []string) []string {
	out := make([]string, 0, len(authors))
	seen := make(map[string]bool)
	for _, raw := range authors {
		name := normalizeWhitespace(raw)
		if strings.HasPrefix(strings.ToLower(name), "by ") {
			name = strings.TrimSpace(name[3:])
		}
		if name == "" || genericRoles[strings.ToLower(name)] {
			continue
		}
		if seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		out = append(out, name)
		if len(out) == 5 {
			break
		}
	}
	return out
}

// ClassifyCategory applies the keyword heuristic over title and the head
// of the content. Returns "general" when nothing matches.
func ClassifyCategory(title, content string) string {
	sample := strings.ToLower(title + " " + content[:min2000(len(content))])

	categories := make([]string, 0, len(categoryKeywords))
	for category := range categoryKeywords {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	best, bestHits, tied := "general", 0, false
	for _, category := range categories {
		hits := 0
		for _, kw := range categoryKeywords[category] {
			if strings.Contains(sample, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits, tied = category, hits, false
		} else if hits == bestHits && hits > 0 {
			tied = true
		}
	}
	// A dead heat between categories says nothing useful.
	if bestHits == 0 || tied {
		return "general"
	}
	return best
}

func normalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

func min2000(n int) int {
	if n > 2000 {
		return 2000
	}
	return n
}
