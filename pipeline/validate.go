package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/langgraphsystem/rssnews-sub002/common"
	"github.com/langgraphsystem/rssnews-sub002/db"
)

// minContentLength is the stage 0 floor below which content is rejected.
const minContentLength = 100

// invalidContentPattern catches fetches that returned an error page
// instead of an article.
var invalidContentPattern = regexp.MustCompile(`(?i)\b(404|not found|access denied|javascript required|enable javascript)\b`)

// trackingParams are stripped during URL canonicalization. utm_* is
// handled by prefix.
var trackingParams = map[string]bool{
	"fbclid":       true,
	"gclid":        true,
	"msclkid":      true,
	"ref":          true,
	"referrer":     true,
	"source":       true,
	"campaign_id":  true,
	"ad_id":        true,
	"click_id":     true,
	"affiliate_id": true,
}

// ValidationStage drops malformed, stale, and junk articles and derives
// the identity fields every later stage depends on: idempotency_key,
// url_hash, canonical_url.
type ValidationStage struct {
	deps *Deps
}

// NewValidationStage creates stage 0.
func NewValidationStage(deps *Deps) *ValidationStage {
	return &ValidationStage{deps: deps}
}

func (s *ValidationStage) Name() string { return "validation" }

// Process implements Stage.
func (s *ValidationStage) Process(ctx context.Context, pc *Context, articles []*db.RawArticle) ([]*db.RawArticle, error) {
	maxAge := time.Duration(s.deps.Cfg.Pipeline.MaxArticleAgeHours) * time.Hour
	now := time.Now()

	out := make([]*db.RawArticle, 0, len(articles))
	for _, a := range articles {
		if a.IdempotencyKey == "" {
			a.IdempotencyKey = uuid.NewString()
		}
		a.URLHash = common.SHA256Hex(strings.TrimSpace(a.URL))

		if reason, ok := s.validate(a, now, maxAge); !ok {
			s.deps.reject(ctx, pc, a, db.ArticleRejected, string(reason))
			continue
		}

		canonical, err := CanonicalURL(a.URL)
		if err != nil {
			s.deps.reject(ctx, pc, a, db.ArticleRejected, string(common.RejectInvalidContent))
			continue
		}
		a.CanonicalURL = canonical
		out = append(out, a)
	}
	return out, nil
}

func (s *ValidationStage) validate(a *db.RawArticle, now time.Time, maxAge time.Duration) (common.RejectionReason, bool) {
	if strings.TrimSpace(a.URL) == "" {
		return common.RejectInvalidContent, false
	}
	if _, err := url.ParseRequestURI(a.URL); err != nil {
		return common.RejectInvalidContent, false
	}
	if strings.TrimSpace(a.Title) == "" && strings.TrimSpace(a.Content) == "" {
		return common.RejectInvalidContent, false
	}
	if maxAge > 0 && now.Sub(a.FetchedAt) > maxAge {
		return common.RejectTooOld, false
	}
	content := strings.TrimSpace(a.Content)
	if len(content) < minContentLength {
		return common.RejectTooShort, false
	}
	if invalidContentPattern.MatchString(a.Title) || invalidContentPattern.MatchString(content[:min(len(content), 2000)]) {
		return common.RejectInvalidContent, false
	}
	if symbolDensity(content) > 0.10 {
		return common.RejectInvalidContent, false
	}
	return "", true
}

// symbolDensity returns the share of runes that are neither ASCII
// alphanumeric, common punctuation, nor whitespace. Junk payloads
// (binary, mojibake, minified markup) score high.
func symbolDensity(s string) float64 {
	if s == "" {
		return 0
	}
	total, symbols := 0, 0
	for _, r := range s {
		total++
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == ' ', r == '\n', r == '\t', r == '\r':
		case strings.ContainsRune(`.,;:!?'"()-–—%$&/@#+`, r):
		case r > 127 && r < 0x2000:
			// Accented and non-Latin letters are normal article text.
		default:
			symbols++
		}
	}
	return float64(symbols) / float64(total)
}

// CanonicalURL normalizes a URL for deduplication: lowercase scheme and
// host, tracking parameters stripped, fragment dropped, trailing slash
// normalized away except at the root.
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q has no scheme or host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") || trackingParams[lower] {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	return u.String(), nil
}
