package pipeline

import (
	"context"
	"regexp"
	"strings"

	"github.com/langgraphsystem/rssnews-sub002/db"
)

var (
	listMarkerRe = regexp.MustCompile(`\n\s*(-|\d+\.)\s`)
	quoteRe      = regexp.MustCompile(`["“”]`)
)

// ChunkOptions are the word-count knobs of the splitter.
type ChunkOptions struct {
	TargetSize int
	MinSize    int
	Overlap    int
}

// ChunkingStage splits each article's clean text into overlapping chunks
// and stores them for chunk-level search.
type ChunkingStage struct {
	deps *Deps
}

// NewChunkingStage creates stage 6.
func NewChunkingStage(deps *Deps) *ChunkingStage {
	return &ChunkingStage{deps: deps}
}

func (s *ChunkingStage) Name() string { return "chunking" }

// Process implements Stage.
func (s *ChunkingStage) Process(ctx context.Context, pc *Context, articles []*db.RawArticle) ([]*db.RawArticle, error) {
	opts := ChunkOptions{
		TargetSize: s.deps.Cfg.Pipeline.ChunkingTargetSize,
		MinSize:    s.deps.Cfg.Pipeline.ChunkingMinSize,
		Overlap:    s.deps.Cfg.Pipeline.ChunkingOverlap,
	}

	out := make([]*db.RawArticle, 0, len(articles))
	for _, a := range articles {
		pieces, strategy := SplitChunks(a.CleanText, opts)
		if len(pieces) == 0 {
			out = append(out, a)
			continue
		}

		chunks := make([]*db.Chunk, len(pieces))
		charPos := 0
		for i, text := range pieces {
			words := wordRe.FindAllString(text, -1)
			chunks[i] = &db.Chunk{
				ArticleID:       a.ArticleID,
				ChunkIndex:      i,
				Text:            text,
				TextClean:       strings.ToLower(text),
				WordCount:       len(words),
				CharCount:       len(text),
				CharStart:       charPos,
				CharEnd:         charPos + len(text),
				SemanticType:    SemanticType(text, i),
				ImportanceScore: ImportanceScore(text, i, len(pieces), a.Title),
				ChunkStrategy:   strategy,
				Title:           a.Title,
				Domain:          a.Domain,
				PublishedAt:     a.PublishedAt,
				Language:        a.Language,
				Category:        a.Category,
				QualityScore:    a.QualityScore,
			}
			charPos += len(text)
		}

		if err := s.deps.Index.UpsertChunks(ctx, chunks); err != nil {
			return nil, err
		}
		if err := s.deps.Index.MarkChunkingCompleted(ctx, a.ArticleID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// SplitChunks splits text into chunks near TargetSize words. Texts with
// paragraph structure are packed paragraph by paragraph with an overlap
// carried between chunks; unstructured texts fall back to a sliding
// window. Returns the chunks and the strategy used.
func SplitChunks(text string, opts ChunkOptions) ([]string, string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, db.StrategyParagraph
	}
	if opts.TargetSize <= 0 {
		opts.TargetSize = 400
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.TargetSize {
		opts.Overlap = 0
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) > 1 {
		return packParagraphs(paragraphs, opts), db.StrategyParagraph
	}
	return slideWindow(wordRe.FindAllString(text, -1), opts), db.StrategySlidingWindow
}

func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// packParagraphs greedily packs paragraphs up to the target word count,
// carrying roughly Overlap words of tail context into the next chunk.
func packParagraphs(paragraphs []string, opts ChunkOptions) []string {
	var chunks []string
	var current []string
	currentWords := 0

	flush := func() {
		if currentWords == 0 {
			return
		}
		chunk := strings.Join(current, "\n\n")
		if currentWords >= opts.MinSize || len(chunks) == 0 {
			chunks = append(chunks, chunk)
		} else if len(chunks) > 0 {
			// Too small to stand alone; fold into the previous chunk.
			chunks[len(chunks)-1] += "\n\n" + chunk
		}
		current = nil
		currentWords = 0
	}

	for _, p := range paragraphs {
		pWords := len(wordRe.FindAllString(p, -1))
		if currentWords > 0 && currentWords+pWords > opts.TargetSize {
			tail := tailWords(strings.Join(current, " "), opts.Overlap)
			flush()
			if tail != "" {
				current = []string{tail}
				currentWords = len(wordRe.FindAllString(tail, -1))
			}
		}
		current = append(current, p)
		currentWords += pWords
	}
	flush()
	return chunks
}

// slideWindow emits fixed-size windows stepping target−overlap words.
func slideWindow(words []string, opts ChunkOptions) []string {
	if len(words) == 0 {
		return nil
	}
	step := opts.TargetSize - opts.Overlap
	if step <= 0 {
		step = opts.TargetSize
	}
	var chunks []string
	for start := 0; start < len(words); start += step {
		end := start + opts.TargetSize
		if end > len(words) {
			end = len(words)
		}
		if end-start < opts.MinSize && len(chunks) > 0 {
			break
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}

func tailWords(text string, n int) string {
	if n <= 0 {
		return ""
	}
	words := wordRe.FindAllString(text, -1)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[len(words)-n:], " ")
}

// SemanticType classifies a chunk by structural rules.
func SemanticType(text string, index int) string {
	lower := strings.ToLower(text)
	switch {
	case index == 0:
		return db.ChunkIntro
	case strings.Contains(lower, "conclusion") || strings.Contains(lower, "summary"):
		return db.ChunkConclusion
	case len(listMarkerRe.FindAllString(text, -1)) >= 2:
		return db.ChunkList
	case len(quoteRe.FindAllString(text, -1)) >= 2:
		return db.ChunkQuote
	case strings.Contains(text, "```") || strings.Count(text, "`") >= 2:
		return db.ChunkCode
	default:
		return db.ChunkBody
	}
}

// ImportanceScore rates a chunk for ranking: early position, intro and
// conclusion types, and title-word overlap all raise it.
func ImportanceScore(text string, index, total int, title string) float64 {
	score := 0.5

	if total > 1 {
		score += 0.2 * (1 - float64(index)/float64(total-1))
	} else {
		score += 0.2
	}

	switch SemanticType(text, index) {
	case db.ChunkIntro:
		score += 0.15
	case db.ChunkConclusion:
		score += 0.10
	case db.ChunkCode, db.ChunkList:
		score += 0.05
	}

	titleWords := wordRe.FindAllString(strings.ToLower(title), -1)
	if len(titleWords) > 0 {
		lower := strings.ToLower(text)
		hits := 0
		for _, w := range titleWords {
			if len(w) >= 3 && strings.Contains(lower, w) {
				hits++
			}
		}
		score += 0.15 * float64(hits) / float64(len(titleWords))
	}

	if score > 1 {
		return 1
	}
	return score
}
