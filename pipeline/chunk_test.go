package pipeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langgraphsystem/rssnews-sub002/db"
)

func testChunkOptions() ChunkOptions {
	return ChunkOptions{TargetSize: 50, MinSize: 10, Overlap: 8}
}

func paragraphOfWords(n int, seed string) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("%s%d", seed, i)
	}
	return strings.Join(words, " ")
}

func TestSplitChunksParagraphStrategy(t *testing.T) {
	text := strings.Join([]string{
		paragraphOfWords(30, "alpha"),
		paragraphOfWords(30, "beta"),
		paragraphOfWords(30, "gamma"),
		paragraphOfWords(30, "delta"),
	}, "\n\n")

	chunks, strategy := SplitChunks(text, testChunkOptions())
	assert.Equal(t, db.StrategyParagraph, strategy)
	require.Greater(t, len(chunks), 1)

	t.Run("chunks respect the target size", func(t *testing.T) {
		for i, c := range chunks {
			words := wordRe.FindAllString(c, -1)
			assert.LessOrEqual(t, len(words), 50+8, "chunk %d", i)
		}
	})

	t.Run("overlap carries tail context forward", func(t *testing.T) {
		first := wordRe.FindAllString(chunks[0], -1)
		second := wordRe.FindAllString(chunks[1], -1)
		assert.Equal(t, first[len(first)-1], second[7], "last word of one chunk reappears in the next")
	})

	t.Run("splitting is deterministic", func(t *testing.T) {
		again, _ := SplitChunks(text, testChunkOptions())
		assert.Equal(t, chunks, again)
	})
}

func TestSplitChunksSlidingWindow(t *testing.T) {
	text := paragraphOfWords(120, "word")

	chunks, strategy := SplitChunks(text, testChunkOptions())
	assert.Equal(t, db.StrategySlidingWindow, strategy)
	require.Len(t, chunks, 3)

	t.Run("windows step by target minus overlap", func(t *testing.T) {
		first := wordRe.FindAllString(chunks[0], -1)
		second := wordRe.FindAllString(chunks[1], -1)
		assert.Len(t, first, 50)
		assert.Equal(t, "word42", second[0])
	})

	t.Run("short tail below min size is dropped", func(t *testing.T) {
		// 120 words, step 42: windows at 0, 42, 84; the tail at 126 never starts.
		last := wordRe.FindAllString(chunks[2], -1)
		assert.Equal(t, "word119", last[len(last)-1])
	})
}

func TestSplitChunksEdgeCases(t *testing.T) {
	t.Run("empty text", func(t *testing.T) {
		chunks, _ := SplitChunks("   ", testChunkOptions())
		assert.Empty(t, chunks)
	})

	t.Run("single short paragraph", func(t *testing.T) {
		chunks, strategy := SplitChunks("just a few words here", testChunkOptions())
		assert.Equal(t, db.StrategySlidingWindow, strategy)
		require.Len(t, chunks, 1)
	})

	t.Run("small trailing paragraph folds into the previous chunk", func(t *testing.T) {
		text := paragraphOfWords(45, "alpha") + "\n\n" +
			paragraphOfWords(45, "beta") + "\n\n" + "tiny tail"
		chunks, _ := SplitChunks(text, testChunkOptions())
		last := chunks[len(chunks)-1]
		assert.Contains(t, last, "tiny tail")
	})
}

func TestSemanticType(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		index int
		want  string
	}{
		{"first chunk is the intro", "Anything at all.", 0, db.ChunkIntro},
		{"conclusion keyword", "In conclusion, the plan worked.", 3, db.ChunkConclusion},
		{"summary keyword", "A summary of the findings follows.", 2, db.ChunkConclusion},
		{"list markers", "Items:\n- first\n- second\n- third", 1, db.ChunkList},
		{"quoted speech", "“We will prevail,” she said. “No doubt about it.”", 1, db.ChunkQuote},
		{"code fences", "Run this:\n```\nmake build\n```", 1, db.ChunkCode},
		{"plain body", "Ordinary middle paragraph text.", 4, db.ChunkBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SemanticType(tt.text, tt.index))
		})
	}
}

func TestImportanceScore(t *testing.T) {
	t.Run("early chunks outrank late ones", func(t *testing.T) {
		early := ImportanceScore("Some body text.", 1, 10, "")
		late := ImportanceScore("Some body text.", 9, 10, "")
		assert.Greater(t, early, late)
	})

	t.Run("intro bonus", func(t *testing.T) {
		intro := ImportanceScore("Opening paragraph.", 0, 5, "")
		body := ImportanceScore("Opening paragraph.", 2, 5, "")
		assert.Greater(t, intro, body)
	})

	t.Run("title overlap raises the score", func(t *testing.T) {
		title := "Climate policy shift"
		with := ImportanceScore("The climate policy shift surprised analysts.", 2, 5, title)
		without := ImportanceScore("An unrelated paragraph about sports.", 2, 5, title)
		assert.Greater(t, with, without)
	})

	t.Run("score never exceeds one", func(t *testing.T) {
		score := ImportanceScore("climate policy shift", 0, 1, "climate policy shift")
		assert.LessOrEqual(t, score, 1.0)
	})
}
