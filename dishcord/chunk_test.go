package dishcord

import (
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mathrand "math/rand"
	"slices"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunks(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		limit    int
		policy   SplitPolicy
		expected []string
	}{
		{
			name:     "empty input yields nothing",
			input:    "",
			limit:    10,
			policy:   SplitBoundaries,
			expected: nil,
		},
		{
			name:     "empty input yields nothing (fixed)",
			input:    "",
			limit:    10,
			policy:   SplitFixed,
			expected: nil,
		},
		{
			name:     "shorter than limit",
			input:    "Scramble the eggs.",
			limit:    100,
			policy:   SplitBoundaries,
			expected: []string{"Scramble the eggs."},
		},
		{
			name:     "exactly the limit",
			input:    "abcde",
			limit:    5,
			policy:   SplitBoundaries,
			expected: []string{"abcde"},
		},
		{
			name:     "fixed width",
			input:    "abcdefghij",
			limit:    3,
			policy:   SplitFixed,
			expected: []string{"abc", "def", "ghi", "j"},
		},
		{
			name:     "fixed width ignores sentences",
			input:    "Hi. Yo.",
			limit:    4,
			policy:   SplitFixed,
			expected: []string{"Hi. ", "Yo."},
		},
		{
			name:     "lines",
			input:    "Line one.\nLine two.\n",
			limit:    12,
			policy:   SplitBoundaries,
			expected: []string{"Line one.\n", "Line two.\n"},
		},
		{
			name:     "lines packed together",
			input:    "a\nb\nc\nd\n",
			limit:    4,
			policy:   SplitBoundaries,
			expected: []string{"a\nb\n", "c\nd\n"},
		},
		{
			name:     "sentences",
			input:    "Hello there. How are you? Fine!",
			limit:    20,
			policy:   SplitBoundaries,
			expected: []string{"Hello there. ", "How are you? Fine!"},
		},
		{
			name:     "each sentence alone",
			input:    "Hello there. How are you? Fine!",
			limit:    15,
			policy:   SplitBoundaries,
			expected: []string{"Hello there. ", "How are you? ", "Fine!"},
		},
		{
			name:     "decimal point is not a sentence end",
			input:    "Use 1.5 cups. Stir.",
			limit:    10,
			policy:   SplitBoundaries,
			expected: []string{"Use 1.5 cu", "ps. Stir."},
		},
		{
			name:     "oversized unit is hard sliced",
			input:    strings.Repeat("a", 25),
			limit:    10,
			policy:   SplitBoundaries,
			expected: []string{strings.Repeat("a", 10), strings.Repeat("a", 10), strings.Repeat("a", 5)},
		},
		{
			name:     "oversized unit after a short one",
			input:    "hi.\n" + strings.Repeat("a", 25),
			limit:    10,
			policy:   SplitBoundaries,
			expected: []string{"hi.\n", strings.Repeat("a", 10), strings.Repeat("a", 10), strings.Repeat("a", 5)},
		},
		{
			name:     "multibyte characters count as one",
			input:    "ééééé",
			limit:    2,
			policy:   SplitFixed,
			expected: []string{"éé", "éé", "é"},
		},
		{
			name:     "multibyte sentences",
			input:    "Crème brûlée. Café au lait.",
			limit:    14,
			policy:   SplitBoundaries,
			expected: []string{"Crème brûlée. ", "Café au lait."},
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				got := slices.Collect(Chunks(tc.input, tc.limit, tc.policy))
				assert.Equal(t, tc.expected, got)
				assert.Equal(t, tc.input, strings.Join(got, ""))
			},
		)
	}
}

func TestChunks_DefaultLimit(t *testing.T) {
	input := strings.Repeat("a", 4500)
	got := slices.Collect(Chunks(input, 0, SplitBoundaries))
	require.Len(t, got, 3)
	assert.Len(t, got[0], DiscordMaxMessageLength)
	assert.Len(t, got[1], DiscordMaxMessageLength)
	assert.Len(t, got[2], 500)
}

func TestChunks_StopEarly(t *testing.T) {
	input := strings.Repeat("Sentence. ", 50)
	for _, policy := range []SplitPolicy{SplitBoundaries, SplitFixed} {
		var seen int
		for chunk := range Chunks(input, 15, policy) {
			seen++
			assert.NotEmpty(t, chunk)
			if seen == 2 {
				break
			}
		}
		assert.Equal(t, 2, seen)
	}
}

func TestChunks_Properties(t *testing.T) {
	rnd := mathrand.New(mathrand.NewSource(1))
	words := []string{
		"salt", "pepper", "whisk", "crème", "fraîche", "sauté", "1.5", "cups",
		"Bake.", "Stir!", "Done?", "\n", "\n\n", "—", "🍅",
	}

	for n := 0; n < 50; n++ {
		var sb strings.Builder
		wordCount := rnd.Intn(400)
		for i := 0; i < wordCount; i++ {
			sb.WriteString(words[rnd.Intn(len(words))])
			if rnd.Intn(4) > 0 {
				sb.WriteString(" ")
			}
		}
		input := sb.String()

		for _, limit := range []int{1, 2, 7, 40, 300, DiscordMaxMessageLength} {
			for _, policy := range []SplitPolicy{SplitBoundaries, SplitFixed} {
				name := fmt.Sprintf("%d/%d/%s", n, limit, policy)
				got := slices.Collect(Chunks(input, limit, policy))
				for _, chunk := range got {
					require.NotEmpty(t, chunk, name)
					require.LessOrEqual(t, utf8.RuneCountInString(chunk), limit, name)
				}
				require.Equal(t, input, strings.Join(got, ""), name)
			}
		}
	}
}

func TestChunks_SentencesAtMessageLimit(t *testing.T) {
	paragraph := strings.Repeat("Simmer the sauce for ten minutes. ", 100)
	got := slices.Collect(Chunks(paragraph, DiscordMaxMessageLength, SplitBoundaries))
	require.Len(t, got, 2)
	for _, chunk := range got {
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), DiscordMaxMessageLength)
		assert.True(t, strings.HasSuffix(chunk, ". "), "chunk should end on a sentence: %q", chunk)
	}
	assert.Equal(t, paragraph, strings.Join(got, ""))
}

func TestParseSplitPolicy(t *testing.T) {
	p, err := ParseSplitPolicy("fixed")
	require.NoError(t, err)
	assert.Equal(t, SplitFixed, p)

	p, err = ParseSplitPolicy("")
	require.NoError(t, err)
	assert.Equal(t, SplitBoundaries, p)

	_, err = ParseSplitPolicy("words")
	assert.Error(t, err)
}
