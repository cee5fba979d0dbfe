package dishcord

import (
	"fmt"
	"iter"
	"unicode"
)

// SplitPolicy determines where Chunks may cut a long message.
type SplitPolicy int

const (
	// SplitBoundaries cuts only after a line break, or after the whitespace
	// following sentence-ending punctuation. A single line or sentence
	// longer than the limit is cut at the limit.
	SplitBoundaries SplitPolicy = iota

	// SplitFixed cuts every `limit` characters, regardless of content.
	SplitFixed
)

func (p SplitPolicy) String() string {
	switch p {
	case SplitBoundaries:
		return "boundaries"
	case SplitFixed:
		return "fixed"
	default:
		return fmt.Sprintf("SplitPolicy(%d)", int(p))
	}
}

// ParseSplitPolicy parses the config representation of a SplitPolicy
func ParseSplitPolicy(s string) (SplitPolicy, error) {
	switch s {
	case "", "boundaries":
		return SplitBoundaries, nil
	case "fixed":
		return SplitFixed, nil
	default:
		return SplitBoundaries, fmt.Errorf("invalid split policy: %q", s)
	}
}

// Chunks splits s into consecutive pieces of at most limit characters
// (runes, not bytes). Separators stay attached to the piece they end, so
// concatenating every chunk in order reproduces s exactly. An empty s
// yields no chunks. A limit <= 0 uses DiscordMaxMessageLength.
func Chunks(s string, limit int, policy SplitPolicy) iter.Seq[string] {
	if limit <= 0 {
		limit = DiscordMaxMessageLength
	}
	return func(yield func(string) bool) {
		if s == "" {
			return
		}
		runes := []rune(s)
		switch policy {
		case SplitFixed:
			chunkFixed(runes, limit, yield)
		default:
			chunkBoundaries(runes, limit, yield)
		}
	}
}

func chunkFixed(runes []rune, limit int, yield func(string) bool) {
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		if !yield(string(runes[start:end])) {
			return
		}
	}
}

func chunkBoundaries(runes []rune, limit int, yield func(string) bool) {
	chunkStart := 0
	chunkEnd := 0

	for unitEnd := range unitBoundaries(runes) {
		unitStart := chunkEnd
		if unitEnd-chunkStart <= limit {
			chunkEnd = unitEnd
			continue
		}

		if chunkEnd > chunkStart {
			if !yield(string(runes[chunkStart:chunkEnd])) {
				return
			}
		}

		// the unit alone is too long, so it gets cut at the limit. whatever
		// is left over starts the next chunk.
		chunkStart = unitStart
		for unitEnd-chunkStart > limit {
			if !yield(string(runes[chunkStart : chunkStart+limit])) {
				return
			}
			chunkStart += limit
		}
		chunkEnd = unitEnd
	}

	if chunkEnd > chunkStart {
		yield(string(runes[chunkStart:chunkEnd]))
	}
}

// unitBoundaries yields the (exclusive) end index of each line or sentence
// in runes. The last index yielded is always len(runes).
func unitBoundaries(runes []rune) iter.Seq[int] {
	return func(yield func(int) bool) {
		last := 0
		i := 0
		for i < len(runes) {
			r := runes[i]
			i++
			switch {
			case r == '\n':
			case isSentenceEnd(r) && i < len(runes) && unicode.IsSpace(runes[i]):
				for i < len(runes) && unicode.IsSpace(runes[i]) && runes[i] != '\n' {
					i++
				}
				if i < len(runes) && runes[i] == '\n' {
					i++
				}
			default:
				continue
			}
			last = i
			if !yield(i) {
				return
			}
		}
		if last < len(runes) {
			yield(len(runes))
		}
	}
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
