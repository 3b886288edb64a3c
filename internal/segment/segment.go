// ABOUTME: Word-greedy text segmenter that keeps chat messages under a length limit
// ABOUTME: Prefers paragraph breaks as split points and hyphenates words that cannot fit

// Package segment splits response text into chunks that fit a chat
// platform's message length limit. Lengths are counted in runes.
package segment

import (
	"strings"
	"unicode"
)

// Hyphen marks a word that was cut and continues in the next segment.
const Hyphen = '-'

// Split breaks text into ordered segments of at most maxLength runes.
//
// Words are added greedily. When the next word does not fit and the
// pending segment spans a newline, only the part up to the last newline is
// flushed so paragraph breaks land on segment boundaries. Segments are
// trimmed and never empty. A maxLength below 1 is treated as 1.
func Split(text string, maxLength int) []string {
	if maxLength < 1 {
		maxLength = 1
	}

	text = normalize(text)
	if text == "" {
		return nil
	}

	var (
		out []string
		cur []rune
	)
	flush := func(r []rune) {
		if s := strings.TrimSpace(string(r)); s != "" {
			out = append(out, s)
		}
	}

	for _, word := range words(text) {
		w := []rune(word)
		for len(w) > 0 {
			if len(cur)+len(w) <= maxLength {
				cur = append(cur, w...)
				break
			}

			if len(cur) > 0 {
				if isBlank(cur) {
					cur = nil
					continue
				}
				if i := lastNewline(cur); i >= 0 && !isBlank(cur[:i+1]) {
					flush(cur[:i+1])
					cur = append([]rune(nil), cur[i+1:]...)
					continue
				}
				flush(cur)
				cur = nil
				continue
			}

			// The word alone is too long for an empty segment.
			if len(trimRight(w)) <= maxLength {
				// Only trailing whitespace overflows; keep what fits.
				cur = append(cur, w[:maxLength]...)
				break
			}
			if maxLength > 1 {
				out = append(out, string(w[:maxLength-1])+string(Hyphen))
				w = w[maxLength-1:]
			} else {
				out = append(out, string(w[:1]))
				w = w[1:]
			}
		}
	}
	flush(cur)

	return out
}

// normalize folds CRLF and CR line endings into LF and trims the text.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimSpace(text)
}

// words splits text into runs of non-space characters, each carrying the
// whitespace that follows it.
func words(text string) []string {
	var out []string
	start := 0
	inSpace := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if inSpace && !space {
			out = append(out, text[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

func lastNewline(r []rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == '\n' {
			return i
		}
	}
	return -1
}

func isBlank(r []rune) bool {
	for _, c := range r {
		if !unicode.IsSpace(c) {
			return false
		}
	}
	return true
}

func trimRight(r []rune) []rune {
	end := len(r)
	for end > 0 && unicode.IsSpace(r[end-1]) {
		end--
	}
	return r[:end]
}
