package telegram

import (
	"strings"
	"unicode"
)

// maxMessageLen is Telegram's limit on the length of a text message.
const maxMessageLen = 4096

// chunkMessage splits text into pieces of at most maxLen characters,
// preferring paragraph, then line, then word boundaries in the second half
// of each piece. Whitespace at the cut is dropped.
func chunkMessage(text string, maxLen int) []string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, string(runes))
			break
		}

		cutAt := splitPoint(runes[:maxLen])
		chunk := strings.TrimRightFunc(string(runes[:cutAt]), unicode.IsSpace)
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = []rune(strings.TrimLeftFunc(string(runes[cutAt:]), unicode.IsSpace))
	}

	return chunks
}

func splitPoint(window []rune) int {
	half := len(window) / 2
	for _, sep := range []string{"\n\n", "\n", " "} {
		if idx := lastIndex(window, []rune(sep)); idx >= half {
			return idx
		}
	}
	return len(window)
}

func lastIndex(s, sep []rune) int {
	for i := len(s) - len(sep); i >= 0; i-- {
		match := true
		for j := range sep {
			if s[i+j] != sep[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
