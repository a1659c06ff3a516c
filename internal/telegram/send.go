package telegram

import (
	"regexp"
	"strings"
)

var (
	boldMarker    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	headingMarker = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
)

// chunkMessage splits a message into chunks that fit within Telegram's message size limit.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Try to split at a newline
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}

// toTelegramMarkdown rewrites the CommonMark bold and headings used in merged
// results into Telegram's legacy Markdown.
func toTelegramMarkdown(text string) string {
	text = headingMarker.ReplaceAllString(text, "*$1*")
	return boldMarker.ReplaceAllString(text, "*$1*")
}
