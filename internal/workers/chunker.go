package workers

import "strings"

// splitChunks breaks generated text into delivery chunks on paragraph
// boundaries. With chunking disabled the whole text is one chunk. When
// the text yields more than maxChunks paragraphs, the overflow is folded
// into the final chunk so fan-out stays bounded.
func splitChunks(text string, enabled bool, maxChunks int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !enabled {
		return []string{text}
	}

	var chunks []string
	for _, part := range strings.Split(text, "\n\n") {
		part = strings.TrimSpace(part)
		if part != "" {
			chunks = append(chunks, part)
		}
	}

	if maxChunks > 0 && len(chunks) > maxChunks {
		rest := strings.Join(chunks[maxChunks-1:], "\n\n")
		chunks = append(chunks[:maxChunks-1], rest)
	}
	return chunks
}
