package platform

import "strings"

// DefaultMaxMessageLength is the message length limit most chat platforms
// enforce (Discord's is 2000 characters).
const DefaultMaxMessageLength = 2000

// ChunkMessage splits content into pieces no longer than maxLen runes so a
// Responder can deliver long replies within platform limits.
//
// Splitting prefers natural boundaries: first newlines, then whitespace within
// an over-long line, and only as a last resort a hard cut inside a word.
// Chunks are never empty and concatenating them (with the newlines that were
// consumed as separators) reproduces the original content.
func ChunkMessage(content string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}
	if len([]rune(content)) <= maxLen {
		return []string{content}
	}

	var chunks []string
	current := ""

	flush := func() {
		if current != "" {
			chunks = append(chunks, current)
			current = ""
		}
	}

	for _, line := range strings.Split(content, "\n") {
		lineLen := len([]rune(line))
		curLen := len([]rune(current))

		// Line fits into the current chunk (plus separating newline).
		if curLen+lineLen+1 <= maxLen {
			if current == "" {
				current = line
			} else {
				current += "\n" + line
			}
			continue
		}

		flush()

		if lineLen <= maxLen {
			current = line
			continue
		}

		// The line alone exceeds the limit: split on whitespace, keeping the
		// separators so content is preserved.
		for _, word := range splitKeepSpace(line) {
			if len([]rune(current))+len([]rune(word)) > maxLen {
				flush()
			}
			current += word

			// A single word longer than the limit gets hard cuts.
			for len([]rune(current)) > maxLen {
				r := []rune(current)
				chunks = append(chunks, string(r[:maxLen]))
				current = string(r[maxLen:])
			}
		}
		flush()
	}

	flush()
	return chunks
}

// splitKeepSpace splits s into alternating word and whitespace runs.
func splitKeepSpace(s string) []string {
	var parts []string
	var run []rune
	var inSpace bool

	for i, r := range s {
		isSpace := r == ' ' || r == '\t'
		if i == 0 {
			inSpace = isSpace
		}
		if isSpace != inSpace {
			parts = append(parts, string(run))
			run = run[:0]
			inSpace = isSpace
		}
		run = append(run, r)
	}
	if len(run) > 0 {
		parts = append(parts, string(run))
	}
	return parts
}
