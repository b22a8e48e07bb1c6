// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

package commandbot

import (
	"strings"
)

// chunkMessage splits message into pieces no longer than limit bytes,
// preferring to break at line boundaries and only falling back to
// splitting a single overlong line at word boundaries. limit is a byte
// cap, not a rune count, since the outgoing Meshtastic text payload is
// limited in bytes.
func chunkMessage(message string, limit int) []string {
	if len(message) <= limit {
		return []string{message}
	}

	var chunks []string
	var current []string
	currentLen := 0

	flush := func() {
		if len(current) > 0 {
			chunk := strings.TrimSpace(strings.Join(current, "\n"))
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			current = nil
			currentLen = 0
		}
	}

	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if len(line) > limit {
			flush()
			chunks = append(chunks, splitLongLine(line, limit)...)
			continue
		}

		projectedLen := len(line)
		if len(current) > 0 {
			projectedLen = currentLen + 1 + len(line)
		}
		if strings.TrimSpace(line) != "" && projectedLen > limit {
			flush()
			current = []string{line}
			currentLen = len(line)
		} else {
			current = append(current, line)
			currentLen = projectedLen
		}
	}
	flush()
	return chunks
}

// splitLongLine breaks a single line that exceeds limit bytes at word
// boundaries. A word longer than limit (including a line with no
// spaces at all) is hard-cut into pieces of at most limit bytes, each
// ending on a UTF-8 rune boundary.
func splitLongLine(line string, limit int) []string {
	words := strings.Fields(line)
	if len(words) == 0 {
		return []string{truncateBytes(line, limit)}
	}

	var parts []string
	var current []string
	currentLen := 0
	for _, word := range words {
		for len(word) > limit {
			if len(current) > 0 {
				parts = append(parts, strings.Join(current, " "))
				current = nil
				currentLen = 0
			}
			piece := truncateBytes(word, limit)
			if piece == "" {
				break
			}
			parts = append(parts, piece)
			word = word[len(piece):]
		}
		candidateLen := len(word)
		if len(current) > 0 {
			candidateLen = currentLen + 1 + len(word)
		}
		if candidateLen > limit {
			if len(current) > 0 {
				parts = append(parts, strings.Join(current, " "))
			}
			current = []string{word}
			currentLen = len(word)
		} else {
			current = append(current, word)
			currentLen = candidateLen
		}
	}
	if len(current) > 0 {
		parts = append(parts, strings.Join(current, " "))
	}
	if len(parts) == 0 {
		return []string{truncateBytes(line, limit)}
	}
	return parts
}

// truncateBytes cuts s to at most n bytes, backing off to the nearest
// preceding rune boundary so a multi-byte UTF-8 rune is never split.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStartOrASCII(s, n) {
		n--
	}
	return s[:n]
}

// isRuneStartOrASCII reports whether cutting s at byte offset i lands
// on a UTF-8 rune boundary (i.e. s[i] is not a continuation byte).
func isRuneStartOrASCII(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}
