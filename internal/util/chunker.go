package util

import (
	"strings"

	"pagewise/internal/models"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Soft split points, strongest first. A window ends after the last one found
// in its second half.
var chunkBoundaries = [][]rune{
	[]rune("\n\n"),
	[]rune("\n"),
	[]rune(". "),
	[]rune("! "),
	[]rune("? "),
	[]rune("; "),
	[]rune(", "),
	[]rune(" "),
}

// PagePassage is a chunk before it is bound to a document.
type PagePassage struct {
	Page       int
	ChunkIndex int
	Text       string
}

// ChunkPages splits every page on its own so overlap never crosses a page
// boundary. ChunkIndex keeps counting across pages.
func ChunkPages(pages []models.PageText, chunkSize, overlap int) []PagePassage {
	out := make([]PagePassage, 0, len(pages))
	idx := 0
	for _, p := range pages {
		if p.Page <= 0 {
			continue
		}
		for _, part := range ChunkText(p.Text, chunkSize, overlap) {
			out = append(out, PagePassage{Page: p.Page, ChunkIndex: idx, Text: part})
			idx++
		}
	}
	return out
}

func ChunkText(text string, chunkSize, overlap int) []string {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}
	runes := []rune(strings.TrimSpace(SanitizeText(text)))
	out := make([]string, 0)
	for start := 0; start < len(runes); {
		end := start + chunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = softBoundary(runes, start, end)
		}
		part := strings.TrimSpace(string(runes[start:end]))
		if part != "" {
			out = append(out, part)
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

func softBoundary(runes []rune, start, end int) int {
	floor := start + (end-start)/2
	for _, sep := range chunkBoundaries {
		for i := end - len(sep); i >= floor; i-- {
			if hasRunesAt(runes, i, sep) {
				return i + len(sep)
			}
		}
	}
	return end
}

func hasRunesAt(runes []rune, at int, sep []rune) bool {
	if at < 0 || at+len(sep) > len(runes) {
		return false
	}
	for j, r := range sep {
		if runes[at+j] != r {
			return false
		}
	}
	return true
}
