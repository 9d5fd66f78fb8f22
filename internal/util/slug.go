// Package util provides shared utility functions.
package util

import (
	"strings"
)

// GenerateSlug converts a title/question to a slug.
// Removes stop words, lowercases, replaces non-alphanumeric with underscores.
func GenerateSlug(title string) string {
	if title == "" {
		return "untitled"
	}

	// Lowercase
	slug := strings.ToLower(title)

	// Stop words to remove
	stopWords := map[string]bool{
		"a": true, "an": true, "the": true,
		"in": true, "on": true, "at": true, "to": true, "for": true,
		"of": true, "with": true, "by": true, "from": true, "as": true,
		"and": true, "or": true, "but": true, "nor": true,
		"is": true, "are": true, "was": true, "were": true,
		"be": true, "been": true, "being": true,
		"have": true, "has": true, "had": true,
		"do": true, "does": true, "did": true,
		"this": true, "that": true, "these": true, "those": true,
		"it": true, "its": true,
		"should": true, "would": true, "could": true,
		"how": true, "what": true, "which": true, "who": true,
		"we": true, "i": true, "you": true, "they": true,
	}

	// Replace non-alphanumeric with spaces
	var result []rune
	for _, r := range slug {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			result = append(result, r)
		} else {
			result = append(result, ' ')
		}
	}
	slug = string(result)

	// Split and filter stop words
	words := strings.Fields(slug)
	var filtered []string
	for _, word := range words {
		if !stopWords[word] && len(word) > 0 {
			filtered = append(filtered, word)
		}
	}

	// Fallback if all words were filtered
	if len(filtered) == 0 && len(words) > 0 {
		filtered = []string{words[0]}
	}

	// Join with underscores
	slug = strings.Join(filtered, "_")

	// Ensure starts with letter
	if len(slug) > 0 && (slug[0] >= '0' && slug[0] <= '9') {
		slug = "n" + slug
	}

	// Truncate to 40 chars at word boundary
	if len(slug) > 40 {
		truncated := slug[:40]
		if lastUnderscore := strings.LastIndex(truncated, "_"); lastUnderscore > 20 {
			truncated = truncated[:lastUnderscore]
		}
		slug = truncated
	}

	// Ensure minimum length
	if len(slug) < 3 {
		slug = slug + strings.Repeat("x", 3-len(slug))
	}

	// Clean up
	slug = strings.Trim(slug, "_")

	return slug
}
