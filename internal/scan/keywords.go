package scan

import (
	"strings"
)

const (
	maxKeywords      = 20
	minKeywordLength = 4
)

// GenerateKeywords derives search keywords from extracted text: lower-cased
// whitespace-separated tokens stripped to [a-z0-9], longer than three characters,
// at most twenty, in order of appearance
func GenerateKeywords(text string) []string {
	keywords := make([]string, 0)
	for _, field := range strings.Fields(strings.ToLower(text)) {
		word := strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				return r
			}
			return -1
		}, field)
		if len(word) < minKeywordLength {
			continue
		}
		keywords = append(keywords, word)
		if len(keywords) == maxKeywords {
			break
		}
	}
	return keywords
}

// matchesQuery reports whether a record's text contains q, or q appears inside any keyword.
// q must already be lower-cased.
func matchesQuery(rec ScanRecord, q string) bool {
	if strings.Contains(strings.ToLower(rec.Text), q) {
		return true
	}
	for _, k := range rec.Keywords {
		if strings.Contains(k, q) {
			return true
		}
	}
	return false
}
