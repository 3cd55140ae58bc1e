package graph

import (
	"strings"
	"unicode"
)

// NormalizeLabel folds a surface form for comparison: lowercase, punctuation dropped,
// runs of whitespace collapsed. "Dr. Ada  Lovelace" and "dr ada lovelace" normalize equally.
func NormalizeLabel(label string) string {
	var b strings.Builder
	b.Grow(len(label))
	space := false
	for _, r := range strings.ToLower(label) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '/':
			space = true
		}
	}
	return b.String()
}
