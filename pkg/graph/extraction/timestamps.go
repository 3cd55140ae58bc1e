package extraction

import (
	"regexp"
	"strings"
)

// transcript offsets such as [00:01:23], (01:23) or [1:02:03]
var timestampPattern = regexp.MustCompile(`[\[(](\d{1,2}:\d{2}(?::\d{2})?)[\])]`)

// TimestampFor returns the nearest transcript marker preceding quote in content,
// or "" when the quote is not found or no marker precedes it.
func TimestampFor(content, quote string) string {
	quote = strings.TrimSpace(quote)
	if quote == "" {
		return ""
	}
	at := strings.Index(content, quote)
	if at < 0 {
		loc := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(quote)).FindStringIndex(content)
		if loc == nil {
			return ""
		}
		at = loc[0]
	}

	stamp := ""
	for _, m := range timestampPattern.FindAllStringSubmatchIndex(content[:at], -1) {
		stamp = content[m[2]:m[3]]
	}
	return stamp
}
