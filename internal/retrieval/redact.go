package retrieval

import "regexp"

// Redaction patterns cover the identifiers most likely to leak from
// ingested documents into answers. Applied to the final answer text
// only; stored chunks are never modified.
// Specific identifier shapes run before the loose phone pattern, which
// would otherwise swallow SSNs and card numbers.
var redactions = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[redacted email]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[redacted ssn]"},
	{regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`), "[redacted number]"},
	{regexp.MustCompile(`\+?\d[\d\s().\-]{8,}\d`), "[redacted phone]"},
}

func redactPII(text string) string {
	for _, r := range redactions {
		text = r.re.ReplaceAllString(text, r.replacement)
	}
	return text
}
