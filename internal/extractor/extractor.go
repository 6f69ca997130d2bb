package extractor

import (
	"regexp"
)

// DefaultSuffix is the domain cloudflared quick tunnels are published under.
const DefaultSuffix = "trycloudflare.com"

// Extractor finds tunnel URLs in diagnostic lines and remembers the last one seen.
// It is not safe for concurrent use; the watcher owns it.
type Extractor struct {
	pattern *regexp.Regexp
	current string
}

// New returns an extractor matching https://<label>.<suffix>, where label is
// [A-Za-z0-9-]+. An empty suffix selects DefaultSuffix.
func New(suffix string) *Extractor {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	return &Extractor{pattern: regexp.MustCompile(`https://[A-Za-z0-9-]+\.` + regexp.QuoteMeta(suffix))}
}

// Extract returns the leftmost URL in line. It does not touch the current slot.
func (e *Extractor) Extract(line string) (string, bool) {
	m := e.pattern.FindString(line)
	if m == "" {
		return "", false
	}
	return m, true
}

// IsNewURL reports whether url differs from the current one and, if so, stores it.
func (e *Extractor) IsNewURL(url string) bool {
	if url == e.current {
		return false
	}
	e.current = url
	return true
}

// Reset forgets the current URL.
func (e *Extractor) Reset() { e.current = "" }

// Current returns the last URL accepted by IsNewURL, or "".
func (e *Extractor) Current() string { return e.current }
