package util

import "strings"

var segmentReplacer = strings.NewReplacer("/", "_", "\\", "_", "..", "_")

// SafeSegment turns an identifier into a single path element. Separators
// and ".." are replaced so the result never leaves its parent directory.
func SafeSegment(s string) string {
	s = segmentReplacer.Replace(strings.TrimSpace(s))
	if s == "" {
		return "anonymous"
	}
	return s
}
