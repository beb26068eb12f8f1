package secret

import "strings"

// Mask returns a masked representation of a secret string. Short secrets
// are fully masked; longer ones keep just enough of the edges to be
// recognizable in logs without being recoverable.
func Mask(s string) string {
	n := len(s)
	if n == 0 {
		return ""
	}
	if n <= 5 {
		return strings.Repeat("*", n)
	}
	if n <= 20 {
		return s[:1] + strings.Repeat("*", n-2) + s[n-1:]
	}
	return s[:3] + strings.Repeat("*", n-4) + s[n-1:]
}
