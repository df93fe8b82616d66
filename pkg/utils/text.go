// Package utils provides small helpers shared across packages: log-friendly
// text truncation, vector math, and logger construction.
package utils

// Truncate shortens s to at most maxLen bytes for log output, appending "..."
// when anything was cut. Paper titles routinely run long; log lines should
// not. A maxLen of zero or less disables truncation.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	// Back up to a rune boundary so a multibyte title is never cut mid-rune.
	cut := maxLen
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}
