package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizePassword applies NFKD so that visually identical passwords
// typed on different keyboards hash the same.
func NormalizePassword(s string) string {
	return norm.NFKD.String(s)
}

// NormalizeEmail returns the lookup form of an email address: NFKC,
// trimmed, lower-cased.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}
