package utils

import "strings"

// MaskSecret keeps a short prefix of long secrets so logs can tell keys apart.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) < 12 {
		return "*****"
	}
	return s[:4] + strings.Repeat("*", 5)
}
