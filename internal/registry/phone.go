package registry

import (
	"path/filepath"
	"regexp"
	"strings"
)

var nonDigitRe = regexp.MustCompile(`\D`)

// NormalizePhone reduces a phone-equivalent key to "+<digits>".
func NormalizePhone(raw string) string {
	digits := nonDigitRe.ReplaceAllString(raw, "")
	if digits == "" {
		return ""
	}
	return "+" + digits
}

// ValidPhone reports whether the key normalizes to a plausible number.
func ValidPhone(raw string) bool {
	n := NormalizePhone(raw)
	if len(n) < 8 || len(n) > 16 {
		return false
	}
	// No leading zero after the plus.
	return n[1] != '0'
}

// KeyFromFilename derives an identity key from an artifact filename.
// Returns false when the name carries no digits at all.
func KeyFromFilename(path string) (string, bool) {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, artifactExt)
	digits := nonDigitRe.ReplaceAllString(name, "")
	if len(digits) < 8 {
		return "", false
	}
	return "+" + digits, true
}

// MaskPhone hides the middle digits of a phone key for log output.
func MaskPhone(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
