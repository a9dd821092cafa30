// util.go: Helpers for identifier generation and request classification
package ratelimit

import (
	"strconv"
	"strings"
	"unicode/utf16"
)

const unknownUserAgent = "unknown"

// BuildIdentifier derives the quota key for a request. Authenticated callers
// share one quota per account; anonymous callers are keyed by client IP plus a
// user-agent fingerprint so unrelated clients behind one NAT are told apart.
func BuildIdentifier(subject *Subject, clientIP, userAgent string) string {
	if subject != nil && subject.ID != "" {
		return "user_" + subject.ID
	}
	if clientIP == "" {
		clientIP = "unknown"
	}
	if userAgent == "" {
		userAgent = unknownUserAgent
	}
	return "ip_" + clientIP + "_" + strconv.FormatInt(FingerprintHash(userAgent), 10)
}

// FingerprintHash is a 31-multiplier rolling hash over UTF-16 code units with
// 32-bit wrap-around, returned as an absolute value. It only spreads
// collisions; it is not a security boundary.
func FingerprintHash(s string) int64 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = (h << 5) - h + int32(c)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return v
}

// matchesPrefix reports whether path starts with any of prefixes.
func matchesPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
