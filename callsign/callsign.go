// Package callsign canonicalizes the call tokens scraped from BBS screens.
package callsign

import (
	"errors"
	"strings"

	"packetmap/strutil"
)

// ErrMalformedCall is returned for tokens that carry no call at all.
var ErrMalformedCall = errors.New("callsign: empty call token")

// Call is the canonical form of one raw token.
type Call struct {
	Full    string // trimmed, upper-cased token
	Base    string // alphanumerics before the first '-'
	SSID    int
	HasSSID bool
}

// Purpose: Split a raw token into full call, base call, and SSID.
// Key aspects: Full is exactly the trimmed upper-case token; SSID presence
// follows the '-' separator even when the suffix carries no digits.
// Upstream: screen parsers, crawl passes.
// Downstream: strutil.NormalizeUpper, alnum.
func Normalize(raw string) (Call, error) {
	full := strutil.NormalizeUpper(raw)
	if full == "" {
		return Call{}, ErrMalformedCall
	}
	call := Call{Full: full}
	head, tail, found := strings.Cut(full, "-")
	call.Base = alnum(head)
	if found {
		call.HasSSID = true
		call.SSID = leadingNumber(alnum(tail))
	}
	return call, nil
}

// Base returns the base call of raw, or "" when raw is empty.
func Base(raw string) string {
	call, err := Normalize(raw)
	if err != nil {
		return ""
	}
	return call.Base
}

func alnum(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// leadingNumber reads the digits at the start of s. SSIDs are 0-15 on AX.25,
// so anything longer than three digits is treated as noise.
func leadingNumber(s string) int {
	n := 0
	for i := 0; i < len(s) && i < 3; i++ {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}
