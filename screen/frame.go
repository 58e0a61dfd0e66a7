// Package screen turns the menu screens of a BPQ-style node into typed rows.
//
// Every screen is framed the same way: the text after the banner header is
// cut at the "***" sentinel, runs of spaces are collapsed, and the remainder
// is split into non-empty lines.
package screen

import (
	"strconv"
	"strings"

	"packetmap/strutil"
)

// Sentinel terminates every menu screen.
const Sentinel = "***"

const (
	portsBanner = "Ports"
	nodesBanner = "Nodes"
)

// HeardBanner is the header that precedes the heard list for a port.
func HeardBanner(port int) string {
	return "Port " + strconv.Itoa(port)
}

func frame(screen, banner string, raw []byte) ([]string, error) {
	text := string(raw)
	idx := indexBanner(text, banner)
	if idx < 0 {
		return nil, formatErr(screen, "missing "+banner+" banner", raw)
	}
	body := text[idx+len(banner):]
	end := strings.Index(body, Sentinel)
	if end < 0 {
		return nil, formatErr(screen, "missing "+Sentinel+" sentinel", raw)
	}
	body = strutil.CollapseSpaces(body[:end])
	fields := strings.FieldsFunc(body, func(r rune) bool { return r == '\r' || r == '\n' })
	lines := fields[:0]
	for _, line := range fields {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// indexBanner finds banner where it is not immediately followed by a digit,
// so "Port 1" does not match inside "Port 12".
func indexBanner(text, banner string) int {
	offset := 0
	for {
		idx := strings.Index(text[offset:], banner)
		if idx < 0 {
			return -1
		}
		idx += offset
		next := idx + len(banner)
		if next >= len(text) || text[next] < '0' || text[next] > '9' {
			return idx
		}
		offset = next
	}
}

// leadingDigits splits s into its leading digit run and the remainder.
func leadingDigits(s string) (string, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i], s[i:]
}
