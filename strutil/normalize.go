package strutil

import "strings"

// NormalizeUpper trims surrounding whitespace and converts to upper case.
// Use for callsigns, node ids, and other tokens where case is not significant.
func NormalizeUpper(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

// NormalizeLower trims surrounding whitespace and converts to lower case.
func NormalizeLower(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// CollapseSpaces replaces every run of ASCII spaces with a single space.
// Tabs and line breaks are left alone so callers can still split on them.
func CollapseSpaces(value string) string {
	if !strings.Contains(value, "  ") {
		return value
	}
	var b strings.Builder
	b.Grow(len(value))
	prevSpace := false
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == ' ' {
			if prevSpace {
				continue
			}
			prevSpace = true
		} else {
			prevSpace = false
		}
		b.WriteByte(c)
	}
	return b.String()
}

// AppendListItem adds item to a comma-joined list unless it is already present.
// Empty items are ignored. The second return reports whether the list changed.
func AppendListItem(list, item string) (string, bool) {
	item = strings.TrimSpace(item)
	if item == "" {
		return list, false
	}
	if list == "" {
		return item, true
	}
	for _, existing := range strings.Split(list, ",") {
		if strings.TrimSpace(existing) == item {
			return list, false
		}
	}
	return list + "," + item, true
}
