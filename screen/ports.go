package screen

import (
	"strconv"
	"strings"
)

// ParsePorts reads the Ports screen into index -> label. Lines without a
// leading index are banner noise and are ignored.
func ParsePorts(raw []byte) (map[int]string, error) {
	lines, err := frame("ports", portsBanner, raw)
	if err != nil {
		return nil, err
	}
	ports := make(map[int]string, len(lines))
	for _, line := range lines {
		digits, rest := leadingDigits(line)
		if digits == "" {
			continue
		}
		idx, err := strconv.Atoi(digits)
		if err != nil {
			continue
		}
		ports[idx] = strings.TrimSpace(rest)
	}
	if len(ports) == 0 {
		return nil, formatErr("ports", "no port lines", raw)
	}
	return ports, nil
}
