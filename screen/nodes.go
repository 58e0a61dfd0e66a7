package screen

import (
	"strings"

	"packetmap/callsign"
)

// ParseNodes reads the Nodes screen into one alias/call pair per station.
func ParseNodes(raw []byte) ([]callsign.Pair, error) {
	lines, err := frame("nodes", nodesBanner, raw)
	if err != nil {
		return nil, err
	}
	var pairs []callsign.Pair
	for _, line := range lines {
		for _, token := range strings.Fields(line) {
			if p, ok := callsign.SplitPair(token); ok {
				pairs = append(pairs, p)
			}
		}
	}
	pairs = callsign.DeduplicateAliasPairs(pairs)
	if len(pairs) == 0 {
		return nil, formatErr("nodes", "no node entries", raw)
	}
	return pairs, nil
}
