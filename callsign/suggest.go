package callsign

import (
	lev "github.com/agnivade/levenshtein"
)

// maxSuggestDistance bounds how different a suggestion may be. Node ids are
// short, so anything past two edits is a different station.
const maxSuggestDistance = 2

// Suggest returns the known node closest to call by edit distance, or "" when
// nothing is within reach. An exact match returns "" since there is nothing
// to suggest.
func Suggest(call string, known []string) string {
	call = Base(call)
	if call == "" {
		return ""
	}
	best := ""
	bestDist := maxSuggestDistance + 1
	for _, k := range known {
		kb := Base(k)
		if kb == "" {
			continue
		}
		if kb == call {
			return ""
		}
		d := lev.ComputeDistance(call, kb)
		if d < bestDist || (d == bestDist && kb < best) {
			best = kb
			bestDist = d
		}
	}
	if bestDist > maxSuggestDistance {
		return ""
	}
	return best
}
