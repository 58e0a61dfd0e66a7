package callsign

import "strings"

// Pair is one node-list entry. Alias is empty when the node advertised only
// its call.
type Pair struct {
	Alias string
	Call  string
}

// String renders the pair the way BBS node lists print it.
func (p Pair) String() string {
	if p.Alias == "" {
		return p.Call
	}
	return p.Alias + ":" + p.Call
}

// Bases returns the base call of every non-empty element.
func (p Pair) Bases() []string {
	out := make([]string, 0, 2)
	for _, v := range []string{p.Alias, p.Call} {
		if b := Base(v); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// DeduplicateAliasPairs keeps one entry per physical station. Two entries
// describe the same station when any base call of the later one was already
// kept. Order of first appearance wins, so applying it twice changes nothing.
func DeduplicateAliasPairs(pairs []Pair) []Pair {
	seen := make(map[string]struct{}, len(pairs)*2)
	out := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		bases := p.Bases()
		if len(bases) == 0 {
			continue
		}
		dup := false
		for _, b := range bases {
			if _, ok := seen[b]; ok {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		for _, b := range bases {
			seen[b] = struct{}{}
		}
		out = append(out, p)
	}
	return out
}

// SplitPair breaks an ALIAS:CALL token into a Pair. Empty fragments are
// dropped; a token with a single fragment becomes a call-only pair. Extra
// fragments past the second are ignored.
func SplitPair(token string) (Pair, bool) {
	var parts []string
	for _, frag := range strings.Split(token, ":") {
		frag = strings.TrimSpace(frag)
		if frag != "" {
			parts = append(parts, frag)
		}
	}
	switch len(parts) {
	case 0:
		return Pair{}, false
	case 1:
		return Pair{Call: parts[0]}, true
	default:
		return Pair{Alias: parts[0], Call: parts[1]}, true
	}
}
