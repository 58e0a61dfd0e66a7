package screen

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Digipeater is one hop of a heard path.
type Digipeater struct {
	Call     string // as displayed, without the trailing '*'
	Repeated bool   // '*' marks the hop that repeated the last frame
}

// HeardRow is one parsed line of a heard-station list.
type HeardRow struct {
	Call        string
	HeardAt     time.Time
	Digipeaters []Digipeater
}

// Path renders the digipeater list the way the node printed it.
func (r HeardRow) Path() string {
	if len(r.Digipeaters) == 0 {
		return ""
	}
	parts := make([]string, len(r.Digipeaters))
	for i, d := range r.Digipeaters {
		parts[i] = d.Call
		if d.Repeated {
			parts[i] += "*"
		}
	}
	return strings.Join(parts, ",")
}

// Heard is a parsed heard list. Rejected holds rows whose time field could
// not be read; they are skipped rather than failing the whole screen.
type Heard struct {
	Port     int
	Rows     []HeardRow
	Rejected []string
}

// ParseHeard reads the heard list for port. Rows carry either an absolute
// "Mon DD HH:MM:SS" stamp (the node omits the year) or an elapsed
// "d:h:m:s" duration; both are resolved against now. Rows come back
// oldest first.
func ParseHeard(raw []byte, port int, now time.Time) (Heard, error) {
	out := Heard{Port: port}
	lines, err := frame("heard", HeardBanner(port), raw)
	if err != nil {
		return out, err
	}
	now = now.UTC().Truncate(time.Second)
	for _, line := range lines {
		tokens := dropVia(strings.Fields(line))
		if len(tokens) < 2 {
			continue
		}
		row, err := parseHeardRow(tokens, now)
		if err != nil {
			out.Rejected = append(out.Rejected, line)
			continue
		}
		out.Rows = append(out.Rows, row)
	}
	if len(out.Rows) == 0 {
		return out, formatErr("heard", "no heard rows", raw)
	}
	sort.SliceStable(out.Rows, func(i, j int) bool {
		return out.Rows[i].HeardAt.Before(out.Rows[j].HeardAt)
	})
	return out, nil
}

func dropVia(tokens []string) []string {
	kept := tokens[:0]
	for _, tok := range tokens {
		if strings.EqualFold(tok, "via") {
			continue
		}
		kept = append(kept, tok)
	}
	return kept
}

func parseHeardRow(tokens []string, now time.Time) (HeardRow, error) {
	row := HeardRow{Call: tokens[0]}
	var rest []string
	if elapsed, ok := parseElapsed(tokens[1]); ok {
		row.HeardAt = now.Add(-elapsed)
		rest = tokens[2:]
	} else {
		if len(tokens) < 4 {
			return row, fmt.Errorf("screen: unrecognized time field %q", tokens[1])
		}
		at, err := parseAbsolute(tokens[1], tokens[2], tokens[3], now)
		if err != nil {
			return row, err
		}
		row.HeardAt = at
		rest = tokens[4:]
	}
	row.Digipeaters = parseDigipeaters(strings.Join(rest, ","))
	return row, nil
}

// parseElapsed reads "d:h:m:s".
func parseElapsed(field string) (time.Duration, bool) {
	parts := strings.Split(field, ":")
	if len(parts) != 4 {
		return 0, false
	}
	units := [4]time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, false
		}
		total += time.Duration(n) * units[i]
	}
	return total, true
}

// parseAbsolute reads "Mon DD HH:MM:SS" in the year of now. Node clocks do not
// print the year, so a stamp that lands in the future, or names a day this
// year does not have, belongs to last year.
func parseAbsolute(month, day, clock string, now time.Time) (time.Time, error) {
	var err error
	for _, year := range []int{now.Year(), now.Year() - 1} {
		stamp := fmt.Sprintf("%s %s %s %d", month, day, clock, year)
		var at time.Time
		at, err = time.ParseInLocation("Jan 2 15:04:05 2006", stamp, time.UTC)
		if err != nil {
			err = fmt.Errorf("screen: bad heard time %q: %w", stamp, err)
			continue
		}
		if !at.After(now) {
			return at, nil
		}
		err = fmt.Errorf("screen: heard time %q is in the future", stamp)
	}
	return time.Time{}, err
}

func parseDigipeaters(field string) []Digipeater {
	var out []Digipeater
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d := Digipeater{Call: strings.TrimRight(part, "*")}
		d.Repeated = d.Call != part
		if d.Call == "" {
			continue
		}
		out = append(out, d)
	}
	return out
}
