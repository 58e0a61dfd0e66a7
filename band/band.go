// Package band derives an amateur band from a free-text radio port label.
package band

import (
	"regexp"
	"strconv"
)

// Band names as stored in heard_events.band and stations.bands.
const (
	Band70cm  = "70CM"
	Band2m    = "2M"
	Band125cm = "1.25M"
	Band20m   = "20M"
	Band40m   = "40M"
	Band80m   = "80M"
)

// rule matches when any pattern in anyOf matches and none in noneOf does.
type rule struct {
	name   string
	anyOf  []*regexp.Regexp
	noneOf []*regexp.Regexp
}

func (r rule) matches(label string) bool {
	hit := false
	for _, re := range r.anyOf {
		if re.MatchString(label) {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}
	for _, re := range r.noneOf {
		if re.MatchString(label) {
			return false
		}
	}
	return true
}

var (
	uhfAny    = regexp.MustCompile(`4..\.`)
	twoMAny   = regexp.MustCompile(`14.\.`)
	twoTwoAny = regexp.MustCompile(`22.\.`)
	hf20Space = regexp.MustCompile(` 14\.`)
	hf20Start = regexp.MustCompile(`^14\.`)
	hf20Any   = regexp.MustCompile(`14\.`)
	hf40Space = regexp.MustCompile(` 7\.`)
	hf40Start = regexp.MustCompile(`^7\.`)
	hf80Space = regexp.MustCompile(` 3\.`)
	hf80Start = regexp.MustCompile(`^3\.`)
)

// rules are checked in order. UHF comes before 2 m so that the "14" inside a
// label like "441.050" is not read as 20 m or 2 m.
var rules = []rule{
	{name: Band70cm, anyOf: []*regexp.Regexp{uhfAny}, noneOf: []*regexp.Regexp{hf20Space, hf40Space}},
	{name: Band2m, anyOf: []*regexp.Regexp{twoMAny}, noneOf: []*regexp.Regexp{hf20Space, hf40Space}},
	{name: Band125cm, anyOf: []*regexp.Regexp{twoTwoAny}},
	{name: Band20m, anyOf: []*regexp.Regexp{hf20Space, hf20Start}, noneOf: []*regexp.Regexp{twoMAny, hf40Space}},
	{name: Band40m, anyOf: []*regexp.Regexp{hf40Space, hf40Start}, noneOf: []*regexp.Regexp{twoMAny, hf20Any}},
	{name: Band80m, anyOf: []*regexp.Regexp{hf80Space, hf80Start}, noneOf: []*regexp.Regexp{twoMAny, hf20Any}},
}

// Info describes a band by name and frequency range in MHz.
type Info struct {
	Name string
	Min  float64
	Max  float64
}

var table = []Info{
	{Name: "160M", Min: 1.8, Max: 2.0},
	{Name: Band80m, Min: 3.5, Max: 4.0},
	{Name: "60M", Min: 5.33, Max: 5.405},
	{Name: Band40m, Min: 7.0, Max: 7.3},
	{Name: "30M", Min: 10.1, Max: 10.15},
	{Name: Band20m, Min: 14.0, Max: 14.35},
	{Name: "17M", Min: 18.068, Max: 18.168},
	{Name: "15M", Min: 21.0, Max: 21.45},
	{Name: "12M", Min: 24.89, Max: 24.99},
	{Name: "10M", Min: 28.0, Max: 29.7},
	{Name: "6M", Min: 50.0, Max: 54.0},
	{Name: Band2m, Min: 144.0, Max: 148.0},
	{Name: Band125cm, Min: 222.0, Max: 225.0},
	{Name: Band70cm, Min: 420.0, Max: 450.0},
	{Name: "33CM", Min: 902.0, Max: 928.0},
	{Name: "23CM", Min: 1240.0, Max: 1300.0},
}

var mhzRE = regexp.MustCompile(`(\d+\.\d+)\s*(?i:mhz)`)

// Classify maps a port label to a band name, or "" when nothing matches.
// The pattern rules run first; a label that names an explicit MHz frequency
// outside their reach (e.g. "50.620 MHz") falls back to the band table.
func Classify(label string) string {
	for _, r := range rules {
		if r.matches(label) {
			return r.name
		}
	}
	return fromFrequency(label)
}

func fromFrequency(label string) string {
	m := mhzRE.FindStringSubmatch(label)
	if m == nil {
		return ""
	}
	mhz, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return ""
	}
	return Lookup(mhz)
}

// Lookup returns the band containing mhz, or "".
func Lookup(mhz float64) string {
	for _, b := range table {
		if mhz >= b.Min && mhz <= b.Max {
			return b.Name
		}
	}
	return ""
}
