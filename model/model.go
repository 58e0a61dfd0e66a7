// Package model holds the typed records that flow from the screen parser
// through enrichment into the store.
package model

import (
	"strconv"
	"time"
)

// CrawlTarget is one radio port on a BBS node that heard-station passes visit.
type CrawlTarget struct {
	ID          int64
	NodeID      string
	Port        int
	PortName    string
	LastCrawled time.Time // zero when never crawled
	NeedsCheck  bool
	ActivePort  bool
	UID         string
}

// TargetUID derives the stable key used once a port label is confirmed.
func TargetUID(nodeID, portName string) string {
	return nodeID + "-" + portName
}

// String renders the target as NODE:port for log lines.
func (t CrawlTarget) String() string {
	return t.NodeID + ":" + strconv.Itoa(t.Port)
}

// StationKind says which of the three station tables a row belongs to.
type StationKind string

const (
	KindOperator   StationKind = "operator"
	KindDigipeater StationKind = "digipeater"
	KindNode       StationKind = "node"
)

// Scope says whether a station was heard by the login node itself or by a
// remote node reached through it.
type Scope string

const (
	ScopeLocal  Scope = "local"
	ScopeRemote Scope = "remote"
)

// Location is a geocoded position. Grid is a Maidenhead locator.
type Location struct {
	Lat  float64
	Lon  float64
	Grid string
}

// Station is an operator, digipeater, or first-order node.
type Station struct {
	ID           int64
	Kind         StationKind
	Scope        Scope
	Call         string // base call, SSID stripped
	SSID         int
	HasSSID      bool
	Alias        string
	LastHeard    time.Time
	LastChecked  time.Time
	Location     *Location
	ParentTarget string
	PortName     string
	UID          string
	Repeated     bool   // digipeater directly repeated the last transmission
	HeardPorts   string // comma-joined, append-only
	Bands        string // comma-joined, remote operators only
	Level        int
	Path         string
}

// HeardEvent is one immutable line of a heard-station list.
type HeardEvent struct {
	ID           int64
	Scope        Scope
	ParentTarget string
	Call         string // full call including SSID
	BaseCall     string
	SSID         int
	HasSSID      bool
	HeardTime    time.Time
	Path         string // comma-joined digipeater path as displayed
	PortName     string
	UID          string
	Band         string
	UpdateTime   time.Time
}

// Quarantine suppresses repeated geocode lookups for a subject.
type Quarantine struct {
	Subject      string
	Alias        string
	LastChecked  time.Time
	Reason       string
	ParentTarget string
}

// Run status values recorded in crawl_runs.
const (
	RunOK          = "ok"
	RunUnreachable = "unreachable"
	RunPortChanged = "port_changed"
	RunScreenError = "screen_error"
	RunFailed      = "failed"

	// RunNothingToCrawl is reported but never recorded.
	RunNothingToCrawl = "nothing_to_crawl"
)

// Run is the bookkeeping row written once per finished crawl pass.
type Run struct {
	ID              int64
	Mode            string
	NodeID          string
	Port            int
	TargetUID       string
	Status          string
	StartedAt       time.Time
	FinishedAt      time.Time
	EventsAdded     int
	StationsAdded   int
	StationsUpdated int
	Quarantined     int
	Detail          string
}
