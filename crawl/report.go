package crawl

import (
	"fmt"
	"strings"
	"time"

	"packetmap/model"

	"github.com/dustin/go-humanize"
)

// Run modes, as stored in crawl_runs.mode.
const (
	ModeHeard      = "heard"
	ModeLocalHeard = "local-heard"
	ModeNodes      = "nodes"
	ModeConfirm    = "confirm"
)

// Report summarises one run.
type Report struct {
	Mode            string
	Target          model.CrawlTarget
	Status          string
	Detail          string
	Started         time.Time
	Finished        time.Time
	PreviousCrawl   time.Time
	EventsAdded     int
	StationsAdded   int
	StationsUpdated int
	Quarantined     int
	SkippedTokens   int
	RejectedRows    int
}

// Summary renders the one-line log message for the run.
func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", r.Mode)
	if r.Target.NodeID != "" {
		fmt.Fprintf(&b, " %s", r.Target)
	}
	fmt.Fprintf(&b, ": %s", r.Status)
	if r.Status == model.RunNothingToCrawl {
		return b.String()
	}
	fmt.Fprintf(&b, ", %s events, %s stations added, %s updated, %s quarantined",
		humanize.Comma(int64(r.EventsAdded)),
		humanize.Comma(int64(r.StationsAdded)),
		humanize.Comma(int64(r.StationsUpdated)),
		humanize.Comma(int64(r.Quarantined)))
	if r.SkippedTokens > 0 || r.RejectedRows > 0 {
		fmt.Fprintf(&b, ", skipped %d tokens and %d rows", r.SkippedTokens, r.RejectedRows)
	}
	if !r.PreviousCrawl.IsZero() && !r.Started.IsZero() {
		fmt.Fprintf(&b, ", previous crawl %s", humanize.RelTime(r.PreviousCrawl, r.Started, "ago", "from now"))
	}
	if !r.Started.IsZero() && !r.Finished.IsZero() {
		fmt.Fprintf(&b, " (%s)", r.Finished.Sub(r.Started).Round(time.Millisecond))
	}
	if r.Detail != "" {
		fmt.Fprintf(&b, ": %s", r.Detail)
	}
	return b.String()
}

func (r Report) run() model.Run {
	return model.Run{
		Mode:            r.Mode,
		NodeID:          r.Target.NodeID,
		Port:            r.Target.Port,
		TargetUID:       r.Target.UID,
		Status:          r.Status,
		StartedAt:       r.Started,
		FinishedAt:      r.Finished,
		EventsAdded:     r.EventsAdded,
		StationsAdded:   r.StationsAdded,
		StationsUpdated: r.StationsUpdated,
		Quarantined:     r.Quarantined,
		Detail:          r.Detail,
	}
}
