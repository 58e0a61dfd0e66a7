package crawl

import (
	"context"
	"fmt"
	"log"
	"time"

	"packetmap/callsign"
	"packetmap/geocode"
	"packetmap/model"
	"packetmap/screen"
	"packetmap/store"
)

// heardBatch is one parsed heard list and where it came from.
type heardBatch struct {
	scope    model.Scope
	parent   string
	portName string
	uid      string
	heard    screen.Heard
}

// stationPlan is one station a run will insert or update, plus the geocode
// attempt made for it before the write transaction.
type stationPlan struct {
	station model.Station
	lookup  bool
	res     geocode.Resolution
}

// planSet keeps one plan per (kind, base call), holding the newest sighting.
type planSet struct {
	index map[string]int
	list  []*stationPlan
}

func newPlanSet() *planSet {
	return &planSet{index: make(map[string]int)}
}

func (ps *planSet) observe(st model.Station) {
	key := string(st.Kind) + "|" + st.Call
	if i, ok := ps.index[key]; ok {
		if !st.LastHeard.Before(ps.list[i].station.LastHeard) {
			ps.list[i].station = st
		}
		return
	}
	ps.index[key] = len(ps.list)
	ps.list = append(ps.list, &stationPlan{station: st})
}

type tally struct {
	events, added, updated int
}

// normalize canonicalises one call token, counting and logging the tokens it
// has to skip.
func normalize(rep *Report, parent, raw string) (callsign.Call, bool) {
	call, err := callsign.Normalize(raw)
	if err == nil && call.Base == "" {
		err = fmt.Errorf("%w: %q has no base call", callsign.ErrMalformedCall, raw)
	}
	if err != nil {
		rep.SkippedTokens++
		log.Printf("crawl: %s: skipped token: %v", parent, err)
		return callsign.Call{}, false
	}
	return call, true
}

// ingestHeard turns a heard list into events and stations and writes them in
// one transaction.
func (c *Crawler) ingestHeard(ctx context.Context, rep *Report, b heardBatch) error {
	rep.RejectedRows += len(b.heard.Rejected)
	for _, line := range b.heard.Rejected {
		log.Printf("crawl: %s: skipped heard row %q", b.parent, line)
	}
	now := c.now()
	trackPorts := b.portName != ""

	var events []model.HeardEvent
	plans := newPlanSet()
	for _, row := range b.heard.Rows {
		call, ok := normalize(rep, b.parent, row.Call)
		if !ok {
			continue
		}
		events = append(events, model.HeardEvent{
			Scope:        b.scope,
			ParentTarget: b.parent,
			Call:         call.Full,
			BaseCall:     call.Base,
			SSID:         call.SSID,
			HasSSID:      call.HasSSID,
			HeardTime:    row.HeardAt,
			Path:         row.Path(),
			PortName:     b.portName,
			UID:          b.uid,
			UpdateTime:   now,
		})
		op := model.Station{
			Kind:         model.KindOperator,
			Scope:        b.scope,
			Call:         call.Base,
			SSID:         call.SSID,
			HasSSID:      call.HasSSID,
			LastHeard:    row.HeardAt,
			ParentTarget: b.parent,
			PortName:     b.portName,
			UID:          b.uid,
			Path:         row.Path(),
		}
		if b.scope == model.ScopeRemote && trackPorts {
			op.HeardPorts = b.portName
		}
		plans.observe(op)
		for _, d := range row.Digipeaters {
			digi, ok := normalize(rep, b.parent, d.Call)
			if !ok {
				continue
			}
			st := model.Station{
				Kind:         model.KindDigipeater,
				Scope:        b.scope,
				Call:         digi.Base,
				SSID:         digi.SSID,
				HasSSID:      digi.HasSSID,
				LastHeard:    row.HeardAt,
				ParentTarget: b.parent,
				PortName:     b.portName,
				UID:          b.uid,
				Repeated:     d.Repeated,
			}
			if trackPorts {
				st.HeardPorts = b.portName
			}
			plans.observe(st)
		}
	}

	if err := c.enrich(ctx, rep, plans.list, c.settings.StationRefresh); err != nil {
		return err
	}

	var t tally
	err := c.store.InTx(ctx, func(tx *store.Tx) error {
		for _, ev := range events {
			added, err := tx.InsertHeardEvent(ctx, ev, c.settings.DedupWindow)
			if err != nil {
				return err
			}
			if added {
				t.events++
			}
		}
		for _, p := range plans.list {
			if err := applyStation(ctx, tx, p, now, &t); err != nil {
				return err
			}
		}
		if _, err := tx.BackfillBands(ctx); err != nil {
			return err
		}
		if b.scope == model.ScopeRemote {
			if _, err := tx.RefreshOperatorBands(ctx, b.parent); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	rep.EventsAdded += t.events
	rep.StationsAdded += t.added
	rep.StationsUpdated += t.updated
	return nil
}

// enrich geocodes every planned station that is new or whose last check is
// older than refresh. Quarantined calls are held off for the same refresh.
// Each base call is looked up at most once per run.
func (c *Crawler) enrich(ctx context.Context, rep *Report, plans []*stationPlan, refresh time.Duration) error {
	done := make(map[string]geocode.Resolution)
	quarantined := make(map[string]bool)
	for _, p := range plans {
		st := p.station
		existing, ok, err := c.store.Station(ctx, st.Kind, st.Scope, st.Call)
		if err != nil {
			return err
		}
		if ok && c.clock.Since(existing.LastChecked) < refresh {
			continue
		}
		res, seen := done[st.Call]
		if !seen {
			if res, err = c.geo.ResolveWithin(ctx, c.store, st.Call, refresh); err != nil {
				return err
			}
			done[st.Call] = res
			c.metrics.observeLookup(res.Outcome)
		}
		p.res = res
		p.lookup = res.Outcome != geocode.Skipped

		switch res.Outcome {
		case geocode.Resolved:
			continue
		case geocode.Skipped:
		default:
			if !quarantined[st.Call] {
				q := model.Quarantine{Subject: st.Call, Alias: st.Alias, ParentTarget: st.ParentTarget}
				if err := c.geo.Quarantine(ctx, c.store, q, ok && existing.Location != nil); err != nil {
					return err
				}
				quarantined[st.Call] = true
				rep.Quarantined++
			}
		}
		if !ok {
			log.Printf("crawl: %s: %s %s has no location (%s), not inserted", st.ParentTarget, st.Kind, st.Call, res.Outcome)
		}
	}
	return nil
}

// applyStation writes one plan inside the run transaction. The station is
// re-read there so a row added by a concurrent run is updated, not
// duplicated.
func applyStation(ctx context.Context, tx *store.Tx, p *stationPlan, now time.Time, t *tally) error {
	st := p.station
	existing, ok, err := tx.Station(ctx, st.Kind, st.Scope, st.Call)
	if err != nil {
		return err
	}
	if !ok {
		if p.res.Location == nil {
			return nil
		}
		st.Location = p.res.Location
		st.LastChecked = now
		if _, err := tx.InsertStation(ctx, st); err != nil {
			return err
		}
		t.added++
		return nil
	}

	changed := false
	advanced, err := tx.TouchLastHeard(ctx, existing.ID, st.LastHeard)
	if err != nil {
		return err
	}
	if advanced {
		if err := tx.UpdateAttribution(ctx, existing.ID, st); err != nil {
			return err
		}
		changed = true
	}
	if p.lookup {
		if err := tx.UpdateLocation(ctx, existing.ID, p.res.Location, now); err != nil {
			return err
		}
		if p.res.Location != nil {
			changed = true
		}
	}
	if st.HeardPorts != "" {
		added, err := tx.AddHeardPort(ctx, existing.ID, st.PortName)
		if err != nil {
			return err
		}
		changed = changed || added
	}
	if changed {
		t.updated++
	}
	return nil
}
