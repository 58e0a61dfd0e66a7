package crawl

import (
	"context"

	"packetmap/bbs"
	"packetmap/callsign"
	"packetmap/model"
	"packetmap/screen"
	"packetmap/store"
)

// RunNodes reads the login node's node list and geocodes the first-order
// neighbours it names. Nodes that cannot be located are quarantined, not
// inserted; known nodes are re-located once NodeRefresh has passed.
func (c *Crawler) RunNodes(ctx context.Context) (Report, error) {
	rep := c.newReport(ModeNodes)
	parent := c.settings.LoginNode
	rep.Target = model.CrawlTarget{NodeID: parent}

	var (
		pairs     []callsign.Pair
		screenErr error
	)
	err := c.session(func(s *bbs.Session) error {
		raw, err := c.readScreen(s, "n")
		if err == nil {
			pairs, err = screen.ParseNodes(raw)
		}
		if err != nil && screenFailure(err) {
			screenErr = err
			return nil
		}
		return err
	})
	if err != nil {
		rep.Status = model.RunFailed
		return c.finish(ctx, &rep, err)
	}
	if screenErr != nil {
		logScreenError(&rep, screenErr)
		return c.finish(ctx, &rep, nil)
	}

	now := c.now()
	plans := newPlanSet()
	for _, p := range pairs {
		call, ok := normalize(&rep, parent, p.Call)
		if !ok {
			continue
		}
		plans.observe(model.Station{
			Kind:         model.KindNode,
			Scope:        model.ScopeLocal,
			Call:         call.Base,
			SSID:         call.SSID,
			HasSSID:      call.HasSSID,
			Alias:        p.Alias,
			LastHeard:    now,
			ParentTarget: parent,
			Level:        1,
		})
	}
	if err := c.enrich(ctx, &rep, plans.list, c.settings.NodeRefresh); err != nil {
		rep.Status = model.RunFailed
		return c.finish(ctx, &rep, err)
	}

	var t tally
	err = c.store.InTx(ctx, func(tx *store.Tx) error {
		for _, p := range plans.list {
			if err := applyStation(ctx, tx, p, now, &t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		rep.Status = model.RunFailed
		return c.finish(ctx, &rep, err)
	}
	rep.StationsAdded = t.added
	rep.StationsUpdated = t.updated
	return c.finish(ctx, &rep, nil)
}
