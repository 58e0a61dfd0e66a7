package crawl

import (
	"context"
	"errors"
	"fmt"
	"log"

	"packetmap/bbs"
	"packetmap/model"
	"packetmap/screen"
	"packetmap/store"
)

// heardCapture is what the session phase of a heard pass brought back.
type heardCapture struct {
	label       string
	portChanged bool
	needsCheck  bool
	heard       screen.Heard
	screenErr   error
}

// RunHeard crawls the remote heard list of one target port.
//
// Purpose: Visit a node through the login node and record who it heard.
// Key aspects: Ports screen first; a relabelled port flags the target and
// stops the run. Session failures release the claim and write nothing.
// Screen failures keep the target bookkeeping already confirmed.
// Upstream: main (-mode heard).
// Downstream: Scheduler.Select, bbs.Run, screen parsers, ingestHeard.
func (c *Crawler) RunHeard(ctx context.Context, sel Selection) (Report, error) {
	rep := c.newReport(ModeHeard)
	claim, err := c.sched.Select(ctx, sel)
	if errors.Is(err, ErrNothingToCrawl) {
		rep.Status = model.RunNothingToCrawl
		return c.finish(ctx, &rep, nil)
	}
	if err != nil {
		rep.Target = model.CrawlTarget{NodeID: sel.NodeID, Port: sel.Port}
		rep.Status = model.RunFailed
		return c.finish(ctx, &rep, err)
	}
	rep.Target = claim.Target
	rep.PreviousCrawl = claim.Previous
	if claim.Target.NeedsCheck {
		rep.Status = model.RunPortChanged
		rep.Detail = "awaiting port check"
		return c.finish(ctx, &rep, nil)
	}
	if claim.Target.ID == 0 && claim.Target.Port > 0 {
		c.suggestNode(ctx, claim.Target.NodeID)
	}

	var capt heardCapture
	sessErr := c.session(func(s *bbs.Session) error {
		if err := s.ConnectTo(claim.Target.NodeID); err != nil {
			return err
		}
		raw, err := c.readScreen(s, "p")
		if err != nil {
			return c.keepScreenErr(&capt, err)
		}
		ports, err := screen.ParsePorts(raw)
		if err != nil {
			return c.keepScreenErr(&capt, err)
		}
		if claim.Target.Port <= 0 {
			if c.choose == nil {
				return fmt.Errorf("crawl: %s: no port given and no chooser", claim.Target.NodeID)
			}
			port, err := c.choose(claim.Target.NodeID, ports)
			if err != nil {
				return err
			}
			if claim, err = c.sched.Bind(ctx, claim.Target.NodeID, port); err != nil {
				return err
			}
			rep.Target = claim.Target
			rep.PreviousCrawl = claim.Previous
		}
		if claim.Target.NeedsCheck {
			capt.needsCheck = true
			return nil
		}
		label, ok := ports[claim.Target.Port]
		if !ok {
			return c.keepScreenErr(&capt, fmt.Errorf("%w: port %d not listed by %s",
				screen.ErrScreenFormat, claim.Target.Port, claim.Target.NodeID))
		}
		capt.label = label
		if claim.Target.PortName != "" && claim.Target.PortName != label {
			capt.portChanged = true
			return nil
		}
		at := c.now()
		raw, err = c.readScreen(s, fmt.Sprintf("mh %d", claim.Target.Port))
		if err != nil {
			return c.keepScreenErr(&capt, err)
		}
		if capt.heard, err = screen.ParseHeard(raw, claim.Target.Port, at); err != nil {
			return c.keepScreenErr(&capt, err)
		}
		return nil
	})

	switch {
	case errors.Is(sessErr, bbs.ErrTargetUnreachable):
		c.release(ctx, claim)
		rep.Status = model.RunUnreachable
		rep.Detail = sessErr.Error()
		return c.finish(ctx, &rep, nil)
	case sessErr != nil:
		c.release(ctx, claim)
		rep.Status = model.RunFailed
		return c.finish(ctx, &rep, sessErr)
	case capt.needsCheck:
		rep.Status = model.RunPortChanged
		rep.Detail = "awaiting port check"
		return c.finish(ctx, &rep, nil)
	case capt.label == "" && capt.screenErr != nil:
		c.release(ctx, claim)
		logScreenError(&rep, capt.screenErr)
		return c.finish(ctx, &rep, nil)
	case capt.portChanged:
		c.release(ctx, claim)
		if err := c.store.MarkNeedsCheck(ctx, claim.Target.ID); err != nil {
			rep.Status = model.RunFailed
			return c.finish(ctx, &rep, err)
		}
		rep.Status = model.RunPortChanged
		rep.Detail = fmt.Sprintf("port %d was %q, now %q", claim.Target.Port, claim.Target.PortName, capt.label)
		log.Printf("crawl: %s: %s; flagged for check", claim.Target, rep.Detail)
		return c.finish(ctx, &rep, nil)
	}

	runAt := claim.At
	if runAt.IsZero() {
		runAt = c.now()
	}
	target, err := c.store.UpsertTarget(ctx, model.CrawlTarget{
		NodeID:      claim.Target.NodeID,
		Port:        claim.Target.Port,
		PortName:    capt.label,
		LastCrawled: runAt,
	})
	if err != nil {
		c.release(ctx, claim)
		rep.Status = model.RunFailed
		if errors.Is(err, store.ErrNeedsCheck) {
			rep.Status = model.RunPortChanged
			return c.finish(ctx, &rep, nil)
		}
		return c.finish(ctx, &rep, err)
	}
	if !claim.Held {
		claim = Claim{Target: target, At: runAt, Held: true}
	}
	rep.Target = target

	if capt.screenErr != nil {
		c.release(ctx, claim)
		logScreenError(&rep, capt.screenErr)
		return c.finish(ctx, &rep, nil)
	}

	batch := heardBatch{
		scope:    model.ScopeRemote,
		parent:   target.NodeID,
		portName: target.PortName,
		uid:      target.UID,
		heard:    capt.heard,
	}
	if err := c.ingestHeard(ctx, &rep, batch); err != nil {
		c.release(ctx, claim)
		rep.Status = model.RunFailed
		return c.finish(ctx, &rep, err)
	}
	return c.finish(ctx, &rep, nil)
}

// keepScreenErr parks screen-level failures in capt and lets session-level
// ones end the session.
func (c *Crawler) keepScreenErr(capt *heardCapture, err error) error {
	if screenFailure(err) {
		capt.screenErr = err
		return nil
	}
	return err
}

// RunLocalHeard records the login node's own heard list for port. The node
// prints absolute times there.
func (c *Crawler) RunLocalHeard(ctx context.Context, port int) (Report, error) {
	if port <= 0 {
		port = 1
	}
	rep := c.newReport(ModeLocalHeard)
	rep.Target = model.CrawlTarget{NodeID: c.settings.LoginNode, Port: port}

	var capt heardCapture
	err := c.session(func(s *bbs.Session) error {
		raw, err := c.readScreen(s, "p")
		if err != nil {
			return c.keepScreenErr(&capt, err)
		}
		ports, err := screen.ParsePorts(raw)
		if err != nil {
			return c.keepScreenErr(&capt, err)
		}
		capt.label = ports[port]
		at := c.now()
		raw, err = c.readScreen(s, fmt.Sprintf("mhu %d", port))
		if err != nil {
			return c.keepScreenErr(&capt, err)
		}
		if capt.heard, err = screen.ParseHeard(raw, port, at); err != nil {
			return c.keepScreenErr(&capt, err)
		}
		return nil
	})
	if err != nil {
		rep.Status = model.RunFailed
		return c.finish(ctx, &rep, err)
	}
	if capt.screenErr != nil {
		logScreenError(&rep, capt.screenErr)
		return c.finish(ctx, &rep, nil)
	}
	rep.Target.PortName = capt.label
	if capt.label != "" {
		rep.Target.UID = model.TargetUID(c.settings.LoginNode, capt.label)
	}
	batch := heardBatch{
		scope:    model.ScopeLocal,
		parent:   c.settings.LoginNode,
		portName: capt.label,
		uid:      rep.Target.UID,
		heard:    capt.heard,
	}
	if err := c.ingestHeard(ctx, &rep, batch); err != nil {
		rep.Status = model.RunFailed
		return c.finish(ctx, &rep, err)
	}
	return c.finish(ctx, &rep, nil)
}
