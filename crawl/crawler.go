// Package crawl runs the batch passes over the packet network: choose a
// target, drive a bbs session through its screens, enrich what was heard, and
// persist it.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"packetmap/bbs"
	"packetmap/callsign"
	"packetmap/geocode"
	"packetmap/model"
	"packetmap/screen"
	"packetmap/store"

	"github.com/jonboulle/clockwork"
)

// Settings are the per-process knobs of a crawler.
type Settings struct {
	Host        string
	Port        int
	Credentials bbs.Credentials
	Session     bbs.Options
	// LoginNode is the node id of the BBS we log in to. Local-scope rows
	// use it as their parent.
	LoginNode      string
	ScreenTimeout  time.Duration
	StationRefresh time.Duration
	NodeRefresh    time.Duration
	DedupWindow    time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.ScreenTimeout <= 0 {
		s.ScreenTimeout = 30 * time.Second
	}
	if s.StationRefresh <= 0 {
		s.StationRefresh = 24 * time.Hour
	}
	if s.NodeRefresh <= 0 {
		s.NodeRefresh = 7 * 24 * time.Hour
	}
	if s.DedupWindow <= 0 {
		s.DedupWindow = store.DefaultDedupWindow
	}
	return s
}

// PortChooser picks a port from the Ports screen when the operator named a
// node but no port.
type PortChooser func(nodeID string, ports map[int]string) (int, error)

// Deps are the collaborators a Crawler drives.
type Deps struct {
	Store      *store.Store
	Geocoder   *geocode.Client
	Scheduler  *Scheduler
	Clock      clockwork.Clock
	Metrics    *Metrics
	ChoosePort PortChooser
}

// Crawler runs one pass per call. It is not safe for concurrent use.
type Crawler struct {
	settings Settings
	store    *store.Store
	geo      *geocode.Client
	sched    *Scheduler
	clock    clockwork.Clock
	metrics  *Metrics
	choose   PortChooser
}

// New builds a crawler.
func New(settings Settings, deps Deps) *Crawler {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Crawler{
		settings: settings.withDefaults(),
		store:    deps.Store,
		geo:      deps.Geocoder,
		sched:    deps.Scheduler,
		clock:    clock,
		metrics:  deps.Metrics,
		choose:   deps.ChoosePort,
	}
}

func (c *Crawler) now() time.Time {
	return c.clock.Now().UTC().Truncate(time.Second)
}

func (c *Crawler) newReport(mode string) Report {
	return Report{Mode: mode, Started: c.clock.Now().UTC()}
}

func (c *Crawler) session(fn func(*bbs.Session) error) error {
	s := c.settings
	return bbs.Run(s.Host, s.Port, s.Credentials, s.Session, fn)
}

// readScreen runs cmd up to the screen sentinel.
func (c *Crawler) readScreen(s *bbs.Session, cmd string) ([]byte, error) {
	return s.RunCommand(cmd, screen.Sentinel, c.settings.ScreenTimeout)
}

// screenFailure reports errors that abort one screen but not the run.
func screenFailure(err error) bool {
	return errors.Is(err, bbs.ErrProtocolTimeout) || errors.Is(err, screen.ErrScreenFormat)
}

// finish stamps, records, and logs the run. A failure to record the run is
// returned only when the run itself succeeded.
func (c *Crawler) finish(ctx context.Context, rep *Report, runErr error) (Report, error) {
	rep.Finished = c.clock.Now().UTC()
	if rep.Status == "" {
		rep.Status = model.RunOK
	}
	if runErr != nil && rep.Detail == "" {
		rep.Detail = runErr.Error()
	}
	c.metrics.observeRun(*rep)
	log.Printf("crawl: %s", rep.Summary())
	if rep.Status == model.RunNothingToCrawl {
		return *rep, runErr
	}
	if _, err := c.store.RecordRun(ctx, rep.run()); err != nil {
		log.Printf("crawl: %v", err)
		if runErr == nil {
			runErr = err
		}
	}
	return *rep, runErr
}

func (c *Crawler) release(ctx context.Context, claim Claim) {
	if c.sched == nil {
		return
	}
	if err := c.sched.Release(ctx, claim); err != nil {
		log.Printf("crawl: release %s: %v", claim.Target, err)
	}
}

// logScreenError records why a screen was abandoned.
func logScreenError(rep *Report, err error) {
	rep.Status = model.RunScreenError
	rep.Detail = err.Error()
	var sfe *screen.ScreenFormatError
	var pte *bbs.ProtocolTimeoutError
	switch {
	case errors.As(err, &sfe):
		log.Printf("crawl: %s: unreadable %s screen (%s), %d bytes, digest %016x",
			rep.Target.NodeID, sfe.Screen, sfe.Reason, len(sfe.Raw), sfe.Digest())
	case errors.As(err, &pte):
		log.Printf("crawl: %s: %q timed out waiting for %q, %d bytes kept",
			rep.Target.NodeID, pte.Command, pte.Marker, len(pte.Partial))
	default:
		log.Printf("crawl: %s: %v", rep.Target.NodeID, err)
	}
}

// suggestNode logs the nearest known node when an explicit target has never
// been seen.
func (c *Crawler) suggestNode(ctx context.Context, nodeID string) {
	known, err := c.store.KnownNodes(ctx)
	if err != nil || len(known) == 0 {
		return
	}
	if hint := callsign.Suggest(nodeID, known); hint != "" {
		log.Printf("crawl: %s is not a known node; did you mean %s?", nodeID, hint)
	}
}

// ConfirmPort re-reads the Ports screen of a flagged target and accepts the
// label now shown for port as its confirmed name.
func (c *Crawler) ConfirmPort(ctx context.Context, nodeID string, port int) (Report, error) {
	rep := c.newReport(ModeConfirm)
	target, ok, err := c.store.Target(ctx, nodeID, port)
	if err != nil {
		rep.Status = model.RunFailed
		return c.finish(ctx, &rep, err)
	}
	if !ok {
		rep.Target = model.CrawlTarget{NodeID: nodeID, Port: port}
		rep.Status = model.RunFailed
		return c.finish(ctx, &rep, fmt.Errorf("crawl: no target %s:%d", nodeID, port))
	}
	rep.Target = target
	if !target.NeedsCheck {
		rep.Detail = "port already confirmed"
		return c.finish(ctx, &rep, nil)
	}

	var (
		label     string
		screenErr error
	)
	err = c.session(func(s *bbs.Session) error {
		if err := s.ConnectTo(nodeID); err != nil {
			return err
		}
		raw, err := c.readScreen(s, "p")
		if err == nil {
			var ports map[int]string
			if ports, err = screen.ParsePorts(raw); err == nil {
				var listed bool
				if label, listed = ports[port]; !listed {
					err = fmt.Errorf("%w: port %d not listed", screen.ErrScreenFormat, port)
				}
			}
		}
		if err != nil && screenFailure(err) {
			screenErr = err
			return nil
		}
		return err
	})
	switch {
	case errors.Is(err, bbs.ErrTargetUnreachable):
		rep.Status = model.RunUnreachable
		rep.Detail = err.Error()
		return c.finish(ctx, &rep, nil)
	case err != nil:
		rep.Status = model.RunFailed
		return c.finish(ctx, &rep, err)
	case screenErr != nil:
		logScreenError(&rep, screenErr)
		return c.finish(ctx, &rep, nil)
	}
	if err := c.store.ConfirmPort(ctx, target.ID, target.NodeID, label); err != nil {
		rep.Status = model.RunFailed
		return c.finish(ctx, &rep, err)
	}
	rep.Detail = fmt.Sprintf("port %d confirmed as %q (was %q)", port, label, target.PortName)
	rep.Target.PortName = label
	rep.Target.UID = model.TargetUID(target.NodeID, label)
	return c.finish(ctx, &rep, nil)
}
