package crawl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"packetmap/model"
	"packetmap/strutil"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrNothingToCrawl means automatic selection found no eligible target.
	// It is a normal outcome, not a failure.
	ErrNothingToCrawl = errors.New("crawl: nothing to crawl")
	// ErrClaimLost means another run claimed an explicitly requested target.
	ErrClaimLost = errors.New("crawl: target claimed by another run")
)

// TargetStore is the slice of the store the scheduler needs.
type TargetStore interface {
	Target(ctx context.Context, nodeID string, port int) (model.CrawlTarget, bool, error)
	EligibleTargets(ctx context.Context, now time.Time, refresh time.Duration) ([]model.CrawlTarget, error)
	ClaimTarget(ctx context.Context, t model.CrawlTarget, now time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, id int64, claimedAt, previous time.Time) error
}

// Selection names the target of a run. Auto and NodeID are exclusive. A zero
// Port in explicit mode is resolved after the Ports screen has been read.
type Selection struct {
	NodeID string
	Port   int
	Auto   bool
}

// Claim is a target reserved for one run. When Held, last_crawled was moved
// from Previous to At and Release puts it back.
type Claim struct {
	Target   model.CrawlTarget
	Previous time.Time
	At       time.Time
	Held     bool
}

// Scheduler picks crawl targets and reserves them.
type Scheduler struct {
	targets TargetStore
	refresh time.Duration
	clock   clockwork.Clock
	rng     *rand.Rand
}

// NewScheduler builds a scheduler whose automatic mode revisits targets not
// crawled within refresh. A nil rng is seeded from the clock.
func NewScheduler(targets TargetStore, refresh time.Duration, clock clockwork.Clock, rng *rand.Rand) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(clock.Now().UnixNano()))
	}
	return &Scheduler{targets: targets, refresh: refresh, clock: clock, rng: rng}
}

// Purpose: Turn a CLI selection into a reserved target.
// Key aspects: Automatic mode draws uniformly among eligible targets and
// claims with a compare-and-set on last_crawled; a lost race moves on to the
// next candidate. Explicit mode ignores the refresh interval.
// Upstream: Crawler.RunHeard.
// Downstream: TargetStore.EligibleTargets, TargetStore.ClaimTarget.
func (s *Scheduler) Select(ctx context.Context, sel Selection) (Claim, error) {
	if sel.Auto {
		return s.selectAuto(ctx)
	}
	node := strutil.NormalizeUpper(sel.NodeID)
	if node == "" {
		return Claim{}, errors.New("crawl: no target selected")
	}
	if sel.Port <= 0 {
		return Claim{Target: model.CrawlTarget{NodeID: node}}, nil
	}
	return s.Bind(ctx, node, sel.Port)
}

// Bind claims the stored target for (nodeID, port). A target the store has
// never seen, or one waiting for a port check, comes back unheld.
func (s *Scheduler) Bind(ctx context.Context, nodeID string, port int) (Claim, error) {
	t, ok, err := s.targets.Target(ctx, nodeID, port)
	if err != nil {
		return Claim{}, err
	}
	if !ok {
		return Claim{Target: model.CrawlTarget{NodeID: nodeID, Port: port, ActivePort: true}}, nil
	}
	if t.NeedsCheck {
		return Claim{Target: t}, nil
	}
	now := s.now()
	won, err := s.targets.ClaimTarget(ctx, t, now)
	if err != nil {
		return Claim{}, err
	}
	if !won {
		return Claim{}, fmt.Errorf("%w: %s", ErrClaimLost, t)
	}
	return Claim{Target: t, Previous: t.LastCrawled, At: now, Held: true}, nil
}

func (s *Scheduler) selectAuto(ctx context.Context) (Claim, error) {
	now := s.now()
	candidates, err := s.targets.EligibleTargets(ctx, now, s.refresh)
	if err != nil {
		return Claim{}, err
	}
	for _, i := range s.rng.Perm(len(candidates)) {
		t := candidates[i]
		won, err := s.targets.ClaimTarget(ctx, t, now)
		if err != nil {
			return Claim{}, err
		}
		if won {
			log.Printf("crawl: selected %s out of %d eligible", t, len(candidates))
			return Claim{Target: t, Previous: t.LastCrawled, At: now, Held: true}, nil
		}
		log.Printf("crawl: %s claimed by another run, trying next", t)
	}
	return Claim{}, ErrNothingToCrawl
}

// Release undoes a held claim. It is a no-op for unheld claims.
func (s *Scheduler) Release(ctx context.Context, c Claim) error {
	if !c.Held {
		return nil
	}
	return s.targets.ReleaseClaim(ctx, c.Target.ID, c.At, c.Previous)
}

func (s *Scheduler) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Second)
}
