package geocode

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"packetmap/model"

	"github.com/jonboulle/clockwork"
)

// Quarantine reasons.
const (
	ReasonNeverResolved = "never resolved"
	ReasonRegressed     = "resolution regressed"
)

// QuarantineBook is the persistent quarantine, keyed by subject.
type QuarantineBook interface {
	GetQuarantine(ctx context.Context, subject string) (model.Quarantine, bool, error)
	PutQuarantine(ctx context.Context, q model.Quarantine) error
	ClearQuarantine(ctx context.Context, subject string) (bool, error)
}

// Outcome classifies a Resolve call.
type Outcome int

const (
	Resolved Outcome = iota
	Skipped          // quarantined inside the refresh window, provider not asked
	NotFound         // provider answered "not found"
	Failed           // transient errors exhausted the retry budget
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case Skipped:
		return "skipped"
	case NotFound:
		return "not_found"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Resolution is the result of Resolve. Location is set only when Resolved.
type Resolution struct {
	Location *model.Location
	Outcome  Outcome
	Attempts int
	Err      error
}

// Client applies quarantine and retry policy around a Provider.
type Client struct {
	provider Provider
	policy   RetryPolicy
	refresh  time.Duration
	clock    clockwork.Clock
}

// NewClient builds a client. refresh is how long a quarantine entry holds off
// further lookups when the caller does not name its own window.
func NewClient(provider Provider, policy RetryPolicy, refresh time.Duration, clock clockwork.Clock) *Client {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{provider: provider, policy: policy, refresh: refresh, clock: clock}
}

// Resolve returns the location of baseCall. Provider failures never surface
// as errors; only quarantine storage failures and context cancellation do.
func (c *Client) Resolve(ctx context.Context, book QuarantineBook, baseCall string) (Resolution, error) {
	return c.ResolveWithin(ctx, book, baseCall, c.refresh)
}

// ResolveWithin is Resolve with the quarantine window set by the caller, so a
// pass can hold quarantined calls off for the same interval it revisits
// stations with. A non-positive refresh falls back to the client's window.
func (c *Client) ResolveWithin(ctx context.Context, book QuarantineBook, baseCall string, refresh time.Duration) (Resolution, error) {
	if refresh <= 0 {
		refresh = c.refresh
	}
	if baseCall == "" {
		return Resolution{Outcome: NotFound, Err: ErrNotFound}, nil
	}
	q, quarantined, err := book.GetQuarantine(ctx, baseCall)
	if err != nil {
		return Resolution{}, fmt.Errorf("geocode: quarantine lookup %s: %w", baseCall, err)
	}
	if quarantined && c.clock.Since(q.LastChecked) < refresh {
		log.Printf("geocode: skip %s, quarantined %s (%s)", baseCall, q.LastChecked.UTC().Format(time.RFC3339), q.Reason)
		return Resolution{Outcome: Skipped}, nil
	}

	var loc model.Location
	attempts, err := c.policy.Do(ctx, c.clock, func(ctx context.Context) error {
		found, err := c.provider.Lookup(ctx, baseCall)
		if err == nil {
			loc = found
		}
		return err
	})
	switch {
	case err == nil:
		if quarantined {
			if _, err := book.ClearQuarantine(ctx, baseCall); err != nil {
				return Resolution{}, fmt.Errorf("geocode: clear quarantine %s: %w", baseCall, err)
			}
			log.Printf("geocode: %s resolved, quarantine cleared", baseCall)
		}
		return Resolution{Location: &loc, Outcome: Resolved, Attempts: attempts}, nil
	case errors.Is(err, ErrNotFound):
		return Resolution{Outcome: NotFound, Attempts: attempts, Err: err}, nil
	case ctx.Err() != nil:
		return Resolution{}, ctx.Err()
	default:
		log.Printf("geocode: lookup %s failed after %d attempts: %v", baseCall, attempts, err)
		return Resolution{Outcome: Failed, Attempts: attempts, Err: err}, nil
	}
}

// Quarantine writes or refreshes the entry for q.Subject. hadLocation selects
// the reason: a station that used to resolve has regressed.
func (c *Client) Quarantine(ctx context.Context, book QuarantineBook, q model.Quarantine, hadLocation bool) error {
	q.LastChecked = c.clock.Now().UTC()
	q.Reason = ReasonNeverResolved
	if hadLocation {
		q.Reason = ReasonRegressed
	}
	if err := book.PutQuarantine(ctx, q); err != nil {
		return fmt.Errorf("geocode: quarantine %s: %w", q.Subject, err)
	}
	log.Printf("geocode: quarantined %s (%s, parent %s)", q.Subject, q.Reason, q.ParentTarget)
	return nil
}
