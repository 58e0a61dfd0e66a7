package geocode

import (
	"context"
	"log"
	"time"

	"packetmap/geocache"
	"packetmap/model"

	"github.com/jonboulle/clockwork"
)

// Cached answers lookups from a geocache.Store while entries are younger than
// ttl and falls through to inner otherwise. Only successes are cached, so
// "not found" answers are asked again next time.
type Cached struct {
	inner Provider
	store *geocache.Store
	ttl   time.Duration
	clock clockwork.Clock
}

// NewCached wraps inner with store.
func NewCached(inner Provider, store *geocache.Store, ttl time.Duration, clock clockwork.Clock) *Cached {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cached{inner: inner, store: store, ttl: ttl, clock: clock}
}

// Lookup implements Provider.
func (c *Cached) Lookup(ctx context.Context, call string) (model.Location, error) {
	entry, err := c.store.Get(call)
	if err != nil {
		log.Printf("geocode: cache read %s: %v", call, err)
	} else if entry != nil && c.clock.Since(entry.UpdatedAt) < c.ttl {
		return entry.Location, nil
	}
	loc, err := c.inner.Lookup(ctx, call)
	if err != nil {
		return loc, err
	}
	if err := c.store.Put(geocache.Entry{Call: call, Location: loc, UpdatedAt: c.clock.Now()}); err != nil {
		log.Printf("geocode: cache write %s: %v", call, err)
	}
	return loc, nil
}
