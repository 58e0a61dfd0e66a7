// Package geocode resolves base callsigns to a position through a pluggable
// provider, with bounded retries and a persistent quarantine that keeps
// unresolvable calls away from the provider until their refresh window ends.
package geocode

import (
	"context"
	"errors"

	"packetmap/internal/ratelimit"
	"packetmap/model"
)

// ErrNotFound is returned by providers that positively know the call has no
// location. Every other provider error is treated as transient.
var ErrNotFound = errors.New("geocode: callsign not found")

// Provider looks up one base call.
type Provider interface {
	Lookup(ctx context.Context, call string) (model.Location, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, call string) (model.Location, error)

// Lookup calls f.
func (f ProviderFunc) Lookup(ctx context.Context, call string) (model.Location, error) {
	return f(ctx, call)
}

// Paced spaces the calls that reach inner with spacer, so a long heard list
// does not burst the lookup service.
func Paced(inner Provider, spacer *ratelimit.Spacer) Provider {
	return ProviderFunc(func(ctx context.Context, call string) (model.Location, error) {
		if _, err := spacer.Wait(ctx); err != nil {
			return model.Location{}, err
		}
		return inner.Lookup(ctx, call)
	})
}
