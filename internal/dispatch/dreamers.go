package dispatch

import (
	"context"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/logging"
)

// DreamerLookup reports the registration and canon state of a handle
type DreamerLookup interface {
	IsRegistered(ctx context.Context, handle string) (bool, error)
	CanonCount(ctx context.Context, handle string) (int, error)
}

// fillDreamer sets the registration and canon flags of ev from the world.
// Events without a handle, or adapters without a lookup, are left as they
// are. A failed lookup leaves that flag false.
func fillDreamer(ctx context.Context, lookup DreamerLookup, ev *core.Event) {
	if lookup == nil || ev.Handle == "" {
		return
	}
	log := logging.WithFields(map[string]interface{}{"trigger": string(ev.Source), "handle": ev.Handle})

	ev.Registered = false
	if ok, err := lookup.IsRegistered(ctx, ev.Handle); err != nil {
		log.Warn("registration lookup failed: %v", err)
	} else {
		ev.Registered = ok
	}

	ev.HasCanon = false
	if n, err := lookup.CanonCount(ctx, ev.Handle); err != nil {
		log.Warn("canon lookup failed: %v", err)
	} else {
		ev.HasCanon = n > 0
	}
}
