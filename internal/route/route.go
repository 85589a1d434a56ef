// Package route implements the routing strategies that pick which worker
// address receives a trigger. Strategies are registered by tag in a Registry
// owned by the dispatcher; stateful strategies (round counters, LFU/LRU maps)
// keep their state on the instance, never in package globals.
package route

import (
	"context"
	"errors"

	"jobrig/internal/api"
	"jobrig/internal/model"
)

var ErrNoAddresses = errors.New("route: empty address list")

// Picker selects one address for a job. The address list must be non-empty;
// an empty list is a caller-side configuration failure.
//
// diagnostics is the operator-facing probe transcript. The probing
// strategies (FAILOVER, BUSYOVER) fill it on success and failure alike so
// the trigger record names every attempted address; the stateless
// strategies leave it empty. On failure the error message carries the
// transcript verbatim.
type Picker interface {
	Name() string
	Route(ctx context.Context, jobID int, addresses []string) (addr, diagnostics string, err error)
}

// IsBroadcast reports whether the tag means fan-out instead of selection.
// The dispatcher expands broadcast triggers itself, one per address.
func IsBroadcast(tag string) bool {
	return tag == model.RouteShardingBroadcast
}

// Registry resolves strategy tags to implementations.
type Registry struct {
	pickers map[string]Picker
}

// NewRegistry builds the full strategy set. clients is used by the
// heartbeat-probing strategies (FAILOVER, BUSYOVER).
func NewRegistry(clients api.ExecutorClientFactory) *Registry {
	r := &Registry{pickers: map[string]Picker{}}
	for _, p := range []Picker{
		first{},
		last{},
		newRound(),
		random{},
		consistentHash{},
		newLFU(),
		newLRU(),
		&failover{clients: clients},
		&busyover{clients: clients},
	} {
		r.pickers[p.Name()] = p
	}
	return r
}

// Match resolves a tag. Unknown or broadcast tags return ok=false; callers
// decide the fallback explicitly (there is no silent default).
func (r *Registry) Match(tag string) (Picker, bool) {
	p, ok := r.pickers[tag]
	return p, ok
}
