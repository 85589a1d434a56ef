package route

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"jobrig/internal/model"
)

// Shared bounds for the stateful strategies. Per-job state is cleared
// wholesale every 24h so long-term drift self-corrects and maps stay bounded;
// counters are reseeded once they grow past the reset threshold.
const (
	stateTTL              = 24 * time.Hour
	counterResetThreshold = 1_000_000
	roundInitialBound     = 100
)

type first struct{}

func (first) Name() string { return model.RouteFirst }
func (first) Route(_ context.Context, _ int, addresses []string) (string, string, error) {
	if len(addresses) == 0 {
		return "", "", ErrNoAddresses
	}
	return addresses[0], "", nil
}

type last struct{}

func (last) Name() string { return model.RouteLast }
func (last) Route(_ context.Context, _ int, addresses []string) (string, string, error) {
	if len(addresses) == 0 {
		return "", "", ErrNoAddresses
	}
	return addresses[len(addresses)-1], "", nil
}

type random struct{}

func (random) Name() string { return model.RouteRandom }
func (random) Route(_ context.Context, _ int, addresses []string) (string, string, error) {
	if len(addresses) == 0 {
		return "", "", ErrNoAddresses
	}
	return addresses[rand.Intn(len(addresses))], "", nil
}

// round keeps one monotonically increasing counter per job id. Counters start
// at a random offset so a fleet of fresh jobs doesn't pile onto index 0.
type round struct {
	mu         sync.Mutex
	counters   map[int]int
	validUntil time.Time
}

func newRound() *round {
	return &round{counters: map[int]int{}}
}

func (*round) Name() string { return model.RouteRound }

func (r *round) Route(_ context.Context, jobID int, addresses []string) (string, string, error) {
	if len(addresses) == 0 {
		return "", "", ErrNoAddresses
	}
	n := r.next(jobID)
	return addresses[n%len(addresses)], "", nil
}

func (r *round) next(jobID int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.After(r.validUntil) {
		r.counters = map[int]int{}
		r.validUntil = now.Add(stateTTL)
	}

	c, ok := r.counters[jobID]
	if !ok {
		c = rand.Intn(roundInitialBound)
	}
	if c > counterResetThreshold {
		c = 0
	}
	r.counters[jobID] = c + 1
	return c
}
