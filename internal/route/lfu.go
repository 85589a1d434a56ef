package route

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"jobrig/internal/model"
)

// lfu routes each job to the address it has used least often. New addresses
// are seeded with a small random count (bounded by list length) so the newest
// worker doesn't absorb a thundering herd.
type lfu struct {
	mu         sync.Mutex
	counts     map[int]map[string]int
	validUntil time.Time
}

func newLFU() *lfu {
	return &lfu{counts: map[int]map[string]int{}}
}

func (*lfu) Name() string { return model.RouteLFU }

func (l *lfu) Route(_ context.Context, jobID int, addresses []string) (string, string, error) {
	if len(addresses) == 0 {
		return "", "", ErrNoAddresses
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.After(l.validUntil) {
		l.counts = map[int]map[string]int{}
		l.validUntil = now.Add(stateTTL)
	}

	m := l.counts[jobID]
	if m == nil {
		m = make(map[string]int, len(addresses))
		l.counts[jobID] = m
	}

	for _, addr := range addresses {
		c, ok := m[addr]
		if !ok || c > counterResetThreshold {
			m[addr] = rand.Intn(len(addresses))
		}
	}
	// Drop addresses that left the group.
	for addr := range m {
		if !contains(addresses, addr) {
			delete(m, addr)
		}
	}

	// Minimum count wins; ties break by list order for determinism.
	best := addresses[0]
	bestCount := m[best]
	for _, addr := range addresses[1:] {
		if m[addr] < bestCount {
			best = addr
			bestCount = m[addr]
		}
	}
	m[best] = bestCount + 1
	return best, "", nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
