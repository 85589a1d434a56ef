package route

import (
	"context"
	"sync"
	"time"

	"jobrig/internal/model"
)

// lru routes each job to the address it has not used for the longest time.
type lru struct {
	mu         sync.Mutex
	lastUsed   map[int]map[string]time.Time
	seq        int64 // tiebreaker for identical timestamps
	seqs       map[int]map[string]int64
	validUntil time.Time
}

func newLRU() *lru {
	return &lru{
		lastUsed: map[int]map[string]time.Time{},
		seqs:     map[int]map[string]int64{},
	}
}

func (*lru) Name() string { return model.RouteLRU }

func (l *lru) Route(_ context.Context, jobID int, addresses []string) (string, string, error) {
	if len(addresses) == 0 {
		return "", "", ErrNoAddresses
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.After(l.validUntil) {
		l.lastUsed = map[int]map[string]time.Time{}
		l.seqs = map[int]map[string]int64{}
		l.validUntil = now.Add(stateTTL)
	}

	used := l.lastUsed[jobID]
	if used == nil {
		used = map[string]time.Time{}
		l.lastUsed[jobID] = used
	}
	seqs := l.seqs[jobID]
	if seqs == nil {
		seqs = map[string]int64{}
		l.seqs[jobID] = seqs
	}

	// Addresses never seen for this job count as least recently used; stale
	// entries for addresses that left the group are pruned.
	for addr := range used {
		if !contains(addresses, addr) {
			delete(used, addr)
			delete(seqs, addr)
		}
	}

	best := ""
	for _, addr := range addresses {
		if _, seen := used[addr]; !seen {
			best = addr
			break
		}
	}
	if best == "" {
		// All seen: pick the oldest, ties broken by insertion order.
		for _, addr := range addresses {
			if best == "" {
				best = addr
				continue
			}
			if used[addr].Before(used[best]) ||
				(used[addr].Equal(used[best]) && seqs[addr] < seqs[best]) {
				best = addr
			}
		}
	}

	l.seq++
	used[best] = now
	seqs[best] = l.seq
	return best, "", nil
}
