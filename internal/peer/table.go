// Package peer holds the set of known gossip endpoints and their
// liveness, structurally grounded on gossip/pkg/statemachine.go's
// map-behind-RWMutex StateMachine, simplified from the teacher's
// generation/version heartbeat bookkeeping down to the single
// last-heard timestamp this spec's Peer Table requires.
package peer

import (
	"sync"
	"time"

	"github.com/mcastellin/omnode/internal/xrand"
)

// Peer identifies a UDP endpoint by its canonical host:port key and the
// last time a gossip message was heard from it.
type Peer struct {
	Key       string
	LastHeard time.Time
}

// Table is the process-wide set of known peers.
type Table struct {
	mu    sync.RWMutex
	peers map[string]Peer
	rnd   *xrand.Source
}

// NewTable creates an empty peer table using rnd for random subset
// selection. rnd is the node's single process-wide random source (see
// internal/node), shared concurrency-safely with internal/lying via
// xrand.Source.
func NewTable(rnd *xrand.Source) *Table {
	return &Table{peers: map[string]Peer{}, rnd: rnd}
}

// Observe records that key was heard from at time now. Observing an
// already-known key only updates its timestamp: it is idempotent with
// respect to identity, matching spec.md's Peer Table contract.
func (t *Table) Observe(key string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[key] = Peer{Key: key, LastHeard: now}
}

// Snapshot returns a consistent point-in-time copy of all known peers.
func (t *Table) Snapshot() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Prune removes every peer whose last-heard timestamp is older than
// horizon relative to now.
func (t *Table) Prune(now time.Time, horizon time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, p := range t.peers {
		if now.Sub(p.LastHeard) > horizon {
			delete(t.peers, k)
		}
	}
}

// RandomSubset returns up to k peers chosen uniformly at random from the
// current snapshot, excluding any key present in exclude. The selection
// algorithm is adapted from gossip/pkg/rand.go's randIndexes, reworked
// here to draw without replacement via a Fisher-Yates partial shuffle
// instead of randIndexes' with-replacement sampling, since forwarding
// the same message twice to one peer would waste fanout budget.
func (t *Table) RandomSubset(k int, exclude ...string) []Peer {
	excluded := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		excluded[e] = struct{}{}
	}

	t.mu.RLock()
	candidates := make([]Peer, 0, len(t.peers))
	for key, p := range t.peers {
		if _, skip := excluded[key]; skip {
			continue
		}
		candidates = append(candidates, p)
	}
	t.mu.RUnlock()

	if k > len(candidates) {
		k = len(candidates)
	}
	// t.rnd is an xrand.Source: safe to call here even though the
	// table's own RWMutex was already released above.
	for i := 0; i < k; i++ {
		j := i + t.rnd.Intn(len(candidates)-i)
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	return candidates[:k]
}

// RandomSubsetAll returns every known peer except those in exclude, in
// a randomized order. The consensus engine uses this (rather than
// RandomSubset) when fanning out an OM round: every remaining peer
// must receive the forward, not just a bounded sample.
func (t *Table) RandomSubsetAll(exclude ...string) []Peer {
	return t.RandomSubset(1<<31-1, exclude...)
}

// Len returns the number of currently known peers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
