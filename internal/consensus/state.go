// Package consensus implements the recursive Oral Messages (OM)
// protocol: the round tree bookkeeping (this file) and the engine that
// drives rounds through it (engine.go). The tree-by-id shape, rather
// than nested structs, is the design this spec calls for in §9 ("Recursive
// round tree vs. flat dispatch") so garbage collection is a sweep over a
// map instead of cyclic-reference management.
package consensus

import (
	"sync"
	"time"
)

// GCGrace is how long a resolved round is retained after it resolved,
// to give a late report one more chance to be recognized (and dropped)
// before the round node disappears entirely.
const GCGrace = 2 * time.Second

// RoundNode is one in-flight or recently resolved OM round.
type RoundNode struct {
	ID            string
	ParentID      string
	OM            int
	Index         int
	ValueReceived string
	Origin        string
	Path          []string
	ReplyTo       string // peer to send this round's report to; empty for roots

	Children map[string]*string // peerKey -> reported value; nil = pending

	Deadline time.Time

	Resolved   bool
	Result     string
	ResolvedAt time.Time
}

// pendingChildren returns the peer keys that have not yet reported,
// without taking the lock (callers hold it).
func (n *RoundNode) pendingChildren() []string {
	out := make([]string, 0)
	for k, v := range n.Children {
		if v == nil {
			out = append(out, k)
		}
	}
	return out
}

// routeTarget correlates a freshly generated child-round id (handed out
// on a recursive fan-out) back to the local round whose Children map
// carries the corresponding peer's pending slot. Needed because a
// recursive forward mints a new id per target peer (spec.md §4.D.2),
// while the forwarding node's own bookkeeping stays keyed by peer under
// the round id it received — the report that eventually comes back
// references the minted id, not the forwarder's own round id.
type routeTarget struct {
	ParentRoundID string
	PeerKey       string
}

// State is the Consensus State component (spec.md §4.C): a map of all
// in-flight and recently resolved rounds known to this node, keyed by
// round id.
type State struct {
	mu     sync.Mutex
	rounds map[string]*RoundNode
	routes map[string]routeTarget
}

// NewState creates an empty Consensus State.
func NewState() *State {
	return &State{rounds: map[string]*RoundNode{}, routes: map[string]routeTarget{}}
}

// RegisterRoute records that reports carrying parentid=childID should be
// attributed to peerKey's pending slot under parentRoundID.
func (s *State) RegisterRoute(childID, parentRoundID, peerKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[childID] = routeTarget{ParentRoundID: parentRoundID, PeerKey: peerKey}
}

// ResolveRoute translates a fresh child-round id back to the local round
// id and peer key it was minted for, if any was registered.
func (s *State) ResolveRoute(childID string) (parentRoundID, peerKey string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, found := s.routes[childID]
	if !found {
		return "", "", false
	}
	return t.ParentRoundID, t.PeerKey, true
}

// AddRound registers a new round node. A round id must be added at most
// once (spec.md invariant 1); adding a duplicate id overwrites, which
// callers must never do — the engine checks FindRound before AddRound.
func (s *State) AddRound(node *RoundNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[node.ID] = node
}

// FindRound looks up a round by id.
func (s *State) FindRound(id string) (*RoundNode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rounds[id]
	return n, ok
}

// RecordChild transitions a pending child from null to value. It
// returns false if the round does not exist or childKey is not a
// pending child of it — the caller (engine) treats false as "drop this
// report".
func (s *State) RecordChild(parentID, childKey, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.rounds[parentID]
	if !ok {
		return false
	}
	existing, known := n.Children[childKey]
	if !known {
		return false
	}
	if existing != nil {
		// Already reported; a late duplicate report is silently ignored.
		return false
	}
	v := value
	n.Children[childKey] = &v
	return true
}

// PendingChildren returns the peer keys of id's children that have not
// yet reported.
func (s *State) PendingChildren(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rounds[id]
	if !ok {
		return nil
	}
	return n.pendingChildren()
}

// AllReported reports whether every child of id has a recorded value.
func (s *State) AllReported(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rounds[id]
	if !ok {
		return false
	}
	return len(n.pendingChildren()) == 0
}

// Resolve marks round id resolved with finalValue, at most once
// (spec.md invariant 4). It returns false if the round does not exist
// or was already resolved.
func (s *State) Resolve(id, finalValue string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rounds[id]
	if !ok || n.Resolved {
		return false
	}
	n.Resolved = true
	n.Result = finalValue
	n.ResolvedAt = now
	return true
}

// Sweep finds rounds whose deadline has passed while still carrying
// unresolved children, defaults their missing votes to sentinel, and
// returns their ids so the engine can run them through resolution. It
// also garbage-collects resolved rounds once both hold: they have been
// resolved for longer than GCGrace, and their parent round (if any) has
// already resolved or is not held on this node.
func (s *State) Sweep(now time.Time, sentinel string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var readyToResolve []string
	for id, n := range s.rounds {
		if !n.Resolved && now.After(n.Deadline) {
			for k, v := range n.Children {
				if v == nil {
					sentinelVote := sentinel
					n.Children[k] = &sentinelVote
				}
			}
			readyToResolve = append(readyToResolve, id)
		}
	}

	for id, n := range s.rounds {
		if !n.Resolved {
			continue
		}
		parentGone := true
		if n.ParentID != "" {
			if parent, ok := s.rounds[n.ParentID]; ok {
				parentGone = parent.Resolved
			}
		}
		pastGrace := now.Sub(n.ResolvedAt) > GCGrace
		if parentGone && pastGrace {
			delete(s.rounds, id)
		}
	}

	for childID, t := range s.routes {
		if _, ok := s.rounds[t.ParentRoundID]; !ok {
			delete(s.routes, childID)
		}
	}

	return readyToResolve
}

// Len returns the number of round nodes currently retained, used by
// tests asserting full garbage collection.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rounds)
}

// RoundInfo is a safe, lock-free-to-read snapshot of the parts of a
// RoundNode the engine needs to compute and propagate a resolution.
type RoundInfo struct {
	ID, ParentID, Origin, ReplyTo string
	OM, Index                     int
	Votes                         []string
}

// Info returns a RoundInfo for id: this round's own received value plus
// every child value recorded so far, safe to read without further
// locking.
func (s *State) Info(id string) (RoundInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rounds[id]
	if !ok {
		return RoundInfo{}, false
	}
	votes := make([]string, 0, len(n.Children)+1)
	votes = append(votes, n.ValueReceived)
	for _, v := range n.Children {
		if v != nil {
			votes = append(votes, *v)
		}
	}
	return RoundInfo{
		ID: n.ID, ParentID: n.ParentID, Origin: n.Origin, ReplyTo: n.ReplyTo,
		OM: n.OM, Index: n.Index, Votes: votes,
	}, true
}
