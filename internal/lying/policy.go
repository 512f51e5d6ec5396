// Package lying implements the process-wide lying policy: the
// probability with which this node substitutes a sentinel value when
// emitting a consensus value, and the deterministic substitution rule
// itself.
package lying

import (
	"sync/atomic"

	"github.com/mcastellin/omnode/internal/xrand"
)

// DefaultSentinel is the fixed value substituted for a child round that
// failed to report by its deadline. It participates in the majority
// vote on equal terms with real reports (spec.md §9 Open Question,
// resolved here as "participates equally").
const DefaultSentinel = "?"

// Policy holds the current lie probability, in [0, 100]. It is safe for
// concurrent use: CLI sessions mutate it, the consensus engine reads it
// on every outbound value emission, both from independent goroutines.
type Policy struct {
	percent atomic.Int32
	rnd     *xrand.Source
}

// New creates a Policy starting fully truthful (0%). rnd is the node's
// single process-wide random source (see internal/node), shared
// concurrency-safely with internal/peer via xrand.Source.
func New(rnd *xrand.Source) *Policy {
	return &Policy{rnd: rnd}
}

// Set clamps percent into [0, 100] and installs it as the new policy.
func (p *Policy) Set(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	p.percent.Store(int32(percent))
}

// Percent returns the current lie probability.
func (p *Policy) Percent() int {
	return int(p.percent.Load())
}

// Decide independently decides whether to lie on this emission, per the
// current policy. Safe to call from any goroutine: p.rnd is an
// xrand.Source, which serializes access to the underlying math/rand.Rand
// that is not itself safe for concurrent use.
func (p *Policy) Decide() bool {
	pct := p.percent.Load()
	if pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	return p.rnd.Intn(100) < int(pct)
}

// Substitute deterministically transforms value into its lied-about
// counterpart: the first character is replaced with "!" per spec.md §6.
// Empty values are returned unchanged; there is no first character to
// replace.
func Substitute(value string) string {
	if value == "" {
		return value
	}
	return "!" + value[1:]
}

// Apply emits value under the current lying policy: unchanged if the
// policy decides to tell the truth this time, substituted otherwise.
func (p *Policy) Apply(value string) string {
	if p.Decide() {
		return Substitute(value)
	}
	return value
}
