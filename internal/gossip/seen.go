package gossip

import (
	"container/heap"
	"sync"
)

// seenIDs is a bounded insertion-order cache of gossip message ids,
// structurally adapted from objects-cache/cache.go's ObjectsCache: the
// same heap-plus-map pairing guarded by its own mutex, but the heap
// here orders by insertion sequence rather than expiry time, since
// spec.md §4.B evicts the oldest-seen id on overflow rather than the
// soonest-to-expire one. The mutex matters here: OnReceive runs on the
// orchestrator's main select loop while Tick runs on its own
// heartbeatLoop goroutine (internal/node), so Contains/Add are called
// concurrently from two goroutines.
type seenIDs struct {
	mu       sync.Mutex
	capacity int
	seq      uint64
	index    map[string]uint64
	order    seenHeap
}

type seenEntry struct {
	id  string
	seq uint64
}

// newSeenIDs creates a seen-id cache holding up to capacity entries.
func newSeenIDs(capacity int) *seenIDs {
	h := make(seenHeap, 0, capacity)
	heap.Init(&h)
	return &seenIDs{
		capacity: capacity,
		index:    map[string]uint64{},
		order:    h,
	}
}

// Contains reports whether id has already been recorded.
func (s *seenIDs) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

// Add records id as seen, evicting the oldest recorded id if the cache
// is at capacity. Adding an id that is already present is a no-op.
func (s *seenIDs) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[id]; ok {
		return
	}
	if len(s.index) >= s.capacity {
		oldest := heap.Pop(&s.order).(seenEntry)
		delete(s.index, oldest.id)
	}
	s.seq++
	entry := seenEntry{id: id, seq: s.seq}
	s.index[id] = s.seq
	heap.Push(&s.order, entry)
}

// seenHeap implements container/heap.Interface, ordering entries oldest
// (lowest seq) first.
type seenHeap []seenEntry

func (h seenHeap) Len() int            { return len(h) }
func (h seenHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h seenHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seenHeap) Push(v any)         { *h = append(*h, v.(seenEntry)) }
func (h *seenHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
