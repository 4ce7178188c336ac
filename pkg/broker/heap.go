package broker

import "github.com/ChuLiYu/actorq/pkg/types"

// entry is one queued message together with the keys both heaps sort on.
type entry struct {
	msg      *types.Message
	priority int    // resolved from the actor at enqueue time; lower runs first
	seq      uint64 // broker-wide enqueue counter, the final tie-breaker
	eta      int64  // Unix ms, 0 when immediately deliverable
	due      int64  // Unix ms at which the entry became deliverable
}

// before reports whether a should be delivered ahead of b: lower priority
// first, then the one that became deliverable earlier, then send order. A
// delayed entry is due at its ETA, so several delayed messages that come due
// before a fetch still run in ETA order rather than send order.
func before(a, b *entry) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.due != b.due {
		return a.due < b.due
	}
	return a.seq < b.seq
}

// readyHeap orders deliverable entries with before.
type readyHeap []*entry

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return before(h[i], h[j]) }
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// delayHeap orders delayed entries by (eta, seq).
type delayHeap []*entry

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].eta != h[j].eta {
		return h[i].eta < h[j].eta
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
