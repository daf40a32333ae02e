package checkpoint

import (
	"container/heap"
	"sync"
	"time"
)

// Watermark turns out-of-order event completions across lanes into a safe
// resume position. Events are registered in feed order with Begin and
// reported with Complete once applied, discarded as stale, or poisoned.
//
// The position is the largest timestamp of the contiguous completed prefix,
// lowered to the oldest timestamp still in flight so an inclusive resume
// replays everything that might not be durable.
type Watermark struct {
	mu        sync.Mutex
	next      uint64
	low       uint64
	entries   map[uint64]*watermarkEntry
	pending   pendingHeap
	prefixMax time.Time
}

type watermarkEntry struct {
	ts   time.Time
	done bool
}

func NewWatermark() *Watermark {
	return &Watermark{entries: map[uint64]*watermarkEntry{}}
}

// Begin registers an event and returns its sequence number.
func (w *Watermark) Begin(ts time.Time) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	seq := w.next
	w.next++
	w.entries[seq] = &watermarkEntry{ts: ts}
	heap.Push(&w.pending, pendingItem{seq: seq, ts: ts})
	return seq
}

// Complete marks seq finished and returns the current safe position. ok is
// false until at least the first registered event has completed.
func (w *Watermark) Complete(seq uint64) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, exists := w.entries[seq]
	if !exists || entry.done {
		return w.positionLocked()
	}
	entry.done = true
	for {
		head, ok := w.entries[w.low]
		if !ok || !head.done {
			break
		}
		if head.ts.After(w.prefixMax) {
			w.prefixMax = head.ts
		}
		delete(w.entries, w.low)
		w.low++
	}
	return w.positionLocked()
}

// InFlight is the number of registered events not yet completed.
func (w *Watermark) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, entry := range w.entries {
		if !entry.done {
			n++
		}
	}
	return n
}

func (w *Watermark) positionLocked() (time.Time, bool) {
	if w.prefixMax.IsZero() {
		return time.Time{}, false
	}
	for w.pending.Len() > 0 {
		top := w.pending[0]
		entry, ok := w.entries[top.seq]
		if ok && !entry.done {
			break
		}
		heap.Pop(&w.pending)
	}
	position := w.prefixMax
	if w.pending.Len() > 0 && w.pending[0].ts.Before(position) {
		position = w.pending[0].ts
	}
	return position, true
}

type pendingItem struct {
	seq uint64
	ts  time.Time
}

type pendingHeap []pendingItem

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].ts.Equal(h[j].ts) {
		return h[i].seq < h[j].seq
	}
	return h[i].ts.Before(h[j].ts)
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(pendingItem)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
