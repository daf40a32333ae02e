package lineage

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/lineagesync/internal/graph"
)

var (
	ErrMalformed       = errors.New("malformed event")
	ErrUntrustedSource = errors.New("untrusted source")
	ErrStopped         = errors.New("dispatcher stopped")
	ErrInvalidInput    = errors.New("invalid input")
)

// Outcome is what happened to an event that left its lane.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeStale    Outcome = "stale"
	OutcomePoisoned Outcome = "poisoned"
)

type Category string

const (
	CategoryMalformed        Category = "permanent-malformed"
	CategoryUntrusted        Category = "untrusted-source"
	CategoryTransientStorage Category = "transient-storage"
	CategoryPermanentStorage Category = "permanent-storage"
)

func categorize(err error) Category {
	switch {
	case errors.Is(err, ErrUntrustedSource):
		return CategoryUntrusted
	case errors.Is(err, ErrMalformed), errors.Is(err, graph.ErrInvalidInput):
		return CategoryMalformed
	case graph.IsTransient(err):
		return CategoryTransientStorage
	default:
		return CategoryPermanentStorage
	}
}

// PoisonRecord describes an event that was skipped for good.
type PoisonRecord struct {
	ID        string    `json:"id"`
	EventID   string    `json:"eventId,omitempty"`
	Kind      Kind      `json:"kind,omitempty"`
	Source    string    `json:"source,omitempty"`
	Version   int64     `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Category  Category  `json:"category"`
	Cause     string    `json:"cause"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failedAt"`
}

// poisonLog counts every poison event and keeps the most recent records.
type poisonLog struct {
	count atomic.Uint64

	mu    sync.Mutex
	ring  []PoisonRecord
	next  int
	full  bool
	limit int
}

func newPoisonLog(limit int) *poisonLog {
	if limit <= 0 {
		limit = 256
	}
	return &poisonLog{ring: make([]PoisonRecord, limit), limit: limit}
}

func (p *poisonLog) add(rec PoisonRecord) {
	p.count.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring[p.next] = rec
	p.next = (p.next + 1) % p.limit
	if p.next == 0 {
		p.full = true
	}
}

// recent returns up to limit records, newest first.
func (p *poisonLog) recent(limit int) []PoisonRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	size := p.next
	if p.full {
		size = p.limit
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]PoisonRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (p.next - i + p.limit) % p.limit
		out = append(out, p.ring[idx])
	}
	return out
}
