package webhook

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is one notification waiting for a retry
type Entry struct {
	ID       string    `json:"webhook_id"`
	Gateway  string    `json:"gateway"`
	OrderID  string    `json:"order_id"`
	Payload  []byte    `json:"payload"`
	Attempt  int       `json:"attempt"`
	QueuedAt time.Time `json:"queued_at"`
	RetryAt  time.Time `json:"retry_at"`
	LastErr  string    `json:"last_error,omitempty"`
}

// Queue stores retry entries with an explicit due time.
// Claim removes an entry from the due set; exactly one caller wins a claim.
type Queue interface {
	Put(ctx context.Context, e Entry, ttl time.Duration) error
	Due(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	Claim(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Entry, error)
	Clear(ctx context.Context) (int, error)
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
	claimed   bool
}

// MemoryQueue is an in-process Queue used when no redis server is configured
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryQueue creates an empty in-process queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: map[string]*memoryEntry{}, now: time.Now}
}

func (q *MemoryQueue) live(now time.Time) []*memoryEntry {
	var out []*memoryEntry
	for id, e := range q.entries {
		if !e.expiresAt.After(now) {
			delete(q.entries, id)
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].entry.RetryAt.Before(out[j].entry.RetryAt) })
	return out
}

func (q *MemoryQueue) Put(_ context.Context, e Entry, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[e.ID] = &memoryEntry{entry: e, expiresAt: q.now().Add(ttl)}
	return nil
}

func (q *MemoryQueue) Due(_ context.Context, now time.Time, limit int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, e := range q.live(q.now()) {
		if limit > 0 && len(out) == limit {
			break
		}
		if !e.claimed && !e.entry.RetryAt.After(now) {
			out = append(out, e.entry)
		}
	}
	return out, nil
}

func (q *MemoryQueue) Claim(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || e.claimed {
		return false, nil
	}
	e.claimed = true
	return true, nil
}

func (q *MemoryQueue) Delete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
	return nil
}

func (q *MemoryQueue) List(_ context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	live := q.live(q.now())
	out := make([]Entry, 0, len(live))
	for _, e := range live {
		out = append(out, e.entry)
	}
	return out, nil
}

func (q *MemoryQueue) Clear(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.live(q.now()))
	q.entries = map[string]*memoryEntry{}
	return n, nil
}
