package ledger

import (
	"sync"
)

const DefaultCapacity = 1000

// Ledger is a capacity-bounded bidirectional map between message identifiers
// on the two platforms. Once capacity is exceeded the oldest recorded pair is
// evicted whole, strict FIFO by insertion order. Reactions are recorded as
// one-sided sentinels since they never need reverse correlation.
type Ledger struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]string
	order    []pair
}

type pair struct {
	a        string
	b        string
	sentinel bool
}

func New(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		capacity: capacity,
		entries:  make(map[string]string, capacity*2),
	}
}

// Record inserts a bidirectional pair. Both directions are written together;
// re-recording an id replaces its previous counterpart.
func (l *Ledger) Record(a string, b string) {
	if a == "" || b == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(a)
	l.removeLocked(b)
	l.entries[a] = b
	l.entries[b] = a
	l.order = append(l.order, pair{a: a, b: b})
	l.evictLocked()
}

// MarkRelayed records an id the bridge itself produced, so it is recognized
// later without resolving to a counterpart.
func (l *Ledger) MarkRelayed(id string) {
	if id == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(id)
	l.entries[id] = ""
	l.order = append(l.order, pair{a: id, sentinel: true})
	l.evictLocked()
}

// Lookup returns the counterpart id recorded for either side of a pair.
// Sentinel entries report found with an empty counterpart.
func (l *Ledger) Lookup(id string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	counterpart, ok := l.entries[id]
	return counterpart, ok
}

// Forget removes the pair containing id, both directions at once.
func (l *Ledger) Forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(id)
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

func (l *Ledger) evictLocked() {
	for len(l.order) > l.capacity {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.entries, oldest.a)
		if !oldest.sentinel {
			delete(l.entries, oldest.b)
		}
	}
}

func (l *Ledger) removeLocked(id string) {
	counterpart, ok := l.entries[id]
	if !ok {
		return
	}
	delete(l.entries, id)
	if counterpart != "" {
		delete(l.entries, counterpart)
	}
	for i, p := range l.order {
		if p.a == id || (!p.sentinel && p.b == id) {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}
