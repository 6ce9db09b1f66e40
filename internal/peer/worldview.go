package peer

import (
	"sort"
	"sync"
	"time"
)

// Record is one worldview observation: a peer claimed to hold an object,
// heard at the given time. The timestamp is the local receive time of the
// gossip, never a remote clock.
type Record struct {
	HeardAt time.Time
	Node    string
}

// Worldview maps object identifiers to the peers last known to hold them.
// It is fed by inbound /info gossip, read by the GET pull-through path and
// the replication controller, aged out wholesale by the maintenance loop,
// and never persisted.
type Worldview struct {
	mu      sync.RWMutex
	records map[string][]Record
}

// NewWorldview returns an empty worldview.
func NewWorldview() *Worldview {
	return &Worldview{records: make(map[string][]Record)}
}

// Observe appends a record for the object. Duplicate observations of the
// same node accumulate; readers deduplicate, and expiry trims the history.
func (w *Worldview) Observe(object, node string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records[object] = append(w.records[object], Record{Node: node, HeardAt: at})
}

// Holders returns the unique peers with a non-expired record for the
// object, sorted by name. Records older than staleness are ignored but not
// removed; removal belongs to Expire.
func (w *Worldview) Holders(object string, staleness time.Duration, now time.Time) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, r := range w.records[object] {
		if now.Sub(r.HeardAt) < staleness {
			seen[r.Node] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for node := range seen {
		out = append(out, node)
	}
	sort.Strings(out)
	return out
}

// Expire rebuilds the whole map, keeping only records younger than
// staleness. Objects left with no records disappear entirely.
func (w *Worldview) Expire(staleness time.Duration, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[string][]Record, len(w.records))
	for object, records := range w.records {
		var fresh []Record
		for _, r := range records {
			if now.Sub(r.HeardAt) < staleness {
				fresh = append(fresh, r)
			}
		}
		if len(fresh) > 0 {
			next[object] = fresh
		}
	}
	w.records = next
}

// Forget drops every record for the object. Called on full deletion so a
// tombstoned object stops looking retrievable immediately.
func (w *Worldview) Forget(object string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.records, object)
}

// ObjectCount returns the number of objects with at least one record.
func (w *Worldview) ObjectCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.records)
}
