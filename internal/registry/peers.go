// Package registry implements the peer's side of the external name
// registry protocol: periodic UDP self-advertisement, periodic HTTP polls
// of the full listing, and the in-memory peer table built from each poll.
//
// The registry is treated as an opaque service: adverts are fire-and-forget
// datagrams, and poll responses are bags of optional keys filtered down to
// live fleet members. The peer table is rebuilt wholesale on every poll and
// is never persisted.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Peer is one live fleet member as last reported by the registry.
type Peer struct {
	// LastHeardFrom is when the registry last heard the peer advertise.
	LastHeardFrom time.Time

	// UUID is the peer's stable name and the key it is elected by.
	UUID string

	// Host and Port locate the peer's HTTP surface.
	Host string
	Port int
}

// Addr returns the peer's "host:port" form.
func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// URL returns the base URL of the peer's HTTP surface.
func (p Peer) URL() string {
	return "http://" + p.Addr()
}

// Table is the peer table: the current belief about which fleet members
// are alive. It is replaced atomically on every registry poll, so readers
// always see one poll's consistent result, never a partial merge.
//
// Reads heavily outnumber writes (one write per poll, reads on every
// gossip broadcast and maintenance tick), hence the RWMutex.
type Table struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

// NewTable returns an empty peer table.
func NewTable() *Table {
	return &Table{peers: make(map[string]Peer)}
}

// ReplaceAll publishes a fresh poll result, discarding the previous view.
func (t *Table) ReplaceAll(peers []Peer) {
	next := make(map[string]Peer, len(peers))
	for _, p := range peers {
		next[p.UUID] = p
	}

	t.mu.Lock()
	t.peers = next
	t.mu.Unlock()
}

// Get returns the peer with the given name, if the last poll listed it.
func (t *Table) Get(uuid string) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[uuid]
	return p, ok
}

// All returns a snapshot of the table's peers in no particular order.
func (t *Table) All() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Names returns the sorted peer names. Sorting keeps election inputs
// reproducible in tests; the elections themselves only need set semantics.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.peers))
	for uuid := range t.peers {
		out = append(out, uuid)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of known live peers (self excluded by
// construction; a peer never lists itself).
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
