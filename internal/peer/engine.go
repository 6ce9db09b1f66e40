// Package peer implements the sPin replication and maintenance engine.
// See doc.go for complete package documentation.
package peer

import (
	"context"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antithalian/spin/internal/cluster"
	"github.com/antithalian/spin/internal/config"
	"github.com/antithalian/spin/internal/meta"
	"github.com/antithalian/spin/internal/object"
	"github.com/antithalian/spin/internal/registry"
)

// Engine is one peer's replication and maintenance engine. It serves the
// HTTP surface, ingests gossip into the worldview, broadcasts its own pin
// set after every registry poll, and runs the periodic maintenance tick
// (worldview expiry, replica reconciliation, tombstone truncation, cache
// eviction).
type Engine struct {
	cfg  config.Config
	log  *logrus.Entry
	meta *meta.Store
	objs *object.Store
	tab  *registry.Table

	world *Worldview
	name  string

	// now and pick are replaceable for tests: pick(n) returns a uniform
	// index in [0,n).
	now  func() time.Time
	pick func(n int) int

	wg sync.WaitGroup
}

// New wires an engine around the peer's stores and peer table.
func New(cfg config.Config, m *meta.Store, o *object.Store, tab *registry.Table, log *logrus.Logger) *Engine {
	return &Engine{
		cfg:   cfg,
		log:   log.WithField("peer", m.Name()),
		meta:  m,
		objs:  o,
		tab:   tab,
		world: NewWorldview(),
		name:  m.Name(),
		now:   time.Now,
		pick:  rand.Intn,
	}
}

// Name returns the peer's stable UUID.
func (e *Engine) Name() string { return e.name }

// World exposes the worldview for wiring and tests.
func (e *Engine) World() *Worldview { return e.world }

// Start launches the maintenance loop. The first tick fires a full
// interval after start, which at the default ratios lets several registry
// polls and gossip rounds populate the peer table and worldview first.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.maintainLoop(ctx)
	}()
}

// Stop waits for background work to finish after ctx is canceled.
func (e *Engine) Stop() {
	e.wg.Wait()
}

func (e *Engine) maintainLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.MaintainInterval)
	defer ticker.Stop()

	e.log.Infof("maintenance loop started, interval %v", e.cfg.MaintainInterval)

	for {
		select {
		case <-ticker.C:
			e.Maintain(ctx)
		case <-ctx.Done():
			e.log.Info("maintenance loop stopping")
			return
		}
	}
}

// Maintain runs one maintenance tick.
func (e *Engine) Maintain(ctx context.Context) {
	e.world.Expire(e.cfg.WorldStaleness, e.now())
	e.Reconcile(ctx)

	if err := e.meta.TruncateTombstones(); err != nil {
		e.log.Errorf("tombstone truncation: %v", err)
	}
	if err := e.objs.EvictCache(); err != nil {
		e.log.Errorf("cache eviction: %v", err)
	}
}

// Broadcast posts this peer's full pin set to every known peer's /info
// endpoint. Failures are logged and dropped; the next poll rebroadcasts
// with fresh data. Wired as the registry client's OnPoll hook.
func (e *Engine) Broadcast(ctx context.Context) {
	pins := e.meta.Pins()
	if len(pins) == 0 {
		return
	}

	payload := make([]cluster.GossipRecord, 0, len(pins))
	for id := range pins {
		payload = append(payload, cluster.GossipRecord{Object: id, Node: e.name})
	}

	for _, p := range e.tab.All() {
		if err := cluster.PostJSON(ctx, p.URL()+"/info", payload, nil); err != nil {
			e.log.Warnf("gossip to %s: %v", p.UUID, err)
		}
	}
}

// Reconcile drives every pinned object toward the target replica count
// k = ceil(|peers| / kDenom), peers excluding self.
//
// For each object the engine computes the known pin set (always including
// itself exactly once) from non-expired worldview records. Corrections are
// decided without coordination: the lexicographically minimum holder fixes
// a deficit by uploading to one random non-holder, the maximum holder
// fixes a surplus by telling one random holder to drop. A surplus victim
// that turns out to be the initiator itself aborts the drop; the
// controller only ever initiates, it never removes its own replica.
func (e *Engine) Reconcile(ctx context.Context) {
	peers := e.tab.Names()
	k := (len(peers) + e.cfg.KDenom - 1) / e.cfg.KDenom
	if k == 0 {
		// Alone in the fleet; nothing to balance against.
		return
	}
	now := e.now()

	for id := range e.meta.Pins() {
		known := e.knownPins(id, now)
		count := len(known)

		switch {
		case count > k:
			e.dropElection(ctx, id, known)
		case count < k:
			e.addElection(ctx, id, known, peers)
		}
	}
}

// knownPins returns the peers believed to hold the object, self included
// exactly once, sorted by name.
func (e *Engine) knownPins(object string, now time.Time) []string {
	holders := e.world.Holders(object, e.cfg.WorldStaleness, now)
	for _, h := range holders {
		if h == e.name {
			return holders
		}
	}
	out := append([]string{e.name}, holders...)
	sort.Strings(out)
	return out
}

// dropElection runs the surplus correction. Only the maximum-named holder
// initiates; it picks a victim uniformly from the holders and, unless the
// victim is itself, sends a drop instruction.
func (e *Engine) dropElection(ctx context.Context, object string, known []string) {
	if e.name != known[len(known)-1] {
		return
	}

	victim := known[e.pick(len(known))]
	if victim == e.name {
		return
	}

	p, ok := e.tab.Get(victim)
	if !ok {
		e.log.Warnf("drop victim %s for %s not in peer table", victim, object)
		return
	}

	e.log.Infof("instructing %s to drop %s", victim, object)
	if err := cluster.PostBody(ctx, p.URL()+"/del/"+object, cluster.DropMarker); err != nil {
		e.log.Warnf("drop instruction to %s: %v", victim, err)
	}
}

// addElection runs the deficit correction. Only the minimum-named holder
// initiates; it uploads the object to one random peer not yet holding it.
func (e *Engine) addElection(ctx context.Context, object string, known, peers []string) {
	if e.name != known[0] {
		return
	}

	holder := make(map[string]struct{}, len(known))
	for _, n := range known {
		holder[n] = struct{}{}
	}
	var notPins []string
	for _, p := range peers {
		if _, ok := holder[p]; !ok {
			notPins = append(notPins, p)
		}
	}
	if len(notPins) == 0 {
		return
	}

	recipient := notPins[e.pick(len(notPins))]
	p, ok := e.tab.Get(recipient)
	if !ok {
		e.log.Warnf("pin recipient %s for %s not in peer table", recipient, object)
		return
	}

	id, err := cluster.ParseObjectID(object)
	if err != nil {
		e.log.Errorf("pinned identifier %q unparseable: %v", object, err)
		return
	}

	f, err := os.Open(e.objs.PinnedPath(id.Digest))
	if err != nil {
		e.log.Errorf("opening %s for replication: %v", id.Digest, err)
		return
	}
	defer f.Close()

	e.log.Infof("replicating %s to %s", object, recipient)
	if err := cluster.PostMultipart(ctx, p.URL()+"/add/"+object, "data", f); err != nil {
		e.log.Warnf("pin upload to %s: %v", recipient, err)
	}
}
