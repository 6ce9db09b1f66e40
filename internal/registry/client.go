package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antithalian/spin/internal/cluster"
)

// Client runs the two registry loops: UDP self-advertisement and HTTP
// polling of the full listing. Each successful poll rebuilds the peer
// table and fires the OnPoll hook, which the engine uses to trigger an
// outbound gossip broadcast.
type Client struct {
	// AdvertAddr is the registry's UDP "host:port" target.
	AdvertAddr string

	// QueryURL is the registry's HTTP listing endpoint.
	QueryURL string

	// Type is the project tag; only entries carrying it are fleet members.
	Type string

	// Owner is recorded in adverts. Informational only.
	Owner string

	// SelfUUID and Port describe this peer in adverts; entries with
	// SelfUUID are filtered out of polls.
	SelfUUID string
	Port     int

	// Wait is the period of both loops.
	Wait time.Duration

	// Staleness bounds how old an entry's lastheardfrom may be before the
	// peer it names is considered dead.
	Staleness time.Duration

	// Table receives each poll's result.
	Table *Table

	// OnPoll, if set, runs after each successful poll.
	OnPoll func()

	// Log receives loop diagnostics.
	Log *logrus.Entry

	// now is replaceable for tests.
	now func() time.Time

	wg sync.WaitGroup
}

// NewClient wires a registry client around the given peer table.
func NewClient(table *Table, log *logrus.Entry) *Client {
	return &Client{Table: table, Log: log, now: time.Now}
}

// Start launches the advertise and poll loops. Both run until ctx is
// canceled; Stop blocks until they exit.
func (c *Client) Start(ctx context.Context) {
	if c.now == nil {
		c.now = time.Now
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.advertiseLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.pollLoop(ctx)
	}()
}

// Stop waits for the loops to finish after their context is canceled.
func (c *Client) Stop() {
	c.wg.Wait()
}

func (c *Client) advertiseLoop(ctx context.Context) {
	ticker := time.NewTicker(c.Wait)
	defer ticker.Stop()

	// Advertise immediately so the fleet can find a fresh peer without
	// waiting out the first period.
	if err := c.Advertise(); err != nil {
		c.Log.Warnf("registry advertise: %v", err)
	}

	for {
		select {
		case <-ticker.C:
			if err := c.Advertise(); err != nil {
				c.Log.Warnf("registry advertise: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.Wait)
	defer ticker.Stop()

	if err := c.Poll(ctx); err != nil {
		c.Log.Warnf("registry poll: %v", err)
	}

	for {
		select {
		case <-ticker.C:
			if err := c.Poll(ctx); err != nil {
				c.Log.Warnf("registry poll: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Advertise sends one UDP datagram describing this peer. The socket is
// opened per datagram and closed immediately; there is no state to keep
// between sends.
func (c *Client) Advertise() error {
	payload, err := json.Marshal(cluster.Advertisement{
		Type:  c.Type,
		Owner: c.Owner,
		Port:  c.Port,
		UUID:  c.SelfUUID,
	})
	if err != nil {
		return err
	}

	conn, err := net.Dial("udp", c.AdvertAddr)
	if err != nil {
		return fmt.Errorf("dialing registry: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("sending advert: %w", err)
	}
	return nil
}

// Poll fetches the registry listing, filters it down to live fleet
// members, publishes the result to the peer table, and fires OnPoll.
func (c *Client) Poll(ctx context.Context) error {
	var entries []cluster.RegistryEntry
	if err := cluster.GetJSON(ctx, c.QueryURL, &entries); err != nil {
		return fmt.Errorf("querying registry: %w", err)
	}

	c.Table.ReplaceAll(c.filter(entries))

	if c.OnPoll != nil {
		c.OnPoll()
	}
	return nil
}

// filter keeps entries that carry the fleet tag, are not this peer, have
// every field a consumer needs, and were heard from recently enough.
// Duplicate names keep the record with the greatest lastheardfrom.
func (c *Client) filter(entries []cluster.RegistryEntry) []Peer {
	now := c.now()
	best := make(map[string]Peer)

	for _, e := range entries {
		if e.Type != c.Type || e.UUID == c.SelfUUID || !e.Valid() {
			continue
		}

		heard := time.Unix(0, int64(e.LastHeardFrom*float64(time.Second)))
		if now.Sub(heard) > c.Staleness {
			continue
		}

		p := Peer{UUID: e.UUID, Host: e.Name, Port: e.Port, LastHeardFrom: heard}
		if prev, ok := best[p.UUID]; !ok || p.LastHeardFrom.After(prev.LastHeardFrom) {
			best[p.UUID] = p
		}
	}

	out := make([]Peer, 0, len(best))
	for _, p := range best {
		out = append(out, p)
	}
	return out
}
