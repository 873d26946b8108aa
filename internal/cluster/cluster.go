// Package cluster implements spec §4.9: DNS-poll peer discovery and
// memberlist gossip of Store mutations, giving every node in a
// Singularity Edge deployment an eventually-consistent view of pools,
// backends, and certificates.
package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"

	"singularityedge/internal/edgeerr"
	"singularityedge/internal/logging"
	"singularityedge/internal/store"
)

// Config configures a Cluster. NodeID must match the Store's own node
// id so gossip-originated writes and local writes use the same
// tie-break identity (DESIGN.md Open Question 3).
type Config struct {
	NodeID   string
	BindAddr string
	BindPort int

	// DiscoveryName is the DNS name polled for peer A records, e.g. a
	// Fly.io-style "<app>.internal".
	DiscoveryName     string
	DiscoveryServer   string // host:port; empty uses the system resolver
	DiscoveryInterval time.Duration

	// ReleaseCookie gates cluster mode per DESIGN.md Open Question 4: New
	// refuses to build a Cluster when it is empty. The value itself is
	// only checked for presence; it is not passed to memberlist, so it
	// does not authenticate or encrypt gossip traffic.
	ReleaseCookie string
}

// Cluster owns one memberlist instance and one DNS Discovery poller,
// and bridges local Store mutations to gossip and vice versa.
type Cluster struct {
	cfg    Config
	st     *store.Store
	logger *logging.Logger

	ml         *memberlist.Memberlist
	delegate   *delegate
	discovery  *Discovery
	unsubscribe func()
}

// New validates cfg and builds a Cluster, but does not start gossiping
// or polling — call Start for that.
func New(cfg Config, st *store.Store, logger *logging.Logger) (*Cluster, error) {
	if cfg.ReleaseCookie == "" {
		return nil, fmt.Errorf("%w: RELEASE_COOKIE is required to start cluster mode", edgeerr.ErrValidation)
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("%w: cluster NodeID is required", edgeerr.ErrValidation)
	}

	c := &Cluster{cfg: cfg, st: st, logger: logger}

	d := &delegate{st: st, logger: logger}
	d.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       func() int { return c.memberCount() },
		RetransmitMult: 3,
	}
	d.ml = func() *memberlist.Memberlist { return c.ml }
	c.delegate = d

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = cfg.NodeID
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
	}
	if cfg.BindPort != 0 {
		mlCfg.BindPort = cfg.BindPort
		mlCfg.AdvertisePort = cfg.BindPort
	}
	mlCfg.Delegate = d
	mlCfg.Events = &eventDelegate{c: c}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: creating memberlist: %v", edgeerr.ErrStorageError, err)
	}
	c.ml = ml

	disc, err := NewDiscovery(cfg.DiscoveryName, cfg.DiscoveryServer, cfg.DiscoveryInterval, logger)
	if err != nil {
		ml.Shutdown()
		return nil, err
	}
	c.discovery = disc

	return c, nil
}

func (c *Cluster) memberCount() int {
	if c.ml == nil {
		return 1
	}
	return c.ml.NumMembers()
}

// Start begins DNS polling (joining newly discovered peers) and
// forwarding local Store mutations over gossip.
func (c *Cluster) Start() {
	ch, unsubscribe := c.st.Subscribe()
	c.unsubscribe = unsubscribe
	go c.forwardLocalMutations(ch)

	c.discovery.Start(func(ev PeerEvent) {
		if !ev.Joined {
			return
		}
		if _, err := c.ml.Join([]string{ev.Addr}); err != nil && c.logger != nil {
			c.logger.Warn("cluster: join failed", map[string]interface{}{"addr": ev.Addr, "error": err.Error()})
		}
	})
}

// forwardLocalMutations re-broadcasts every locally-originated Store
// event to the gossip cluster. Peer-originated events are never
// re-broadcast here: each node that actually saw the local write does
// this, so no re-broadcast loop is needed for events already tagged
// OriginPeer.
func (c *Cluster) forwardLocalMutations(ch <-chan store.Event) {
	for ev := range ch {
		if ev.Origin != store.OriginLocal {
			continue
		}
		env := envelope{Kind: kindMutation, Mutation: &mutationMsg{
			Table: ev.Table, ID: ev.ID, Record: ev.Record, Deleted: ev.Deleted,
			UpdatedAt: ev.UpdatedAt, NodeID: ev.NodeID,
		}}
		data, err := json.Marshal(env)
		if err != nil {
			continue
		}
		c.delegate.broadcasts.QueueBroadcast(&broadcast{data: data})
	}
}

// backfill requests a full copy of every table from one existing
// member, per spec §4.9's idempotent schema adoption on join.
func (c *Cluster) backfill(from string) {
	env := envelope{Kind: kindSyncRequest}
	for _, t := range tables {
		req := syncRequest{From: c.cfg.NodeID, Table: t}
		env.Request = &req
		data, err := json.Marshal(env)
		if err != nil {
			continue
		}
		c.delegate.sendTo(from, data)
	}
}

// Stop leaves the gossip cluster and stops DNS polling.
func (c *Cluster) Stop() error {
	c.discovery.Stop()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if err := c.ml.Leave(5 * time.Second); err != nil && c.logger != nil {
		c.logger.Warn("cluster: leave failed", map[string]interface{}{"error": err.Error()})
	}
	return c.ml.Shutdown()
}

// eventDelegate triggers a schema backfill from every other node that
// memberlist reports joining, so a freshly joining node adopts the
// existing schema metadata (and a rejoining peer is pulled again).
type eventDelegate struct {
	c *Cluster
}

func (e *eventDelegate) NotifyJoin(n *memberlist.Node) {
	if n.Name == e.c.cfg.NodeID {
		return
	}
	go e.c.backfill(n.Name)
}

func (e *eventDelegate) NotifyLeave(n *memberlist.Node) {
	// Local reads continue to serve the last-known state. No writes are
	// queued for the departed peer: the Store has no replay queue, and a
	// mutation made while the peer is away reaches it only through
	// memberlist's limited retransmissions or the backfill that
	// NotifyJoin runs when it rejoins.
}

func (e *eventDelegate) NotifyUpdate(n *memberlist.Node) {}
