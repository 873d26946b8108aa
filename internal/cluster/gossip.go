package cluster

import (
	"encoding/json"
	"time"

	"github.com/hashicorp/memberlist"

	"singularityedge/internal/logging"
	"singularityedge/internal/store"
)

// tables lists the tables a freshly joined node backfills before relying
// on the live gossip stream, per spec §4.9's idempotent schema adoption.
var tables = []store.Table{store.TablePools, store.TableBackends, store.TableCertificates}

type msgKind string

const (
	kindMutation    msgKind = "mutation"
	kindSyncRequest msgKind = "sync_request"
	kindSyncRecords msgKind = "sync_records"
)

// envelope is the single wire type sent over memberlist's broadcast
// queue and point-to-point SendReliable channel. Exactly one of its
// payload fields is populated, selected by Kind.
type envelope struct {
	Kind     msgKind        `json:"kind"`
	Mutation *mutationMsg   `json:"mutation,omitempty"`
	Request  *syncRequest   `json:"request,omitempty"`
	Records  *syncRecords   `json:"records,omitempty"`
}

type mutationMsg struct {
	Table     store.Table  `json:"table"`
	ID        string       `json:"id"`
	Record    store.Record `json:"record,omitempty"`
	Deleted   bool         `json:"deleted"`
	UpdatedAt time.Time    `json:"updated_at"`
	NodeID    string       `json:"node_id"`
}

// syncRequest asks the receiving node to reply with its full table
// contents, addressed back to From by memberlist node name.
type syncRequest struct {
	From  string      `json:"from"`
	Table store.Table `json:"table"`
}

type syncRecords struct {
	Table   store.Table    `json:"table"`
	Records []store.Record `json:"records"`
}

// broadcast wraps an envelope so it satisfies memberlist.Broadcast.
type broadcast struct {
	data []byte
}

func (b *broadcast) Invalidates(other memberlist.Broadcast) bool { return false }
func (b *broadcast) Message() []byte                             { return b.data }
func (b *broadcast) Finished()                                   {}

// delegate implements memberlist.Delegate, bridging gossip traffic to
// the local Store. Membership events go to eventDelegate in cluster.go.
type delegate struct {
	st         *store.Store
	broadcasts *memberlist.TransmitLimitedQueue
	logger     *logging.Logger

	// ml is set by Cluster after memberlist.Create, since the delegate
	// must exist before the Memberlist it's registered with.
	ml func() *memberlist.Memberlist
}

func (d *delegate) NodeMeta(limit int) []byte { return nil }

func (d *delegate) NotifyMsg(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if d.logger != nil {
			d.logger.Warn("cluster: malformed gossip message", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	switch env.Kind {
	case kindMutation:
		d.applyMutation(env.Mutation)
	case kindSyncRequest:
		d.replyToSyncRequest(env.Request)
	case kindSyncRecords:
		d.applySyncRecords(env.Records)
	}
}

func (d *delegate) applyMutation(m *mutationMsg) {
	if m == nil {
		return
	}
	ev := store.Event{
		Table: m.Table, ID: m.ID, Record: m.Record, Deleted: m.Deleted,
		UpdatedAt: m.UpdatedAt, NodeID: m.NodeID, Origin: store.OriginPeer,
	}
	if err := d.st.ApplyRemote(ev); err != nil {
		if d.logger != nil {
			d.logger.Warn("cluster: applying remote write failed", map[string]interface{}{
				"table": m.Table, "id": m.ID, "error": err.Error(),
			})
		}
	}
}

func (d *delegate) replyToSyncRequest(req *syncRequest) {
	if req == nil {
		return
	}
	records, err := d.st.List(req.Table)
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("cluster: listing table for sync reply failed", map[string]interface{}{
				"table": req.Table, "error": err.Error(),
			})
		}
		return
	}
	payload, err := json.Marshal(envelope{Kind: kindSyncRecords, Records: &syncRecords{Table: req.Table, Records: records}})
	if err != nil {
		return
	}
	d.sendTo(req.From, payload)
}

func (d *delegate) applySyncRecords(sr *syncRecords) {
	if sr == nil {
		return
	}
	for _, rec := range sr.Records {
		id, _ := rec["id"].(string)
		if id == "" {
			continue
		}
		meta := metaFromRecord(rec)
		ev := store.Event{Table: sr.Table, ID: id, Record: rec, UpdatedAt: meta.updatedAt, NodeID: meta.nodeID, Origin: store.OriginPeer}
		if err := d.st.ApplyRemote(ev); err != nil {
			if d.logger != nil {
				d.logger.Warn("cluster: applying backfilled record failed", map[string]interface{}{
					"table": sr.Table, "id": id, "error": err.Error(),
				})
			}
		}
	}
}

func (d *delegate) sendTo(nodeName string, payload []byte) {
	ml := d.ml()
	if ml == nil {
		return
	}
	for _, n := range ml.Members() {
		if n.Name == nodeName {
			if err := ml.SendReliable(n, payload); err != nil && d.logger != nil {
				d.logger.Warn("cluster: SendReliable failed", map[string]interface{}{"to": nodeName, "error": err.Error()})
			}
			return
		}
	}
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	return d.broadcasts.GetBroadcasts(overhead, limit)
}

func (d *delegate) LocalState(join bool) []byte              { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)    {}

// recordMeta mirrors store's unexported recordMeta shape just enough to
// read updated_at/_origin_node back out of a synced Record.
type recordMeta struct {
	updatedAt time.Time
	nodeID    string
}

func metaFromRecord(rec store.Record) recordMeta {
	var m recordMeta
	if s, ok := rec["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			m.updatedAt = t
		}
	}
	if n, ok := rec["_origin_node"].(string); ok {
		m.nodeID = n
	}
	return m
}
