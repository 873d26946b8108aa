// Package store implements Singularity Edge's replicated configuration
// store: an embedded, LSM-style key/value engine (nutsdb) fronted by the
// Put/Get/List/Delete/IndexLookup/Subscribe contract described in spec
// §4.1. Conflict resolution is last-write-wins on a server-stamped
// updated_at, with a deterministic node-id tie-break — see DESIGN.md's
// Open Question 3 for the exact rule this package implements.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nutsdb/nutsdb"

	"singularityedge/internal/edgeerr"
	"singularityedge/internal/metrics"
)

// Table names the three tables spec §4.1 requires.
type Table string

const (
	TablePools        Table = "pools"
	TableBackends     Table = "backends"
	TableCertificates Table = "certificates"
)

// indexedFields lists the required secondary indexes from spec §4.1.
var indexedFields = map[Table][]string{
	TableBackends:     {"pool_name", "healthy"},
	TableCertificates: {"domain", "expires_at"},
}

// Record is a generic table row. Callers (the certificate and pool
// packages) marshal their domain structs into a Record via JSON
// round-trip before calling Put.
type Record map[string]interface{}

func (r Record) clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Origin distinguishes a write made on this node from one replayed from
// a peer's gossip broadcast.
type Origin string

const (
	OriginLocal Origin = "local"
	OriginPeer  Origin = "peer"
)

// Event is what Subscribe delivers: one Put or Delete, from either this
// node or a peer (spec §4.1: "the event stream includes changes
// originating from other cluster nodes").
type Event struct {
	Table     Table
	ID        string
	Record    Record
	Deleted   bool
	UpdatedAt time.Time
	NodeID    string
	Origin    Origin
}

// Config configures the embedded engine.
type Config struct {
	Dir    string
	NodeID string

	// Metrics, if set, receives per-table write latency observations.
	// Optional: tests and standalone tools can leave it nil.
	Metrics *metrics.Metrics
}

// Store owns one nutsdb database and fans out a change-event stream.
type Store struct {
	db      *nutsdb.DB
	nodeID  string
	metrics *metrics.Metrics

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// Open opens (creating if absent) the embedded store at cfg.Dir.
func Open(cfg Config) (*Store, error) {
	opt := nutsdb.DefaultOptions
	opt.Dir = cfg.Dir
	db, err := nutsdb.Open(opt)
	if err != nil {
		return nil, fmt.Errorf("%w: opening store at %s: %v", edgeerr.ErrStorageError, cfg.Dir, err)
	}
	return &Store{db: db, nodeID: cfg.NodeID, metrics: cfg.Metrics, subs: make(map[int]chan Event)}, nil
}

// Close releases the underlying engine.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: closing store: %v", edgeerr.ErrStorageError, err)
	}
	return nil
}

// Put durably writes record under table/id, server-stamping updated_at,
// and enqueues it for async replication (spec §4.1) by publishing it to
// subscribers — the Cluster package is just another subscriber that
// happens to forward what it receives over the network.
func (s *Store) Put(table Table, id string, record Record) error {
	return s.write(table, id, record, time.Now().UTC(), s.nodeID, OriginLocal)
}

// ApplyRemote applies a gossip-delivered mutation from the Cluster
// package, honoring last-write-wins against whatever is stored locally.
func (s *Store) ApplyRemote(ev Event) error {
	if ev.Deleted {
		return s.remove(ev.Table, ev.ID, ev.UpdatedAt, ev.NodeID, OriginPeer)
	}
	return s.write(ev.Table, ev.ID, ev.Record, ev.UpdatedAt, ev.NodeID, OriginPeer)
}

func (s *Store) write(table Table, id string, record Record, ts time.Time, nodeID string, origin Origin) error {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.StoreWriteDuration.WithLabelValues(string(table)).Observe(time.Since(start).Seconds())
		}
	}()

	rec := record.clone()
	rec["updated_at"] = ts.Format(time.RFC3339Nano)
	rec["_origin_node"] = nodeID

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshaling %s/%s: %v", edgeerr.ErrStorageError, table, id, err)
	}

	applied := false
	err = s.db.Update(func(tx *nutsdb.Tx) error {
		old, oldRec, found := getTx(tx, table, id)
		if found && origin == OriginPeer && !newerOrTieWins(ts, nodeID, old) {
			// A concurrent local (or earlier-seen peer) write already
			// strictly dominates this one; drop it rather than regress
			// the record (DESIGN.md Open Question 3).
			return nil
		}
		if found {
			if err := clearIndexes(tx, table, id, oldRec); err != nil {
				return err
			}
		}
		if err := tx.Put(string(table), []byte(id), data, 0); err != nil {
			return err
		}
		if err := writeIndexes(tx, table, id, rec); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: put %s/%s: %v", edgeerr.ErrStorageError, table, id, err)
	}
	if applied {
		s.publish(Event{Table: table, ID: id, Record: rec, UpdatedAt: ts, NodeID: nodeID, Origin: origin})
	}
	return nil
}

// newerOrTieWins reports whether an incoming write stamped (ts, nodeID)
// should overwrite the existing record old.
func newerOrTieWins(ts time.Time, nodeID string, old recordMeta) bool {
	if ts.After(old.updatedAt) {
		return true
	}
	if ts.Equal(old.updatedAt) {
		return nodeID > old.originNode
	}
	return false
}

// Get returns the record stored under table/id, or edgeerr.ErrNotFound.
func (s *Store) Get(table Table, id string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *nutsdb.Tx) error {
		_, r, found := getTx(tx, table, id)
		if !found {
			return edgeerr.ErrNotFound
		}
		rec = r
		return nil
	})
	if err != nil {
		if errors.Is(err, edgeerr.ErrNotFound) {
			return nil, edgeerr.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s/%s: %v", edgeerr.ErrStorageError, table, id, err)
	}
	return rec, nil
}

// List returns every record in table.
func (s *Store) List(table Table) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *nutsdb.Tx) error {
		entries, err := tx.GetAll(string(table))
		if err != nil {
			// An empty or not-yet-created bucket is an empty table, not
			// a storage failure.
			return nil
		}
		for _, e := range entries {
			var rec Record
			if jerr := json.Unmarshal(e.Value, &rec); jerr != nil {
				return jerr
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", edgeerr.ErrStorageError, table, err)
	}
	return out, nil
}

// Delete removes table/id. It is idempotent: deleting an absent id is
// not an error (spec §4.1).
func (s *Store) Delete(table Table, id string) error {
	return s.remove(table, id, time.Now().UTC(), s.nodeID, OriginLocal)
}

func (s *Store) remove(table Table, id string, ts time.Time, nodeID string, origin Origin) error {
	applied := false
	err := s.db.Update(func(tx *nutsdb.Tx) error {
		_, oldRec, found := getTx(tx, table, id)
		if !found {
			return nil
		}
		if origin == OriginPeer {
			oldMeta := metaOf(oldRec)
			if !newerOrTieWins(ts, nodeID, oldMeta) {
				return nil
			}
		}
		if err := clearIndexes(tx, table, id, oldRec); err != nil {
			return err
		}
		if err := tx.Delete(string(table), []byte(id)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", edgeerr.ErrStorageError, table, id, err)
	}
	if applied {
		s.publish(Event{Table: table, ID: id, Deleted: true, UpdatedAt: ts, NodeID: nodeID, Origin: origin})
	}
	return nil
}

// IndexLookup returns every record in table whose field equals value,
// via the secondary index nutsdb bucket maintained alongside the
// primary write (spec §4.1's required indexes).
func (s *Store) IndexLookup(table Table, field string, value string) ([]Record, error) {
	if !isIndexed(table, field) {
		return nil, fmt.Errorf("%w: %s.%s is not an indexed field", edgeerr.ErrValidation, table, field)
	}
	var ids []string
	err := s.db.View(func(tx *nutsdb.Tx) error {
		prefix := []byte(value + "\x00")
		entries, err := tx.PrefixScan(indexBucket(table, field), prefix, 0, indexScanLimit)
		if err != nil {
			// No index bucket yet, or no matches: an empty result, not a
			// storage failure.
			return nil
		}
		for _, e := range entries {
			ids = append(ids, string(e.Value))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: index lookup %s.%s=%s: %v", edgeerr.ErrStorageError, table, field, value, err)
	}

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(table, id)
		if errors.Is(err, edgeerr.ErrNotFound) {
			continue // index lagging a concurrent delete; tolerate it
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Subscribe returns a channel of every Put/Delete event from this point
// forward (local and peer-originated), and a cancel func that closes it.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, 64)
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// A slow subscriber (spec §7: ErrReplicationLagged territory)
			// must not block the writer that produced this event.
		}
	}
}

const indexScanLimit = 1 << 20

type recordMeta struct {
	updatedAt  time.Time
	originNode string
}

func metaOf(rec Record) recordMeta {
	var m recordMeta
	if s, ok := rec["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			m.updatedAt = t
		}
	}
	if n, ok := rec["_origin_node"].(string); ok {
		m.originNode = n
	}
	return m
}

func getTx(tx *nutsdb.Tx, table Table, id string) (recordMeta, Record, bool) {
	e, err := tx.Get(string(table), []byte(id))
	if err != nil {
		return recordMeta{}, nil, false
	}
	var rec Record
	if json.Unmarshal(e.Value, &rec) != nil {
		return recordMeta{}, nil, false
	}
	return metaOf(rec), rec, true
}

func isIndexed(table Table, field string) bool {
	for _, f := range indexedFields[table] {
		if f == field {
			return true
		}
	}
	return false
}

func indexBucket(table Table, field string) string {
	return string(table) + ".idx." + field
}

func indexValueString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	case float64:
		return fmt.Sprintf("%v", t), true
	default:
		return "", false
	}
}

func writeIndexes(tx *nutsdb.Tx, table Table, id string, rec Record) error {
	for _, field := range indexedFields[table] {
		v, ok := indexValueString(rec[field])
		if !ok {
			continue
		}
		key := []byte(v + "\x00" + id)
		if err := tx.Put(indexBucket(table, field), key, []byte(id), 0); err != nil {
			return err
		}
	}
	return nil
}

func clearIndexes(tx *nutsdb.Tx, table Table, id string, rec Record) error {
	for _, field := range indexedFields[table] {
		v, ok := indexValueString(rec[field])
		if !ok {
			continue
		}
		key := []byte(v + "\x00" + id)
		// Best-effort: a missing index entry (stale from a prior partial
		// write) is not a failure worth aborting the transaction over.
		_ = tx.Delete(indexBucket(table, field), key)
	}
	return nil
}
