// Package infostore caches the cluster topology held in the consensus
// keyspace and is the single mutator of it.
package infostore

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ccyuki/zeppelin/internal/consensus"
	"github.com/ccyuki/zeppelin/internal/meta"
	zperrors "github.com/ccyuki/zeppelin/pkg/errors"
)

const (
	epochKey       = "##anchor/epoch"
	tableListKey   = "##anchor/tables"
	tableKeyPrefix = "##anchor/table/"
	nodesKey       = "##anchor/nodes"

	// DefaultNodeAliveTimeout is how long a node may stay silent before it
	// is considered expired.
	DefaultNodeAliveTimeout = 60 * time.Second
)

// OffsetGetter supplies the last replication offsets observed from pings.
// Used to pick the most caught-up slave during auto promotion.
type OffsetGetter interface {
	Lookup(table string, partition int, addr string) (meta.NodeOffset, bool)
}

// snapshot is one immutable view of the topology. Readers grab the
// current pointer; refresh and apply publish a replacement.
type snapshot struct {
	epoch  uint64
	tables map[string]*meta.Table
}

type nodeAlive struct {
	state         meta.NodeState
	lastHeartbeat time.Time
}

// InfoStore holds the cached topology plus node liveness.
type InfoStore struct {
	store        consensus.Store
	offsets      OffsetGetter
	aliveTimeout time.Duration

	snap atomic.Pointer[snapshot]

	nodesMu sync.Mutex
	nodes   map[string]*nodeAlive
}

func NewInfoStore(store consensus.Store, offsets OffsetGetter, aliveTimeout time.Duration) *InfoStore {
	if aliveTimeout <= 0 {
		aliveTimeout = DefaultNodeAliveTimeout
	}
	s := &InfoStore{
		store:        store,
		offsets:      offsets,
		aliveTimeout: aliveTimeout,
		nodes:        make(map[string]*nodeAlive),
	}
	s.snap.Store(&snapshot{tables: make(map[string]*meta.Table)})
	return s
}

// Epoch returns the topology version of the current snapshot.
func (s *InfoStore) Epoch() uint64 {
	return s.snap.Load().epoch
}

// Refresh reloads the snapshot when the stored epoch moved. The table
// records are authoritative: if the epoch key is missing or behind them,
// the epoch is recomputed from the table versions.
func (s *InfoStore) Refresh() error {
	epochVal, epochFound, err := s.store.Get(epochKey)
	if err != nil {
		return fmt.Errorf("read epoch: %w", err)
	}

	var storedEpoch uint64
	if epochFound {
		storedEpoch, err = strconv.ParseUint(epochVal, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad epoch value %q", zperrors.ErrCorruption, epochVal)
		}
		if storedEpoch == s.snap.Load().epoch && storedEpoch != 0 {
			return nil
		}
	}

	names, listFound, err := s.loadTableList()
	if err != nil {
		return err
	}
	if !epochFound && !listFound {
		return fmt.Errorf("%w: meta info not initialized yet", zperrors.ErrIncomplete)
	}

	tables := make(map[string]*meta.Table, len(names))
	maxVersion := uint64(0)
	for _, name := range names {
		table, err := s.loadTable(name)
		if err != nil {
			// One bad record must not invalidate the rest of the view.
			log.Printf("skip table %s during refresh: %v", name, err)
			continue
		}
		tables[name] = table
		if table.Version > maxVersion {
			maxVersion = table.Version
		}
	}

	epoch := storedEpoch
	if maxVersion > epoch {
		epoch = maxVersion
	}
	s.snap.Store(&snapshot{epoch: epoch, tables: tables})
	return nil
}

func (s *InfoStore) loadTableList() ([]string, bool, error) {
	val, found, err := s.store.Get(tableListKey)
	if err != nil {
		return nil, false, fmt.Errorf("read table list: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(val), &names); err != nil {
		return nil, false, fmt.Errorf("%w: bad table list: %v", zperrors.ErrCorruption, err)
	}
	return names, true, nil
}

func (s *InfoStore) loadTable(name string) (*meta.Table, error) {
	val, found, err := s.store.Get(tableKeyPrefix + name)
	if err != nil {
		return nil, fmt.Errorf("read table %s: %w", name, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: table record %s missing", zperrors.ErrCorruption, name)
	}
	var table meta.Table
	if err := json.Unmarshal([]byte(val), &table); err != nil {
		return nil, fmt.Errorf("%w: bad table record %s: %v", zperrors.ErrCorruption, name, err)
	}
	return &table, nil
}

// GetTableMeta returns a copy of the named table.
func (s *InfoStore) GetTableMeta(name string) (*meta.Table, error) {
	table, ok := s.snap.Load().tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: table %s", zperrors.ErrNotFound, name)
	}
	return table.Clone(), nil
}

// GetTableList returns the sorted table names.
func (s *InfoStore) GetTableList() []string {
	tables := s.snap.Load().tables
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetTablesForNode returns the tables in which the node appears in any
// partition, as master or slave.
func (s *InfoStore) GetTablesForNode(addr string) ([]string, error) {
	node, err := meta.ParseNode(addr)
	if err != nil {
		return nil, err
	}
	var names []string
	for name, table := range s.snap.Load().tables {
		if table.ContainsNode(node) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no table for node %s", zperrors.ErrNotFound, addr)
	}
	sort.Strings(names)
	return names, nil
}

// GetPartitionMaster returns the current master of (table, partition).
func (s *InfoStore) GetPartitionMaster(table string, partition int) (meta.Node, error) {
	t, ok := s.snap.Load().tables[table]
	if !ok {
		return meta.Node{}, fmt.Errorf("%w: table %s", zperrors.ErrNotFound, table)
	}
	if partition < 0 || partition >= len(t.Partitions) {
		return meta.Node{}, fmt.Errorf("%w: partition %s_%d", zperrors.ErrNotFound, table, partition)
	}
	master := t.Partitions[partition].Master
	if master.IsEmpty() {
		return meta.Node{}, fmt.Errorf("%w: partition %s_%d has no master", zperrors.ErrNotFound, table, partition)
	}
	return master, nil
}

// GetAllNodes returns the liveness state of every known data node.
func (s *InfoStore) GetAllNodes() map[string]meta.NodeState {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	out := make(map[string]meta.NodeState, len(s.nodes))
	for addr, n := range s.nodes {
		out[addr] = n.state
	}
	return out
}

// UpdateNodeAlive refreshes the node's heartbeat. It returns true iff the
// node transitioned from Down or Unknown to Up, in which case the caller
// enqueues an UpNode task.
func (s *InfoStore) UpdateNodeAlive(addr string) bool {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	now := time.Now()
	n, ok := s.nodes[addr]
	if !ok {
		s.nodes[addr] = &nodeAlive{state: meta.NodeStateUp, lastHeartbeat: now}
		return true
	}
	prev := n.state
	n.lastHeartbeat = now
	n.state = meta.NodeStateUp
	return prev == meta.NodeStateDown || prev == meta.NodeStateUnknown
}

// FetchExpiredNode returns the nodes whose heartbeat is older than the
// alive timeout and moves them to Pending. They become Down only once the
// corresponding DownNode task commits.
func (s *InfoStore) FetchExpiredNode() []string {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	now := time.Now()
	var expired []string
	for addr, n := range s.nodes {
		if n.state == meta.NodeStateUp && now.Sub(n.lastHeartbeat) > s.aliveTimeout {
			n.state = meta.NodeStatePending
			expired = append(expired, addr)
		}
	}
	sort.Strings(expired)
	return expired
}

// RestoreNodeAlive rebuilds the liveness map on leader takeover from the
// persisted record. Nodes last known Up become Pending until they ping.
func (s *InfoStore) RestoreNodeAlive() error {
	record, err := s.loadNodesRecord()
	if err != nil {
		return err
	}

	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	now := time.Now()
	s.nodes = make(map[string]*nodeAlive, len(record))
	for addr, state := range record {
		if state == meta.NodeStateUp.String() {
			s.nodes[addr] = &nodeAlive{state: meta.NodeStatePending, lastHeartbeat: now}
		} else {
			s.nodes[addr] = &nodeAlive{state: meta.NodeStateDown, lastHeartbeat: now}
		}
	}
	return nil
}

func (s *InfoStore) loadNodesRecord() (map[string]string, error) {
	val, found, err := s.store.Get(nodesKey)
	if err != nil {
		return nil, fmt.Errorf("read nodes record: %w", err)
	}
	record := make(map[string]string)
	if !found {
		return record, nil
	}
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		return nil, fmt.Errorf("%w: bad nodes record: %v", zperrors.ErrCorruption, err)
	}
	return record, nil
}
