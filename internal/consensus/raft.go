package consensus

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/ccyuki/zeppelin/internal/meta"
	zperrors "github.com/ccyuki/zeppelin/pkg/errors"
)

const (
	applyTimeout   = 10 * time.Second
	snapshotRetain = 2
	transportPool  = 3
)

// Options configures a replicated group member.
type Options struct {
	// Members lists every group member as "ip:consensus_port". The
	// "ip/port" form is accepted and normalized.
	Members []string
	// LocalAddr is this member's "ip:consensus_port".
	LocalAddr string
	// DataDir holds the raft log, snapshots and the state keyspace.
	DataDir string
}

// Raft is the Store implementation backed by a replicated log with a
// badger state machine.
type Raft struct {
	ra *raft.Raft
	db *badger.DB

	logStore *raftboltdb.BoltStore
}

// NormalizeMembers rewrites "ip/port" member entries to "ip:port" and
// validates every address. A malformed entry is a configuration error.
func NormalizeMembers(members []string) ([]string, error) {
	out := make([]string, 0, len(members))
	for _, m := range members {
		m = strings.TrimSpace(strings.ReplaceAll(m, "/", ":"))
		if m == "" {
			continue
		}
		if _, err := meta.ParseNode(m); err != nil {
			return nil, fmt.Errorf("%w: bad member addr %q", zperrors.ErrCorruption, m)
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty member list", zperrors.ErrCorruption)
	}
	return out, nil
}

// Open joins (or bootstraps) the replicated group.
func Open(opts Options) (*Raft, error) {
	members, err := NormalizeMembers(opts.Members)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	badgerOpts := badger.DefaultOptions(filepath.Join(opts.DataDir, "state"))
	badgerOpts.Logger = nil
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(opts.DataDir, "raft.db"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open raft log store: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(opts.DataDir, snapshotRetain, os.Stderr)
	if err != nil {
		logStore.Close()
		db.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", opts.LocalAddr)
	if err != nil {
		logStore.Close()
		db.Close()
		return nil, fmt.Errorf("resolve local addr %s: %w", opts.LocalAddr, err)
	}
	transport, err := raft.NewTCPTransport(opts.LocalAddr, addr, transportPool, 10*time.Second, os.Stderr)
	if err != nil {
		logStore.Close()
		db.Close()
		return nil, fmt.Errorf("open transport on %s: %w", opts.LocalAddr, err)
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(opts.LocalAddr)
	config.LogOutput = os.Stderr

	f := &fsm{db: db}
	ra, err := raft.NewRaft(config, f, logStore, logStore, snapshots, transport)
	if err != nil {
		logStore.Close()
		db.Close()
		return nil, fmt.Errorf("start raft: %w", err)
	}

	servers := make([]raft.Server, len(members))
	for i, m := range members {
		servers[i] = raft.Server{
			ID:      raft.ServerID(m),
			Address: raft.ServerAddress(m),
		}
	}
	// BootstrapCluster is a no-op once the group has state.
	if err := ra.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil &&
		err != raft.ErrCantBootstrap {
		ra.Shutdown()
		logStore.Close()
		db.Close()
		return nil, fmt.Errorf("bootstrap group: %w", err)
	}

	return &Raft{ra: ra, db: db, logStore: logStore}, nil
}

// Get reads from the local replica.
func (r *Raft) Get(key string) (string, bool, error) {
	var value string
	found := false
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value = string(val)
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s: %v", zperrors.ErrIO, key, err)
	}
	return value, found, nil
}

// Set replicates the write; it returns only after a quorum committed it.
func (r *Raft) Set(key, value string) error {
	return r.apply(command{Op: cmdSet, Key: key, Value: value})
}

// Delete replicates the removal.
func (r *Raft) Delete(key string) error {
	return r.apply(command{Op: cmdDelete, Key: key})
}

func (r *Raft) apply(c command) error {
	data, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}

	future := r.ra.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		// Losing leadership mid-write is transient from the caller's view:
		// the update worker retries and the refresh cycle redirects.
		if err == raft.ErrNotLeader || err == raft.ErrLeadershipLost ||
			err == raft.ErrLeadershipTransferInProgress || err == raft.ErrEnqueueTimeout {
			return fmt.Errorf("%w: apply %s %s: %v", zperrors.ErrIncomplete, c.Op, c.Key, err)
		}
		return fmt.Errorf("%w: apply %s %s: %v", zperrors.ErrIO, c.Op, c.Key, err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return fmt.Errorf("%w: apply %s %s: %v", zperrors.ErrCorruption, c.Op, c.Key, err)
		}
	}
	return nil
}

// GetLeader returns the leader's ip and consensus port.
func (r *Raft) GetLeader() (string, int, bool) {
	addr, _ := r.ra.LeaderWithID()
	if addr == "" {
		return "", 0, false
	}
	n, err := meta.ParseNode(string(addr))
	if err != nil {
		return "", 0, false
	}
	return n.IP, n.Port, true
}

// GetAllNodes returns the consensus addresses of every group member.
func (r *Raft) GetAllNodes() []string {
	future := r.ra.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil
	}
	servers := future.Configuration().Servers
	nodes := make([]string, 0, len(servers))
	for _, s := range servers {
		nodes = append(nodes, string(s.Address))
	}
	return nodes
}

// ServerStatus formats the raft runtime stats.
func (r *Raft) ServerStatus() string {
	stats := r.ra.Stats()
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, stats[k])
	}
	return b.String()
}

// Close shuts the group member down.
func (r *Raft) Close() error {
	if err := r.ra.Shutdown().Error(); err != nil {
		return err
	}
	if err := r.logStore.Close(); err != nil {
		return err
	}
	return r.db.Close()
}
