package consensus

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/raft"
)

const (
	cmdSet    = "set"
	cmdDelete = "delete"
)

// command is one replicated log entry.
type command struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// fsm applies the replicated log into a badger keyspace.
type fsm struct {
	db *badger.DB
}

func (f *fsm) Apply(l *raft.Log) interface{} {
	var c command
	if err := json.Unmarshal(l.Data, &c); err != nil {
		return fmt.Errorf("decode log entry: %w", err)
	}

	var err error
	switch c.Op {
	case cmdSet:
		err = f.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(c.Key), []byte(c.Value))
		})
	case cmdDelete:
		err = f.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(c.Key))
		})
	default:
		err = fmt.Errorf("unknown log op %q", c.Op)
	}
	return err
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	// The meta keyspace is small: a handful of table records plus a few
	// bookkeeping keys. Capture it eagerly.
	var pairs []command
	err := f.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			pairs = append(pairs, command{Op: cmdSet, Key: key, Value: string(val)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{pairs: pairs}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	if err := f.db.DropAll(); err != nil {
		return fmt.Errorf("clear state before restore: %w", err)
	}

	dec := json.NewDecoder(rc)
	for {
		var c command
		if err := dec.Decode(&c); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("decode snapshot entry: %w", err)
		}
		err := f.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(c.Key), []byte(c.Value))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type fsmSnapshot struct {
	pairs []command
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	enc := json.NewEncoder(sink)
	for _, p := range s.pairs {
		if err := enc.Encode(&p); err != nil {
			sink.Cancel()
			return err
		}
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
