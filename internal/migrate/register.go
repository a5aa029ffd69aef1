// Package migrate persists the progress of a bulk replica migration so
// that a leader handover does not lose it.
package migrate

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ccyuki/zeppelin/internal/consensus"
	"github.com/ccyuki/zeppelin/internal/meta"
	zperrors "github.com/ccyuki/zeppelin/pkg/errors"
)

const registerKey = "##anchor/migrate"

// Item is one replica move: for (table, partition), replace From with To.
type Item struct {
	Table     string    `json:"table"`
	Partition int       `json:"partition"`
	From      meta.Node `json:"from"`
	To        meta.Node `json:"to"`
}

// record is the persisted register state.
type record struct {
	Token string `json:"token"`
	Items []Item `json:"items"`
}

// Status reports the register state.
type Status struct {
	Active    bool
	Token     string
	Remaining int
}

// Register is the durable queue of pending migration items.
type Register struct {
	mu    sync.Mutex
	store consensus.Store
}

func NewRegister(store consensus.Store) *Register {
	return &Register{store: store}
}

// Init stores the ordered batch under a fresh token. It rejects when an
// active batch still has items.
func (r *Register) Init(items []Item) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: empty migrate batch", zperrors.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, found, err := r.load()
	if err != nil {
		return err
	}
	if found && len(cur.Items) > 0 {
		return fmt.Errorf("%w: token %s, %d items left", zperrors.ErrMigrateActive,
			cur.Token, len(cur.Items))
	}

	return r.save(&record{Token: uuid.NewString(), Items: items})
}

// GetN pops up to n head items, persisting the truncated queue before
// returning them. It reports ErrNotFound when the queue is empty.
func (r *Register) GetN(n int) ([]Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, found, err := r.load()
	if err != nil {
		return nil, err
	}
	if !found || len(cur.Items) == 0 {
		return nil, fmt.Errorf("%w: no migrate item", zperrors.ErrNotFound)
	}

	if n > len(cur.Items) {
		n = len(cur.Items)
	}
	head := cur.Items[:n]
	cur.Items = cur.Items[n:]
	if err := r.save(cur); err != nil {
		return nil, err
	}
	return head, nil
}

// Cancel clears the register.
func (r *Register) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Delete(registerKey); err != nil {
		return fmt.Errorf("clear migrate register: %w", err)
	}
	return nil
}

// Status returns the current register state.
func (r *Register) Status() (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, found, err := r.load()
	if err != nil {
		return Status{}, err
	}
	if !found {
		return Status{}, nil
	}
	return Status{
		Active:    len(cur.Items) > 0,
		Token:     cur.Token,
		Remaining: len(cur.Items),
	}, nil
}

func (r *Register) load() (*record, bool, error) {
	val, found, err := r.store.Get(registerKey)
	if err != nil {
		return nil, false, fmt.Errorf("read migrate register: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	var rec record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, false, fmt.Errorf("%w: bad migrate register: %v", zperrors.ErrCorruption, err)
	}
	return &rec, true, nil
}

func (r *Register) save(rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode migrate register: %w", err)
	}
	if err := r.store.Set(registerKey, string(data)); err != nil {
		return fmt.Errorf("write migrate register: %w", err)
	}
	return nil
}
