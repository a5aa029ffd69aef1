// Package offsets tracks the replication positions data nodes report in
// their pings.
package offsets

import (
	"log"
	"sync"

	"github.com/ccyuki/zeppelin/internal/meta"
)

// PartitionOffset is one (table, partition) position carried by a ping.
type PartitionOffset struct {
	Table     string
	Partition int
	FileNum   uint32
	Offset    uint64
}

// Table is a concurrent map of (table, partition, node) to the last
// reported offset. Entries are never expired; the size is bounded by
// cluster x tables x partitions.
type Table struct {
	mu sync.Mutex
	m  map[string]meta.NodeOffset
}

func NewTable() *Table {
	return &Table{m: make(map[string]meta.NodeOffset)}
}

// UpdateFromPing overwrites every offset reported by node addr.
func (t *Table) UpdateFromPing(addr string, offsets []PartitionOffset) {
	t.mu.Lock()
	for _, po := range offsets {
		key := meta.OffsetKey(po.Table, po.Partition, addr)
		t.m[key] = meta.NodeOffset{FileNum: po.FileNum, Offset: po.Offset}
	}
	t.mu.Unlock()
}

// Lookup returns the last offset reported by addr for (table, partition).
func (t *Table) Lookup(table string, partition int, addr string) (meta.NodeOffset, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.m[meta.OffsetKey(table, partition, addr)]
	return o, ok
}

// Debug logs the whole offset table.
func (t *Table) Debug() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, o := range t.m {
		log.Printf("offset %s -> %s", k, o)
	}
}
