package infostore

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/ccyuki/zeppelin/internal/meta"
	zperrors "github.com/ccyuki/zeppelin/pkg/errors"
)

// Apply validates the task against the current snapshot, commits the
// affected records through the consensus store and bumps the epoch.
//
// Apply is only invoked from the update worker, so mutations are serial;
// readers keep using the old snapshot until the new one is published.
// The epoch key is written last: the table records are authoritative and
// the epoch is a watermark only.
func (s *InfoStore) Apply(task meta.UpdateTask) error {
	cur := s.snap.Load()
	next := &snapshot{
		epoch:  cur.epoch,
		tables: make(map[string]*meta.Table, len(cur.tables)),
	}
	for name, t := range cur.tables {
		next.tables[name] = t
	}
	newEpoch := cur.epoch + 1

	var (
		modified    []*meta.Table
		dropped     string
		listChanged bool
		aliveState  meta.NodeState
	)

	switch task.Op {
	case meta.OpUpNode:
		aliveState = meta.NodeStateUp

	case meta.OpDownNode:
		aliveState = meta.NodeStateDown
		node, err := meta.ParseNode(task.Node)
		if err != nil {
			return err
		}
		modified = s.demoteMaster(next, node)

	case meta.OpInitTable:
		if _, ok := next.tables[task.Table]; ok {
			return fmt.Errorf("%w: table %s already exists", zperrors.ErrInvalidArgument, task.Table)
		}
		if task.PartitionNum <= 0 {
			return fmt.Errorf("%w: bad partition num %d", zperrors.ErrInvalidArgument, task.PartitionNum)
		}
		table, err := s.buildTable(task.Table, task.PartitionNum)
		if err != nil {
			return err
		}
		next.tables[task.Table] = table
		modified = append(modified, table)
		listChanged = true

	case meta.OpDropTable:
		if _, ok := next.tables[task.Table]; !ok {
			return fmt.Errorf("%w: table %s", zperrors.ErrNotFound, task.Table)
		}
		delete(next.tables, task.Table)
		dropped = task.Table
		listChanged = true

	case meta.OpAddSlave, meta.OpRemoveSlave, meta.OpSetMaster:
		node, err := meta.ParseNode(task.Node)
		if err != nil {
			return err
		}
		table, partition, err := clonePartition(next, task.Table, task.Partition)
		if err != nil {
			return err
		}
		changed, err := applyRoleChange(task.Op, partition, node)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		modified = append(modified, table)

	case meta.OpSetStuck, meta.OpSetActive:
		table, partition, err := clonePartition(next, task.Table, task.Partition)
		if err != nil {
			return err
		}
		if task.Op == meta.OpSetStuck {
			partition.State = meta.PartitionStateStuck
		} else {
			partition.State = meta.PartitionStateActive
		}
		modified = append(modified, table)

	default:
		return fmt.Errorf("%w: unknown update op %d", zperrors.ErrInvalidArgument, int(task.Op))
	}

	for _, t := range modified {
		t.Version = newEpoch
		if err := s.writeTable(t); err != nil {
			return err
		}
	}
	if dropped != "" {
		if err := s.store.Delete(tableKeyPrefix + dropped); err != nil {
			return fmt.Errorf("delete table %s: %w", dropped, err)
		}
	}
	if listChanged {
		if err := s.writeTableList(next); err != nil {
			return err
		}
	}
	if aliveState != meta.NodeStateUnknown {
		if err := s.writeNodeRecord(task.Node, aliveState); err != nil {
			return err
		}
	}
	if err := s.store.Set(epochKey, strconv.FormatUint(newEpoch, 10)); err != nil {
		// The table write is already durable; the next refresh converges
		// from the table versions.
		return fmt.Errorf("bump epoch to %d: %w", newEpoch, err)
	}

	next.epoch = newEpoch
	s.snap.Store(next)
	if aliveState != meta.NodeStateUnknown {
		s.commitAliveState(task.Node, aliveState)
	}
	return nil
}

func applyRoleChange(op meta.UpdateOp, p *meta.Partition, node meta.Node) (bool, error) {
	switch op {
	case meta.OpAddSlave:
		if p.Master == node {
			return false, fmt.Errorf("%w: %s is already master of partition %d",
				zperrors.ErrInvalidArgument, node.Addr(), p.ID)
		}
		if p.HasSlave(node) {
			return false, fmt.Errorf("%w: %s is already slave of partition %d",
				zperrors.ErrInvalidArgument, node.Addr(), p.ID)
		}
		p.Slaves = append(p.Slaves, node)
		return true, nil

	case meta.OpRemoveSlave:
		if p.Master == node {
			return false, fmt.Errorf("%w: %s is master of partition %d",
				zperrors.ErrInvalidArgument, node.Addr(), p.ID)
		}
		if !p.HasSlave(node) {
			return false, nil
		}
		p.RemoveSlave(node)
		return true, nil

	case meta.OpSetMaster:
		if !p.HasSlave(node) {
			return false, fmt.Errorf("%w: %s is not slave of partition %d",
				zperrors.ErrInvalidArgument, node.Addr(), p.ID)
		}
		p.RemoveSlave(node)
		if !p.Master.IsEmpty() {
			p.Slaves = append(p.Slaves, p.Master)
		}
		p.Master = node
		p.State = meta.PartitionStateActive
		return true, nil
	}
	return false, nil
}

// demoteMaster hands every partition mastered by the dead node over to its
// most caught-up slave. A partition without slaves loses its master and is
// marked stuck until an operator intervenes.
func (s *InfoStore) demoteMaster(next *snapshot, node meta.Node) []*meta.Table {
	var modified []*meta.Table

	names := make([]string, 0, len(next.tables))
	for name := range next.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		table := next.tables[name]
		cloned := false
		for i, p := range table.Partitions {
			if p.Master != node {
				continue
			}
			if !cloned {
				table = table.Clone()
				next.tables[name] = table
				modified = append(modified, table)
				cloned = true
			}
			p = table.Partitions[i]
			if len(p.Slaves) == 0 {
				log.Printf("partition %s_%d lost master %s with no slave, mark stuck",
					name, p.ID, node.Addr())
				p.Master = meta.Node{}
				p.State = meta.PartitionStateStuck
				continue
			}
			successor := s.pickCatchupSlave(name, p.ID, p.Slaves)
			log.Printf("partition %s_%d master %s down, promote %s",
				name, p.ID, node.Addr(), successor.Addr())
			p.RemoveSlave(successor)
			p.Slaves = append(p.Slaves, node)
			p.Master = successor
		}
	}
	return modified
}

// pickCatchupSlave returns the slave with the greatest observed offset.
// A slave with no observed offset ranks lowest; ties break on the
// lexicographically smaller address.
func (s *InfoStore) pickCatchupSlave(table string, partition int, slaves []meta.Node) meta.Node {
	best := slaves[0]
	bestOffset, _ := s.offsets.Lookup(table, partition, best.Addr())
	for _, candidate := range slaves[1:] {
		offset, _ := s.offsets.Lookup(table, partition, candidate.Addr())
		if offset == bestOffset {
			if candidate.Addr() < best.Addr() {
				best = candidate
			}
			continue
		}
		if offset.GreaterOrEqual(bestOffset) {
			best, bestOffset = candidate, offset
		}
	}
	return best
}

func (s *InfoStore) buildTable(name string, partitionNum int) (*meta.Table, error) {
	s.nodesMu.Lock()
	var up []string
	for addr, n := range s.nodes {
		if n.state == meta.NodeStateUp {
			up = append(up, addr)
		}
	}
	s.nodesMu.Unlock()

	if len(up) == 0 {
		return nil, fmt.Errorf("%w: no node alive to hold table %s", zperrors.ErrIncomplete, name)
	}
	sort.Strings(up)

	table := &meta.Table{Name: name}
	for i := 0; i < partitionNum; i++ {
		master, err := meta.ParseNode(up[i%len(up)])
		if err != nil {
			return nil, err
		}
		table.Partitions = append(table.Partitions, &meta.Partition{
			ID:     i,
			State:  meta.PartitionStateActive,
			Master: master,
		})
	}
	return table, nil
}

func clonePartition(next *snapshot, name string, partition int) (*meta.Table, *meta.Partition, error) {
	table, ok := next.tables[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: table %s", zperrors.ErrNotFound, name)
	}
	if partition < 0 || partition >= len(table.Partitions) {
		return nil, nil, fmt.Errorf("%w: partition %s_%d", zperrors.ErrNotFound, name, partition)
	}
	table = table.Clone()
	next.tables[name] = table
	return table, table.Partitions[partition], nil
}

func (s *InfoStore) writeTable(t *meta.Table) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode table %s: %w", t.Name, err)
	}
	if err := s.store.Set(tableKeyPrefix+t.Name, string(data)); err != nil {
		return fmt.Errorf("write table %s: %w", t.Name, err)
	}
	return nil
}

func (s *InfoStore) writeTableList(next *snapshot) error {
	names := make([]string, 0, len(next.tables))
	for name := range next.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	data, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("encode table list: %w", err)
	}
	if err := s.store.Set(tableListKey, string(data)); err != nil {
		return fmt.Errorf("write table list: %w", err)
	}
	return nil
}

func (s *InfoStore) writeNodeRecord(addr string, state meta.NodeState) error {
	record, err := s.loadNodesRecord()
	if err != nil {
		return err
	}
	record[addr] = state.String()
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode nodes record: %w", err)
	}
	if err := s.store.Set(nodesKey, string(data)); err != nil {
		return fmt.Errorf("write nodes record: %w", err)
	}
	return nil
}

func (s *InfoStore) commitAliveState(addr string, state meta.NodeState) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	n, ok := s.nodes[addr]
	if !ok {
		n = &nodeAlive{lastHeartbeat: time.Now()}
		s.nodes[addr] = n
	}
	// A ping racing a down commit resolves itself: the next ping sees
	// Down and enqueues a fresh UpNode.
	n.state = state
}
