package server

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/ccyuki/zeppelin/internal/condition"
	"github.com/ccyuki/zeppelin/internal/meta"
	"github.com/ccyuki/zeppelin/internal/migrate"
	zperrors "github.com/ccyuki/zeppelin/pkg/errors"
)

func newUpNodeTask(addr string) meta.UpdateTask {
	return meta.UpdateTask{Op: meta.OpUpNode, Node: addr}
}

func newDownNodeTask(addr string) meta.UpdateTask {
	return meta.UpdateTask{Op: meta.OpDownNode, Node: addr}
}

// WaitSetMaster stucks the partition right away and defers the actual
// hand-off until the candidate caught up with the current master.
func (s *Server) WaitSetMaster(node meta.Node, table string, partition int) error {
	master, err := s.info.GetPartitionMaster(table, partition)
	if err != nil {
		log.Printf("wait set master: partition %s_%d: %v", table, partition, err)
		return err
	}

	s.updates.PendingUpdate(meta.UpdateTask{
		Op:        meta.OpSetStuck,
		Table:     table,
		Partition: partition,
	})

	s.cron.AddCronTask(
		condition.OffsetCondition{
			Table:     table,
			Partition: partition,
			Reference: master,
			Candidate: node,
		},
		meta.UpdateTask{
			Op:        meta.OpSetMaster,
			Node:      node.Addr(),
			Table:     table,
			Partition: partition,
		})
	return nil
}

// Migrate registers the batch and kicks off the first window. The caller
// must present the epoch it planned against; a stale plan is rejected.
func (s *Server) Migrate(epoch uint64, items []migrate.Item) error {
	if epoch != s.info.Epoch() {
		return fmt.Errorf("%w: expired epoch %d, current %d",
			zperrors.ErrInvalidArgument, epoch, s.info.Epoch())
	}

	if err := s.register.Init(items); err != nil {
		log.Printf("migrate register init failed: %v", err)
		return err
	}

	var err error
	for retry := kInitMigrateRetryNum; ; retry-- {
		err = s.ProcessMigrate()
		if !errors.Is(err, zperrors.ErrIncomplete) || retry <= 0 {
			break
		}
	}
	return err
}

// ProcessMigrate pops the next window of migration items and schedules
// each one: the new replica is added and the partition stucked
// immediately, the old replica leaves only after the new one caught up.
func (s *Server) ProcessMigrate() error {
	items, err := s.register.GetN(kMigrateOnceCount)
	if errors.Is(err, zperrors.ErrNotFound) {
		log.Printf("no migrate to be processed")
		return fmt.Errorf("%w: no migrate item begun", zperrors.ErrIncomplete)
	}
	if err != nil {
		log.Printf("get next migrate items failed: %v", err)
		return err
	}

	for _, item := range items {
		s.updates.PendingUpdate(meta.UpdateTask{
			Op:        meta.OpAddSlave,
			Node:      item.To.Addr(),
			Table:     item.Table,
			Partition: item.Partition,
		})
		s.updates.PendingUpdate(meta.UpdateTask{
			Op:        meta.OpSetStuck,
			Table:     item.Table,
			Partition: item.Partition,
		})
		s.cron.AddCronTask(
			condition.OffsetCondition{
				Table:     item.Table,
				Partition: item.Partition,
				Reference: item.From,
				Candidate: item.To,
			},
			meta.UpdateTask{
				Op:        meta.OpRemoveSlave,
				Node:      item.From.Addr(),
				Table:     item.Table,
				Partition: item.Partition,
			},
			meta.UpdateTask{
				Op:        meta.OpSetActive,
				Table:     item.Table,
				Partition: item.Partition,
			})
	}
	return nil
}

// continueMigrate keeps an interrupted or long batch draining: once the
// scheduled window fully resolved, the next window is popped.
func (s *Server) continueMigrate() {
	status, err := s.register.Status()
	if err != nil {
		log.Printf("migrate register status: %v", err)
		return
	}
	if !status.Active || s.cron.Pending() > 0 || s.updates.Pending() > 0 {
		return
	}
	if err := s.ProcessMigrate(); err != nil && !errors.Is(err, zperrors.ErrIncomplete) {
		log.Printf("continue migrate: %v", err)
	}
}

// parseMigrateItem parses
// "<table>:<partition>:<from_ip>:<from_port>:<to_ip>:<to_port>".
func parseMigrateItem(raw string) (migrate.Item, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 6 {
		return migrate.Item{}, fmt.Errorf("%w: bad migrate item %q", zperrors.ErrInvalidArgument, raw)
	}
	partition, err := strconv.Atoi(parts[1])
	if err != nil || partition < 0 {
		return migrate.Item{}, fmt.Errorf("%w: bad partition in %q", zperrors.ErrInvalidArgument, raw)
	}
	from, err := meta.ParseNode(parts[2] + ":" + parts[3])
	if err != nil {
		return migrate.Item{}, err
	}
	to, err := meta.ParseNode(parts[4] + ":" + parts[5])
	if err != nil {
		return migrate.Item{}, err
	}
	if from == to {
		return migrate.Item{}, fmt.Errorf("%w: migrate %q to itself", zperrors.ErrInvalidArgument, raw)
	}
	return migrate.Item{
		Table:     parts[0],
		Partition: partition,
		From:      from,
		To:        to,
	}, nil
}
