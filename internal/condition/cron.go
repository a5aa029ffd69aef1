// Package condition defers topology updates until a replication offset
// predicate holds.
package condition

import (
	"log"
	"sync"
	"time"

	"github.com/ccyuki/zeppelin/internal/meta"
)

const (
	// DefaultTick is the scan interval over pending conditions.
	DefaultTick = 1 * time.Second

	// DefaultMaxWait bounds how long an entry may sit with unknown
	// offsets before it is abandoned.
	DefaultMaxWait = 30 * time.Minute
)

// OffsetCondition holds once the candidate's offset caught up with the
// reference's.
type OffsetCondition struct {
	Table     string
	Partition int
	Reference meta.Node
	Candidate meta.Node
}

// OffsetGetter supplies observed offsets; implemented by the offset table.
type OffsetGetter interface {
	Lookup(table string, partition int, addr string) (meta.NodeOffset, bool)
}

// TaskSink receives the gated tasks once a condition fires; implemented
// by the update worker.
type TaskSink interface {
	PendingUpdate(task meta.UpdateTask)
}

type entry struct {
	cond    OffsetCondition
	tasks   []meta.UpdateTask
	addedAt time.Time
}

// Cron scans pending conditions on a timer and forwards the tasks of
// every satisfied entry, in insertion order.
type Cron struct {
	offsets OffsetGetter
	sink    TaskSink
	tick    time.Duration
	maxWait time.Duration

	mu      sync.Mutex
	entries []*entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewCron(offsets OffsetGetter, sink TaskSink, tick, maxWait time.Duration) *Cron {
	if tick <= 0 {
		tick = DefaultTick
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Cron{
		offsets: offsets,
		sink:    sink,
		tick:    tick,
		maxWait: maxWait,
		stopCh:  make(chan struct{}),
	}
}

func (c *Cron) Start() {
	c.wg.Add(1)
	go c.loop()
}

func (c *Cron) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// AddCronTask registers tasks to fire, in order, once cond holds.
func (c *Cron) AddCronTask(cond OffsetCondition, tasks ...meta.UpdateTask) {
	c.mu.Lock()
	c.entries = append(c.entries, &entry{cond: cond, tasks: tasks, addedAt: time.Now()})
	c.mu.Unlock()
}

// Pending returns the number of waiting entries.
func (c *Cron) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cron) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.scan()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cron) scan() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	kept := c.entries[:0]
	for _, e := range c.entries {
		switch c.check(e, now) {
		case condReady:
			for _, task := range e.tasks {
				c.sink.PendingUpdate(task)
			}
		case condExpired:
			log.Printf("abandon condition on %s_%d: offsets of %s/%s unknown for %v",
				e.cond.Table, e.cond.Partition,
				e.cond.Reference.Addr(), e.cond.Candidate.Addr(), now.Sub(e.addedAt))
		default:
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

type condState int

const (
	condWaiting condState = iota
	condReady
	condExpired
)

func (c *Cron) check(e *entry, now time.Time) condState {
	ref, refOK := c.offsets.Lookup(e.cond.Table, e.cond.Partition, e.cond.Reference.Addr())
	cand, candOK := c.offsets.Lookup(e.cond.Table, e.cond.Partition, e.cond.Candidate.Addr())
	if !refOK || !candOK {
		if now.Sub(e.addedAt) > c.maxWait {
			return condExpired
		}
		return condWaiting
	}
	if cand.GreaterOrEqual(ref) {
		return condReady
	}
	return condWaiting
}
