package condition

import (
	"sync"
	"testing"
	"time"

	"github.com/ccyuki/zeppelin/internal/meta"
)

type fakeOffsets struct {
	mu sync.Mutex
	m  map[string]meta.NodeOffset
}

func newFakeOffsets() *fakeOffsets {
	return &fakeOffsets{m: make(map[string]meta.NodeOffset)}
}

func (f *fakeOffsets) set(table string, partition int, addr string, o meta.NodeOffset) {
	f.mu.Lock()
	f.m[meta.OffsetKey(table, partition, addr)] = o
	f.mu.Unlock()
}

func (f *fakeOffsets) Lookup(table string, partition int, addr string) (meta.NodeOffset, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.m[meta.OffsetKey(table, partition, addr)]
	return o, ok
}

type recordingSink struct {
	mu    sync.Mutex
	tasks []meta.UpdateTask
}

func (s *recordingSink) PendingUpdate(task meta.UpdateTask) {
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()
}

func (s *recordingSink) all() []meta.UpdateTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]meta.UpdateTask(nil), s.tasks...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

var (
	refNode  = meta.Node{IP: "1.1.1.1", Port: 10}
	candNode = meta.Node{IP: "1.1.1.1", Port: 20}
)

func testCondition() OffsetCondition {
	return OffsetCondition{Table: "t", Partition: 0, Reference: refNode, Candidate: candNode}
}

func TestCronFiresWhenCaughtUp(t *testing.T) {
	offs := newFakeOffsets()
	sink := &recordingSink{}
	cron := NewCron(offs, sink, 10*time.Millisecond, time.Hour)
	cron.Start()
	defer cron.Stop()

	offs.set("t", 0, refNode.Addr(), meta.NodeOffset{FileNum: 3, Offset: 1000})
	offs.set("t", 0, candNode.Addr(), meta.NodeOffset{FileNum: 3, Offset: 500})

	task := meta.UpdateTask{Op: meta.OpSetMaster, Node: candNode.Addr(), Table: "t"}
	cron.AddCronTask(testCondition(), task)

	// Lagging candidate: nothing may fire.
	time.Sleep(50 * time.Millisecond)
	if got := sink.all(); len(got) != 0 {
		t.Fatalf("fired while lagging: %v", got)
	}

	offs.set("t", 0, candNode.Addr(), meta.NodeOffset{FileNum: 3, Offset: 1000})
	waitFor(t, time.Second, func() bool { return len(sink.all()) == 1 })

	if got := sink.all(); got[0] != task {
		t.Fatalf("unexpected task: %v", got[0])
	}
	if cron.Pending() != 0 {
		t.Fatalf("entry not removed: %d pending", cron.Pending())
	}
}

func TestCronFiresTaskListInOrder(t *testing.T) {
	offs := newFakeOffsets()
	sink := &recordingSink{}
	cron := NewCron(offs, sink, 10*time.Millisecond, time.Hour)
	cron.Start()
	defer cron.Stop()

	offs.set("t", 0, refNode.Addr(), meta.NodeOffset{FileNum: 1, Offset: 100})
	offs.set("t", 0, candNode.Addr(), meta.NodeOffset{FileNum: 1, Offset: 100})

	remove := meta.UpdateTask{Op: meta.OpRemoveSlave, Node: refNode.Addr(), Table: "t"}
	activate := meta.UpdateTask{Op: meta.OpSetActive, Table: "t"}
	cron.AddCronTask(testCondition(), remove, activate)

	waitFor(t, time.Second, func() bool { return len(sink.all()) == 2 })

	got := sink.all()
	if got[0] != remove || got[1] != activate {
		t.Fatalf("tasks out of order: %v", got)
	}
}

func TestCronKeepsInsertionOrder(t *testing.T) {
	offs := newFakeOffsets()
	sink := &recordingSink{}
	cron := NewCron(offs, sink, 10*time.Millisecond, time.Hour)

	offs.set("t", 0, refNode.Addr(), meta.NodeOffset{FileNum: 1, Offset: 100})
	offs.set("t", 0, candNode.Addr(), meta.NodeOffset{FileNum: 1, Offset: 100})
	offs.set("t", 1, refNode.Addr(), meta.NodeOffset{FileNum: 1, Offset: 100})
	offs.set("t", 1, candNode.Addr(), meta.NodeOffset{FileNum: 1, Offset: 100})

	first := meta.UpdateTask{Op: meta.OpSetActive, Table: "t", Partition: 0}
	second := meta.UpdateTask{Op: meta.OpSetActive, Table: "t", Partition: 1}
	cron.AddCronTask(testCondition(), first)
	cond2 := testCondition()
	cond2.Partition = 1
	cron.AddCronTask(cond2, second)

	// Both are ready in the same tick and must fire in insertion order.
	cron.Start()
	defer cron.Stop()
	waitFor(t, time.Second, func() bool { return len(sink.all()) == 2 })

	got := sink.all()
	if got[0] != first || got[1] != second {
		t.Fatalf("entries out of order: %v", got)
	}
}

func TestCronAbandonsUnknownOffsets(t *testing.T) {
	offs := newFakeOffsets()
	sink := &recordingSink{}
	cron := NewCron(offs, sink, 10*time.Millisecond, 30*time.Millisecond)
	cron.Start()
	defer cron.Stop()

	cron.AddCronTask(testCondition(), meta.UpdateTask{Op: meta.OpSetActive, Table: "t"})

	waitFor(t, time.Second, func() bool { return cron.Pending() == 0 })
	if got := sink.all(); len(got) != 0 {
		t.Fatalf("abandoned entry fired: %v", got)
	}
}

func TestCronWaitsWhileLaggingPastMaxWait(t *testing.T) {
	offs := newFakeOffsets()
	sink := &recordingSink{}
	cron := NewCron(offs, sink, 10*time.Millisecond, 30*time.Millisecond)
	cron.Start()
	defer cron.Stop()

	// Known but lagging offsets never expire; the entry waits for the
	// candidate or an operator.
	offs.set("t", 0, refNode.Addr(), meta.NodeOffset{FileNum: 2, Offset: 100})
	offs.set("t", 0, candNode.Addr(), meta.NodeOffset{FileNum: 1, Offset: 100})
	cron.AddCronTask(testCondition(), meta.UpdateTask{Op: meta.OpSetActive, Table: "t"})

	time.Sleep(100 * time.Millisecond)
	if cron.Pending() != 1 {
		t.Fatalf("lagging entry dropped: %d pending", cron.Pending())
	}
}
