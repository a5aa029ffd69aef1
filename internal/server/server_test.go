package server

import (
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/tidwall/redcon"

	"github.com/ccyuki/zeppelin/internal/meta"
	"github.com/ccyuki/zeppelin/internal/migrate"
	zperrors "github.com/ccyuki/zeppelin/pkg/errors"
)

type fakeStore struct {
	mu sync.Mutex
	m  map[string]string

	leaderIP   string
	leaderPort int
	hasLeader  bool
	members    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{m: make(map[string]string)}
}

func (f *fakeStore) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.m[key]
	return v, ok, nil
}

func (f *fakeStore) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = value
	return nil
}

func (f *fakeStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, key)
	return nil
}

func (f *fakeStore) GetLeader() (string, int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaderIP, f.leaderPort, f.hasLeader
}

func (f *fakeStore) GetAllNodes() []string { return f.members }
func (f *fakeStore) ServerStatus() string  { return "state: Leader\n" }
func (f *fakeStore) Close() error          { return nil }

// fakeConn records every reply written to it.
type fakeConn struct {
	writes []interface{}
}

type errorReply string
type statusReply string
type arrayHeader int
type nullReply struct{}

func (c *fakeConn) RemoteAddr() string          { return "test:0" }
func (c *fakeConn) Close() error                { return nil }
func (c *fakeConn) WriteError(msg string)       { c.writes = append(c.writes, errorReply(msg)) }
func (c *fakeConn) WriteString(str string)      { c.writes = append(c.writes, statusReply(str)) }
func (c *fakeConn) WriteBulk(bulk []byte)       { c.writes = append(c.writes, append([]byte(nil), bulk...)) }
func (c *fakeConn) WriteBulkString(bulk string) { c.writes = append(c.writes, []byte(bulk)) }
func (c *fakeConn) WriteInt(num int)            { c.writes = append(c.writes, int64(num)) }
func (c *fakeConn) WriteInt64(num int64)        { c.writes = append(c.writes, num) }
func (c *fakeConn) WriteUint64(num uint64)      { c.writes = append(c.writes, int64(num)) }
func (c *fakeConn) WriteArray(count int)        { c.writes = append(c.writes, arrayHeader(count)) }
func (c *fakeConn) WriteNull()                  { c.writes = append(c.writes, nullReply{}) }
func (c *fakeConn) WriteRaw(data []byte)        { c.writes = append(c.writes, append([]byte(nil), data...)) }
func (c *fakeConn) WriteAny(v interface{})      { c.writes = append(c.writes, v) }
func (c *fakeConn) Context() interface{}        { return nil }
func (c *fakeConn) SetContext(v interface{})    {}
func (c *fakeConn) SetReadBuffer(n int)         {}
func (c *fakeConn) Detach() redcon.DetachedConn { return nil }
func (c *fakeConn) ReadPipeline() []redcon.Command {
	return nil
}
func (c *fakeConn) PeekPipeline() []redcon.Command { return nil }
func (c *fakeConn) NetConn() net.Conn              { return nil }

func (c *fakeConn) firstError(t *testing.T) string {
	t.Helper()
	if len(c.writes) == 0 {
		t.Fatal("no reply written")
	}
	e, ok := c.writes[0].(errorReply)
	if !ok {
		t.Fatalf("expected error reply, got %T %v", c.writes[0], c.writes[0])
	}
	return string(e)
}

func (c *fakeConn) firstStatus(t *testing.T) string {
	t.Helper()
	if len(c.writes) == 0 {
		t.Fatal("no reply written")
	}
	s, ok := c.writes[0].(statusReply)
	if !ok {
		t.Fatalf("expected status reply, got %T %v", c.writes[0], c.writes[0])
	}
	return string(s)
}

func newTestServer(t *testing.T) (*Server, *fakeStore) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LocalIP = "127.0.0.1"
	cfg.LocalPort = 9221
	cfg.Members = []string{"127.0.0.1:9221"}
	store := newFakeStore()
	return NewServer(cfg, store), store
}

// makeLeader points the fake store's leader at the server itself and
// refreshes the joint.
func makeLeader(t *testing.T, s *Server, store *fakeStore) {
	t.Helper()
	store.mu.Lock()
	store.leaderIP = s.cfg.LocalIP
	store.leaderPort = s.cfg.LocalPort + kPortShiftConsensus
	store.hasLeader = true
	store.mu.Unlock()
	if err := s.RefreshLeader(); err != nil {
		t.Fatalf("RefreshLeader failed: %v", err)
	}
	if !s.IsLeader() {
		t.Fatal("server should be leader")
	}
}

func command(parts ...string) redcon.Command {
	args := make([][]byte, len(parts))
	for i, p := range parts {
		args[i] = []byte(p)
	}
	return redcon.Command{Args: args}
}

func initTestTable(t *testing.T, s *Server, slaves ...string) {
	t.Helper()
	s.info.UpdateNodeAlive("1.1.1.1:10")
	if err := s.info.Apply(meta.UpdateTask{Op: meta.OpInitTable, Table: "t", PartitionNum: 1}); err != nil {
		t.Fatalf("InitTable failed: %v", err)
	}
	for _, slave := range slaves {
		task := meta.UpdateTask{Op: meta.OpAddSlave, Node: slave, Table: "t", Partition: 0}
		if err := s.info.Apply(task); err != nil {
			t.Fatalf("AddSlave %s failed: %v", slave, err)
		}
	}
}

func TestRefreshLeaderBecomesLeader(t *testing.T) {
	s, store := newTestServer(t)
	if s.IsLeader() {
		t.Fatal("should not be leader before refresh")
	}
	makeLeader(t, s, store)

	// Unchanged leader is a no-op.
	if err := s.RefreshLeader(); err != nil {
		t.Fatalf("RefreshLeader failed: %v", err)
	}
	if !s.IsLeader() {
		t.Fatal("leadership lost on no-op refresh")
	}
}

func TestRefreshLeaderNoLeaderYet(t *testing.T) {
	s, _ := newTestServer(t)
	if err := s.RefreshLeader(); !errors.Is(err, zperrors.ErrNoLeader) {
		t.Fatalf("expected NoLeader, got %v", err)
	}
}

func TestRedirectWithoutConnection(t *testing.T) {
	s, _ := newTestServer(t)
	if _, err := s.Redirect([][]byte{[]byte("PING")}); !errors.Is(err, zperrors.ErrNoConnection) {
		t.Fatalf("expected NoConnection, got %v", err)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	s, store := newTestServer(t)
	makeLeader(t, s, store)

	conn := &fakeConn{}
	s.handleCommand(conn, command("BOGUS"))
	if msg := conn.firstError(t); !strings.HasPrefix(msg, "InvalidArgument") {
		t.Fatalf("unexpected error: %s", msg)
	}
}

func TestDispatchRedirectsWriteOnFollower(t *testing.T) {
	s, store := newTestServer(t)
	store.mu.Lock()
	store.leaderIP = "9.9.9.9"
	store.leaderPort = 9321
	store.hasLeader = true
	store.mu.Unlock()
	// RefreshLeader fails to connect; the joint stays empty.
	s.RefreshLeader()

	conn := &fakeConn{}
	s.handleCommand(conn, command("INIT", "t", "2"))
	if msg := conn.firstError(t); !strings.HasPrefix(msg, "IOError") {
		t.Fatalf("expected IOError redirect failure, got %s", msg)
	}
}

func TestDispatchReadServedOnFollower(t *testing.T) {
	s, _ := newTestServer(t)

	conn := &fakeConn{}
	s.handleCommand(conn, command("LISTTABLE"))
	if len(conn.writes) == 0 {
		t.Fatal("no reply")
	}
	if _, ok := conn.writes[0].(arrayHeader); !ok {
		t.Fatalf("expected array reply, got %T", conn.writes[0])
	}
}

func TestCmdPing(t *testing.T) {
	s, store := newTestServer(t)
	makeLeader(t, s, store)

	conn := &fakeConn{}
	s.handleCommand(conn, command("PING", "1.1.1.1:7100", "t:0:3:1000"))

	if len(conn.writes) != 1 {
		t.Fatalf("unexpected writes: %v", conn.writes)
	}
	if epoch, ok := conn.writes[0].(int64); !ok || epoch != 0 {
		t.Fatalf("expected epoch 0 reply, got %v", conn.writes[0])
	}

	if got, ok := s.offsets.Lookup("t", 0, "1.1.1.1:7100"); !ok ||
		got != (meta.NodeOffset{FileNum: 3, Offset: 1000}) {
		t.Fatalf("offset not recorded: %v %v", got, ok)
	}

	// First ping of a new node enqueues an UpNode task.
	if s.updates.Pending() != 1 {
		t.Fatalf("expected 1 pending update, got %d", s.updates.Pending())
	}
	states := s.info.GetAllNodes()
	if states["1.1.1.1:7100"] != meta.NodeStateUp {
		t.Fatalf("node not up: %v", states["1.1.1.1:7100"])
	}
}

func TestCmdPingBadOffset(t *testing.T) {
	s, store := newTestServer(t)
	makeLeader(t, s, store)

	conn := &fakeConn{}
	s.handleCommand(conn, command("PING", "1.1.1.1:7100", "t:0:3"))
	if msg := conn.firstError(t); !strings.HasPrefix(msg, "InvalidArgument") {
		t.Fatalf("unexpected error: %s", msg)
	}
}

func TestCmdInitEnqueues(t *testing.T) {
	s, store := newTestServer(t)
	makeLeader(t, s, store)

	conn := &fakeConn{}
	s.handleCommand(conn, command("INIT", "t", "2"))
	if status := conn.firstStatus(t); status != "OK" {
		t.Fatalf("unexpected status: %s", status)
	}
	if s.updates.Pending() != 1 {
		t.Fatalf("expected 1 pending update, got %d", s.updates.Pending())
	}
}

func TestCmdPullTable(t *testing.T) {
	s, store := newTestServer(t)
	makeLeader(t, s, store)
	initTestTable(t, s)

	conn := &fakeConn{}
	s.handleCommand(conn, command("PULL", "TABLE", "t"))

	if len(conn.writes) != 1 {
		t.Fatalf("unexpected writes: %v", conn.writes)
	}
	data, ok := conn.writes[0].([]byte)
	if !ok {
		t.Fatalf("expected bulk reply, got %T", conn.writes[0])
	}
	var info pullInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("bad pull payload: %v", err)
	}
	if info.Version != s.info.Epoch() {
		t.Fatalf("version mismatch: %d != %d", info.Version, s.info.Epoch())
	}
	if len(info.Info) != 1 || info.Info[0].Name != "t" {
		t.Fatalf("unexpected tables: %+v", info.Info)
	}
}

func TestCmdPullUnknownTable(t *testing.T) {
	s, store := newTestServer(t)
	makeLeader(t, s, store)

	conn := &fakeConn{}
	s.handleCommand(conn, command("PULL", "TABLE", "missing"))
	if msg := conn.firstError(t); !strings.HasPrefix(msg, "NotFound") {
		t.Fatalf("unexpected error: %s", msg)
	}
}

func TestWaitSetMasterSchedules(t *testing.T) {
	s, store := newTestServer(t)
	makeLeader(t, s, store)
	initTestTable(t, s, "1.1.1.1:20")

	node := meta.Node{IP: "1.1.1.1", Port: 20}
	if err := s.WaitSetMaster(node, "t", 0); err != nil {
		t.Fatalf("WaitSetMaster failed: %v", err)
	}

	// The partition is stucked immediately, the hand-off waits for the
	// offset condition.
	if s.updates.Pending() != 1 {
		t.Fatalf("expected 1 pending update, got %d", s.updates.Pending())
	}
	if s.cron.Pending() != 1 {
		t.Fatalf("expected 1 pending condition, got %d", s.cron.Pending())
	}
}

func TestWaitSetMasterUnknownPartition(t *testing.T) {
	s, store := newTestServer(t)
	makeLeader(t, s, store)

	node := meta.Node{IP: "1.1.1.1", Port: 20}
	if err := s.WaitSetMaster(node, "t", 0); !errors.Is(err, zperrors.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestMigrateExpiredEpoch(t *testing.T) {
	s, store := newTestServer(t)
	makeLeader(t, s, store)

	items := []migrate.Item{{
		Table:     "t",
		Partition: 0,
		From:      meta.Node{IP: "1.1.1.1", Port: 20},
		To:        meta.Node{IP: "1.1.1.1", Port: 30},
	}}
	if err := s.Migrate(7, items); !errors.Is(err, zperrors.ErrInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestMigrateSchedulesItems(t *testing.T) {
	s, store := newTestServer(t)
	makeLeader(t, s, store)
	initTestTable(t, s, "1.1.1.1:20")

	items := []migrate.Item{{
		Table:     "t",
		Partition: 0,
		From:      meta.Node{IP: "1.1.1.1", Port: 20},
		To:        meta.Node{IP: "1.1.1.1", Port: 30},
	}}
	if err := s.Migrate(s.info.Epoch(), items); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	// Each item schedules AddSlave + SetStuck now and the removal behind
	// the offset condition.
	if s.updates.Pending() != 2 {
		t.Fatalf("expected 2 pending updates, got %d", s.updates.Pending())
	}
	if s.cron.Pending() != 1 {
		t.Fatalf("expected 1 pending condition, got %d", s.cron.Pending())
	}

	status, err := s.register.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Active {
		t.Fatalf("register should be drained: %+v", status)
	}
}

func TestParseMigrateItem(t *testing.T) {
	item, err := parseMigrateItem("t:3:1.1.1.1:20:2.2.2.2:30")
	if err != nil {
		t.Fatalf("parseMigrateItem failed: %v", err)
	}
	want := migrate.Item{
		Table:     "t",
		Partition: 3,
		From:      meta.Node{IP: "1.1.1.1", Port: 20},
		To:        meta.Node{IP: "2.2.2.2", Port: 30},
	}
	if item != want {
		t.Fatalf("unexpected item: %+v", item)
	}

	for _, raw := range []string{"t:0", "t:x:1.1.1.1:20:2.2.2.2:30", "t:0:1.1.1.1:20:1.1.1.1:20"} {
		if _, err := parseMigrateItem(raw); !errors.Is(err, zperrors.ErrInvalidArgument) {
			t.Fatalf("parseMigrateItem(%q) expected InvalidArgument, got %v", raw, err)
		}
	}
}

func TestStatisticQPSWindow(t *testing.T) {
	s, _ := newTestServer(t)
	for i := 0; i < 5; i++ {
		s.incQueryNum()
	}
	s.resetLastSecQueryNum()
	if s.queryNum() != 5 {
		t.Fatalf("unexpected query num: %d", s.queryNum())
	}
	// The window is consumed: a second reset without traffic reports 0.
	if qps := s.resetLastSecQueryNum(); qps != 0 {
		t.Fatalf("expected 0 qps, got %d", qps)
	}
}
