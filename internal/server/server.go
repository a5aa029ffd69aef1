// Package server wires the meta components together: it owns the leader
// joint, the command dispatcher and the periodic timing task.
package server

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tidwall/redcon"

	"github.com/ccyuki/zeppelin/internal/condition"
	"github.com/ccyuki/zeppelin/internal/consensus"
	"github.com/ccyuki/zeppelin/internal/infostore"
	"github.com/ccyuki/zeppelin/internal/metrics"
	"github.com/ccyuki/zeppelin/internal/migrate"
	"github.com/ccyuki/zeppelin/internal/offsets"
	"github.com/ccyuki/zeppelin/internal/update"
)

// Port shifts derived from the configured local port. The base port is
// reserved for tooling; consensus and the command RPC get fixed offsets.
const (
	kPortShiftConsensus = 100
	kPortShiftCmd       = 200
)

const (
	kCronInterval        = 1 * time.Second
	kMigrateOnceCount    = 10
	kInitMigrateRetryNum = 3
)

// Config carries the meta server settings.
type Config struct {
	LocalIP   string
	LocalPort int
	// Members lists every meta node as "ip:port" (base ports; "ip/port"
	// accepted).
	Members []string
	DataDir string
	// MetricsAddr enables the HTTP metrics exporter when non-empty.
	MetricsAddr string

	NodeAliveTimeout time.Duration
	CronInterval     time.Duration
	ConditionTick    time.Duration
	ConditionMaxWait time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LocalIP:          "127.0.0.1",
		LocalPort:        9221,
		DataDir:          "./meta-data",
		NodeAliveTimeout: infostore.DefaultNodeAliveTimeout,
		CronInterval:     kCronInterval,
		ConditionTick:    condition.DefaultTick,
		ConditionMaxWait: condition.DefaultMaxWait,
	}
}

// statistic tracks query volume for the QPS report.
type statistic struct {
	mu           sync.Mutex
	queryNum     uint64
	lastQueryNum uint64
	lastTimeUS   int64
	lastQPS      uint64
}

// Server is one meta node.
type Server struct {
	cfg *Config

	store    consensus.Store
	info     *infostore.InfoStore
	register *migrate.Register
	updates  *update.Worker
	cron     *condition.Cron
	offsets  *offsets.Table
	exporter *metrics.Exporter

	cmds map[string]*cmdEntry
	rpc  *redcon.Server

	joint leaderJoint
	stat  statistic

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewServer builds the component graph on top of an opened consensus store.
func NewServer(cfg *Config, store consensus.Store) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		offsets: offsets.NewTable(),
		stopCh:  make(chan struct{}),
	}
	s.info = infostore.NewInfoStore(store, s.offsets, cfg.NodeAliveTimeout)
	s.register = migrate.NewRegister(store)
	s.updates = update.NewWorker(s.info)
	s.cron = condition.NewCron(s.offsets, s.updates, cfg.ConditionTick, cfg.ConditionMaxWait)
	if cfg.MetricsAddr != "" {
		s.exporter = metrics.NewExporter(cfg.MetricsAddr)
	}
	s.initCmdTable()
	return s
}

// CmdAddr returns the command RPC address.
func (s *Server) CmdAddr() string {
	return fmt.Sprintf("%s:%d", s.cfg.LocalIP, s.cfg.LocalPort+kPortShiftCmd)
}

// Start blocks until Stop: it waits for a consistent first view, starts
// the workers and the dispatcher, then runs the timing loop.
func (s *Server) Start() error {
	log.Printf("meta server starting on port %d", s.cfg.LocalPort)

	// Begin with a consistent view of the stored topology.
	for {
		err := s.info.Refresh()
		if err == nil {
			break
		}
		log.Printf("info store load: %v", err)
		select {
		case <-s.stopCh:
			return nil
		case <-time.After(1 * time.Second):
		}
	}

	if err := s.RefreshLeader(); err != nil {
		log.Printf("refresh leader: %v", err)
	}

	s.updates.Start()
	s.cron.Start()

	s.rpc = redcon.NewServer(s.CmdAddr(), s.handleCommand, nil, nil)
	rpcErr := make(chan error, 1)
	go func() {
		if err := s.rpc.ListenAndServe(); err != nil {
			rpcErr <- err
		}
	}()

	if s.exporter != nil {
		go func() {
			if err := s.exporter.Start(); err != nil {
				log.Printf("metrics exporter stopped: %v", err)
			}
		}()
	}

	interval := s.cfg.CronInterval
	if interval <= 0 {
		interval = kCronInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.DoTimingTask()
		case err := <-rpcErr:
			return fmt.Errorf("dispatcher: %w", err)
		case <-s.stopCh:
			return nil
		}
	}
}

// Stop shuts the server down cooperatively.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.rpc != nil {
			s.rpc.Close()
		}
		s.cron.Stop()
		s.updates.Stop()
		if s.exporter != nil {
			s.exporter.Stop()
		}
		s.joint.clear()
	})
}

// DoTimingTask runs one cron tick: refresh the leader joint, refresh the
// snapshot on followers, update statistics, expire dead nodes and keep an
// active migration draining.
func (s *Server) DoTimingTask() {
	if err := s.RefreshLeader(); err != nil {
		log.Printf("refresh leader: %v", err)
	}

	leader := s.IsLeader()
	if !leader {
		if err := s.info.Refresh(); err != nil {
			log.Printf("refresh info store: %v", err)
		}
	}

	qps := s.resetLastSecQueryNum()
	log.Printf("query num: %d, current qps: %d", s.queryNum(), qps)

	s.CheckNodeAlive()

	if leader {
		s.continueMigrate()
	}
	s.exportGauges(leader)
}

// CheckNodeAlive enqueues a DownNode task for every expired data node.
func (s *Server) CheckNodeAlive() {
	for _, addr := range s.info.FetchExpiredNode() {
		log.Printf("pending update to remove node alive: %s", addr)
		s.updates.PendingUpdate(newDownNodeTask(addr))
	}
}

// UpdateNodeAlive refreshes the liveness of a pinging node, publishing an
// UpNode task when the node just came back.
func (s *Server) UpdateNodeAlive(addr string) {
	if s.info.UpdateNodeAlive(addr) {
		log.Printf("pending update to add node alive: %s", addr)
		s.updates.PendingUpdate(newUpNodeTask(addr))
	}
}

func (s *Server) exportGauges(leader bool) {
	metrics.Epoch.Set(float64(s.info.Epoch()))
	metrics.LastQPS.Set(float64(s.lastQPS()))
	metrics.UpdateQueueDepth.Set(float64(s.updates.Pending()))
	if leader {
		metrics.IsLeader.Set(1)
	} else {
		metrics.IsLeader.Set(0)
	}

	counts := make(map[string]int)
	for _, state := range s.info.GetAllNodes() {
		counts[state.String()]++
	}
	for _, state := range []string{"up", "down", "pending"} {
		metrics.Nodes.WithLabelValues(state).Set(float64(counts[state]))
	}

	if status, err := s.register.Status(); err == nil {
		metrics.MigrateRemaining.Set(float64(status.Remaining))
	}
}

func (s *Server) incQueryNum() {
	s.stat.mu.Lock()
	s.stat.queryNum++
	s.stat.mu.Unlock()
}

func (s *Server) queryNum() uint64 {
	s.stat.mu.Lock()
	defer s.stat.mu.Unlock()
	return s.stat.queryNum
}

func (s *Server) lastQPS() uint64 {
	s.stat.mu.Lock()
	defer s.stat.mu.Unlock()
	return s.stat.lastQPS
}

// resetLastSecQueryNum recomputes the windowed QPS since the last tick.
func (s *Server) resetLastSecQueryNum() uint64 {
	now := time.Now().UnixMicro()
	s.stat.mu.Lock()
	defer s.stat.mu.Unlock()
	s.stat.lastQPS = (s.stat.queryNum - s.stat.lastQueryNum) * 1000000 /
		uint64(now-s.stat.lastTimeUS+1)
	s.stat.lastQueryNum = s.stat.queryNum
	s.stat.lastTimeUS = now
	return s.stat.lastQPS
}
