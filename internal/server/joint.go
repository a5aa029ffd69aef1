package server

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ccyuki/zeppelin/internal/forward"
	zperrors "github.com/ccyuki/zeppelin/pkg/errors"
)

const forwardTimeout = 1 * time.Second

// leaderJoint tracks the current leader and, on followers, the open
// forwarding connection to it.
type leaderJoint struct {
	mu      sync.Mutex
	ip      string
	cmdPort int
	cli     *forward.Client
}

func (j *leaderJoint) clear() {
	j.mu.Lock()
	j.clearLocked()
	j.mu.Unlock()
}

func (j *leaderJoint) clearLocked() {
	if j.cli != nil {
		j.cli.Close()
		j.cli = nil
	}
	j.ip = ""
	j.cmdPort = 0
}

// IsLeader reports whether this node is the elected leader.
func (s *Server) IsLeader() bool {
	s.joint.mu.Lock()
	defer s.joint.mu.Unlock()
	return s.joint.ip == s.cfg.LocalIP &&
		s.joint.cmdPort == s.cfg.LocalPort+kPortShiftCmd
}

// RefreshLeader queries the consensus group for the current leader. On a
// change it drops any forwarding connection; if this node took over it
// rebuilds the liveness view, otherwise it dials the new leader.
func (s *Server) RefreshLeader() error {
	ip, consensusPort, ok := s.store.GetLeader()
	if !ok {
		return zperrors.ErrNoLeader
	}
	basePort := consensusPort - kPortShiftConsensus
	cmdPort := basePort + kPortShiftCmd

	s.joint.mu.Lock()
	defer s.joint.mu.Unlock()

	if ip == s.joint.ip && cmdPort == s.joint.cmdPort {
		return nil
	}

	log.Printf("leader changed from %s:%d to %s:%d",
		s.joint.ip, s.joint.cmdPort, ip, cmdPort)
	s.joint.clearLocked()

	if ip == s.cfg.LocalIP && basePort == s.cfg.LocalPort {
		log.Printf("become leader: %s:%d", ip, basePort)
		if err := s.info.RestoreNodeAlive(); err != nil {
			return fmt.Errorf("restore node alive: %w", err)
		}
		s.joint.ip = ip
		s.joint.cmdPort = cmdPort
		return nil
	}

	addr := fmt.Sprintf("%s:%d", ip, cmdPort)
	cli, err := forward.Dial(addr, forwardTimeout, forwardTimeout, forwardTimeout)
	if err != nil {
		// Leave the joint empty; the next cron tick retries.
		return fmt.Errorf("connect leader %s: %w", addr, err)
	}
	log.Printf("connect to leader %s success", addr)
	s.joint.ip = ip
	s.joint.cmdPort = cmdPort
	s.joint.cli = cli
	return nil
}

// Redirect forwards the command to the leader and returns its reply. It
// never dials inline: reconnecting is left to the refresh tick so a
// leader flap does not stampede.
func (s *Server) Redirect(args [][]byte) (*forward.Reply, error) {
	s.joint.mu.Lock()
	defer s.joint.mu.Unlock()

	if s.joint.cli == nil {
		return nil, zperrors.ErrNoConnection
	}
	reply, err := s.joint.cli.Do(args)
	if err != nil {
		log.Printf("redirect to leader %s:%d failed: %v",
			s.joint.ip, s.joint.cmdPort, err)
		s.joint.clearLocked()
		return nil, err
	}
	return reply, nil
}
