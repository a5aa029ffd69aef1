package meta

import (
	"fmt"
	"strconv"
	"strings"

	zperrors "github.com/ccyuki/zeppelin/pkg/errors"
)

// NodeState is the liveness state tracked for a data node.
type NodeState int

const (
	NodeStateUnknown NodeState = iota
	NodeStateUp
	NodeStateDown
	// NodeStatePending marks a node whose liveness is in doubt: either its
	// heartbeat expired and a down transition is in flight, or a new leader
	// took over and is waiting for the node to ping again.
	NodeStatePending
)

func (s NodeState) String() string {
	switch s {
	case NodeStateUp:
		return "up"
	case NodeStateDown:
		return "down"
	case NodeStatePending:
		return "pending"
	default:
		return "unknown"
	}
}

// Node identifies a data node by its client address.
type Node struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Addr returns the "ip:port" identity key of the node.
func (n Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.IP, n.Port)
}

// IsEmpty reports whether the node carries no address, e.g. a stuck
// partition with no master.
func (n Node) IsEmpty() bool {
	return n.IP == "" && n.Port == 0
}

// ParseNode parses an "ip:port" string. The "ip/port" form is accepted
// and normalized.
func ParseNode(addr string) (Node, error) {
	addr = strings.ReplaceAll(addr, "/", ":")
	i := strings.LastIndexByte(addr, ':')
	if i <= 0 || i == len(addr)-1 {
		return Node{}, fmt.Errorf("%w: bad node addr %q", zperrors.ErrInvalidArgument, addr)
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil || port <= 0 || port > 65535 {
		return Node{}, fmt.Errorf("%w: bad node port in %q", zperrors.ErrInvalidArgument, addr)
	}
	return Node{IP: addr[:i], Port: port}, nil
}
