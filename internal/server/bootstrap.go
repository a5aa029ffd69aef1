package server

import (
	"fmt"

	"github.com/ccyuki/zeppelin/internal/consensus"
	"github.com/ccyuki/zeppelin/internal/meta"
)

// OpenConsensus joins the replicated meta group described by the config.
// The configured member list carries base ports; the consensus transport
// binds the shifted port.
func OpenConsensus(cfg *Config) (consensus.Store, error) {
	members, err := consensus.NormalizeMembers(cfg.Members)
	if err != nil {
		return nil, err
	}

	shifted := make([]string, len(members))
	for i, m := range members {
		node, err := meta.ParseNode(m)
		if err != nil {
			return nil, err
		}
		shifted[i] = fmt.Sprintf("%s:%d", node.IP, node.Port+kPortShiftConsensus)
	}

	return consensus.Open(consensus.Options{
		Members:   shifted,
		LocalAddr: fmt.Sprintf("%s:%d", cfg.LocalIP, cfg.LocalPort+kPortShiftConsensus),
		DataDir:   cfg.DataDir,
	})
}
