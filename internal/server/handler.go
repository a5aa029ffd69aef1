package server

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/redcon"

	"github.com/ccyuki/zeppelin/internal/meta"
	"github.com/ccyuki/zeppelin/internal/migrate"
	"github.com/ccyuki/zeppelin/internal/offsets"
	zperrors "github.com/ccyuki/zeppelin/pkg/errors"
)

// pullInfo is the PULL reply payload.
type pullInfo struct {
	Version uint64        `json:"version"`
	Info    []*meta.Table `json:"info"`
}

// cmdPing handles "PING <ip:port> [<table>:<partition>:<filenum>:<offset> ...]".
// The reply carries the current epoch so data nodes know when to pull.
func (s *Server) cmdPing(conn redcon.Conn, args [][]byte) {
	if len(args) < 1 {
		conn.WriteError("InvalidArgument wrong number of arguments for 'PING'")
		return
	}
	node, err := meta.ParseNode(string(args[0]))
	if err != nil {
		writeStatusError(conn, err)
		return
	}

	reported := make([]offsets.PartitionOffset, 0, len(args)-1)
	for _, raw := range args[1:] {
		po, err := parsePartitionOffset(string(raw))
		if err != nil {
			writeStatusError(conn, err)
			return
		}
		reported = append(reported, po)
	}

	s.offsets.UpdateFromPing(node.Addr(), reported)
	s.UpdateNodeAlive(node.Addr())
	conn.WriteInt64(int64(s.info.Epoch()))
}

// parsePartitionOffset parses "<table>:<partition>:<filenum>:<offset>".
func parsePartitionOffset(raw string) (offsets.PartitionOffset, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 4 {
		return offsets.PartitionOffset{},
			fmt.Errorf("%w: bad offset %q", zperrors.ErrInvalidArgument, raw)
	}
	partition, err := strconv.Atoi(parts[1])
	if err != nil {
		return offsets.PartitionOffset{},
			fmt.Errorf("%w: bad partition in %q", zperrors.ErrInvalidArgument, raw)
	}
	filenum, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return offsets.PartitionOffset{},
			fmt.Errorf("%w: bad filenum in %q", zperrors.ErrInvalidArgument, raw)
	}
	offset, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return offsets.PartitionOffset{},
			fmt.Errorf("%w: bad offset in %q", zperrors.ErrInvalidArgument, raw)
	}
	return offsets.PartitionOffset{
		Table:     parts[0],
		Partition: partition,
		FileNum:   uint32(filenum),
		Offset:    offset,
	}, nil
}

// cmdPull handles "PULL TABLE <name>" and "PULL NODE <ip:port>".
func (s *Server) cmdPull(conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		conn.WriteError("InvalidArgument wrong number of arguments for 'PULL'")
		return
	}

	// Read the epoch first: the tables attached below come from the same
	// or a later snapshot, so they are never older than the version
	// reported.
	info := pullInfo{Version: s.info.Epoch()}

	switch strings.ToUpper(string(args[0])) {
	case "TABLE":
		table, err := s.info.GetTableMeta(string(args[1]))
		if err != nil {
			writeStatusError(conn, err)
			return
		}
		info.Info = append(info.Info, table)

	case "NODE":
		names, err := s.info.GetTablesForNode(string(args[1]))
		if err != nil {
			writeStatusError(conn, err)
			return
		}
		for _, name := range names {
			table, err := s.info.GetTableMeta(name)
			if err != nil {
				writeStatusError(conn, err)
				return
			}
			info.Info = append(info.Info, table)
		}

	default:
		conn.WriteError("InvalidArgument PULL expects TABLE or NODE")
		return
	}

	data, err := json.Marshal(&info)
	if err != nil {
		writeStatusError(conn, err)
		return
	}
	conn.WriteBulk(data)
}

// cmdInit handles "INIT <table> <partition_count>".
func (s *Server) cmdInit(conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		conn.WriteError("InvalidArgument wrong number of arguments for 'INIT'")
		return
	}
	name := string(args[0])
	num, err := strconv.Atoi(string(args[1]))
	if err != nil || num <= 0 {
		conn.WriteError("InvalidArgument bad partition count")
		return
	}
	if _, err := s.info.GetTableMeta(name); err == nil {
		conn.WriteError("InvalidArgument table '" + name + "' already exists")
		return
	}

	s.updates.PendingUpdate(meta.UpdateTask{
		Op:           meta.OpInitTable,
		Table:        name,
		PartitionNum: num,
	})
	conn.WriteString("OK")
}

// cmdSetMaster handles "SETMASTER <table> <partition> <ip:port>".
func (s *Server) cmdSetMaster(conn redcon.Conn, args [][]byte) {
	table, partition, node, err := parseRoleArgs(args, "SETMASTER")
	if err != nil {
		writeStatusError(conn, err)
		return
	}
	if err := s.WaitSetMaster(node, table, partition); err != nil {
		writeStatusError(conn, err)
		return
	}
	conn.WriteString("OK")
}

// cmdAddSlave handles "ADDSLAVE <table> <partition> <ip:port>".
func (s *Server) cmdAddSlave(conn redcon.Conn, args [][]byte) {
	table, partition, node, err := parseRoleArgs(args, "ADDSLAVE")
	if err != nil {
		writeStatusError(conn, err)
		return
	}
	s.updates.PendingUpdate(meta.UpdateTask{
		Op:        meta.OpAddSlave,
		Node:      node.Addr(),
		Table:     table,
		Partition: partition,
	})
	conn.WriteString("OK")
}

// cmdRemoveSlave handles "REMOVESLAVE <table> <partition> <ip:port>".
func (s *Server) cmdRemoveSlave(conn redcon.Conn, args [][]byte) {
	table, partition, node, err := parseRoleArgs(args, "REMOVESLAVE")
	if err != nil {
		writeStatusError(conn, err)
		return
	}
	s.updates.PendingUpdate(meta.UpdateTask{
		Op:        meta.OpRemoveSlave,
		Node:      node.Addr(),
		Table:     table,
		Partition: partition,
	})
	conn.WriteString("OK")
}

func parseRoleArgs(args [][]byte, cmd string) (string, int, meta.Node, error) {
	if len(args) != 3 {
		return "", 0, meta.Node{},
			fmt.Errorf("%w: wrong number of arguments for '%s'", zperrors.ErrInvalidArgument, cmd)
	}
	partition, err := strconv.Atoi(string(args[1]))
	if err != nil || partition < 0 {
		return "", 0, meta.Node{},
			fmt.Errorf("%w: bad partition %q", zperrors.ErrInvalidArgument, args[1])
	}
	node, err := meta.ParseNode(string(args[2]))
	if err != nil {
		return "", 0, meta.Node{}, err
	}
	return string(args[0]), partition, node, nil
}

// cmdListTable handles "LISTTABLE".
func (s *Server) cmdListTable(conn redcon.Conn, args [][]byte) {
	names := s.info.GetTableList()
	conn.WriteArray(len(names))
	for _, name := range names {
		conn.WriteBulkString(name)
	}
}

// cmdListNode handles "LISTNODE".
func (s *Server) cmdListNode(conn redcon.Conn, args [][]byte) {
	nodes := s.info.GetAllNodes()
	addrs := make([]string, 0, len(nodes))
	for addr := range nodes {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	conn.WriteArray(len(addrs))
	for _, addr := range addrs {
		conn.WriteBulkString(addr + " " + nodes[addr].String())
	}
}

// cmdListMeta handles "LISTMETA": the leader first, then the followers,
// all reported with their base ports.
func (s *Server) cmdListMeta(conn redcon.Conn, args [][]byte) {
	leaderIP, leaderConsensusPort, hasLeader := s.store.GetLeader()
	leaderPort := leaderConsensusPort - kPortShiftConsensus

	var lines []string
	if hasLeader {
		lines = append(lines, fmt.Sprintf("leader %s:%d", leaderIP, leaderPort))
	}
	for _, member := range s.store.GetAllNodes() {
		node, err := meta.ParseNode(member)
		if err != nil {
			writeStatusError(conn, fmt.Errorf("%w: bad member addr %q", zperrors.ErrCorruption, member))
			return
		}
		basePort := node.Port - kPortShiftConsensus
		if hasLeader && node.IP == leaderIP && basePort == leaderPort {
			continue
		}
		lines = append(lines, fmt.Sprintf("follower %s:%d", node.IP, basePort))
	}

	conn.WriteArray(len(lines))
	for _, line := range lines {
		conn.WriteBulkString(line)
	}
}

// cmdMetaStatus handles "METASTATUS".
func (s *Server) cmdMetaStatus(conn redcon.Conn, args [][]byte) {
	status := s.store.ServerStatus()
	conn.WriteBulkString(fmt.Sprintf("epoch: %d\n%s", s.info.Epoch(), status))
}

// cmdDropTable handles "DROPTABLE <table>".
func (s *Server) cmdDropTable(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("InvalidArgument wrong number of arguments for 'DROPTABLE'")
		return
	}
	s.updates.PendingUpdate(meta.UpdateTask{
		Op:    meta.OpDropTable,
		Table: string(args[0]),
	})
	conn.WriteString("OK")
}

// cmdMigrate handles
// "MIGRATE <epoch> <table>:<partition>:<from_ip>:<from_port>:<to_ip>:<to_port> ...".
func (s *Server) cmdMigrate(conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		conn.WriteError("InvalidArgument wrong number of arguments for 'MIGRATE'")
		return
	}
	epoch, err := strconv.ParseUint(string(args[0]), 10, 64)
	if err != nil {
		conn.WriteError("InvalidArgument bad epoch")
		return
	}

	items := make([]migrate.Item, 0, len(args)-1)
	for _, raw := range args[1:] {
		item, err := parseMigrateItem(string(raw))
		if err != nil {
			writeStatusError(conn, err)
			return
		}
		items = append(items, item)
	}

	if err := s.Migrate(epoch, items); err != nil {
		writeStatusError(conn, err)
		return
	}
	conn.WriteString("OK")
}

// cmdCancelMigrate handles "CANCELMIGRATE".
func (s *Server) cmdCancelMigrate(conn redcon.Conn, args [][]byte) {
	if err := s.register.Cancel(); err != nil {
		writeStatusError(conn, err)
		return
	}
	conn.WriteString("OK")
}
