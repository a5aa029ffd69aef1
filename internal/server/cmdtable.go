package server

import (
	"strings"

	"github.com/tidwall/redcon"

	"github.com/ccyuki/zeppelin/internal/forward"
	"github.com/ccyuki/zeppelin/internal/metrics"
	zperrors "github.com/ccyuki/zeppelin/pkg/errors"
)

// Command flag bits. The dispatcher checks kCmdFlagsRedirect before
// invoking a handler on a follower.
const (
	kCmdFlagsRead = 1 << iota
	kCmdFlagsWrite
	kCmdFlagsRedirect
)

type cmdHandler func(conn redcon.Conn, args [][]byte)

type cmdEntry struct {
	flags   int
	handler cmdHandler
}

func (s *Server) initCmdTable() {
	s.cmds = map[string]*cmdEntry{
		"PING":          {kCmdFlagsRead | kCmdFlagsRedirect, s.cmdPing},
		"PULL":          {kCmdFlagsRead, s.cmdPull},
		"INIT":          {kCmdFlagsWrite | kCmdFlagsRedirect, s.cmdInit},
		"SETMASTER":     {kCmdFlagsWrite | kCmdFlagsRedirect, s.cmdSetMaster},
		"ADDSLAVE":      {kCmdFlagsWrite | kCmdFlagsRedirect, s.cmdAddSlave},
		"REMOVESLAVE":   {kCmdFlagsWrite | kCmdFlagsRedirect, s.cmdRemoveSlave},
		"LISTTABLE":     {kCmdFlagsRead, s.cmdListTable},
		"LISTNODE":      {kCmdFlagsRead, s.cmdListNode},
		"LISTMETA":      {kCmdFlagsRead, s.cmdListMeta},
		"METASTATUS":    {kCmdFlagsRead, s.cmdMetaStatus},
		"DROPTABLE":     {kCmdFlagsWrite | kCmdFlagsRedirect, s.cmdDropTable},
		"MIGRATE":       {kCmdFlagsWrite | kCmdFlagsRedirect, s.cmdMigrate},
		"CANCELMIGRATE": {kCmdFlagsWrite | kCmdFlagsRedirect, s.cmdCancelMigrate},
	}
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("InvalidArgument empty command")
		return
	}

	name := strings.ToUpper(string(cmd.Args[0]))
	entry, ok := s.cmds[name]
	if !ok {
		conn.WriteError("InvalidArgument unknown command '" + name + "'")
		return
	}

	s.incQueryNum()

	if entry.flags&kCmdFlagsRedirect != 0 && !s.IsLeader() {
		reply, err := s.Redirect(cmd.Args)
		if err != nil {
			metrics.QueriesTotal.WithLabelValues(name, "redirect_error").Inc()
			conn.WriteError(zperrors.StatusWord(err) + " redirect: " + err.Error())
			return
		}
		metrics.QueriesTotal.WithLabelValues(name, "redirect").Inc()
		writeReply(conn, reply)
		return
	}

	metrics.QueriesTotal.WithLabelValues(name, "local").Inc()
	entry.handler(conn, cmd.Args[1:])
}

// writeReply relays a forwarded reply back to the requester.
func writeReply(conn redcon.Conn, r *forward.Reply) {
	switch r.Kind {
	case forward.ReplyStatus:
		conn.WriteString(r.Str)
	case forward.ReplyError:
		conn.WriteError(r.Str)
	case forward.ReplyInt:
		conn.WriteInt64(r.Int)
	case forward.ReplyBulk:
		if r.Nil {
			conn.WriteNull()
			return
		}
		conn.WriteBulk(r.Bulk)
	case forward.ReplyArray:
		if r.Nil {
			conn.WriteNull()
			return
		}
		conn.WriteArray(len(r.Array))
		for _, elem := range r.Array {
			writeReply(conn, elem)
		}
	default:
		conn.WriteError("Corruption unknown forwarded reply")
	}
}

func writeStatusError(conn redcon.Conn, err error) {
	conn.WriteError(zperrors.StatusWord(err) + " " + err.Error())
}
