package meta

import "fmt"

// NodeOffset is a data node's replication position for one partition,
// as reported in its pings.
type NodeOffset struct {
	FileNum uint32 `json:"filenum"`
	Offset  uint64 `json:"offset"`
}

// GreaterOrEqual compares offsets lexicographically on (filenum, offset).
func (o NodeOffset) GreaterOrEqual(other NodeOffset) bool {
	if o.FileNum != other.FileNum {
		return o.FileNum > other.FileNum
	}
	return o.Offset >= other.Offset
}

func (o NodeOffset) String() string {
	return fmt.Sprintf("%d_%d", o.FileNum, o.Offset)
}

// OffsetKey builds the node offset table key for (table, partition, node).
func OffsetKey(table string, partition int, addr string) string {
	return fmt.Sprintf("%s_%d_%s", table, partition, addr)
}
