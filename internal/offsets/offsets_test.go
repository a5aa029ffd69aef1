package offsets

import (
	"testing"

	"github.com/ccyuki/zeppelin/internal/meta"
)

func TestUpdateFromPingAndLookup(t *testing.T) {
	table := NewTable()

	table.UpdateFromPing("1.1.1.1:7100", []PartitionOffset{
		{Table: "t", Partition: 0, FileNum: 3, Offset: 1000},
		{Table: "t", Partition: 1, FileNum: 2, Offset: 500},
	})

	got, ok := table.Lookup("t", 0, "1.1.1.1:7100")
	if !ok {
		t.Fatal("offset missing")
	}
	if got != (meta.NodeOffset{FileNum: 3, Offset: 1000}) {
		t.Fatalf("unexpected offset: %+v", got)
	}

	if _, ok := table.Lookup("t", 2, "1.1.1.1:7100"); ok {
		t.Fatal("unexpected offset for unreported partition")
	}
	if _, ok := table.Lookup("t", 0, "2.2.2.2:7100"); ok {
		t.Fatal("unexpected offset for unknown node")
	}
}

func TestUpdateFromPingOverwrites(t *testing.T) {
	table := NewTable()

	table.UpdateFromPing("1.1.1.1:7100", []PartitionOffset{
		{Table: "t", Partition: 0, FileNum: 3, Offset: 1000},
	})
	table.UpdateFromPing("1.1.1.1:7100", []PartitionOffset{
		{Table: "t", Partition: 0, FileNum: 4, Offset: 10},
	})

	got, ok := table.Lookup("t", 0, "1.1.1.1:7100")
	if !ok {
		t.Fatal("offset missing")
	}
	if got != (meta.NodeOffset{FileNum: 4, Offset: 10}) {
		t.Fatalf("offset not overwritten: %+v", got)
	}
}
