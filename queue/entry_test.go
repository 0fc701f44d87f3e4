package queue

import (
	"strings"
	"testing"
	"time"
)

func TestNewEntryID(t *testing.T) {
	id := NewEntryID("announce")

	if !id.Valid() {
		t.Fatalf("Expected valid entry ID, got %q", id)
	}

	parts := strings.SplitN(string(id), ".", 3)
	if len(parts) != 3 {
		t.Fatalf("Expected 3 segments, got %d: %q", len(parts), id)
	}
	if len(parts[0]) != 20 {
		t.Errorf("Expected 20-digit timestamp segment, got %q", parts[0])
	}
	if len(parts[1]) != 8 {
		t.Errorf("Expected 8-digit shard segment, got %q", parts[1])
	}
	if parts[2] == "" {
		t.Error("Expected non-empty unique segment")
	}
}

func TestEntryIDOrdering(t *testing.T) {
	// IDs minted later must sort later: directory enumeration relies on
	// lexical order being enqueue order.
	var prev EntryID
	for i := 0; i < 10; i++ {
		time.Sleep(time.Microsecond)
		id := NewEntryID("announce")
		if prev != "" && id <= prev {
			t.Fatalf("Entry IDs not monotonically ordered: %q then %q", prev, id)
		}
		prev = id
	}
}

func TestEntryIDValid(t *testing.T) {
	tests := []struct {
		name  string
		id    EntryID
		valid bool
	}{
		{"generated", NewEntryID("test"), true},
		{"empty", EntryID(""), false},
		{"one segment", EntryID("00000000000000000001"), false},
		{"two segments", EntryID("00000000000000000001.0000abcd"), false},
		{"empty unique segment", EntryID("00000000000000000001.0000abcd."), false},
		{"short timestamp", EntryID("1234.0000abcd.xyz"), false},
		{"non-numeric timestamp", EntryID("aaaaaaaaaaaaaaaaaaaa.0000abcd.xyz"), false},
		{"non-hex shard", EntryID("00000000000000000001.zzzzzzzz.xyz"), false},
		{"well formed", EntryID("00000000000000000001.0000abcd.xyz"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.Valid(); got != tt.valid {
				t.Errorf("Valid(%q) = %v, want %v", tt.id, got, tt.valid)
			}
		})
	}
}

func TestShardHashDeterministic(t *testing.T) {
	if ShardHash("announce") != ShardHash("announce") {
		t.Error("ShardHash is not deterministic")
	}
	if ShardHash("announce") == ShardHash("devel") {
		t.Error("Expected different lists to hash differently")
	}
}

func TestInShardPartition(t *testing.T) {
	// Every entry must belong to exactly one shard for a given count.
	for _, list := range []string{"announce", "devel", "users", "security"} {
		id := NewEntryID(list)
		for _, count := range []int{1, 2, 3, 7} {
			matches := 0
			for index := 0; index < count; index++ {
				if id.InShard(index, count) {
					matches++
				}
			}
			if matches != 1 {
				t.Errorf("Entry for %q matched %d shards of %d, want exactly 1", list, matches, count)
			}
		}
	}
}

func TestInShardSameListSameShard(t *testing.T) {
	// All entries of one list land in the same shard, preserving
	// per-list ordering under sharded runners.
	const count = 4
	first := NewEntryID("announce")
	var want int
	for i := 0; i < count; i++ {
		if first.InShard(i, count) {
			want = i
		}
	}
	for i := 0; i < 10; i++ {
		id := NewEntryID("announce")
		if !id.InShard(want, count) {
			t.Fatalf("Entry %q left its list's shard %d", id, want)
		}
	}
}

func TestInShardSingleShard(t *testing.T) {
	if !EntryID("garbage").InShard(0, 1) {
		t.Error("Single-shard configuration must accept every name")
	}
	if EntryID("garbage").InShard(0, 2) {
		t.Error("Malformed names must not match any shard when sharded")
	}
}
