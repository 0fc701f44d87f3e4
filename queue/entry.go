package queue

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"github.com/migadu/herald/idgen"
)

// EntryID identifies one queue entry for its whole life across queues.
// The on-disk form is three dot-separated segments:
//
//	<20-digit unix nanos> . <8 hex digits of blake3(list)> . <idgen id>
//
// Zero-padded nanoseconds first makes ids lexically time-ordered, so a
// plain name sort yields oldest-first FIFO enumeration. The list-hash
// segment lets runners shard-filter a directory listing without opening
// any record file.
type EntryID string

// NewEntryID mints an id for an entry targeting the given list.
func NewEntryID(list string) EntryID {
	return EntryID(fmt.Sprintf("%020d.%08x.%s", time.Now().UnixNano(), ShardHash(list), idgen.New()))
}

// ShardHash returns the shard key of a list name: the first four bytes
// of its BLAKE3 digest as a big-endian uint32.
func ShardHash(list string) uint32 {
	sum := blake3.Sum256([]byte(list))
	return binary.BigEndian.Uint32(sum[:4])
}

// Valid reports whether the id has the expected three-segment shape.
func (id EntryID) Valid() bool {
	_, err := id.shardKey()
	return err == nil
}

func (id EntryID) shardKey() (uint32, error) {
	parts := strings.SplitN(string(id), ".", 3)
	if len(parts) != 3 || len(parts[0]) != 20 || len(parts[1]) != 8 || parts[2] == "" {
		return 0, fmt.Errorf("malformed entry id %q", string(id))
	}
	if _, err := strconv.ParseUint(parts[0], 10, 64); err != nil {
		return 0, fmt.Errorf("malformed entry id %q: %w", string(id), err)
	}
	key, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed entry id %q: %w", string(id), err)
	}
	return uint32(key), nil
}

// InShard reports whether this entry belongs to shard index out of
// count. Every entry belongs to exactly one shard for a given count, so
// disjoint runner instances partition the workload without coordination.
func (id EntryID) InShard(index, count int) bool {
	if count <= 1 {
		return true
	}
	key, err := id.shardKey()
	if err != nil {
		// Malformed names never match a shard; Dequeue will not find
		// them either, and sweep tooling can inspect the directory.
		return false
	}
	return int(key%uint32(count)) == index
}
