// Package idgen generates compact, time-prefixed unique identifiers.
//
// IDs are 12 bytes: 4 bytes of unix-seconds timestamp, 3 bytes of node
// id, 2 bytes of sequence and 3 bytes of randomness, base32-encoded to
// ~20 lowercase characters. The timestamp prefix makes ids from one node
// sort roughly by creation time.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	nodeID   []byte
	sequence uint32

	base32Encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)
)

func init() {
	nodeID = make([]byte, 3)
	if _, err := rand.Read(nodeID); err != nil {
		// Fall back to a hostname-derived node id.
		hostname, herr := os.Hostname()
		if herr != nil || len(hostname) == 0 {
			copy(nodeID, fmt.Sprintf("%06x", time.Now().UnixNano())[:3])
		} else {
			copy(nodeID, hostname)
		}
	}
}

// New generates a new identifier.
func New() string {
	timestamp := uint32(time.Now().Unix())
	seq := atomic.AddUint32(&sequence, 1) & 0xFFFF

	randomBytes := make([]byte, 3)
	if _, err := rand.Read(randomBytes); err != nil {
		copy(randomBytes, fmt.Sprintf("%06x", time.Now().UnixNano())[:3])
	}

	id := make([]byte, 12)
	id[0] = byte(timestamp >> 24)
	id[1] = byte(timestamp >> 16)
	id[2] = byte(timestamp >> 8)
	id[3] = byte(timestamp)
	copy(id[4:7], nodeID)
	id[7] = byte(seq >> 8)
	id[8] = byte(seq)
	copy(id[9:12], randomBytes)

	return strings.ToLower(base32Encoding.EncodeToString(id))
}
