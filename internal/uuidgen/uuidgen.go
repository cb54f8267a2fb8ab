// Package uuidgen generates the bespoke UUID-shaped identifiers used for
// block devices, volumes, and nodes: two timestamp samples formatted into
// the canonical 8-4-4-4-12 string with the "4" (v4) and "8/9/a/b" variant
// nibbles fixed. This is deliberately not a random or RFC 4122-compliant
// UUID library; it reproduces an exact two-timestamp-sample
// construction that a general-purpose UUID package would not.
package uuidgen

import (
	"encoding/binary"
	"fmt"
	"time"
)

// variantNibbles holds the four valid RFC 4122 variant values; the low
// two bits of the second timestamp sample pick one, matching "8/9/a/b"
// wording.
var variantNibbles = [4]byte{0x8, 0x9, 0xa, 0xb}

// clock is overridden in tests to make the two timestamp samples
// deterministic.
var clock = time.Now

// New generates one identifier from two timestamp samples: the first
// supplies the time-low/time-mid/time-hi fields, the second supplies
// the clock-sequence and node fields.
func New() string {
	t1 := uint64(clock().UnixNano())
	t2 := uint64(clock().UnixNano())

	var b [16]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(t1))
	binary.BigEndian.PutUint16(b[4:6], uint16(t1>>32))
	binary.BigEndian.PutUint16(b[6:8], uint16(t1>>48))
	binary.BigEndian.PutUint64(b[8:16], t2)

	// version nibble fixed to 4
	b[6] = (b[6] & 0x0F) | 0x40
	// variant nibble fixed to one of 8/9/a/b
	b[8] = (b[8] & 0x0F) | (variantNibbles[t2&0x3] << 4)

	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
