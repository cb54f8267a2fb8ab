// Package bootinfo walks a Multiboot2 boot information block, producing
// the command line and memory map that feed internal/pmm's
// initialization, via field-by-field binary decoding of Multiboot2's
// tagged-block layout.
package bootinfo

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/purevisor/purevisor/internal/pmm"
)

const (
	// Magic is the value the bootloader leaves in EAX on entry; callers
	// outside this package check that register and pass only the info
	// pointer's contents here.
	Magic = 0x36D7_6289

	tagAlign = 8
	headerSize = 8 // total_size(4) + reserved(4)

	tagTypeEnd          = 0
	tagTypeCmdline      = 1
	tagTypeBootLoaderID = 2
	tagTypeBasicMeminfo = 4
	tagTypeMemoryMap    = 6

	tagHeaderSize = 8 // type(4) + size(4)

	mmapEntrySize    = 24 // addr(8) + len(8) + type(4) + reserved(4)
	mmapHeaderSize   = 8  // entry_size(4) + entry_version(4)
	mmapTypeAvailable = 1
)

// ErrBadMagic is returned when the caller-supplied magic does not match
// the Multiboot2 handoff value.
var ErrBadMagic = errors.New("bootinfo: bad multiboot2 magic")

// Info is the decoded subset of the Multiboot2 info block this
// hypervisor cares about.
type Info struct {
	CommandLine    string
	BootLoaderName string
	MemoryMap      []pmm.MemoryMapEntry
}

func alignUp(v uint32) uint32 { return (v + tagAlign - 1) &^ (tagAlign - 1) }

// Parse walks the tagged info block starting at data (the bytes at the
// Multiboot2 info pointer) and decodes the recognized tags.
func Parse(magic uint32, data []byte) (Info, error) {
	if magic != Magic {
		return Info{}, ErrBadMagic
	}
	if len(data) < headerSize {
		return Info{}, fmt.Errorf("bootinfo: info block too short")
	}

	totalSize := binary.LittleEndian.Uint32(data[0:4])
	if int(totalSize) > len(data) {
		return Info{}, fmt.Errorf("bootinfo: total_size %d exceeds buffer length %d", totalSize, len(data))
	}

	var info Info
	off := uint32(headerSize)
	for off < totalSize {
		if off+tagHeaderSize > totalSize {
			return Info{}, fmt.Errorf("bootinfo: truncated tag header at offset %d", off)
		}
		tagType := binary.LittleEndian.Uint32(data[off : off+4])
		tagSize := binary.LittleEndian.Uint32(data[off+4 : off+8])
		if tagSize < tagHeaderSize || tagSize > totalSize-off {
			return Info{}, fmt.Errorf("bootinfo: invalid tag size %d at offset %d", tagSize, off)
		}
		payload := data[off+tagHeaderSize : off+tagSize]

		switch tagType {
		case tagTypeEnd:
			return info, nil
		case tagTypeCmdline:
			info.CommandLine = cString(payload)
		case tagTypeBootLoaderID:
			info.BootLoaderName = cString(payload)
		case tagTypeMemoryMap:
			entries, err := parseMemoryMap(payload)
			if err != nil {
				return Info{}, err
			}
			info.MemoryMap = entries
		case tagTypeBasicMeminfo:
			// Superseded by the full memory map tag when present; no
			// separate field is kept since memory model
			// only needs the map.
		}

		off += alignUp(tagSize)
	}
	return info, fmt.Errorf("bootinfo: info block missing terminating tag")
}

// Build encodes info back into a tagged Multiboot2 block. The node agent
// uses it to synthesize the handoff block a real bootloader would leave
// in memory, so the software-model boot path walks the same bytes the
// bare-metal path would.
func Build(info Info) []byte {
	buf := make([]byte, headerSize)

	appendTag := func(tagType uint32, payload []byte) {
		var hdr [tagHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[0:4], tagType)
		binary.LittleEndian.PutUint32(hdr[4:8], tagHeaderSize+uint32(len(payload)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, payload...)
		for uint32(len(buf))%tagAlign != 0 {
			buf = append(buf, 0)
		}
	}

	if info.CommandLine != "" {
		appendTag(tagTypeCmdline, append([]byte(info.CommandLine), 0))
	}
	if info.BootLoaderName != "" {
		appendTag(tagTypeBootLoaderID, append([]byte(info.BootLoaderName), 0))
	}
	if len(info.MemoryMap) > 0 {
		payload := make([]byte, mmapHeaderSize, mmapHeaderSize+len(info.MemoryMap)*mmapEntrySize)
		binary.LittleEndian.PutUint32(payload[0:4], mmapEntrySize)
		for _, e := range info.MemoryMap {
			var entry [mmapEntrySize]byte
			binary.LittleEndian.PutUint64(entry[0:8], e.Addr)
			binary.LittleEndian.PutUint64(entry[8:16], e.Len)
			typ := uint32(2) // reserved
			if e.Type == pmm.MemoryAvailable {
				typ = mmapTypeAvailable
			}
			binary.LittleEndian.PutUint32(entry[16:20], typ)
			payload = append(payload, entry[:]...)
		}
		appendTag(tagTypeMemoryMap, payload)
	}
	appendTag(tagTypeEnd, nil)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	return buf
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func parseMemoryMap(payload []byte) ([]pmm.MemoryMapEntry, error) {
	if len(payload) < mmapHeaderSize {
		return nil, fmt.Errorf("bootinfo: memory map tag too short")
	}
	entrySize := binary.LittleEndian.Uint32(payload[0:4])
	if entrySize < mmapEntrySize {
		return nil, fmt.Errorf("bootinfo: memory map entry size %d too small", entrySize)
	}

	var entries []pmm.MemoryMapEntry
	for off := uint32(mmapHeaderSize); off+entrySize <= uint32(len(payload)); off += entrySize {
		e := payload[off : off+entrySize]
		addr := binary.LittleEndian.Uint64(e[0:8])
		length := binary.LittleEndian.Uint64(e[8:16])
		typ := binary.LittleEndian.Uint32(e[16:20])

		mapType := uint32(0)
		if typ == mmapTypeAvailable {
			mapType = pmm.MemoryAvailable
		}
		entries = append(entries, pmm.MemoryMapEntry{Addr: addr, Len: length, Type: mapType})
	}
	return entries, nil
}
