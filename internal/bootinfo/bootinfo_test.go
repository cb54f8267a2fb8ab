package bootinfo

import (
	"encoding/binary"
	"testing"

	"github.com/purevisor/purevisor/internal/pmm"
)

// buildTag appends a single tag (header + payload, padded to 8-byte
// alignment) to buf and returns the result.
func buildTag(buf []byte, tagType uint32, payload []byte) []byte {
	size := uint32(tagHeaderSize + len(payload))
	header := make([]byte, tagHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], tagType)
	binary.LittleEndian.PutUint32(header[4:8], size)
	buf = append(buf, header...)
	buf = append(buf, payload...)
	for uint32(len(buf))%tagAlign != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func buildInfo(tags ...[]byte) []byte {
	buf := make([]byte, headerSize)
	for _, t := range tags {
		buf = append(buf, t...)
	}
	// terminating tag
	buf = buildTag(buf, tagTypeEnd, nil)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	return buf
}

func cmdlineTag(s string) []byte {
	return buildTag(nil, tagTypeCmdline, append([]byte(s), 0))
}

func mmapTag(entries []struct {
	addr, length uint64
	typ          uint32
}) []byte {
	payload := make([]byte, mmapHeaderSize)
	binary.LittleEndian.PutUint32(payload[0:4], mmapEntrySize)
	binary.LittleEndian.PutUint32(payload[4:8], 0)
	for _, e := range entries {
		entry := make([]byte, mmapEntrySize)
		binary.LittleEndian.PutUint64(entry[0:8], e.addr)
		binary.LittleEndian.PutUint64(entry[8:16], e.length)
		binary.LittleEndian.PutUint32(entry[16:20], e.typ)
		payload = append(payload, entry...)
	}
	return buildTag(nil, tagTypeMemoryMap, payload)
}

func TestParseRejectsBadMagic(t *testing.T) {
	if _, err := Parse(0xdeadbeef, buildInfo()); err != ErrBadMagic {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestParseCmdline(t *testing.T) {
	data := buildInfo(cmdlineTag("console=ttyS0"))
	info, err := Parse(Magic, data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if info.CommandLine != "console=ttyS0" {
		t.Fatalf("CommandLine = %q", info.CommandLine)
	}
}

func TestParseMemoryMap(t *testing.T) {
	data := buildInfo(mmapTag([]struct {
		addr, length uint64
		typ          uint32
	}{
		{addr: 0, length: 0x9_0000, typ: mmapTypeAvailable},
		{addr: 0x10_0000, length: 0x0F00_0000, typ: 2},
	}))

	info, err := Parse(Magic, data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(info.MemoryMap) != 2 {
		t.Fatalf("MemoryMap length = %d, want 2", len(info.MemoryMap))
	}
	if info.MemoryMap[0].Type != pmm.MemoryAvailable {
		t.Fatalf("entry 0 type = %d, want available", info.MemoryMap[0].Type)
	}
	if info.MemoryMap[1].Type == pmm.MemoryAvailable {
		t.Fatalf("entry 1 should not be marked available")
	}
	if info.MemoryMap[1].Addr != 0x10_0000 || info.MemoryMap[1].Len != 0x0F00_0000 {
		t.Fatalf("entry 1 = %+v", info.MemoryMap[1])
	}
}

func TestParseTruncatedBuffer(t *testing.T) {
	if _, err := Parse(Magic, []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for truncated buffer")
	}
}

func TestParseMissingTerminator(t *testing.T) {
	// A well-formed total_size but no type=0 tag before it: build a
	// cmdline-only block and lie about total_size so the loop runs off
	// the tag list without ever seeing the end tag.
	buf := make([]byte, headerSize)
	buf = append(buf, cmdlineTag("x")...)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	if _, err := Parse(Magic, buf); err == nil {
		t.Fatalf("expected error for missing terminating tag")
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	in := Info{
		CommandLine:    "console=ttyS0 quiet",
		BootLoaderName: "purevisor-loader",
		MemoryMap: []pmm.MemoryMapEntry{
			{Addr: 0, Len: 0x9_0000, Type: pmm.MemoryAvailable},
			{Addr: 0x10_0000, Len: 0x1F00_0000, Type: pmm.MemoryAvailable},
			{Addr: 0xFEC0_0000, Len: 0x1000, Type: 0},
		},
	}
	out, err := Parse(Magic, Build(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if out.CommandLine != in.CommandLine {
		t.Fatalf("CommandLine = %q, want %q", out.CommandLine, in.CommandLine)
	}
	if out.BootLoaderName != in.BootLoaderName {
		t.Fatalf("BootLoaderName = %q, want %q", out.BootLoaderName, in.BootLoaderName)
	}
	if len(out.MemoryMap) != len(in.MemoryMap) {
		t.Fatalf("MemoryMap length = %d, want %d", len(out.MemoryMap), len(in.MemoryMap))
	}
	for i, e := range in.MemoryMap {
		got := out.MemoryMap[i]
		if got.Addr != e.Addr || got.Len != e.Len || got.Type != e.Type {
			t.Fatalf("entry %d = %+v, want %+v", i, got, e)
		}
	}
}

func TestParseInvalidTagSizeRejected(t *testing.T) {
	buf := make([]byte, headerSize)
	header := make([]byte, tagHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], tagTypeCmdline)
	binary.LittleEndian.PutUint32(header[4:8], 0xFFFF_FFFF) // absurd size
	buf = append(buf, header...)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	if _, err := Parse(Magic, buf); err == nil {
		t.Fatalf("expected error for invalid tag size")
	}
}
