package nvmm

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/openfam/go-radixtree/internal/common"
)

// HeaderSize is the fixed size in bytes of a segment file's header region.
// Node slots begin immediately after it. Chosen larger than the fields it
// currently holds to leave room to grow without an on-disk format bump.
const HeaderSize = 128

// segmentHeader is the fixed binary header written at the start of every
// segment file: a magic/version/CRC discipline so a corrupt or foreign file
// is rejected at open time rather than silently misread.
type segmentHeader struct {
	Magic        uint32
	Version      uint16
	SegmentIndex uint32
	NodeCount    uint32 // slots in this segment; NextFree/FreeListHead use this as their "no slot" sentinel.
	NodeSize     uint32
	NextFree     uint32 // bump pointer: index of the next never-yet-allocated slot.
	FreeListHead uint32 // index of the first freed slot, or NodeCount if empty.
	CRC32C       uint32 // covers bytes [0:28) of the encoded header.
	RootGptr     uint64 // meaningful only in segment 0: the tree's root pointer.
	BLAKE3       [32]byte
}

func encodeHeader(h *segmentHeader) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:], h.Version)
	binary.LittleEndian.PutUint32(buf[8:], h.SegmentIndex)
	binary.LittleEndian.PutUint32(buf[12:], h.NodeCount)
	binary.LittleEndian.PutUint32(buf[16:], h.NodeSize)
	binary.LittleEndian.PutUint32(buf[20:], h.NextFree)
	binary.LittleEndian.PutUint32(buf[24:], h.FreeListHead)
	binary.LittleEndian.PutUint32(buf[28:], h.CRC32C)
	binary.LittleEndian.PutUint64(buf[32:], h.RootGptr)
	copy(buf[40:72], h.BLAKE3[:])
	return buf
}

func decodeHeader(buf []byte) (*segmentHeader, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("nvmm: segment header truncated: %w", common.ErrCorrupt)
	}
	h := &segmentHeader{
		Magic:        binary.LittleEndian.Uint32(buf[0:]),
		Version:      binary.LittleEndian.Uint16(buf[4:]),
		SegmentIndex: binary.LittleEndian.Uint32(buf[8:]),
		NodeCount:    binary.LittleEndian.Uint32(buf[12:]),
		NodeSize:     binary.LittleEndian.Uint32(buf[16:]),
		NextFree:     binary.LittleEndian.Uint32(buf[20:]),
		FreeListHead: binary.LittleEndian.Uint32(buf[24:]),
		CRC32C:       binary.LittleEndian.Uint32(buf[28:]),
		RootGptr:     binary.LittleEndian.Uint64(buf[32:]),
	}
	copy(h.BLAKE3[:], buf[40:72])

	if h.Magic != common.MagicArenaSegment {
		return nil, fmt.Errorf("%w: got 0x%08x, expected 0x%08x", common.ErrInvalidMagic, h.Magic, common.MagicArenaSegment)
	}
	if h.Version != common.VersionArenaSegment {
		return nil, fmt.Errorf("%w: got 0x%04x, expected 0x%04x", common.ErrUnsupportedVersion, h.Version, common.VersionArenaSegment)
	}
	if crc := computeCRC32C(buf[0:28]); crc != h.CRC32C {
		return nil, fmt.Errorf("%w: header CRC32C got 0x%08x, expected 0x%08x", common.ErrCRCMismatch, crc, h.CRC32C)
	}
	return h, nil
}

// openSegment is one mmap'd segment file (or anonymous mapping) and its
// decoded header. All mutation of the header or the freelist goes through
// mu.
type openSegment struct {
	mu     sync.Mutex
	index  uint32
	data   []byte // full mapping: [0:HeaderSize) header, then NodeCount*NodeSize of node slots.
	header *segmentHeader
	path   string // empty for anonymous segments.
	anon   bool
}

func (s *openSegment) nodeOffset(idx uint32) int {
	return HeaderSize + int(idx)*int(s.header.NodeSize)
}

// allocSlot returns a free node-index within the segment, preferring a
// freed slot over the untouched tail, or ok=false if the segment is full.
// Caller must not hold s.mu.
func (s *openSegment) allocSlot() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.header.FreeListHead != s.header.NodeCount {
		idx := s.header.FreeListHead
		off := s.nodeOffset(idx)
		s.header.FreeListHead = binary.LittleEndian.Uint32(s.data[off:])
		s.persistHeaderLocked()
		return idx, true
	}
	if s.header.NextFree < s.header.NodeCount {
		idx := s.header.NextFree
		s.header.NextFree++
		s.persistHeaderLocked()
		return idx, true
	}
	return 0, false
}

// freeSlot links idx onto the segment's persisted freelist.
func (s *openSegment) freeSlot(idx uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	off := s.nodeOffset(idx)
	binary.LittleEndian.PutUint32(s.data[off:], s.header.FreeListHead)
	s.header.FreeListHead = idx
	s.persistHeaderLocked()
}

// persistHeaderLocked recomputes the header CRC, re-encodes it into the
// mapping, and syncs it for file-backed segments. Caller must hold s.mu.
func (s *openSegment) persistHeaderLocked() {
	buf := encodeHeader(s.header)
	s.header.CRC32C = computeCRC32C(buf[0:28])
	buf = encodeHeader(s.header)
	copy(s.data[0:HeaderSize], buf)
	if !s.anon {
		msyncRange(s.data[0:HeaderSize])
	}
}

func (s *openSegment) setRootLocked(root uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header.RootGptr = root
	s.persistHeaderLocked()
}

func (s *openSegment) rootLocked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header.RootGptr
}
