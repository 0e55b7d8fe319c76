// Package nvmm is the reference Mmgr/Heap implementation for pkg/radixtree:
// a growable arena of memory-mapped, fixed-size segment files, each a flat
// array of node-sized slots behind a bump-allocator-plus-freelist. It plays
// the role the original C++ source left to a fabric-attached-memory driver;
// here it is an ordinary mmap'd heap, file-backed for persistence or
// anonymous for tests.
package nvmm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"unsafe"

	"github.com/openfam/go-radixtree/internal/common"
	"github.com/openfam/go-radixtree/pkg/gptr"
	"github.com/openfam/go-radixtree/pkg/radixtree"
	"golang.org/x/sys/unix"
)

// Arena implements radixtree.Mmgr and radixtree.Heap over one or more
// memory-mapped segment files.
type Arena struct {
	mu     sync.Mutex
	cfg    Config
	logger common.Logger
	nodeSz uint32

	segments []*openSegment
	cache    *ArenaCache

	closed bool
}

// Open opens (or creates) an arena per cfg. If cfg.Dir is non-empty and
// already contains segment files, they are validated and adopted in index
// order; otherwise the arena starts empty and grows its first segment on
// the first Alloc.
func Open(cfg Config) (*Arena, error) {
	cfg.setDefaults()

	a := &Arena{
		cfg:    cfg,
		logger: cfg.Logger,
		nodeSz: uint32(radixtree.NodeSize),
		cache:  NewArenaCache(cfg.MaxOpenSegments, cfg.IdleTimeout, cfg.Logger),
	}

	if cfg.Dir == "" {
		return a, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("nvmm: create arena directory: %w", err)
	}

	paths, err := existingSegmentPaths(cfg.Dir)
	if err != nil {
		return nil, err
	}

	for idx, path := range paths {
		seg, err := openSegmentFile(path, uint32(idx), a.nodeSz, cfg.VerifyChecksumsOnLoad)
		if err != nil {
			return nil, fmt.Errorf("nvmm: open segment %q: %w", path, err)
		}
		if seg.header.NodeCount != uint32(cfg.SegmentNodeCount) {
			unix.Munmap(seg.data)
			return nil, fmt.Errorf("nvmm: open segment %q: has %d node slots, configured %d: %w", path, seg.header.NodeCount, cfg.SegmentNodeCount, common.ErrCorrupt)
		}
		a.segments = append(a.segments, seg)
	}

	a.logger.Info("nvmm arena opened", "dir", cfg.Dir, "segments", len(a.segments))
	return a, nil
}

// Close flushes and unmaps every segment. A checkpoint BLAKE3 digest of
// each segment's node region is written into its header first, so a
// subsequent Open with VerifyChecksumsOnLoad can detect corruption
// introduced while the arena was closed.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	a.cache.Close()

	var firstErr error
	for _, seg := range a.segments {
		seg.mu.Lock()
		sum := computeBLAKE3(seg.data[HeaderSize:])
		seg.header.BLAKE3 = sum
		seg.persistHeaderLocked()
		seg.mu.Unlock()

		if err := unix.Munmap(seg.data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("nvmm: munmap segment %d: %w", seg.index, err)
		}
	}
	return firstErr
}

// Root returns the persisted root Gptr recorded in segment 0's header, or
// gptr.Null if the arena has no segments yet.
func (a *Arena) Root() gptr.Gptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.segments) == 0 {
		return gptr.Null
	}
	return gptr.Gptr(a.segments[0].rootLocked())
}

// SetRoot persists root into segment 0's header, allocating segment 0 first
// if the arena is still empty.
func (a *Arena) SetRoot(root gptr.Gptr) error {
	a.mu.Lock()
	if len(a.segments) == 0 {
		if _, err := a.growLocked(); err != nil {
			a.mu.Unlock()
			return err
		}
	}
	seg := a.segments[0]
	a.mu.Unlock()

	seg.setRootLocked(uint64(root))
	return nil
}

// GlobalToLocal implements radixtree.Mmgr.
func (a *Arena) GlobalToLocal(g gptr.Gptr) *radixtree.Node {
	segIdx, nodeIdx := decodeGptr(g, a.cfg.SegmentNodeCount)

	a.mu.Lock()
	if int(segIdx) >= len(a.segments) {
		a.mu.Unlock()
		panic(fmt.Sprintf("nvmm: gptr %d resolves to segment %d, but only %d exist", g, segIdx, len(a.segments)))
	}
	seg := a.segments[segIdx]
	a.mu.Unlock()

	a.cache.Touch(seg)

	off := seg.nodeOffset(nodeIdx)
	return (*radixtree.Node)(unsafe.Pointer(&seg.data[off]))
}

// Persist implements radixtree.Mmgr by msync-ing the whole segment backing
// n for file-backed arenas; a no-op memory fence for anonymous ones (Go's
// own atomics already provide the needed visibility between goroutines).
func (a *Arena) Persist(n *radixtree.Node) {
	seg := a.findSegment(n)
	if seg == nil || seg.anon {
		return
	}
	msyncRange(seg.data)
}

// Invalidate implements radixtree.Mmgr. There is no portable user-space
// instruction to drop a remote CPU's cache line for ordinary DRAM, and Go's
// memory model already gives same-process goroutines the visibility the
// tree depends on, so this is a documented no-op; see DESIGN.md.
func (a *Arena) Invalidate(n *radixtree.Node) {}

// Alloc implements radixtree.Heap.
func (a *Arena) Alloc(size uintptr) gptr.Gptr {
	if uint32(size) != a.nodeSz {
		panic("nvmm: Alloc called with a size other than radixtree.NodeSize")
	}

	for {
		a.mu.Lock()
		segs := a.segments
		a.mu.Unlock()

		for _, seg := range segs {
			if idx, ok := seg.allocSlot(); ok {
				return encodeGptr(seg.index, idx, a.cfg.SegmentNodeCount)
			}
		}

		a.mu.Lock()
		if len(a.segments) == len(segs) {
			if _, err := a.growLocked(); err != nil {
				a.mu.Unlock()
				a.logger.Warn("nvmm arena growth failed", "error", err)
				return gptr.Null
			}
		}
		a.mu.Unlock()
	}
}

// Free implements radixtree.Heap.
func (a *Arena) Free(g gptr.Gptr) {
	segIdx, nodeIdx := decodeGptr(g, a.cfg.SegmentNodeCount)

	a.mu.Lock()
	if int(segIdx) >= len(a.segments) {
		a.mu.Unlock()
		return
	}
	seg := a.segments[segIdx]
	a.mu.Unlock()

	seg.freeSlot(nodeIdx)
}

// growLocked appends a freshly created segment. Caller must hold a.mu.
func (a *Arena) growLocked() (*openSegment, error) {
	idx := uint32(len(a.segments))
	size := int64(HeaderSize) + int64(a.cfg.SegmentNodeCount)*int64(a.nodeSz)

	var data []byte
	var path string
	var anon bool

	if a.cfg.Dir == "" {
		anon = true
		m, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			return nil, fmt.Errorf("nvmm: mmap anonymous segment: %w", err)
		}
		data = m
	} else {
		path = segmentPath(a.cfg.Dir, idx)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return nil, fmt.Errorf("nvmm: create segment file: %w", err)
		}
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("nvmm: size segment file: %w", err)
		}
		m, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("nvmm: mmap segment file: %w", err)
		}
		data = m
	}

	seg := &openSegment{
		index: idx,
		data:  data,
		path:  path,
		anon:  anon,
		header: &segmentHeader{
			Magic:        common.MagicArenaSegment,
			Version:      common.VersionArenaSegment,
			SegmentIndex: idx,
			NodeCount:    uint32(a.cfg.SegmentNodeCount),
			NodeSize:     a.nodeSz,
			NextFree:     0,
			FreeListHead: uint32(a.cfg.SegmentNodeCount),
		},
	}
	seg.persistHeaderLocked()

	a.segments = append(a.segments, seg)
	a.logger.Info("nvmm arena grew", "segment", idx, "anonymous", anon)
	return seg, nil
}

// findSegment locates the segment whose mapping contains n, by address
// range. Node pointers are always aliases of some segment's mapping, so
// this always succeeds for pointers obtained from GlobalToLocal.
func (a *Arena) findSegment(n *radixtree.Node) *openSegment {
	addr := uintptr(unsafe.Pointer(n))

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, seg := range a.segments {
		base := uintptr(unsafe.Pointer(&seg.data[0]))
		if addr >= base && addr < base+uintptr(len(seg.data)) {
			return seg
		}
	}
	return nil
}

func segmentPath(dir string, idx uint32) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%08d.seg", idx))
}

func existingSegmentPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("nvmm: read arena directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".seg" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func openSegmentFile(path string, expectIdx, expectNodeSize uint32, verifyBLAKE3 bool) (*openSegment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat.Size() < HeaderSize {
		f.Close()
		return nil, common.ErrCorrupt
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(stat.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	f.Close()
	if err != nil {
		return nil, err
	}

	h, err := decodeHeader(data[:HeaderSize])
	if err != nil {
		unix.Munmap(data)
		return nil, err
	}
	if h.SegmentIndex != expectIdx {
		unix.Munmap(data)
		return nil, fmt.Errorf("nvmm: segment %q has index %d, expected %d: %w", path, h.SegmentIndex, expectIdx, common.ErrCorrupt)
	}
	if h.NodeSize != expectNodeSize {
		unix.Munmap(data)
		return nil, fmt.Errorf("nvmm: segment %q has node size %d, expected %d: %w", path, h.NodeSize, expectNodeSize, common.ErrCorrupt)
	}
	wantLen := int64(HeaderSize) + int64(h.NodeCount)*int64(h.NodeSize)
	if stat.Size() < wantLen {
		unix.Munmap(data)
		return nil, fmt.Errorf("nvmm: segment %q truncated: %w", path, common.ErrCorrupt)
	}

	if verifyBLAKE3 && h.BLAKE3 != ([32]byte{}) {
		sum := computeBLAKE3(data[HeaderSize:])
		if sum != h.BLAKE3 {
			unix.Munmap(data)
			return nil, fmt.Errorf("nvmm: segment %q: %w", path, common.ErrBLAKE3Mismatch)
		}
	}

	return &openSegment{
		index:  expectIdx,
		data:   data,
		header: h,
		path:   path,
	}, nil
}

// msyncRange flushes a mmap'd byte range to its backing file.
func msyncRange(b []byte) {
	if len(b) == 0 {
		return
	}
	if err := unix.Msync(b, unix.MS_SYNC); err != nil {
		// Best-effort: a failed msync on a still-open, still-valid mapping
		// is rare enough (ENOMEM, EBUSY) that there is no safe local
		// recovery; callers observe durability loss only on the next crash.
		_ = err
	}
}

// encodeGptr packs (segment index, node index) into a Gptr as a flat index
// across fixed-size segments: globalIndex = segIdx*segmentNodeCount +
// nodeIdx, plus one to keep 0 reserved for gptr.Null.
func encodeGptr(segIdx, nodeIdx uint32, segmentNodeCount int) gptr.Gptr {
	global := uint64(segIdx)*uint64(segmentNodeCount) + uint64(nodeIdx)
	return gptr.Gptr(global + 1)
}

func decodeGptr(g gptr.Gptr, segmentNodeCount int) (segIdx, nodeIdx uint32) {
	global := uint64(g) - 1
	return uint32(global / uint64(segmentNodeCount)), uint32(global % uint64(segmentNodeCount))
}
