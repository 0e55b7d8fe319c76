package nvmm

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfam/go-radixtree/internal/common"
	"golang.org/x/sys/unix"
)

// ArenaCache tracks which segments are warm and idles out the ones left
// unaccessed for longer than its idle timeout. Unlike a pool of refcounted, acquire/release-guarded
// mappings, an Arena's GlobalToLocal hands out bare *radixtree.Node pointers
// with no release call and no way to know when the caller is done with
// them, so unmapping a cold segment out from under a live pointer would be
// a use-after-unmap. Instead, idle segments are madvise(MADV_DONTNEED)'d:
// the mapping stays valid (any outstanding pointer keeps dereferencing
// correctly) while the kernel drops the now-cold physical pages and
// transparently re-reads them from the backing file on next touch. This is
// only correct for file-backed mappings; an anonymous segment has no
// backing store to re-read from, so anonymous segments are never madvised
// away.
type ArenaCache struct {
	mu sync.Mutex

	maxSize     int
	idleTimeout time.Duration

	lruList *list.List
	entries map[uint32]*list.Element

	logger common.Logger

	hits, misses, idleDrops uint64

	stopCleanup chan struct{}
	cleanupWg   sync.WaitGroup
}

type cacheEntry struct {
	seg        *openSegment
	lastAccess time.Time
}

// NewArenaCache creates a cache with a soft capacity of maxSize segments;
// exceeding it is only logged. Segments unaccessed for idleTimeout become
// eligible for MADV_DONTNEED eviction however many are tracked. idleTimeout
// of zero disables the background idle sweep.
func NewArenaCache(maxSize int, idleTimeout time.Duration, logger common.Logger) *ArenaCache {
	if maxSize <= 0 {
		maxSize = DefaultMaxOpenSegments
	}
	if logger == nil {
		logger = common.NewNullLogger()
	}

	c := &ArenaCache{
		maxSize:     maxSize,
		idleTimeout: idleTimeout,
		lruList:     list.New(),
		entries:     make(map[uint32]*list.Element),
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	if idleTimeout > 0 {
		c.cleanupWg.Add(1)
		go c.cleanupLoop()
	}

	return c
}

// Touch records an access to seg, moving it to the front of the LRU and
// refreshing its last-access time.
func (c *ArenaCache) Touch(seg *openSegment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[seg.index]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*cacheEntry).lastAccess = time.Now()
		atomic.AddUint64(&c.hits, 1)
		return
	}

	atomic.AddUint64(&c.misses, 1)
	entry := &cacheEntry{seg: seg, lastAccess: time.Now()}
	elem := c.lruList.PushFront(entry)
	c.entries[seg.index] = elem

	if len(c.entries) > c.maxSize {
		c.logger.Debug("arena cache over soft capacity", "size", len(c.entries), "max_size", c.maxSize)
	}
}

// Forget removes seg's bookkeeping, e.g. once the arena itself is closing.
func (c *ArenaCache) Forget(seg *openSegment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[seg.index]; ok {
		c.lruList.Remove(elem)
		delete(c.entries, seg.index)
	}
}

// Close stops the background idle sweep. It does not unmap anything; that
// remains the Arena's responsibility at shutdown.
func (c *ArenaCache) Close() {
	if c.idleTimeout > 0 {
		close(c.stopCleanup)
		c.cleanupWg.Wait()
	}
}

// Stats returns cache counters for diagnostics.
func (c *ArenaCache) Stats() (hits, misses, idleDrops uint64, tracked int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses), atomic.LoadUint64(&c.idleDrops), len(c.entries)
}

func (c *ArenaCache) cleanupLoop() {
	defer c.cleanupWg.Done()

	interval := c.idleTimeout / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > c.idleTimeout {
		interval = c.idleTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			c.dropIdle()
		}
	}
}

func (c *ArenaCache) dropIdle() {
	c.mu.Lock()
	cutoff := time.Now().Add(-c.idleTimeout)
	var idle []*openSegment
	for elem := c.lruList.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*cacheEntry)
		if entry.lastAccess.After(cutoff) {
			break
		}
		if !entry.seg.anon {
			idle = append(idle, entry.seg)
		}
	}
	c.mu.Unlock()

	for _, seg := range idle {
		if err := unix.Madvise(seg.data, unix.MADV_DONTNEED); err != nil {
			c.logger.Warn("madvise(MADV_DONTNEED) failed for idle segment", "segment", seg.index, "error", err)
			continue
		}
		atomic.AddUint64(&c.idleDrops, 1)
	}
	if len(idle) > 0 {
		c.logger.Debug("dropped idle segment pages", "count", len(idle))
	}
}
