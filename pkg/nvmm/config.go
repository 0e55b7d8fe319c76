package nvmm

import (
	"time"

	"github.com/openfam/go-radixtree/internal/common"
)

// Defaults for Config fields left unset.
const (
	DefaultSegmentNodeCount = 1 << 14 // 16384 nodes per segment file.
	DefaultMaxOpenSegments  = 128
	DefaultIdleTimeout      = 5 * time.Minute
)

// Config configures an Arena.
type Config struct {
	// Dir is the directory holding segment files. If empty, the arena is
	// purely in-process: segments are backed by anonymous memory-mapped
	// regions (unix.MAP_ANON) that vanish with the process, and no
	// directory is ever touched. Used by tests and non-persistent callers.
	Dir string

	// SegmentNodeCount is the number of node-sized slots per segment file.
	// Fixed for the lifetime of an arena; recorded in every segment header
	// so a reopened arena can detect a mismatched configuration.
	SegmentNodeCount int

	// MaxOpenSegments is ArenaCache's soft capacity: tracking more segments
	// than this is logged at debug level. It does not limit how many
	// segments stay mapped or resident; idle eviction depends on IdleTimeout
	// alone. An evicted segment's mapping stays valid, only its physical
	// pages are released back to the OS.
	MaxOpenSegments int

	// IdleTimeout is how long a segment must go unaccessed before it is
	// eligible for idle eviction. Zero disables idle eviction.
	IdleTimeout time.Duration

	// VerifyChecksumsOnLoad, if set, verifies each segment's BLAKE3 digest
	// (in addition to its always-checked header CRC32C) when opening an
	// existing arena directory.
	VerifyChecksumsOnLoad bool

	// Logger receives diagnostic output. Defaults to a no-op logger.
	Logger common.Logger
}

// DefaultConfig returns a Config with the package's default tuning
// constants, an in-process anonymous arena (Dir == ""), and a no-op logger.
func DefaultConfig() Config {
	return Config{
		SegmentNodeCount: DefaultSegmentNodeCount,
		MaxOpenSegments:  DefaultMaxOpenSegments,
		IdleTimeout:      DefaultIdleTimeout,
		Logger:           common.NewNullLogger(),
	}
}

func (c *Config) setDefaults() {
	if c.SegmentNodeCount <= 0 {
		c.SegmentNodeCount = DefaultSegmentNodeCount
	}
	if c.MaxOpenSegments <= 0 {
		c.MaxOpenSegments = DefaultMaxOpenSegments
	}
	if c.Logger == nil {
		c.Logger = common.NewNullLogger()
	}
}
