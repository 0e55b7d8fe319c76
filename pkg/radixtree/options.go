package radixtree

import "github.com/openfam/go-radixtree/internal/common"

// Options configures a Tree.
type Options struct {
	// MaxKeyLen bounds accepted key length. Defaults to common.MaxKeyLen and
	// can only be lowered, never raised above it: Node.Key is a fixed
	// [common.MaxKeyLen]byte array, so a larger bound would let checkKey
	// accept keys that initLeaf/initIntermediate would silently truncate.
	MaxKeyLen int

	// AllocRetryCount bounds how many times a failed Heap.Alloc is retried
	// before an operation gives up with common.ErrAllocFailed.
	AllocRetryCount int

	// Logger receives diagnostic output. Defaults to a no-op logger.
	Logger common.Logger

	// Metrics, if non-nil, records a pointer-traversal-depth histogram of
	// Get descents (see Metrics). Optional; nil disables collection.
	Metrics *Metrics
}

// DefaultOptions returns an Options with the repository's default tuning
// constants and a no-op logger.
func DefaultOptions() Options {
	return Options{
		MaxKeyLen:       common.MaxKeyLen,
		AllocRetryCount: common.AllocRetryCount,
		Logger:          common.NewNullLogger(),
		Metrics:         nil,
	}
}

func (o *Options) setDefaults() {
	if o.MaxKeyLen <= 0 || o.MaxKeyLen > common.MaxKeyLen {
		o.MaxKeyLen = common.MaxKeyLen
	}
	if o.AllocRetryCount <= 0 {
		o.AllocRetryCount = common.AllocRetryCount
	}
	if o.Logger == nil {
		o.Logger = common.NewNullLogger()
	}
}
