package radixtree

import (
	"unsafe"

	"github.com/openfam/go-radixtree/internal/common"
	"github.com/openfam/go-radixtree/pkg/gptr"
)

// Node is the fixed-size trie node record. Its layout must stay stable:
// Mmgr implementations (see pkg/nvmm) alias it directly over mmap'd bytes.
//
// Key holds the full key prefix from the root that leads to this node (not
// the edge label) in bytes [0:PrefixSize]. Bytes beyond PrefixSize are
// unspecified garbage left over from a prior split and must never be read;
// see the split-protocol note in SPEC_FULL.md §9.
type Node struct {
	Key        [common.MaxKeyLen]byte
	PrefixSize uint64
	Child      [256]gptr.AtomicGptr
	Value      gptr.AtomicTagGptr
}

// NodeSize is the size in bytes of a Node record, used by Heap.Alloc.
const NodeSize = unsafe.Sizeof(Node{})

// initLeaf populates a freshly allocated node as a leaf holding key/value,
// ready for Persist and publication. Bytes of Key beyond len(key) are not
// cleared: they keep whatever the slot held before (zeros only for a slot
// that was never allocated).
func initLeaf(n *Node, key []byte, value gptr.Gptr) {
	copy(n.Key[:], key)
	n.PrefixSize = uint64(len(key))
	for i := range n.Child {
		n.Child[i].StoreRaw(gptr.Null)
	}
	n.Value.StoreRaw(gptr.TagGptr{Gptr: value, Tag: 0})
}

// initIntermediate populates a freshly allocated node as a split
// intermediate: the full inserted key is copied in, not just the common
// prefix, so prefixSize marks the split point while the rest of the key
// stays available for a later split deeper in the tree. Children start
// empty.
func initIntermediate(n *Node, fullKey []byte, prefixSize int) {
	copy(n.Key[:], fullKey)
	n.PrefixSize = uint64(prefixSize)
	for i := range n.Child {
		n.Child[i].StoreRaw(gptr.Null)
	}
	n.Value.StoreRaw(gptr.TagGptr{})
}

// commonPrefix returns the length of the longest common prefix between key
// and n.Key[:min(len(key), n.PrefixSize)].
func commonPrefix(key []byte, n *Node) int {
	max := len(key)
	if int(n.PrefixSize) < max {
		max = int(n.PrefixSize)
	}
	i := 0
	for i < max && key[i] == n.Key[i] {
		i++
	}
	return i
}
