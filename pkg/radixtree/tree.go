// Package radixtree implements a lock-free, persistent, concurrent 256-way
// radix tree mapping variable-length byte keys to 64-bit global pointers.
// The tree is designed to live in shared, byte-addressable memory and to be
// read and mutated concurrently by multiple threads (and, through the same
// memory, by multiple processes observing the same region); see DESIGN.md
// for the adaptations this Go implementation makes to that contract.
package radixtree

import (
	"github.com/openfam/go-radixtree/internal/common"
	"github.com/openfam/go-radixtree/pkg/gptr"
)

// Mmgr translates between global pointers and locally-dereferenceable node
// addresses, and issues the persistence barriers the tree's crash
// consistency depends on. Per SPEC_FULL.md §6, Persist/Invalidate operate at
// node granularity rather than raw (addr, len) pairs, since the core never
// touches memory outside node boundaries.
type Mmgr interface {
	// GlobalToLocal translates g into a dereferenceable *Node. g must be a
	// pointer this Mmgr's Heap previously allocated (or the tree's root).
	GlobalToLocal(g gptr.Gptr) *Node

	// Persist flushes all of n's fields to the persistence domain. Called
	// after populating a new node's fields and before any CAS that
	// publishes it.
	Persist(n *Node)

	// Invalidate discards any local cached copy of n's child/value region
	// so the next read observes the current shared-memory contents.
	Invalidate(n *Node)
}

// Heap allocates and frees node-sized blocks of shared memory.
type Heap interface {
	// Alloc returns a fresh Gptr of at least size bytes, or gptr.Null on
	// failure. The tree always calls this with size == NodeSize.
	Alloc(size uintptr) gptr.Gptr

	// Free releases a previously allocated pointer. The tree only frees
	// unused split scratch nodes; nodes published into the tree are never
	// freed.
	Free(g gptr.Gptr)
}

// Tree is a lock-free persistent radix tree over shared memory.
type Tree struct {
	mmgr    Mmgr
	heap    Heap
	metrics *Metrics
	root    gptr.Gptr
	opts    Options
}

// New constructs a Tree over the given Mmgr/Heap. If root is gptr.Null, a
// fresh empty root node is allocated and persisted; otherwise the provided
// root is adopted as-is (its node must already exist and satisfy the root
// invariants: PrefixSize == 0, an invalid Value).
func New(mmgr Mmgr, heap Heap, metrics *Metrics, root gptr.Gptr, opts Options) (*Tree, error) {
	opts.setDefaults()
	if metrics == nil {
		metrics = opts.Metrics
	}

	t := &Tree{
		mmgr:    mmgr,
		heap:    heap,
		metrics: metrics,
		opts:    opts,
	}

	if root == gptr.Null {
		rootPtr := t.heap.Alloc(NodeSize)
		if rootPtr == gptr.Null {
			return nil, common.ErrAllocFailed
		}
		rootNode := t.mmgr.GlobalToLocal(rootPtr)
		rootNode.PrefixSize = 0
		for i := range rootNode.Child {
			rootNode.Child[i].StoreRaw(gptr.Null)
		}
		rootNode.Value.StoreRaw(gptr.TagGptr{})
		t.mmgr.Persist(rootNode)
		root = rootPtr
	}

	t.root = root
	opts.Logger.Info("radixtree opened", "root", uint64(root))
	return t, nil
}

// GetRoot returns the tree's root Gptr.
func (t *Tree) GetRoot() gptr.Gptr { return t.root }

func (t *Tree) checkKey(key []byte) error {
	if len(key) == 0 || len(key) > t.opts.MaxKeyLen {
		return common.ErrInvalidKey
	}
	return nil
}

// allocNode allocates a node-sized block, retrying up to AllocRetryCount
// times. Returns gptr.Null if the retry budget is exhausted.
func (t *Tree) allocNode() gptr.Gptr {
	var p gptr.Gptr
	for i := 0; i < t.opts.AllocRetryCount && p == gptr.Null; i++ {
		p = t.heap.Alloc(NodeSize)
	}
	return p
}

// Put inserts or updates key -> value. It returns the tagged value observed
// before the operation (invalid if the key was absent). When update is
// false and the key already holds a valid value, that value is returned
// unchanged and the tree is not modified.
func (t *Tree) Put(key []byte, value gptr.Gptr, update bool) (gptr.TagGptr, error) {
	if err := t.checkKey(key); err != nil {
		return gptr.TagGptr{}, err
	}

	var p *gptr.AtomicGptr
	q := t.root

	var newLeafPtr gptr.Gptr
	var intermediatePtr gptr.Gptr
	var intermediate *Node
	prefixSize := 0
	var existing byte

outer:
	for {
		// Descend to the correct insertion point.
		for q != gptr.Null {
			n := t.mmgr.GlobalToLocal(q)
			i := commonPrefix(key, n)
			t.mmgr.Invalidate(n)

			if i < int(n.PrefixSize) {
				prefixSize = i
				existing = n.Key[i]
				break
			}

			if len(key) == i {
				// Exact match: terminate here.
				if intermediatePtr != gptr.Null {
					t.heap.Free(intermediatePtr)
					intermediatePtr, intermediate = gptr.Null, nil
				}
				if newLeafPtr != gptr.Null {
					t.heap.Free(newLeafPtr)
					newLeafPtr = gptr.Null
				}

				tq := n.Value.Load128()
				if update {
					for {
						seen := n.Value.CAS128(tq, gptr.TagGptr{Gptr: value, Tag: tq.Tag + 1})
						if seen.Equal(tq) {
							return tq, nil
						}
						tq = seen
					}
				}

				if tq.Valid() {
					return tq, nil
				}
				seen := n.Value.CAS128(tq, gptr.TagGptr{Gptr: value, Tag: tq.Tag + 1})
				if seen.Equal(tq) {
					return tq, nil
				}
				// A concurrent writer's CAS won the race and made progress;
				// retry at this same node rather than falling into the
				// split protocol below (see DESIGN.md's no-livelock note).
				continue outer
			}

			p = &n.Child[key[i]]
			q = p.Load()
		}

		// Case 1: no split, insert a fresh leaf at a null child slot.
		if q == gptr.Null {
			if newLeafPtr == gptr.Null {
				newLeafPtr = t.allocNode()
				if newLeafPtr == gptr.Null {
					return gptr.TagGptr{}, common.ErrAllocFailed
				}
				leaf := t.mmgr.GlobalToLocal(newLeafPtr)
				initLeaf(leaf, key, value)
				t.mmgr.Persist(leaf)
			}

			seenQ := p.CAS64(q, newLeafPtr)
			if seenQ == q {
				if intermediatePtr != gptr.Null {
					t.heap.Free(intermediatePtr)
				}
				return gptr.TagGptr{}, nil
			}
			q = seenQ
			continue
		}

		// Case 2: split.
		if intermediatePtr == gptr.Null {
			intermediatePtr = t.allocNode()
			if intermediatePtr == gptr.Null {
				return gptr.TagGptr{}, common.ErrAllocFailed
			}
			intermediate = t.mmgr.GlobalToLocal(intermediatePtr)
			initIntermediate(intermediate, key, prefixSize)
		}

		if prefixSize == len(key) {
			intermediate.Value.StoreRaw(gptr.TagGptr{Gptr: value, Tag: 0})
			intermediate.PrefixSize = uint64(prefixSize)
			intermediate.Child[existing].StoreRaw(q)
			t.mmgr.Persist(intermediate)

			seenQ := p.CAS64(q, intermediatePtr)
			if seenQ == q {
				if newLeafPtr != gptr.Null {
					t.heap.Free(newLeafPtr)
				}
				return gptr.TagGptr{}, nil
			}
			q = seenQ
		} else {
			if newLeafPtr == gptr.Null {
				newLeafPtr = t.allocNode()
				if newLeafPtr == gptr.Null {
					return gptr.TagGptr{}, common.ErrAllocFailed
				}
				leaf := t.mmgr.GlobalToLocal(newLeafPtr)
				initLeaf(leaf, key, value)
				t.mmgr.Persist(leaf)
			}
			intermediate.Child[key[prefixSize]].StoreRaw(newLeafPtr)
			intermediate.PrefixSize = uint64(prefixSize)
			intermediate.Child[existing].StoreRaw(q)
			t.mmgr.Persist(intermediate)

			seenQ := p.CAS64(q, intermediatePtr)
			if seenQ == q {
				return gptr.TagGptr{}, nil
			}
			q = seenQ
		}
	}
}

// Get descends from the root and returns the tagged value stored at key, or
// an invalid TagGptr if the key is absent (including a tombstoned key).
func (t *Tree) Get(key []byte) (gptr.TagGptr, error) {
	if err := t.checkKey(key); err != nil {
		return gptr.TagGptr{}, err
	}

	q := t.root
	traversals := 0
	for q != gptr.Null {
		n := t.mmgr.GlobalToLocal(q)

		max := len(key)
		if int(n.PrefixSize) < max {
			max = int(n.PrefixSize)
		}
		if !bytesEqual(key[:max], n.Key[:max]) {
			return gptr.TagGptr{}, nil
		}

		t.mmgr.Invalidate(n)

		if int(n.PrefixSize) == len(key) {
			t.metrics.recordTraversal(traversals)
			return n.Value.Load128(), nil
		}

		q = n.Child[key[n.PrefixSize]].Load()
		traversals++
	}

	t.metrics.recordTraversal(traversals)
	return gptr.TagGptr{}, nil
}

// Destroy tombstones key: it CASes the node's value slot to an invalid
// pointer with a bumped tag and returns the tagged value observed before
// the operation. No node is freed. Returns an invalid TagGptr if key is
// absent.
func (t *Tree) Destroy(key []byte) (gptr.TagGptr, error) {
	if err := t.checkKey(key); err != nil {
		return gptr.TagGptr{}, err
	}

	q := t.root
	for q != gptr.Null {
		n := t.mmgr.GlobalToLocal(q)

		max := len(key)
		if int(n.PrefixSize) < max {
			max = int(n.PrefixSize)
		}
		if !bytesEqual(key[:max], n.Key[:max]) {
			return gptr.TagGptr{}, nil
		}

		t.mmgr.Invalidate(n)

		if int(n.PrefixSize) == len(key) {
			tq := n.Value.Load128()
			for {
				seen := n.Value.CAS128(tq, gptr.TagGptr{Gptr: gptr.Null, Tag: tq.Tag + 1})
				if seen.Equal(tq) {
					return tq, nil
				}
				tq = seen
			}
		}

		q = n.Child[key[n.PrefixSize]].Load()
	}

	return gptr.TagGptr{}, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
