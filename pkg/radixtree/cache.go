package radixtree

import (
	"github.com/openfam/go-radixtree/internal/common"
	"github.com/openfam/go-radixtree/pkg/gptr"
)

// PutC behaves like Put with update always true (the string-key
// cache-coherent path has no update flag: an exact-match key is always
// overwritten), and additionally returns the Gptr of the leaf node holding
// the value. A caller keeping an external DRAM-side cache of key -> value
// can key its cache entry on that Gptr and detect staleness by comparing
// the returned TagGptr's tag on subsequent reads.
func (t *Tree) PutC(key []byte, value gptr.Gptr) (gptr.Gptr, gptr.TagGptr, gptr.TagGptr, error) {
	if err := t.checkKey(key); err != nil {
		return gptr.Null, gptr.TagGptr{}, gptr.TagGptr{}, err
	}

	var p *gptr.AtomicGptr
	q := t.root

	var newLeafPtr gptr.Gptr
	var intermediatePtr gptr.Gptr
	var intermediate *Node
	prefixSize := 0
	var existing byte

	for {
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
				if intermediatePtr != gptr.Null {
					t.heap.Free(intermediatePtr)
					intermediatePtr, intermediate = gptr.Null, nil
				}
				if newLeafPtr != gptr.Null {
					t.heap.Free(newLeafPtr)
					newLeafPtr = gptr.Null
				}

				tq := n.Value.Load128()
				for {
					newVal := gptr.TagGptr{Gptr: value, Tag: tq.Tag + 1}
					seen := n.Value.CAS128(tq, newVal)
					if seen.Equal(tq) {
						return q, tq, newVal, nil
					}
					tq = seen
				}
			}

			p = &n.Child[key[i]]
			q = p.Load()
		}

		if q == gptr.Null {
			if newLeafPtr == gptr.Null {
				newLeafPtr = t.allocNode()
				if newLeafPtr == gptr.Null {
					return gptr.Null, gptr.TagGptr{}, gptr.TagGptr{}, common.ErrAllocFailed
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
				newVal := gptr.TagGptr{Gptr: value, Tag: 0}
				return newLeafPtr, gptr.TagGptr{}, newVal, nil
			}
			q = seenQ
			continue
		}

		if intermediatePtr == gptr.Null {
			intermediatePtr = t.allocNode()
			if intermediatePtr == gptr.Null {
				return gptr.Null, gptr.TagGptr{}, gptr.TagGptr{}, common.ErrAllocFailed
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
				newVal := gptr.TagGptr{Gptr: value, Tag: 0}
				return intermediatePtr, gptr.TagGptr{}, newVal, nil
			}
			q = seenQ
		} else {
			if newLeafPtr == gptr.Null {
				newLeafPtr = t.allocNode()
				if newLeafPtr == gptr.Null {
					return gptr.Null, gptr.TagGptr{}, gptr.TagGptr{}, common.ErrAllocFailed
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
				newVal := gptr.TagGptr{Gptr: value, Tag: 0}
				return newLeafPtr, gptr.TagGptr{}, newVal, nil
			}
			q = seenQ
		}
	}
}

// PutCAt overwrites the value slot of the leaf node identified directly by
// leaf, skipping descent entirely. The caller must already hold a Gptr
// previously returned by PutC/GetC/DestroyC (or PutCAt/GetCAt/DestroyCAt)
// for the same key: this design never frees or repurposes a published
// leaf's value slot, so the Gptr stays valid for the tree's lifetime.
func (t *Tree) PutCAt(leaf gptr.Gptr, value gptr.Gptr) gptr.TagGptr {
	n := t.mmgr.GlobalToLocal(leaf)
	t.mmgr.Invalidate(n)

	tq := n.Value.Load128()
	for {
		newVal := gptr.TagGptr{Gptr: value, Tag: tq.Tag + 1}
		seen := n.Value.CAS128(tq, newVal)
		if seen.Equal(tq) {
			return newVal
		}
		tq = seen
	}
}

// GetC behaves like Get and additionally returns the Gptr of the leaf node
// holding the value, or gptr.Null if key is absent.
func (t *Tree) GetC(key []byte) (gptr.Gptr, gptr.TagGptr, error) {
	if err := t.checkKey(key); err != nil {
		return gptr.Null, gptr.TagGptr{}, err
	}

	q := t.root
	for q != gptr.Null {
		n := t.mmgr.GlobalToLocal(q)

		max := len(key)
		if int(n.PrefixSize) < max {
			max = int(n.PrefixSize)
		}
		if !bytesEqual(key[:max], n.Key[:max]) {
			return gptr.Null, gptr.TagGptr{}, nil
		}

		t.mmgr.Invalidate(n)

		if int(n.PrefixSize) == len(key) {
			return q, n.Value.Load128(), nil
		}

		q = n.Child[key[n.PrefixSize]].Load()
	}

	return gptr.Null, gptr.TagGptr{}, nil
}

// GetCAt reads the value slot of the leaf node identified directly by leaf,
// skipping descent entirely.
func (t *Tree) GetCAt(leaf gptr.Gptr) gptr.TagGptr {
	n := t.mmgr.GlobalToLocal(leaf)
	t.mmgr.Invalidate(n)
	return n.Value.Load128()
}

// DestroyC behaves like Destroy and additionally returns the Gptr of the
// leaf node that was tombstoned, or gptr.Null if key is absent.
func (t *Tree) DestroyC(key []byte) (gptr.Gptr, gptr.TagGptr, error) {
	if err := t.checkKey(key); err != nil {
		return gptr.Null, gptr.TagGptr{}, err
	}

	q := t.root
	for q != gptr.Null {
		n := t.mmgr.GlobalToLocal(q)

		max := len(key)
		if int(n.PrefixSize) < max {
			max = int(n.PrefixSize)
		}
		if !bytesEqual(key[:max], n.Key[:max]) {
			return gptr.Null, gptr.TagGptr{}, nil
		}

		t.mmgr.Invalidate(n)

		if int(n.PrefixSize) == len(key) {
			tq := n.Value.Load128()
			for {
				newVal := gptr.TagGptr{Gptr: gptr.Null, Tag: tq.Tag + 1}
				seen := n.Value.CAS128(tq, newVal)
				if seen.Equal(tq) {
					return q, tq, nil
				}
				tq = seen
			}
		}

		q = n.Child[key[n.PrefixSize]].Load()
	}

	return gptr.Null, gptr.TagGptr{}, nil
}

// DestroyCAt tombstones the value slot of the leaf node identified directly
// by leaf, skipping descent entirely, and returns the tagged value observed
// before the operation.
func (t *Tree) DestroyCAt(leaf gptr.Gptr) gptr.TagGptr {
	n := t.mmgr.GlobalToLocal(leaf)
	t.mmgr.Invalidate(n)

	tq := n.Value.Load128()
	for {
		newVal := gptr.TagGptr{Gptr: gptr.Null, Tag: tq.Tag + 1}
		seen := n.Value.CAS128(tq, newVal)
		if seen.Equal(tq) {
			return tq
		}
		tq = seen
	}
}
