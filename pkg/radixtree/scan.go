package radixtree

import (
	"bytes"

	"github.com/openfam/go-radixtree/internal/common"
	"github.com/openfam/go-radixtree/pkg/gptr"
)

// frame is a (parent node, child byte) pair on an Iterator's ascent stack.
type frame struct {
	node      gptr.Gptr
	childByte int
}

// Iterator captures the state needed to resume a depth-first range scan
// across repeated GetNext calls. The zero value is a valid, exhausted
// iterator; pass a pointer to one into Tree.Scan to begin a traversal.
type Iterator struct {
	node    gptr.Gptr
	nextPos int // 0 = check value; 1..256 = try child next_pos-1; 257 = pop.
	path    []frame

	beginKey       []byte
	beginInclusive bool
	beginOpen      bool

	endKey       []byte
	endInclusive bool
	endOpen      bool

	key   []byte
	value gptr.TagGptr
}

func isOpenBoundary(key []byte) bool {
	return bytes.Equal(key, common.OpenBoundaryKey)
}

// Scan initializes iter and seeks to the first key in [begin, end] (with
// the given inclusivity), returning it. Pass common.OpenBoundaryKey with
// inclusive=false for an unbounded begin or end. Returns common.ErrNotFound
// if no key in range exists. The iterator's internal stack is reset on
// every call, discarding any in-progress traversal.
func (t *Tree) Scan(iter *Iterator, begin []byte, beginInclusive bool, end []byte, endInclusive bool) ([]byte, gptr.TagGptr, error) {
	iter.node = gptr.Null
	iter.nextPos = 0
	iter.key = iter.key[:0]
	iter.value = gptr.TagGptr{}
	iter.path = nil

	iter.beginKey = begin
	iter.beginInclusive = beginInclusive
	iter.beginOpen = isOpenBoundary(begin) && !beginInclusive

	iter.endKey = end
	iter.endInclusive = endInclusive
	iter.endOpen = isOpenBoundary(end) && !endInclusive

	// Point-query fast path: identical inclusive bounds delegate to Get.
	if bytes.Equal(begin, end) && beginInclusive && endInclusive {
		val, err := t.Get(begin)
		if err != nil {
			return nil, gptr.TagGptr{}, err
		}
		if val.Valid() {
			return begin, val, nil
		}
		return nil, gptr.TagGptr{}, common.ErrNotFound
	}

	if iter.beginOpen || iter.endOpen || bytes.Compare(begin, end) < 0 {
		if t.lowerBound(iter) {
			return iter.key, iter.value, nil
		}
	}

	return nil, gptr.TagGptr{}, common.ErrNotFound
}

// GetNext advances iter to the next key in range and returns it, or
// common.ErrNotFound once the scan is exhausted.
func (t *Tree) GetNext(iter *Iterator) ([]byte, gptr.TagGptr, error) {
	if t.nextValue(iter) {
		return iter.key, iter.value, nil
	}
	return nil, gptr.TagGptr{}, common.ErrNotFound
}

// lowerBound seeks iter to the first candidate node >= begin (per its
// inclusivity), then delegates to nextValue to find the first key actually
// in range.
func (t *Tree) lowerBound(iter *Iterator) bool {
	iter.node = t.root
	iter.nextPos = 0
	iter.key = iter.key[:0]
	iter.value = gptr.TagGptr{}

	begin := iter.beginKey

	for iter.node != gptr.Null {
		n := t.mmgr.GlobalToLocal(iter.node)

		var result int
		if iter.beginOpen {
			result = -1
		} else {
			m := len(begin)
			if int(n.PrefixSize) < m {
				m = int(n.PrefixSize)
			}
			result = bytes.Compare(begin[:m], n.Key[:m])
		}

		if result > 0 {
			// N's entire subtree sorts <= begin; ascend to the parent's
			// next child.
			iter.nextPos = 257
			return t.nextValue(iter)
		}
		if result < 0 {
			// N itself is the first candidate.
			return t.nextValue(iter)
		}

		// Equal over the shorter of the two lengths.
		switch {
		case len(begin) == int(n.PrefixSize):
			if iter.beginInclusive {
				return t.nextValue(iter)
			}
			iter.nextPos = 1
			return t.nextValue(iter)

		case len(begin) < int(n.PrefixSize):
			// begin is a strict prefix of N's stored key: N sorts strictly
			// after begin (a longer string with an identical prefix is
			// greater), so N itself is the first candidate. Indexing
			// begin[n.PrefixSize] here would be out of range.
			return t.nextValue(iter)

		default: // len(begin) > n.PrefixSize: keep descending.
			t.mmgr.Invalidate(n)
			idx := begin[n.PrefixSize]
			q := n.Child[idx].Load()
			if q != gptr.Null {
				iter.path = append(iter.path, frame{node: iter.node, childByte: int(idx)})
				iter.node = q
				continue
			}
			iter.nextPos = int(idx) + 1
			return t.nextValue(iter)
		}
	}

	iter.node = gptr.Null
	return false
}

// nextValue finds the next key within [begin, end] starting from iter's
// current position, returning true and populating iter.key/iter.value if
// one was found.
func (t *Tree) nextValue(iter *Iterator) bool {
	end := iter.endKey

	for iter.node != gptr.Null {
		for iter.nextPos == 257 {
			if len(iter.path) == 0 {
				iter.node = gptr.Null
				return false
			}
			top := iter.path[len(iter.path)-1]
			iter.path = iter.path[:len(iter.path)-1]
			iter.node = top.node
			iter.nextPos = top.childByte + 1 + 1
		}

		n := t.mmgr.GlobalToLocal(iter.node)

		var result int
		if iter.endOpen {
			result = 1
		} else {
			m := len(end)
			if int(n.PrefixSize) < m {
				m = int(n.PrefixSize)
			}
			result = bytes.Compare(end[:m], n.Key[:m])
		}

		if result < 0 {
			return false
		}

		if result > 0 {
			// Every key in this subtree is in range.
			t.mmgr.Invalidate(n)
			if iter.nextPos == 0 {
				iter.nextPos++
				if tq := n.Value.Load128(); tq.Valid() {
					iter.key = append(iter.key[:0], n.Key[:n.PrefixSize]...)
					iter.value = tq
					return true
				}
			}
			t.scanChildren(iter, n, 255)
			continue
		}

		// Equal over the shorter of the two lengths.
		if len(end) == int(n.PrefixSize) {
			iter.node = gptr.Null
			if iter.endInclusive && iter.nextPos == 0 {
				if tq := n.Value.Load128(); tq.Valid() {
					iter.key = append(iter.key[:0], n.Key[:n.PrefixSize]...)
					iter.value = tq
					return true
				}
			}
			return false
		}

		if len(end) < int(n.PrefixSize) {
			// end is a strict prefix of N's key: N and its subtree sort
			// entirely after end. The scan is exhausted.
			iter.node = gptr.Null
			return false
		}

		// len(end) > n.PrefixSize: candidates are N's own value and
		// children up to and including end[n.PrefixSize].
		t.mmgr.Invalidate(n)
		if iter.nextPos == 0 {
			iter.nextPos++
			if tq := n.Value.Load128(); tq.Valid() {
				iter.key = append(iter.key[:0], n.Key[:n.PrefixSize]...)
				iter.value = tq
				return true
			}
		}
		t.scanChildren(iter, n, int(end[n.PrefixSize]))
	}

	return false
}

// scanChildren advances iter.nextPos over n's children with byte index in
// [iter.nextPos-1, upperBound], descending into the first non-null one
// found (pushing an ascent frame) or leaving iter.nextPos at 257 if none
// exist in that range.
func (t *Tree) scanChildren(iter *Iterator, n *Node, upperBound int) {
	for ; iter.nextPos <= upperBound+1; iter.nextPos++ {
		q := n.Child[iter.nextPos-1].Load()
		if q != gptr.Null {
			iter.path = append(iter.path, frame{node: iter.node, childByte: iter.nextPos - 1})
			iter.node = q
			iter.nextPos = 0
			return
		}
	}
	iter.nextPos = 257
}
