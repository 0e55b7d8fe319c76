package radixtree

import (
	"fmt"
	"io"

	"github.com/openfam/go-radixtree/pkg/gptr"
)

// List walks every node in the tree in child-index order and invokes f for
// each one holding a valid value, passing the node's full key and value
// Gptr. The walk uses an explicit stack rather than host-language
// recursion: the call stack does not grow with tree depth, and the explicit
// stack holds one frame per level of the current path.
func (t *Tree) List(f func(key []byte, value gptr.Gptr)) {
	if t.root == gptr.Null {
		return
	}

	type walkFrame struct {
		node    gptr.Gptr
		nextIdx int
	}

	stack := []walkFrame{{node: t.root, nextIdx: -1}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		n := t.mmgr.GlobalToLocal(top.node)

		if top.nextIdx == -1 {
			t.mmgr.Invalidate(n)
			if tq := n.Value.Load128(); tq.Valid() {
				key := make([]byte, n.PrefixSize)
				copy(key, n.Key[:n.PrefixSize])
				f(key, tq.Gptr)
			}
			top.nextIdx = 0
		}

		descended := false
		for top.nextIdx < 256 {
			idx := top.nextIdx
			top.nextIdx++
			child := n.Child[idx].Load()
			if child != gptr.Null {
				stack = append(stack, walkFrame{node: child, nextIdx: -1})
				descended = true
				break
			}
		}
		if !descended {
			stack = stack[:len(stack)-1]
		}
	}
}

// Structure walks the whole tree and writes overall totals (depth, value
// count, node count) to out, followed by a per-level summary (node count and
// value count at each depth).
// Grounded on the original TreeStructure::Report layout.
func (t *Tree) Structure(out io.Writer) error {
	type levelStats struct {
		nodes  int
		values int
	}

	var levels []levelStats
	var totalNodes, totalValues int
	maxDepth := -1

	if t.root != gptr.Null {
		type walkFrame struct {
			node  gptr.Gptr
			level int
		}
		stack := []walkFrame{{node: t.root, level: 0}}

		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			n := t.mmgr.GlobalToLocal(cur.node)
			t.mmgr.Invalidate(n)

			for len(levels) <= cur.level {
				levels = append(levels, levelStats{})
			}
			levels[cur.level].nodes++
			totalNodes++
			if cur.level > maxDepth {
				maxDepth = cur.level
			}
			if n.Value.Load128().Valid() {
				levels[cur.level].values++
				totalValues++
			}

			for i := 255; i >= 0; i-- {
				child := n.Child[i].Load()
				if child != gptr.Null {
					stack = append(stack, walkFrame{node: child, level: cur.level + 1})
				}
			}
		}
	}

	depth := maxDepth + 1
	if _, err := fmt.Fprintf(out, "Depth %d\n", depth); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "Values %d\n", totalValues); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "Nodes %d\n", totalNodes); err != nil {
		return err
	}
	for l := 0; l < depth; l++ {
		if _, err := fmt.Fprintf(out, "Level %d\n", l); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "\tNodes %d\n", levels[l].nodes); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "\tValues %d\n", levels[l].values); err != nil {
			return err
		}
	}
	return nil
}
