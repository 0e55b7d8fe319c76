package radixtree_test

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/openfam/go-radixtree/internal/common"
	"github.com/openfam/go-radixtree/pkg/gptr"
	"github.com/openfam/go-radixtree/pkg/nvmm"
	"github.com/openfam/go-radixtree/pkg/radixtree"
)

func newTestTree(t *testing.T) *radixtree.Tree {
	t.Helper()
	arena, err := nvmm.Open(nvmm.Config{SegmentNodeCount: 64})
	if err != nil {
		t.Fatalf("open arena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })

	tree, err := radixtree.New(arena, arena, nil, gptr.Null, radixtree.DefaultOptions())
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	return tree
}

func TestPutGetRoundTrip(t *testing.T) {
	tree := newTestTree(t)

	keys := []string{"apple", "application", "app", "banana", "band", "bandana"}
	for i, k := range keys {
		if _, err := tree.Put([]byte(k), gptr.Gptr(i+1), false); err != nil {
			t.Fatalf("put %q: %v", k, err)
		}
	}

	for i, k := range keys {
		val, err := tree.Get([]byte(k))
		if err != nil {
			t.Fatalf("get %q: %v", k, err)
		}
		if !val.Valid() || val.Gptr != gptr.Gptr(i+1) {
			t.Fatalf("get %q = %+v, want gptr %d", k, val, i+1)
		}
	}

	if val, err := tree.Get([]byte("missing")); err != nil || val.Valid() {
		t.Fatalf("get missing key = %+v, %v, want invalid", val, err)
	}
}

func TestPutUpdateGuard(t *testing.T) {
	tree := newTestTree(t)

	if _, err := tree.Put([]byte("key"), gptr.Gptr(1), false); err != nil {
		t.Fatalf("initial put: %v", err)
	}

	// update=false against an already-populated key must leave the tree
	// unchanged and return the existing value.
	prev, err := tree.Put([]byte("key"), gptr.Gptr(2), false)
	if err != nil {
		t.Fatalf("conditional put: %v", err)
	}
	if prev.Gptr != gptr.Gptr(1) {
		t.Fatalf("conditional put returned %+v, want gptr 1", prev)
	}
	val, _ := tree.Get([]byte("key"))
	if val.Gptr != gptr.Gptr(1) {
		t.Fatalf("key overwritten despite update=false: %+v", val)
	}

	// update=true must overwrite and bump the tag.
	prev, err = tree.Put([]byte("key"), gptr.Gptr(2), true)
	if err != nil {
		t.Fatalf("update put: %v", err)
	}
	if prev.Gptr != gptr.Gptr(1) || prev.Tag != 0 {
		t.Fatalf("update put returned %+v, want {1 0}", prev)
	}
	val, _ = tree.Get([]byte("key"))
	if val.Gptr != gptr.Gptr(2) || val.Tag != 1 {
		t.Fatalf("key not updated: %+v", val)
	}
}

func TestPutIdempotentOverwrite(t *testing.T) {
	tree := newTestTree(t)

	if _, err := tree.Put([]byte("same"), gptr.Gptr(7), true); err != nil {
		t.Fatalf("put: %v", err)
	}
	tag1, _ := tree.Get([]byte("same"))

	if _, err := tree.Put([]byte("same"), gptr.Gptr(7), true); err != nil {
		t.Fatalf("put: %v", err)
	}
	tag2, _ := tree.Get([]byte("same"))

	if tag2.Tag != tag1.Tag+1 {
		t.Fatalf("tag did not advance monotonically: %d -> %d", tag1.Tag, tag2.Tag)
	}
}

func TestDestroyThenGet(t *testing.T) {
	tree := newTestTree(t)

	if _, err := tree.Put([]byte("gone"), gptr.Gptr(5), false); err != nil {
		t.Fatalf("put: %v", err)
	}

	prev, err := tree.Destroy([]byte("gone"))
	if err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if prev.Gptr != gptr.Gptr(5) {
		t.Fatalf("destroy returned %+v, want gptr 5", prev)
	}

	val, err := tree.Get([]byte("gone"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val.Valid() {
		t.Fatalf("destroyed key still visible: %+v", val)
	}

	// Destroying an already-tombstoned key reports absence: the prior value
	// it returns is invalid.
	prev, err = tree.Destroy([]byte("gone"))
	if err != nil || prev.Valid() {
		t.Fatalf("destroy of absent key = %+v, %v, want invalid/nil", prev, err)
	}

	// The slot can be reinserted after a tombstone.
	if _, err := tree.Put([]byte("gone"), gptr.Gptr(6), false); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	val, _ = tree.Get([]byte("gone"))
	if val.Gptr != gptr.Gptr(6) {
		t.Fatalf("reinsert not visible: %+v", val)
	}
}

func TestInvalidKeys(t *testing.T) {
	tree := newTestTree(t)

	if _, err := tree.Put(nil, gptr.Gptr(1), false); err != common.ErrInvalidKey {
		t.Fatalf("put empty key = %v, want ErrInvalidKey", err)
	}

	oversize := make([]byte, common.MaxKeyLen+1)
	if _, err := tree.Put(oversize, gptr.Gptr(1), false); err != common.ErrInvalidKey {
		t.Fatalf("put oversize key = %v, want ErrInvalidKey", err)
	}
}

func TestScanOrderingAndBounds(t *testing.T) {
	tree := newTestTree(t)

	keys := []string{"a", "ab", "abc", "abd", "b", "ba", "c"}
	for i, k := range keys {
		if _, err := tree.Put([]byte(k), gptr.Gptr(i+1), false); err != nil {
			t.Fatalf("put %q: %v", k, err)
		}
	}

	var iter radixtree.Iterator
	var got []string
	key, _, err := tree.Scan(&iter, common.OpenBoundaryKey, false, common.OpenBoundaryKey, false)
	for err == nil {
		got = append(got, string(key))
		key, _, err = tree.GetNext(&iter)
	}
	if err != common.ErrNotFound {
		t.Fatalf("unbounded scan ended with %v", err)
	}
	if len(got) != len(keys) {
		t.Fatalf("unbounded scan returned %v, want all %d keys", got, len(keys))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("scan not sorted: %v", got)
		}
	}

	// A begin key that is a strict prefix of a stored key must not panic
	// and must include that stored key.
	got = nil
	key, _, err = tree.Scan(&iter, []byte("ab"), true, common.OpenBoundaryKey, false)
	for err == nil {
		got = append(got, string(key))
		key, _, err = tree.GetNext(&iter)
	}
	if err != common.ErrNotFound {
		t.Fatalf("prefix-begin scan ended with %v", err)
	}
	want := []string{"ab", "abc", "abd", "b", "ba", "c"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("prefix-begin scan = %v, want %v", got, want)
	}

	// An end key that is a strict prefix of a stored key must terminate
	// the scan without including any key longer than the prefix.
	got = nil
	key, _, err = tree.Scan(&iter, common.OpenBoundaryKey, false, []byte("ab"), true)
	for err == nil {
		got = append(got, string(key))
		key, _, err = tree.GetNext(&iter)
	}
	if err != common.ErrNotFound {
		t.Fatalf("prefix-end scan ended with %v", err)
	}
	want = []string{"a", "ab"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("prefix-end scan = %v, want %v", got, want)
	}

	// A point scan (begin == end, both inclusive) degenerates to a single
	// Get.
	key, val, err := tree.Scan(&iter, []byte("abc"), true, []byte("abc"), true)
	if err != nil || string(key) != "abc" || val.Gptr != gptr.Gptr(3) {
		t.Fatalf("point scan = %q, %+v, %v, want abc/3/nil", key, val, err)
	}

	if _, _, err := tree.Scan(&iter, []byte("missing"), true, []byte("missing"), true); err != common.ErrNotFound {
		t.Fatalf("point scan of absent key = %v, want ErrNotFound", err)
	}
}

func TestScanExclusiveBounds(t *testing.T) {
	tree := newTestTree(t)

	for i, k := range []string{"a", "b", "c", "d"} {
		if _, err := tree.Put([]byte(k), gptr.Gptr(i+1), false); err != nil {
			t.Fatalf("put %q: %v", k, err)
		}
	}

	var iter radixtree.Iterator
	var got []string
	key, _, err := tree.Scan(&iter, []byte("a"), false, []byte("d"), false)
	for err == nil {
		got = append(got, string(key))
		key, _, err = tree.GetNext(&iter)
	}
	if err != common.ErrNotFound {
		t.Fatalf("exclusive scan ended with %v", err)
	}
	want := []string{"b", "c"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("exclusive scan = %v, want %v", got, want)
	}
}

func TestCacheCoherentAccess(t *testing.T) {
	tree := newTestTree(t)

	leaf, prev, newVal, err := tree.PutC([]byte("session"), gptr.Gptr(10))
	if err != nil {
		t.Fatalf("putc: %v", err)
	}
	if prev.Valid() {
		t.Fatalf("putc on fresh key returned valid previous value: %+v", prev)
	}
	if newVal.Gptr != gptr.Gptr(10) {
		t.Fatalf("putc new value = %+v, want gptr 10", newVal)
	}

	if got := tree.GetCAt(leaf); got.Gptr != gptr.Gptr(10) {
		t.Fatalf("getcat = %+v, want gptr 10", got)
	}

	// PutC always overwrites, even without an update flag.
	leaf2, prev2, newVal2, err := tree.PutC([]byte("session"), gptr.Gptr(11))
	if err != nil {
		t.Fatalf("putc overwrite: %v", err)
	}
	if leaf2 != leaf {
		t.Fatalf("putc overwrite returned a different leaf: %d vs %d", leaf2, leaf)
	}
	if prev2.Gptr != gptr.Gptr(10) {
		t.Fatalf("putc overwrite previous = %+v, want gptr 10", prev2)
	}
	if newVal2.Gptr != gptr.Gptr(11) {
		t.Fatalf("putc overwrite new = %+v, want gptr 11", newVal2)
	}

	leafFromGetC, val, err := tree.GetC([]byte("session"))
	if err != nil {
		t.Fatalf("getc: %v", err)
	}
	if leafFromGetC != leaf || val.Gptr != gptr.Gptr(11) {
		t.Fatalf("getc = %d, %+v, want %d, gptr 11", leafFromGetC, val, leaf)
	}

	destroyedLeaf, destroyedVal, err := tree.DestroyC([]byte("session"))
	if err != nil {
		t.Fatalf("destroyc: %v", err)
	}
	if destroyedLeaf != leaf || destroyedVal.Gptr != gptr.Gptr(11) {
		t.Fatalf("destroyc = %d, %+v, want %d, gptr 11", destroyedLeaf, destroyedVal, leaf)
	}
	if got := tree.GetCAt(leaf); got.Valid() {
		t.Fatalf("getcat after destroyc = %+v, want invalid", got)
	}

	// The *At family skips descent entirely given a leaf already in hand.
	reinserted := tree.PutCAt(leaf, gptr.Gptr(99))
	if reinserted.Gptr != gptr.Gptr(99) {
		t.Fatalf("putcat = %+v, want gptr 99", reinserted)
	}
	destroyed := tree.DestroyCAt(leaf)
	if destroyed.Gptr != gptr.Gptr(99) {
		t.Fatalf("destroycat = %+v, want gptr 99", destroyed)
	}
}

func TestListAndStructure(t *testing.T) {
	tree := newTestTree(t)

	keys := []string{"a", "ab", "abc", "b"}
	for i, k := range keys {
		if _, err := tree.Put([]byte(k), gptr.Gptr(i+1), false); err != nil {
			t.Fatalf("put %q: %v", k, err)
		}
	}
	if _, err := tree.Destroy([]byte("ab")); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	seen := map[string]gptr.Gptr{}
	tree.List(func(key []byte, value gptr.Gptr) {
		seen[string(key)] = value
	})

	if len(seen) != 3 {
		t.Fatalf("list saw %d entries, want 3 (tombstoned key excluded): %v", len(seen), seen)
	}
	if _, ok := seen["ab"]; ok {
		t.Fatalf("list included tombstoned key")
	}
	for _, k := range []string{"a", "abc", "b"} {
		if _, ok := seen[k]; !ok {
			t.Fatalf("list missing key %q", k)
		}
	}

	// Five nodes over four levels: the root; "a" and "b"; the tombstoned
	// "ab"; "abc". Only the three live keys count as values.
	var buf bytes.Buffer
	if err := tree.Structure(&buf); err != nil {
		t.Fatalf("structure: %v", err)
	}
	wantStructure := "Depth 4\nValues 3\nNodes 5\n" +
		"Level 0\n\tNodes 1\n\tValues 0\n" +
		"Level 1\n\tNodes 2\n\tValues 2\n" +
		"Level 2\n\tNodes 1\n\tValues 0\n" +
		"Level 3\n\tNodes 1\n\tValues 1\n"
	if got := buf.String(); got != wantStructure {
		t.Fatalf("structure = %q, want %q", got, wantStructure)
	}
}

func TestConcurrentPutGet(t *testing.T) {
	tree := newTestTree(t)

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := []byte(fmt.Sprintf("k-%d-%d", w, i))
				if _, err := tree.Put(key, gptr.Gptr(w*perWorker+i+1), false); err != nil {
					t.Errorf("put %q: %v", key, err)
				}
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			key := []byte(fmt.Sprintf("k-%d-%d", w, i))
			val, err := tree.Get(key)
			if err != nil {
				t.Fatalf("get %q: %v", key, err)
			}
			if want := gptr.Gptr(w*perWorker + i + 1); val.Gptr != want {
				t.Fatalf("get %q = %+v, want gptr %d", key, val, want)
			}
		}
	}
}

func TestConcurrentUpdateSameKeyNoLostWrites(t *testing.T) {
	tree := newTestTree(t)

	const writers = 16
	const rounds = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				if _, err := tree.Put([]byte("shared"), gptr.Gptr(w*rounds+r+1), true); err != nil {
					t.Errorf("put: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	val, err := tree.Get([]byte("shared"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// Exactly one of the writers*rounds successful Puts created the leaf
	// (tag starts at 0); every other one found it already present and
	// bumped the tag by one, so no successful write is lost to a race.
	want := uint64(writers*rounds - 1)
	if val.Tag != want {
		t.Fatalf("tag = %d, want %d (one bump per successful update, no lost writes)", val.Tag, want)
	}
}

func TestMetricsRecorded(t *testing.T) {
	arena, err := nvmm.Open(nvmm.Config{SegmentNodeCount: 64})
	if err != nil {
		t.Fatalf("open arena: %v", err)
	}
	defer arena.Close()

	metrics := radixtree.NewMetrics(0)
	opts := radixtree.DefaultOptions()
	opts.Metrics = metrics
	tree, err := radixtree.New(arena, arena, metrics, gptr.Null, opts)
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}

	for i := 0; i < 10; i++ {
		if _, err := tree.Put([]byte(fmt.Sprintf("key%d", i)), gptr.Gptr(i+1), false); err != nil {
			t.Fatalf("put: %v", err)
		}
		if _, err := tree.Get([]byte(fmt.Sprintf("key%d", i))); err != nil {
			t.Fatalf("get: %v", err)
		}
	}

	snap := metrics.Snapshot()
	if snap.Count == 0 {
		t.Fatalf("metrics recorded no samples")
	}
}

func TestSplitAtSharedPrefix(t *testing.T) {
	tree := newTestTree(t)

	// "AB" then "AC" forces a split at the shared one-byte prefix; neither
	// original key should be reachable via the other's path, and the
	// split point itself must stay valueless.
	if _, err := tree.Put([]byte("AB"), gptr.Gptr(200), false); err != nil {
		t.Fatalf("put AB: %v", err)
	}
	if _, err := tree.Put([]byte("AC"), gptr.Gptr(300), false); err != nil {
		t.Fatalf("put AC: %v", err)
	}

	ab, _ := tree.Get([]byte("AB"))
	ac, _ := tree.Get([]byte("AC"))
	a, _ := tree.Get([]byte("A"))
	if ab.Gptr != gptr.Gptr(200) || ac.Gptr != gptr.Gptr(300) || a.Valid() {
		t.Fatalf("AB=%+v AC=%+v A=%+v, want 200/300/invalid", ab, ac, a)
	}
}

func TestSplitWherePrefixEqualsNewKey(t *testing.T) {
	tree := newTestTree(t)

	// "AB" then "A": the split point's prefix_size equals the length of
	// the newly inserted key, so the value lands directly on the
	// intermediate node rather than a fresh leaf.
	if _, err := tree.Put([]byte("AB"), gptr.Gptr(200), false); err != nil {
		t.Fatalf("put AB: %v", err)
	}
	if _, err := tree.Put([]byte("A"), gptr.Gptr(50), false); err != nil {
		t.Fatalf("put A: %v", err)
	}

	a, _ := tree.Get([]byte("A"))
	ab, _ := tree.Get([]byte("AB"))
	if a.Gptr != gptr.Gptr(50) || ab.Gptr != gptr.Gptr(200) {
		t.Fatalf("A=%+v AB=%+v, want 50/200", a, ab)
	}
}

func TestDestroyThenReinsertTagStrictlyAdvances(t *testing.T) {
	tree := newTestTree(t)

	if _, err := tree.Put([]byte("x"), gptr.Gptr(9), false); err != nil {
		t.Fatalf("put: %v", err)
	}
	before, _ := tree.Get([]byte("x"))

	if _, err := tree.Destroy([]byte("x")); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if val, _ := tree.Get([]byte("x")); val.Valid() {
		t.Fatalf("get after destroy = %+v, want invalid", val)
	}

	if _, err := tree.Put([]byte("x"), gptr.Gptr(10), false); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	after, _ := tree.Get([]byte("x"))

	if after.Gptr != gptr.Gptr(10) {
		t.Fatalf("get after reinsert = %+v, want gptr 10", after)
	}
	if after.Tag <= before.Tag {
		t.Fatalf("tag did not strictly advance across destroy/reinsert: before=%d after=%d", before.Tag, after.Tag)
	}
}
