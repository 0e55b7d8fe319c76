package main

import (
	"bytes"
	"fmt"
	"log"
	"os"

	"github.com/openfam/go-radixtree/internal/common"
	"github.com/openfam/go-radixtree/pkg/gptr"
	"github.com/openfam/go-radixtree/pkg/nvmm"
	"github.com/openfam/go-radixtree/pkg/radixtree"
)

func main() {
	// Create a temporary directory for the example arena.
	tempDir, err := os.MkdirTemp(".", "radixtree-example-*")
	if err != nil {
		log.Fatalf("Failed to create temp directory: %v", err)
	}
	defer func() {
		fmt.Printf("\nArena segments persisted in: %s\n", tempDir)
		fmt.Println("Remove with: rm -rf", tempDir)
	}()

	fmt.Printf("go-radixtree Example\n")
	fmt.Printf("=====================\n")
	fmt.Printf("Using arena directory: %s\n\n", tempDir)

	logger := common.NewDefaultLoggerWithLevel(common.LogLevelWarn)

	// Open the arena: a growable set of mmap'd segment files playing the
	// role a fabric-attached-memory driver would play in production.
	fmt.Println("1. Opening arena...")
	arena, err := nvmm.Open(nvmm.Config{
		Dir:                   tempDir,
		SegmentNodeCount:      1 << 10,
		VerifyChecksumsOnLoad: true,
		Logger:                logger,
	})
	if err != nil {
		log.Fatalf("Failed to open arena: %v", err)
	}
	defer arena.Close()
	fmt.Println("   ok arena opened")

	metrics := radixtree.NewMetrics(0)
	opts := radixtree.DefaultOptions()
	opts.Logger = logger
	opts.Metrics = metrics

	fmt.Println("\n2. Opening tree...")
	tree, err := radixtree.New(arena, arena, metrics, arena.Root(), opts)
	if err != nil {
		log.Fatalf("Failed to open tree: %v", err)
	}
	if err := arena.SetRoot(tree.GetRoot()); err != nil {
		log.Fatalf("Failed to persist root: %v", err)
	}
	fmt.Println("   ok tree opened, root =", tree.GetRoot())

	// Insert sample data. Values are Gptrs in a real deployment (pointers
	// to fabric-attached payload records); here they stand in for small
	// integers so the example has something to show back.
	fmt.Println("\n3. Inserting sample data...")
	sampleData := []string{
		"user:john:admin",
		"user:jane:moderator",
		"user:bob:user",
		"user:alice:admin",
		"user:charlie:user",
		"product:laptop:electronics",
		"product:phone:electronics",
		"product:book:literature",
		"order:12345:pending",
		"order:12346:shipped",
	}

	for i, item := range sampleData {
		if _, err := tree.Put([]byte(item), gptr.Gptr(i+1), false); err != nil {
			log.Printf("Warning: failed to insert %q: %v", item, err)
		} else {
			fmt.Printf("   inserted: %s\n", item)
		}
	}

	// Update one key in place, then attempt a no-op insert against an
	// already-populated key with update=false.
	fmt.Println("\n4. Update semantics...")
	if prev, err := tree.Put([]byte("user:bob:user"), gptr.Gptr(999), true); err != nil {
		log.Printf("Warning: update failed: %v", err)
	} else {
		fmt.Printf("   updated user:bob:user, previous value = %d\n", prev.Gptr)
	}
	if prev, err := tree.Put([]byte("user:bob:user"), gptr.Gptr(111), false); err != nil {
		log.Printf("Warning: conditional insert failed: %v", err)
	} else {
		fmt.Printf("   conditional insert observed existing value = %d (tree unchanged)\n", prev.Gptr)
	}

	// Destroy a couple of entries.
	fmt.Println("\n5. Destroying entries...")
	for _, item := range []string{"user:charlie:user", "order:12346:shipped"} {
		if prev, err := tree.Destroy([]byte(item)); err != nil {
			log.Printf("Warning: destroy failed for %q: %v", item, err)
		} else if prev.Valid() {
			fmt.Printf("   destroyed: %s (was %d)\n", item, prev.Gptr)
		} else {
			fmt.Printf("   %s was already absent\n", item)
		}
	}

	// Point lookups.
	fmt.Println("\n6. Point lookups...")
	for _, item := range []string{"user:alice:admin", "user:charlie:user"} {
		val, err := tree.Get([]byte(item))
		if err != nil {
			log.Printf("Warning: lookup failed for %q: %v", item, err)
			continue
		}
		if val.Valid() {
			fmt.Printf("   %s -> %d (tag %d)\n", item, val.Gptr, val.Tag)
		} else {
			fmt.Printf("   %s -> absent\n", item)
		}
	}

	// Range scan over everything prefixed "order:".
	fmt.Println("\n7. Scanning order: range...")
	var iter radixtree.Iterator
	begin := []byte("order:")
	end := append(append([]byte{}, begin...), 0xFF)
	key, val, err := tree.Scan(&iter, begin, true, end, false)
	for err == nil {
		fmt.Printf("   %s -> %d\n", key, val.Gptr)
		key, val, err = tree.GetNext(&iter)
	}
	if err != common.ErrNotFound {
		log.Printf("Warning: scan ended with unexpected error: %v", err)
	}

	// Cache-coherent put/get: record the leaf Gptr once and reuse it for
	// direct re-access, as an external DRAM-side cache would.
	fmt.Println("\n8. Cache-coherent access...")
	leaf, prevTag, newTag, err := tree.PutC([]byte("session:abc123"), gptr.Gptr(42))
	if err != nil {
		log.Printf("Warning: PutC failed: %v", err)
	} else {
		fmt.Printf("   PutC leaf=%d, previous=%v, new=%v\n", leaf, prevTag, newTag)
		again := tree.GetCAt(leaf)
		fmt.Printf("   GetCAt(leaf) -> %d (tag %d)\n", again.Gptr, again.Tag)
	}

	// Structural report and traversal-depth metrics.
	fmt.Println("\n9. Tree structure and metrics...")
	var buf bytes.Buffer
	if err := tree.Structure(&buf); err != nil {
		log.Printf("Warning: Structure failed: %v", err)
	} else {
		fmt.Print(buf.String())
	}
	snap := metrics.Snapshot()
	fmt.Printf("   traversals: count=%d mean=%.2f max=%d p50=%d p95=%d p99=%d\n",
		snap.Count, snap.Mean, snap.Max, snap.P50, snap.P95, snap.P99)

	// List every surviving entry via the explicit-stack walk.
	fmt.Println("\n10. Listing all entries...")
	tree.List(func(key []byte, value gptr.Gptr) {
		fmt.Printf("   %s -> %d\n", key, value)
	})

	// Reopen the arena and tree from the persisted segments to demonstrate
	// crash recovery.
	fmt.Println("\n11. Reopening from persisted segments...")
	if err := arena.Close(); err != nil {
		log.Printf("Warning: close failed: %v", err)
	}

	arena2, err := nvmm.Open(nvmm.Config{
		Dir:                   tempDir,
		SegmentNodeCount:      1 << 10,
		VerifyChecksumsOnLoad: true,
		Logger:                logger,
	})
	if err != nil {
		log.Fatalf("Failed to reopen arena: %v", err)
	}
	defer arena2.Close()

	tree2, err := radixtree.New(arena2, arena2, nil, arena2.Root(), radixtree.DefaultOptions())
	if err != nil {
		log.Fatalf("Failed to reopen tree: %v", err)
	}

	val, err = tree2.Get([]byte("user:alice:admin"))
	if err != nil || !val.Valid() {
		fmt.Println("   WARNING: data not found after reopening")
	} else {
		fmt.Printf("   ok user:alice:admin -> %d after reopen\n", val.Gptr)
	}

	fmt.Println("\nExample completed successfully.")
}
