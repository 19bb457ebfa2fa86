package cache

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLookupCacheClearCacheResetsAttachedCodeBuffer(t *testing.T) {
	c := NewLookupCache(8)
	buf, err := NewCodeBuffer(4096)
	if err != nil {
		t.Fatalf("NewCodeBuffer: %v", err)
	}
	defer buf.Close()
	c.AttachCodeBuffer(buf)

	ptr := buf.Append([]byte{0xC3})
	c.Insert(0x5000, ptr)
	if err := buf.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	c.ClearCache()
	if buf.ro {
		t.Fatalf("expected ClearCache to reset the attached code buffer back to writable")
	}
	if buf.cursor != 0 {
		t.Fatalf("expected the code buffer's write cursor rewound, got %d", buf.cursor)
	}
}

func TestLookupCacheMissBeforeInsert(t *testing.T) {
	c := NewLookupCache(8)
	if _, ok := c.Lookup(0x1000); ok {
		t.Fatalf("expected a miss on an empty cache")
	}
}

func TestLookupCacheInsertThenHit(t *testing.T) {
	c := NewLookupCache(8)
	c.Insert(0x4010, 0xDEAD0000)

	ptr, ok := c.Lookup(0x4010)
	if !ok || ptr != 0xDEAD0000 {
		t.Fatalf("Lookup = (%x,%v), want (0xDEAD0000,true)", ptr, ok)
	}
}

func TestLookupCacheConsistencyInvariant(t *testing.T) {
	c := NewLookupCache(4) // small L1 to force collisions
	for i := uint64(0); i < 64; i++ {
		c.Insert(i*pageSize, uintptr(0x1000+i))
	}
	if !c.CheckConsistency() {
		t.Fatalf("L1 entries must all be present in L2 ")
	}
}

func TestLookupCacheL2FallsThroughAndRepopulatesL1(t *testing.T) {
	c := NewLookupCache(4)
	// Two guest RIPs that collide in the 16-entry L1 table.
	a, b := uint64(0x1000), uint64(0x1000+16*pageSize)
	c.Insert(a, 0xAAAA)
	c.Insert(b, 0xBBBB) // evicts a from L1 (same slot), but a survives in L2

	ptr, ok := c.Lookup(a)
	if !ok || ptr != 0xAAAA {
		t.Fatalf("expected the L2 fallback to still find the evicted entry, got (%x,%v)", ptr, ok)
	}
	if !c.CheckConsistency() {
		t.Fatalf("consistency invariant must hold after an L1 collision")
	}
}

func TestLookupCacheClearL2CacheLeavesL1StaleUntilZeroed(t *testing.T) {
	c := NewLookupCache(8)
	c.Insert(0x2000, 0xC0DE)
	c.ClearL2Cache()

	// the design: ClearL2Cache deliberately does not touch L1, so a stale
	// hit is still possible and the invariant is (correctly) violated here.
	if _, ok := c.Lookup(0x2000); !ok {
		t.Fatalf("expected ClearL2Cache to leave the stale L1 entry in place")
	}
	if c.CheckConsistency() {
		t.Fatalf("expected the consistency invariant to be violated before ZeroL1")
	}

	c.ZeroL1()
	if _, ok := c.Lookup(0x2000); ok {
		t.Fatalf("expected a miss once L1 is explicitly zeroed")
	}
	if !c.CheckConsistency() {
		t.Fatalf("expected the invariant restored once L1 is empty")
	}
}

func TestLookupCacheClearCacheDropsLinks(t *testing.T) {
	c := NewLookupCache(8)
	c.Insert(0x3000, 0x1)
	c.Insert(0x4000, 0x2)
	c.AddLink(0x3000, 0x4000)
	c.ClearCache()

	evicted := c.InvalidatePage(pageOf(0x4000))
	if len(evicted) != 0 {
		t.Fatalf("ClearCache must drop the block-link graph, got eviction set %v", evicted)
	}
}

func TestLookupCacheInvalidatePageEvictsDependents(t *testing.T) {
	c := NewLookupCache(8)
	c.Insert(0x3000, 0x1) // caller
	c.Insert(0x4000, 0x2) // callee, on a different page
	c.AddLink(0x3000, 0x4000)

	evicted := c.InvalidatePage(pageOf(0x4000))
	if len(evicted) != 2 {
		t.Fatalf("expected both the callee and its caller evicted, got %v", evicted)
	}
	if _, ok := c.Lookup(0x3000); ok {
		t.Fatalf("caller must be evicted once its callee's page is invalidated (BlockLink back-edge)")
	}
	if _, ok := c.Lookup(0x4000); ok {
		t.Fatalf("the invalidated block itself must be evicted")
	}
}

// TestLookupCacheConcurrentFuzz stresses Insert/Lookup/InvalidatePage from
// many goroutines at once: a fixed worker count draining a shared task
// stream, with atomic counters instead of a mutex for the hot stats path.
func TestLookupCacheConcurrentFuzz(t *testing.T) {
	const workers = 8
	const opsPerWorker = 2000

	c := NewLookupCache(10)
	var inserts, lookups, invalidations atomic.Int64

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, seed^0xC0FFEE))
			for i := 0; i < opsPerWorker; i++ {
				rip := rng.Uint64() % (4096 * pageSize)
				switch rng.IntN(3) {
				case 0:
					c.Insert(rip, uintptr(rip+1))
					inserts.Add(1)
				case 1:
					c.Lookup(rip)
					lookups.Add(1)
				case 2:
					c.InvalidatePage(pageOf(rip))
					invalidations.Add(1)
				}
			}
		}(uint64(w) + 1)
	}
	wg.Wait()

	if !c.CheckConsistency() {
		t.Fatalf("consistency invariant violated after concurrent fuzzing")
	}
	if inserts.Load() == 0 || lookups.Load() == 0 {
		t.Fatalf("fuzz harness did not exercise both Insert and Lookup: inserts=%d lookups=%d",
			inserts.Load(), lookups.Load())
	}
}

func TestCodeBufferWriteFinalizeClose(t *testing.T) {
	buf, err := NewCodeBuffer(4096)
	if err != nil {
		t.Fatalf("NewCodeBuffer: %v", err)
	}
	defer buf.Close()

	code := []byte{0xC3} // ret
	ptr := buf.Append(code)
	if ptr == 0 {
		t.Fatalf("expected a nonzero host pointer")
	}
	if err := buf.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

func TestCodeBufferPanicsOnAppendAfterFinalize(t *testing.T) {
	buf, err := NewCodeBuffer(4096)
	if err != nil {
		t.Fatalf("NewCodeBuffer: %v", err)
	}
	defer buf.Close()

	if err := buf.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected Append after Finalize to panic")
		}
	}()
	buf.Append([]byte{0x90})
}
