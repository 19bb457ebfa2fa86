// Package cache implements the two-level guest-RIP → host-code-pointer
// lookup structure: an L1 direct-mapped array for the
// lock-free fast path out of generated code, and a per-page L2 chained hash
// for everything L1 misses, plus the BlockLink back-reference graph used to
// invalidate dependent blocks on self-modifying code.
package cache

import "sync/atomic"

const pageSize = 4096

// Entry is the (host code pointer, guest RIP) pair an L1/L2 slot holds.
// On bare metal this pair is meant to be architecturally atomic as a single
// 16-byte load; Go has no portable primitive for that, so this build makes
// every L1 slot an atomic.Pointer[Entry] over an immutable value instead —
// an install swaps in a brand-new *Entry, so a concurrent reader always
// observes either the whole old pair or the whole new one, which is the
// actual invariant the design tests for, achieved without arch-specific
// assembly.
type Entry struct {
	HostPtr  uintptr
	GuestRIP uint64
}

// LookupCache maps guest_rip to host_code_ptr via L1 direct-mapped array +
// per-page L2 tables, and owns the block-link graph used to invalidate
// dependent blocks when guest memory is modified.
type LookupCache struct {
	l1Mask uint64
	l1     []atomic.Pointer[Entry]

	wlock *reentrantMutex

	// l2 is keyed by page number (guestRIP / pageSize); each page's map is
	// keyed by the full guestRIP. Both are owned by wlock.
	l2 map[uint64]map[uint64]*Entry

	// blocks is every block ever inserted, owned by wlock; used to rebuild
	// nothing on its own but kept so ClearCache can report/iterate it and
	// so tests can assert on total population.
	blocks map[uint64]*Entry

	// links[b] is the set of guest RIPs whose compiled block assumed the
	// block at b was valid: when b is
	// invalidated, every entry in links[b] must be patched back to the
	// dispatcher trampoline.
	links map[uint64]map[uint64]struct{}

	// code is the optional code-backing buffer a full L2 flush should also
	// decommit (AttachCodeBuffer). Nil in tests that only exercise the
	// index structures.
	code *CodeBuffer
}

// AttachCodeBuffer records the code-backing buffer a full flush should
// decommit via CodeBuffer.Reset, so ClearL2Cache/ClearCache actually
// reclaim the generated-code memory the evicted entries pointed into, not
// just the index structures.
func (c *LookupCache) AttachCodeBuffer(cb *CodeBuffer) {
	c.wlock.Lock()
	defer c.wlock.Unlock()
	c.code = cb
}

// NewLookupCache returns an empty cache with an L1 table of 2^l1Bits
// entries. l1Bits mirrors the native L1_MASK sizing knob; 16 (64K entries)
// is a reasonable default for a single-process guest.
func NewLookupCache(l1Bits uint) *LookupCache {
	size := uint64(1) << l1Bits
	return &LookupCache{
		l1Mask: size - 1,
		l1: make([]atomic.Pointer[Entry], size),
		wlock: newReentrantMutex(),
		l2: make(map[uint64]map[uint64]*Entry),
		blocks: make(map[uint64]*Entry),
		links: make(map[uint64]map[uint64]struct{}),
	}
}

func pageOf(rip uint64) uint64 { return rip / pageSize }

// Lookup is the lock-free reader path generated code takes on every block
// exit: check the direct-mapped L1 slot, and only
// fall through to the locked L2 walk on a miss.
func (c *LookupCache) Lookup(guestRIP uint64) (uintptr, bool) {
	idx := guestRIP & c.l1Mask
	if e := c.l1[idx].Load(); e != nil && e.GuestRIP == guestRIP {
		return e.HostPtr, true
	}
	return c.lookupL2(guestRIP)
}

func (c *LookupCache) lookupL2(guestRIP uint64) (uintptr, bool) {
	c.wlock.Lock()
	defer c.wlock.Unlock()

	page, ok := c.l2[pageOf(guestRIP)]
	if !ok {
		return 0, false
	}
	e, ok := page[guestRIP]
	if !ok {
		return 0, false
	}
	// Install into L1 so the next lookup for this rip takes the lock-free
	// path.
	c.l1[guestRIP&c.l1Mask].Store(e)
	return e.HostPtr, true
}

// Insert records a successful compile under the writer lock: fill the L1
// slot, create the L2 entry, and append to the block list. The cache is inclusive — anything in L1 is also in L2.
func (c *LookupCache) Insert(guestRIP uint64, hostPtr uintptr) {
	c.wlock.Lock()
	defer c.wlock.Unlock()

	e := &Entry{HostPtr: hostPtr, GuestRIP: guestRIP}
	page := pageOf(guestRIP)
	if c.l2[page] == nil {
		c.l2[page] = make(map[uint64]*Entry)
	}
	c.l2[page][guestRIP] = e
	c.blocks[guestRIP] = e
	c.l1[guestRIP&c.l1Mask].Store(e)
}

// AddLink records that the block compiled at caller assumed the block at
// callee was valid — the BlockLink back-edge the design describes. Call
// this for every other-block reference a compile resolves (a direct branch
// target, an inlined tail call), so InvalidatePage can find every caller
// that must be patched back to the dispatcher trampoline.
func (c *LookupCache) AddLink(caller, callee uint64) {
	c.wlock.Lock()
	defer c.wlock.Unlock()

	if c.links[callee] == nil {
		c.links[callee] = make(map[uint64]struct{})
	}
	c.links[callee][caller] = struct{}{}
}

// InvalidatePage handles guest-page SMC: every block whose guest RIP falls
// on page, and every block that linked to one of them, is evicted from both
// L1 and L2. Returns the set of guest
// RIPs evicted, so a caller driving a real back end knows which dispatcher
// trampolines to re-arm.
func (c *LookupCache) InvalidatePage(page uint64) []uint64 {
	c.wlock.Lock()
	defer c.wlock.Unlock()

	var evicted []uint64
	seen := make(map[uint64]struct{})
	var evict func(rip uint64)
	evict = func(rip uint64) {
		if _, ok := seen[rip]; ok {
			return
		}
		seen[rip] = struct{}{}
		evicted = append(evicted, rip)

		slot := &c.l1[rip&c.l1Mask]
		if e := slot.Load(); e != nil && e.GuestRIP == rip {
			slot.Store(nil)
		}
		if p := c.l2[pageOf(rip)]; p != nil {
			delete(p, rip)
		}
		delete(c.blocks, rip)

		for dependent := range c.links[rip] {
			evict(dependent)
		}
		delete(c.links, rip)
	}

	for rip := range c.blocks {
		if pageOf(rip) == page {
			evict(rip)
		}
	}
	return evicted
}

// ClearL2Cache releases L2 and the attached code buffer, but deliberately
// does not touch L1: L1 is left inconsistent on purpose, so a stale entry
// can still satisfy a Lookup for a moment after this runs. Call ZeroL1 once
// the caller is ready to pay for that (e.g. under its own outer flush lock)
// to restore the consistency invariant.
func (c *LookupCache) ClearL2Cache() {
	c.wlock.Lock()
	defer c.wlock.Unlock()

	c.l2 = make(map[uint64]map[uint64]*Entry)
	c.blocks = make(map[uint64]*Entry)
	if c.code != nil {
		c.code.Reset()
	}
}

// ZeroL1 discards every L1 slot. Kept separate from ClearL2Cache since the
// two responsibilities — releasing L2, and zeroing L1 — run under different
// callers' timing requirements.
func (c *LookupCache) ZeroL1() {
	c.wlock.Lock()
	defer c.wlock.Unlock()
	for i := range c.l1 {
		c.l1[i].Store(nil)
	}
}

// ClearCache clears everything — L1, L2, and the block-link graph. Used on a full flush, e.g. a config change that requires
// recompiling every block.
func (c *LookupCache) ClearCache() {
	c.wlock.Lock()
	defer c.wlock.Unlock()

	c.l2 = make(map[uint64]map[uint64]*Entry)
	c.blocks = make(map[uint64]*Entry)
	c.links = make(map[uint64]map[uint64]struct{})
	if c.code != nil {
		c.code.Reset()
	}
	for i := range c.l1 {
		c.l1[i].Store(nil)
	}
}

// CheckConsistency reports whether the L1-contains-implies-L2-contains
// invariant the design names holds for the current snapshot. Exposed for
// tests and debug tooling; production code never needs to call this, since
// Insert/Invalidate* are the only mutators and both preserve it by
// construction.
func (c *LookupCache) CheckConsistency() bool {
	c.wlock.Lock()
	defer c.wlock.Unlock()

	for i := range c.l1 {
		e := c.l1[i].Load()
		if e == nil {
			continue
		}
		page, ok := c.l2[pageOf(e.GuestRIP)]
		if !ok {
			return false
		}
		if l2e, ok := page[e.GuestRIP]; !ok || l2e.GuestRIP != e.GuestRIP || l2e.HostPtr != e.HostPtr {
			return false
		}
	}
	return true
}
