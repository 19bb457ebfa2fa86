package cache

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// bufferAddr returns the host address of mem[off], used to turn a code
// buffer offset into the uintptr a LookupCache Entry stores.
func bufferAddr(mem []byte, off int) uintptr {
	return uintptr(unsafe.Pointer(&mem[0])) + uintptr(off)
}

// CodeBuffer is an explicit code-buffer abstraction that tracks read/write
// and read/execute phases, flipping via mprotect, rather than a single
// perpetually-RWX mapping. A block is written while the mapping is RW,
// then Finalize flips it to RX before any generated code can branch into
// it, and Close releases it back to the kernel.
type CodeBuffer struct {
	mem    []byte
	cursor int
	ro     bool
}

// NewCodeBuffer reserves size bytes of anonymous, private memory for
// generated code, initially mapped read/write.
func NewCodeBuffer(size int) (*CodeBuffer, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return &CodeBuffer{mem: mem}, nil
}

// Append copies code into the buffer's current write cursor and returns the
// host pointer the caller should install into the lookup cache once the
// buffer is finalized. Panics if called after Finalize — code buffers are
// write-once, append-only between flips.
func (b *CodeBuffer) Append(code []byte) uintptr {
	if b.ro {
		panic("cache: Append into a finalized CodeBuffer")
	}
	if b.cursor+len(code) > len(b.mem) {
		panic("cache: CodeBuffer exhausted")
	}
	ptr := bufferAddr(b.mem, b.cursor)
	copy(b.mem[b.cursor:], code)
	b.cursor += len(code)
	return ptr
}

// Finalize flips the buffer from RW to RX. On hosts that refuse RWX
// mappings outright this would instead require a second, read-execute-only
// mapping of the same physical pages; this build
// targets a single mprotect flip, the common case on Linux/x86-64.
func (b *CodeBuffer) Finalize() error {
	if b.ro {
		return nil
	}
	if err := unix.Mprotect(b.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return err
	}
	b.ro = true
	return nil
}

// Writable flips a finalized buffer back from RX to RW so another block
// can be appended — the write half of the W^X cycle. No-op if the buffer
// is already writable.
func (b *CodeBuffer) Writable() error {
	if !b.ro {
		return nil
	}
	if err := unix.Mprotect(b.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	b.ro = false
	return nil
}

// Close releases the backing mapping. The buffer must not be used
// afterward.
func (b *CodeBuffer) Close() error {
	return unix.Munmap(b.mem)
}

// Reset decommits the buffer's pages via madvise(MADV_DONTNEED) — the
// kernel drops the physical backing and re-faults it zeroed on next touch —
// and rewinds the write cursor, so a full cache flush reclaims code memory
// without a fresh mmap/munmap round trip.
func (b *CodeBuffer) Reset() error {
	if err := unix.Madvise(b.mem, unix.MADV_DONTNEED); err != nil {
		return err
	}
	if err := unix.Mprotect(b.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	b.cursor = 0
	b.ro = false
	return nil
}
