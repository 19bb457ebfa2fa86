package decode

// flatMemory is a MemoryReader backed by a single contiguous byte slice
// starting at Base, used by tests and by the end-to-end scenarios in
// the design
type flatMemory struct {
	Base  uint64
	Bytes []byte
}

func (m *flatMemory) ReadAt(p []byte, addr uint64) error {
	if addr < m.Base {
		return ErrUnmappedGuestMemory
	}
	off := addr - m.Base
	if off >= uint64(len(m.Bytes)) {
		return ErrUnmappedGuestMemory
	}
	n := copy(p, m.Bytes[off:])
	if n < len(p) {
		// still returns what's available; caller shrinks per failed full read
		return ErrUnmappedGuestMemory
	}
	return nil
}
