package dispatcher

// RelocationKind tags which of the four shapes the design lists a
// Relocation record carries: "a tagged union of: named-symbol-literal,
// guest-RIP-literal, named-thunk-move (four-instruction constant-gen on
// AArch64), guest-RIP-move".
type RelocationKind uint8

const (
	// NamedSymbolLiteral embeds the absolute address of a well-known
	// symbol (a dispatcher pointer, a thunk entry) as an immediate.
	NamedSymbolLiteral RelocationKind = iota
	// GuestRIPLiteral embeds a guest instruction pointer value as an
	// immediate (e.g. the fallback target baked into an unresolved branch).
	GuestRIPLiteral
	// NamedThunkMove is a four-instruction constant-generation sequence on
	// AArch64 (MOVZ/MOVK×3) materializing a thunk symbol's address into a
	// register, per the design
	NamedThunkMove
	// GuestRIPMove is the equivalent multi-instruction move sequence for a
	// guest RIP value, used where the value doesn't fit a single immediate
	// field.
	GuestRIPMove
)

// Relocation is one patch site in emitted code, recorded so the AOT cache
// can re-patch addresses after reload at a different base:
// "Each record stores the offset into the code buffer and the symbolic
// identity of the target."
type Relocation struct {
	Kind RelocationKind
	// Offset is the byte offset into the code buffer where the patch site
	// begins.
	Offset uint32
	// Symbol names the target for NamedSymbolLiteral/NamedThunkMove
	// (e.g. "dispatcher.exit_function_linker", "thunk.libc.malloc").
	Symbol string
	// GuestRIP is the target for GuestRIPLiteral/GuestRIPMove.
	GuestRIP uint64
}

// Resolver maps a Relocation to the absolute host address it should patch
// in, given the current process's symbol table and lookup cache. A back
// end supplies the concrete implementation; the core only needs the
// interface to validate that every relocation in a CompiledBlock resolves
// before installing it into the LookupCache.
type Resolver interface {
	ResolveSymbol(name string) (uintptr, bool)
	ResolveGuestRIP(rip uint64) (uintptr, bool)
}

// Apply patches every byte range code[r.Offset:...] described by relocs
// using resolver, following the shape (but not the exact instruction
// encoding, which is back-end-specific) of the re-patch-on-reload
// contract. Unresolvable relocations are reported by index so the caller
// can decide whether a partially-resolved block (e.g. missing a thunk that
// hasn't loaded yet) is still usable.
func Apply(code []byte, relocs []Relocation, resolver Resolver) (unresolved []int) {
	for i, r := range relocs {
		var addr uintptr
		var ok bool
		switch r.Kind {
		case NamedSymbolLiteral, NamedThunkMove:
			addr, ok = resolver.ResolveSymbol(r.Symbol)
		case GuestRIPLiteral, GuestRIPMove:
			addr, ok = resolver.ResolveGuestRIP(r.GuestRIP)
		}
		if !ok {
			unresolved = append(unresolved, i)
			continue
		}
		patchWord(code, int(r.Offset), uint64(addr))
	}
	return unresolved
}

// patchWord writes a little-endian 8-byte value at off, the placeholder
// patch shape every RelocationKind above uses in this build (a concrete
// back end would instead encode the value into the specific instruction
// bits at the site; this module does not own instruction encoding).
func patchWord(code []byte, off int, v uint64) {
	for i := 0; i < 8 && off+i < len(code); i++ {
		code[off+i] = byte(v >> (8 * i))
	}
}
