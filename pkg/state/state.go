// Package state defines the fixed-layout guest/host CPU state frame shared
// between the core (decoder, IR emitter, passes, lookup cache) and the
// out-of-scope back end and dispatcher. The offset layout of Frame is an ABI
// between components — nothing beyond appending new trailing fields may
// change without recompiling every emitted block.
package state

// NumGPR is the number of general-purpose guest registers modeled (RAX..R15).
const NumGPR = 16

// NumVector is the number of guest vector registers modeled (XMM0..XMM15 or
// YMM0..YMM15, width selected by VectorWidth).
const NumVector = 16

// VectorWidth is the width in bytes of each vector register slot. 16 for
// SSE-only guests, 32 once AVX is enabled.
type VectorWidth int

const (
	VectorWidthSSE VectorWidth = 16
	VectorWidthAVX VectorWidth = 32
)

// X87Stack models the 80-bit x87 register stack plus its bookkeeping.
type X87Stack struct {
	Top  uint8       // top-of-stack pointer (0-7)
	Tag  uint16      // tag word, 2 bits per register
	Regs [8][10]byte // ST(0)..ST(7), 80-bit extended precision
}

// PointerTable holds the addresses the dispatcher installs into every
// thread's frame so generated code can reach external collaborators
// without a relocation: the exit-function linker, the L1
// cache base, and the SRA-aware compile-block helper.
type PointerTable struct {
	DispatcherEntry    uintptr
	ExitFunctionLinker uintptr
	L1CacheBase        uintptr
	CompileBlockHelper uintptr
	SignalReturn       uintptr
	ThreadPauseHandler uintptr
	ThreadStopHandler  uintptr
}

// Frame is the guest ↔ host CPU state frame. It is passed by
// pointer into every compiled block and into DispatchPtr.
type Frame struct {
	GPR    [NumGPR]uint64
	Vector [NumVector][32]byte // max width; only VectorWidth bytes of each are live

	X87 X87Stack

	// One byte per Flag; see pkg/state/flags.go. Stored individually rather
	// than packed so StoreFlag/LoadFlag IR ops can address a single byte.
	Flags [FlagCount]uint8

	SegBaseFS uint64
	SegBaseGS uint64

	RIP uint64

	Pointers PointerTable

	// ReturningStackLocation is the host SP saved on entry to JIT code, used
	// to unwind back out to the dispatcher on thread-stop/pause/exit.
	ReturningStackLocation uintptr

	// SignalHandlerRefCounter tracks re-entrant signal delivery depth; the
	// delegator refuses to deliver a nested guest signal while this is
	// nonzero and the guest handler hasn't itself re-enabled it.
	SignalHandlerRefCounter int32

	VectorWidth VectorWidth
}

// NewFrame returns a zeroed frame configured for the given vector width.
func NewFrame(vw VectorWidth) *Frame {
	return &Frame{VectorWidth: vw}
}

// GPROffset returns the byte offset of GPR[i] within Frame, used by
// StaticRegisterAllocation and LoadContext/StoreContext to recognize which
// slots are GPR-class.
func GPROffset(i int) uint32 {
	return uint32(i * 8)
}

// GPRArrayBytes is the total size in bytes of the GPR array, used by passes
// to decide whether a LoadContext/StoreContext offset falls in GPR range.
const GPRArrayBytes = NumGPR * 8

// FlagOffset returns the byte offset of Flags[f] within Frame, relative to
// the start of the Flags array (not the whole struct) — LoadFlag/StoreFlag
// IR ops address flags by Flag, not by raw offset, but SMC/relocation code
// that needs the absolute frame offset uses this plus a fixed struct-layout
// constant computed once by the back end.
func FlagOffset(f Flag) uint32 {
	return uint32(f)
}
