// Package dispatcher specifies the interfaces between the core (this
// module) and the out-of-scope host back end and assembly dispatcher.
// Nothing here compiles guest code; it only defines the contract the core
// calls through and the relocation records a serialized object cache needs
// to re-patch on reload.
//
// Rather than a deep CPUBackend/Dispatcher class hierarchy, CPUBackend is a
// flat three-method interface (CompileCode/ExecuteDispatch/
// ExecuteJITCallback) plus a handful of back-end-specific tables; a
// concrete back end is selected by an enum tag, not virtual dispatch.
package dispatcher

import (
	"github.com/havenjit/x86dbt/pkg/ir"
	"github.com/havenjit/x86dbt/pkg/state"
)

// CompiledBlock is what a CPUBackend hands back to the caller after
// CompileCode: the host machine code bytes ready for CodeBuffer.Append, the
// relocations that must be patched once the bytes land at a final address,
// and the set of other guest RIPs this block's code directly branches to
// (fed to cache.LookupCache.AddLink so SMC invalidation can find it).
type CompiledBlock struct {
	Code        []byte
	Relocations []Relocation
	Successors  []uint64
}

// CPUBackend is the out-of-scope host code generator's contract. A concrete implementation (AArch64, x86-64-passthrough,...)
// lowers the optimized IR graph to host machine code; the core never
// inspects the bytes it gets back beyond relocation patching.
type CPUBackend interface {
	// CompileCode lowers e (already optimizer-passed and IRCompaction'd)
	// into host machine code for entryPC.
	CompileCode(entryPC uint64, e *ir.Emitter) (CompiledBlock, error)

	// ExecuteDispatch is the assembly dispatcher's entry point: given a
	// frame, perform the L1 lookup and jump to (or request compilation of)
	// frame.RIP's block. Returns once the guest thread has stopped (signal,
	// exit, pause request).
	ExecuteDispatch(frame *state.Frame) error

	// ExecuteJITCallback re-enters already-compiled JIT code at
	// resumeHostPC after a host-side callback (e.g. returning from a
	// syscall the core did not inline) needs to hand control back without
	// going through the full dispatcher lookup.
	ExecuteJITCallback(frame *state.Frame, resumeHostPC uintptr) error
}

// SignalDelegatorConfig is the pointer table the design says gets
// "installed in every thread's CPU-state frame": the dispatcher addresses
// generated code embeds as literal constants (state.PointerTable carries
// the per-thread copy; this is the process-wide template a back end fills
// in once at startup).
type SignalDelegatorConfig struct {
	DispatcherEntry    uintptr
	ExitFunctionLinker uintptr
	SignalReturn       uintptr
	ThreadPauseHandler uintptr
	ThreadStopHandler  uintptr
}

// InstallInto copies the process-wide template into a per-thread frame's
// PointerTable, plus the L1 cache base and SRA compile-block helper that
// are per-thread-view values rather than process-wide constants.
func (c SignalDelegatorConfig) InstallInto(f *state.Frame, l1Base, compileHelper uintptr) {
	f.Pointers = state.PointerTable{
		DispatcherEntry: c.DispatcherEntry,
		ExitFunctionLinker: c.ExitFunctionLinker,
		L1CacheBase: l1Base,
		CompileBlockHelper: compileHelper,
		SignalReturn: c.SignalReturn,
		ThreadPauseHandler: c.ThreadPauseHandler,
		ThreadStopHandler: c.ThreadStopHandler,
	}
}
