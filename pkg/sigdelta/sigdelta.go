// Package sigdelta implements signal delegation: synchronous guest faults
// (SIGSEGV, SIGILL, SIGBUS, SIGFPE, SIGTRAP) are reflected to the guest
// looking exactly as they would on bare metal, reconstructed from
// relocation/RIP bookkeeping.
//
// Forced unwinding out of a signal handler, across frames this core does
// not own, is quarantined to a dedicated module rather than threaded
// through every compiled block. Here that shows up as a checked
// thread-local AbortToken: a flag a back end's generated code polls at
// stable points (block entry, syscall return) instead of being unwound
// out of asynchronously.
package sigdelta

import "sync/atomic"

// AbortToken is the per-thread flag checked in place of forced unwinding.
// Generated code (or, in this Go rewrite, the interpreter loop standing in
// for it) checks Load() at block entry and syscall return; a true value
// means the thread must stop executing guest
// code and return control to the dispatcher/host runtime immediately.
type AbortToken struct {
	flag atomic.Bool
}

// Raise requests that the owning thread stop at its next stable point.
func (t *AbortToken) Raise() { t.flag.Store(true) }

// Clear resets the token once the thread has observed and handled it.
func (t *AbortToken) Clear() { t.flag.Store(false) }

// Pending reports whether Raise was called since the last Clear.
func (t *AbortToken) Pending() bool { return t.flag.Load() }

// Signal identifies one of the synchronous guest faults the design lists.
type Signal int

const (
	SIGSEGV Signal = iota + 1
	SIGILL
	SIGBUS
	SIGFPE
	SIGTRAP
)

func (s Signal) String() string {
	switch s {
	case SIGSEGV:
		return "SIGSEGV"
	case SIGILL:
		return "SIGILL"
	case SIGBUS:
		return "SIGBUS"
	case SIGFPE:
		return "SIGFPE"
	case SIGTRAP:
		return "SIGTRAP"
	default:
		return "SIG(?)"
	}
}

// FaultInfo is the guest-visible fault record the design requires be
// reconstructed "exactly like it would on bare metal, including si_addr,
// si_code, and faulting RIP/CR2 values". HostPC is the address the fault
// actually occurred at in generated code; GuestRIP is HostPC mapped back
// through the compiled block's entry so the guest handler sees its own
// address space.
type FaultInfo struct {
	Sig      Signal
	SiCode   int32
	SiAddr   uint64  // CR2-equivalent: the faulting guest memory address
	HostPC   uintptr
	GuestRIP uint64
}

// RIPResolver maps a faulting host PC (known to lie within JIT code) back
// to the guest RIP it was compiled from. A back end supplies this from its
// per-block entry-PC bookkeeping; sigdelta has no opinion on how that
// mapping is stored.
type RIPResolver interface {
	GuestRIPForHostPC(hostPC uintptr) (uint64, bool)
}

// Reconstruct builds the FaultInfo the guest handler should see for a fault
// at hostPC with a raw faulting address (e.g. from siginfo.si_addr) and
// si_code, translating hostPC to a guest RIP via resolver. If hostPC does
// not resolve (the fault occurred outside JIT code), ok is false and the
// caller must let the host handle the fault itself.
func Reconstruct(resolver RIPResolver, sig Signal, siCode int32, siAddr uint64, hostPC uintptr) (FaultInfo, bool) {
	rip, ok := resolver.GuestRIPForHostPC(hostPC)
	if !ok {
		return FaultInfo{}, false
	}
	return FaultInfo{
		Sig: sig,
		SiCode: siCode,
		SiAddr: siAddr,
		HostPC: hostPC,
		GuestRIP: rip,
	}, true
}
