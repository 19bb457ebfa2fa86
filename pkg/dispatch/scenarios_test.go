package dispatch

import (
	"testing"

	"github.com/havenjit/x86dbt/pkg/decode"
	"github.com/havenjit/x86dbt/pkg/ir"
	"github.com/havenjit/x86dbt/pkg/pass"
	"github.com/havenjit/x86dbt/pkg/state"
)

// passMode selects which pipeline variant a scenario runs under. Every
// scenario must produce the same guest-visible state in all three.
type passMode int

const (
	modeFull passMode = iota
	modeDisablePasses
	modeNoSRA
)

var passModes = map[string]passMode{
	"full": modeFull,
	"disable-passes": modeDisablePasses,
	"no-sra": modeNoSRA,
}

// compileOptimizeRun is the whole front half of the translator: decode,
// lift, run the pass pipeline in the requested mode, then execute the
// optimized graph on the reference interpreter.
func compileOptimizeRun(t *testing.T, entryPC uint64, code []byte, mode passMode, seed func(*ir.Interp)) (*ir.Interp, *ir.Emitter) {
	t.Helper()
	mem := &flatMemory{Base: entryPC, Bytes: code}
	dec := decode.New(mem, decode.DefaultConfig())
	blocks, _, _, err := dec.DecodeAt(entryPC)
	if err != nil {
		t.Fatalf("DecodeAt: %v", err)
	}

	e := ir.NewEmitter(entryPC)
	b := NewBuilder(e, true)
	b.BuildMultiblock(blocks)

	pm := pass.NewPassManager(b.FlagEscapes)
	pm.Assertions = true
	switch mode {
	case modeDisablePasses:
		pm.DisablePasses = true
	case modeNoSRA:
		pm.DisableSRA = true
	}
	pm.Run(e)

	in := ir.NewInterp()
	if seed != nil {
		seed(in)
	}
	if err := in.Run(e); err != nil {
		t.Fatalf("interp Run: %v", err)
	}
	return in, e
}

func hasOpcode(e *ir.Emitter, code ir.OpCode) bool {
	for _, id := range e.AllOps() {
		if e.Arena.Node(id).Op.Code == code {
			return true
		}
	}
	return false
}

func TestScenarioMovImmediateAcrossPassModes(t *testing.T) {
	for name, mode := range passModes {
		t.Run(name, func(t *testing.T) {
			in, _ := compileOptimizeRun(t, 0x1000, []byte{0xB8, 0x07, 0x00, 0x00, 0x00, 0xC3}, mode, nil)
			if got := in.LoadContext(0, 8); got != 7 {
				t.Fatalf("RAX = %d, want 7", got)
			}
		})
	}
}

func TestScenarioXorSelfAcrossPassModes(t *testing.T) {
	for name, mode := range passModes {
		t.Run(name, func(t *testing.T) {
			in, _ := compileOptimizeRun(t, 0x1000, []byte{0x31, 0xC0, 0xC3}, mode, nil)
			if got := in.LoadContext(0, 8); got != 0 {
				t.Fatalf("RAX = %d, want 0", got)
			}
			if in.Flags[state.FlagZF] != 1 || in.Flags[state.FlagCF] != 0 || in.Flags[state.FlagOF] != 0 {
				t.Fatalf("flags ZF=%d CF=%d OF=%d, want 1/0/0",
					in.Flags[state.FlagZF], in.Flags[state.FlagCF], in.Flags[state.FlagOF])
			}
		})
	}
}

func TestScenarioRegMoveAddAcrossPassModes(t *testing.T) {
	code := []byte{
		0x48, 0x89, 0xC8, // mov rax, rcx
		0x48, 0x01, 0xD0, // add rax, rdx
		0xC3,
	}
	for name, mode := range passModes {
		t.Run(name, func(t *testing.T) {
			in, _ := compileOptimizeRun(t, 0x1000, code, mode, func(in *ir.Interp) {
				in.StoreContext(state.GPROffset(1), 8, 5) // RCX
				in.StoreContext(state.GPROffset(2), 8, 6) // RDX
			})
			if got := in.LoadContext(0, 8); got != 11 {
				t.Fatalf("RAX = %d, want 11", got)
			}
		})
	}
}

func TestScenarioAddWrapAcrossPassModes(t *testing.T) {
	code := []byte{
		0x48, 0xB8, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, // movabs rax, -1
		0x48, 0x83, 0xC0, 0x01, // add rax, 1
		0xC3,
	}
	for name, mode := range passModes {
		t.Run(name, func(t *testing.T) {
			in, _ := compileOptimizeRun(t, 0x1000, code, mode, nil)
			if got := in.LoadContext(0, 8); got != 0 {
				t.Fatalf("RAX = %d, want 0", got)
			}
			if in.Flags[state.FlagZF] != 1 || in.Flags[state.FlagCF] != 1 || in.Flags[state.FlagOF] != 0 {
				t.Fatalf("flags ZF=%d CF=%d OF=%d, want 1/1/0",
					in.Flags[state.FlagZF], in.Flags[state.FlagCF], in.Flags[state.FlagOF])
			}
		})
	}
}

// cqo; idiv rcx with RAX=10, RCX=3: quotient 3 in RAX, remainder 1 in RDX.
// With the optimizer on, LongDivideElimination must have narrowed the
// 128-bit divides to 64-bit ones, observable in the post-pass graph.
func TestScenarioCqoIdivAcrossPassModes(t *testing.T) {
	code := []byte{
		0x48, 0x99, // cqo
		0x48, 0xF7, 0xF9, // idiv rcx
		0xC3,
	}
	for name, mode := range passModes {
		t.Run(name, func(t *testing.T) {
			in, e := compileOptimizeRun(t, 0x1000, code, mode, func(in *ir.Interp) {
				in.StoreContext(state.GPROffset(0), 8, 10) // RAX
				in.StoreContext(state.GPROffset(1), 8, 3)  // RCX
			})
			if got := in.LoadContext(state.GPROffset(0), 8); got != 3 {
				t.Fatalf("RAX = %d, want quotient 3", got)
			}
			if got := in.LoadContext(state.GPROffset(2), 8); got != 1 {
				t.Fatalf("RDX = %d, want remainder 1", got)
			}
			if mode != modeDisablePasses {
				if hasOpcode(e, ir.OpLDiv) || hasOpcode(e, ir.OpLRem) {
					t.Fatalf("LongDivideElimination left a 128-bit divide in the optimized graph")
				}
				if !hasOpcode(e, ir.OpDiv) || !hasOpcode(e, ir.OpRem) {
					t.Fatalf("expected narrowed Div/Rem in the optimized graph")
				}
			}
		})
	}
}

// mov eax, 39 (getpid); syscall: with the optimizer on, the constant id
// must reach SyscallOptimization through RCLSE+ConstProp and rewrite the
// op to an inline syscall with every unused argument edge cleared.
func TestScenarioSyscallGetpidAcrossPassModes(t *testing.T) {
	code := []byte{
		0xB8, 0x27, 0x00, 0x00, 0x00, // mov eax, 39
		0x0F, 0x05, // syscall
	}
	for name, mode := range passModes {
		t.Run(name, func(t *testing.T) {
			_, e := compileOptimizeRun(t, 0x1000, code, mode, nil)
			if mode == modeDisablePasses {
				if !hasOpcode(e, ir.OpSyscall) {
					t.Fatalf("opt-0 graph must keep the generic syscall op")
				}
				return
			}
			if !hasOpcode(e, ir.OpInlineSyscall) {
				t.Fatalf("expected the constant-id syscall rewritten to an inline syscall")
			}
			for _, id := range e.AllOps() {
				op := e.Arena.Node(id).Op
				if op.Code != ir.OpInlineSyscall {
					continue
				}
				if op.Imm != 39 {
					t.Fatalf("inline syscall Imm = %d, want 39", op.Imm)
				}
				for _, a := range op.Args {
					if a != ir.NodeInvalid {
						t.Fatalf("getpid takes no arguments; args = %v", op.Args)
					}
				}
			}
		})
	}
}
