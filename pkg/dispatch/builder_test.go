package dispatch

import (
	"testing"

	"github.com/havenjit/x86dbt/pkg/decode"
	"github.com/havenjit/x86dbt/pkg/ir"
	"github.com/havenjit/x86dbt/pkg/state"
)

type flatMemory struct {
	Base  uint64
	Bytes []byte
}

func (m *flatMemory) ReadAt(p []byte, addr uint64) error {
	if addr < m.Base || addr+uint64(len(p)) > m.Base+uint64(len(m.Bytes)) {
		return decode.ErrUnmappedGuestMemory
	}
	off := addr - m.Base
	copy(p, m.Bytes[off:off+uint64(len(p))])
	return nil
}

func compileAndRun(t *testing.T, entryPC uint64, code []byte) *ir.Interp {
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

	in := ir.NewInterp()
	if err := in.Run(e); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return in
}

// the design scenario 1: mov eax, 7; ret.
func TestMovImmediateThenRet(t *testing.T) {
	in := compileAndRun(t, 0x1000, []byte{0xB8, 0x07, 0x00, 0x00, 0x00, 0xC3})
	if got := in.LoadContext(0, 8); got != 7 {
		t.Fatalf("RAX = %d, want 7", got)
	}
}

// the design scenario 2: xor eax, eax; ret — result 0, ZF=1, CF=0, OF=0.
func TestXorSelfClearsAndSetsZF(t *testing.T) {
	in := compileAndRun(t, 0x1000, []byte{0x31, 0xC0, 0xC3})
	if got := in.LoadContext(0, 8); got != 0 {
		t.Fatalf("RAX = %d, want 0", got)
	}
	if in.Flags[state.FlagZF] != 1 {
		t.Fatalf("ZF = %d, want 1", in.Flags[state.FlagZF])
	}
	if in.Flags[state.FlagCF] != 0 {
		t.Fatalf("CF = %d, want 0", in.Flags[state.FlagCF])
	}
	if in.Flags[state.FlagOF] != 0 {
		t.Fatalf("OF = %d, want 0", in.Flags[state.FlagOF])
	}
}

// the design scenario 4: mov rax, -1; add rax, 1; ret — result wraps to 0
// with CF=1 (unsigned overflow) and OF=0 (no signed overflow).
func TestAddOverflowWrapsWithCarry(t *testing.T) {
	code := []byte{
		0x48, 0xC7, 0xC0, 0xFF, 0xFF, 0xFF, 0xFF, // mov rax, -1
		0x48, 0x83, 0xC0, 0x01, // add rax, 1
		0xC3, // ret
	}
	in := compileAndRun(t, 0x1000, code)
	if got := in.LoadContext(0, 8); got != 0 {
		t.Fatalf("RAX = %d, want 0", got)
	}
	if in.Flags[state.FlagZF] != 1 {
		t.Fatalf("ZF = %d, want 1", in.Flags[state.FlagZF])
	}
	if in.Flags[state.FlagCF] != 1 {
		t.Fatalf("CF = %d, want 1", in.Flags[state.FlagCF])
	}
}

// the design scenario 3: mov rax, rcx; add rax, rdx; ret.
func TestMovRegThenAddReg(t *testing.T) {
	code := []byte{
		0x48, 0x89, 0xC8, // mov rax, rcx
		0x48, 0x01, 0xD0, // add rax, rdx
		0xC3,
	}
	mem := &flatMemory{Base: 0x1000, Bytes: code}
	dec := decode.New(mem, decode.DefaultConfig())
	blocks, _, _, err := dec.DecodeAt(0x1000)
	if err != nil {
		t.Fatalf("DecodeAt: %v", err)
	}
	e := ir.NewEmitter(0x1000)
	b := NewBuilder(e, true)
	b.BuildMultiblock(blocks)

	in := ir.NewInterp()
	in.StoreContext(state.GPROffset(1), 8, 3) // RCX = 3
	in.StoreContext(state.GPROffset(2), 8, 4) // RDX = 4
	if err := in.Run(e); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := in.LoadContext(0, 8); got != 7 {
		t.Fatalf("RAX = %d, want 7", got)
	}
}

// A CQO/IDIV sequence must lower to the exact Sbfe(1, top-bit, low) +
// LDiv/LRem shape LongDivideElimination pattern-matches on; execution
// across pass modes is covered by the scenario tests.
func TestCqoIdivLowersLongDivideIdiom(t *testing.T) {
	code := []byte{
		0x48, 0x99, // cqo
		0x48, 0xF7, 0xF9, // idiv rcx
		0xC3,
	}
	mem := &flatMemory{Base: 0x1000, Bytes: code}
	dec := decode.New(mem, decode.DefaultConfig())
	blocks, _, _, err := dec.DecodeAt(0x1000)
	if err != nil {
		t.Fatalf("DecodeAt: %v", err)
	}
	e := ir.NewEmitter(0x1000)
	b := NewBuilder(e, true)
	b.BuildMultiblock(blocks)

	var sawSbfe, sawLDiv bool
	for _, id := range e.AllOps() {
		switch e.Arena.Node(id).Op.Code {
		case ir.OpSbfe:
			sawSbfe = true
		case ir.OpLDiv:
			sawLDiv = true
		}
	}
	if !sawSbfe {
		t.Fatalf("expected an Sbfe node from the cqo lowering")
	}
	if !sawLDiv {
		t.Fatalf("expected an LDiv node from the idiv lowering")
	}
}
