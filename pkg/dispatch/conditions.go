package dispatch

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/havenjit/x86dbt/pkg/ir"
	"github.com/havenjit/x86dbt/pkg/state"
)

// evalCondition lowers a conditional jump's/LOOP's test to a single IR node
// producing 0 or 1, read from the flags already stored by the instruction
// that last set them.
func (b *Builder) evalCondition(op x86asm.Op) ir.NodeID {
	zf := b.loadFlagBit(state.FlagZF)
	sf := b.loadFlagBit(state.FlagSF)
	of := b.loadFlagBit(state.FlagOF)
	cf := b.loadFlagBit(state.FlagCF)
	pf := b.loadFlagBit(state.FlagPF)

	switch op {
	case x86asm.JE:
		return zf
	case x86asm.JNE:
		return b.notBit(zf)
	case x86asm.JS:
		return sf
	case x86asm.JNS:
		return b.notBit(sf)
	case x86asm.JP:
		return pf
	case x86asm.JNP:
		return b.notBit(pf)
	case x86asm.JO:
		return of
	case x86asm.JNO:
		return b.notBit(of)
	case x86asm.JB:
		return cf
	case x86asm.JAE:
		return b.notBit(cf)
	case x86asm.JBE:
		return b.orBit(cf, zf)
	case x86asm.JA:
		return b.andBit(b.notBit(cf), b.notBit(zf))
	case x86asm.JL:
		return b.neBit(sf, of)
	case x86asm.JGE:
		return b.notBit(b.neBit(sf, of))
	case x86asm.JLE:
		return b.orBit(zf, b.neBit(sf, of))
	case x86asm.JG:
		return b.andBit(b.notBit(zf), b.notBit(b.neBit(sf, of)))
	default:
		// Unmodeled condition (JCXZ family, or a future addition): treat as
		// never-taken rather than guessing, which keeps the fallthrough path
		// sound even if the branch itself is a no-op.
		return b.e.EmitConstant(0, 1)
	}
}

func (b *Builder) loadFlagBit(f state.Flag) ir.NodeID {
	return b.e.EmitWithImm(ir.OpLoadFlag, 1, 0, uint32(f))
}

func (b *Builder) notBit(v ir.NodeID) ir.NodeID {
	return b.e.EmitWithImm(ir.OpCmp, 1, 0, uint32(ir.CmpEq), v, b.e.EmitConstant(0, 1))
}

func (b *Builder) orBit(a, c ir.NodeID) ir.NodeID { return b.e.Emit(ir.OpOr, 1, a, c) }
func (b *Builder) andBit(a, c ir.NodeID) ir.NodeID { return b.e.Emit(ir.OpAnd, 1, a, c) }
func (b *Builder) neBit(a, c ir.NodeID) ir.NodeID {
	return b.e.EmitWithImm(ir.OpCmp, 1, 0, uint32(ir.CmpNe), a, c)
}
