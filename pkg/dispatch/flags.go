package dispatch

import (
	"github.com/havenjit/x86dbt/pkg/ir"
	"github.com/havenjit/x86dbt/pkg/state"
)

func (b *Builder) storeFlag(f state.Flag, v ir.NodeID) {
	b.e.EmitWithImm(ir.OpStoreFlag, 1, 0, uint32(f), v)
}

// signBitOf extracts bit (size*8-1) of v as a 0/1 value — the sign flag for
// a size-byte result.
func (b *Builder) signBitOf(size uint8, v ir.NodeID) ir.NodeID {
	return b.e.EmitWithImm(ir.OpBfe, 1, 0, uint32(1)<<8|uint32(size*8-1), v)
}

// storeCommonFlags updates ZF, SF and PF from result, the three flags every
// ALU op (logic, arithmetic, inc/dec, shift) agrees on.
func (b *Builder) storeCommonFlags(size uint8, result ir.NodeID) {
	zf := b.e.EmitWithImm(ir.OpCmp, size, 0, uint32(ir.CmpEq), result, b.e.EmitConstant(0, size))
	b.storeFlag(state.FlagZF, zf)
	b.storeFlag(state.FlagSF, b.signBitOf(size, result))
	if !b.NoPF {
		b.storeFlag(state.FlagPF, b.e.Emit(ir.OpParity, 1, result))
	}
}

// storeAddFlags computes CF (unsigned overflow, result < a) and OF (signed
// overflow, both operands share a sign that differs from the result's) for
// an a+operand=result addition, then delegates ZF/SF/PF to storeCommonFlags.
func (b *Builder) storeAddFlags(size uint8, a, operand, result ir.NodeID) {
	cf := b.e.EmitWithImm(ir.OpCmp, size, 0, uint32(ir.CmpUlt), result, a)
	b.storeFlag(state.FlagCF, cf)
	b.storeOverflowOnly(size, a, operand, result, true)
	b.storeCommonFlags(size, result)
}

// storeSubFlags is storeAddFlags's counterpart for a-operand=result.
func (b *Builder) storeSubFlags(size uint8, a, operand, result ir.NodeID) {
	cf := b.e.EmitWithImm(ir.OpCmp, size, 0, uint32(ir.CmpUlt), a, operand)
	b.storeFlag(state.FlagCF, cf)
	b.storeOverflowOnly(size, a, operand, result, false)
	b.storeCommonFlags(size, result)
}

// storeLogicFlags is the AND/OR/XOR flag contract: CF and OF are always
// cleared, ZF/SF/PF reflect the result, AF is left undefined (matches real
// hardware, so callers never read it after a logic op).
func (b *Builder) storeLogicFlags(size uint8, result ir.NodeID) {
	b.storeFlag(state.FlagCF, b.e.EmitConstant(0, 1))
	b.storeFlag(state.FlagOF, b.e.EmitConstant(0, 1))
	b.storeCommonFlags(size, result)
}

// storeOverflowOnly computes the signed-overflow bit for an add (isAdd) or
// subtract and stores it to OF, using the standard
// ((a^operand)&(a^result))>>top for subtract and ((a^result)&(operand^result))>>top
// for add identities.
func (b *Builder) storeOverflowOnly(size uint8, a, operand, result ir.NodeID, isAdd bool) {
	var t1, t2 ir.NodeID
	if isAdd {
		t1 = b.e.Emit(ir.OpXor, size, a, result)
		t2 = b.e.Emit(ir.OpXor, size, operand, result)
	} else {
		t1 = b.e.Emit(ir.OpXor, size, a, operand)
		t2 = b.e.Emit(ir.OpXor, size, a, result)
	}
	t3 := b.e.Emit(ir.OpAnd, size, t1, t2)
	b.storeFlag(state.FlagOF, b.signBitOf(size, t3))
}
