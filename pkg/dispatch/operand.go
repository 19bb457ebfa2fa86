package dispatch

import (
	"math/bits"

	"golang.org/x/arch/x86/x86asm"

	"github.com/havenjit/x86dbt/pkg/decode"
	"github.com/havenjit/x86dbt/pkg/ir"
	"github.com/havenjit/x86dbt/pkg/state"
)

// operandSize picks the access width for an instruction the way the x86
// encoding itself does: the register operand (when there is one) names its
// own size; everything else (immediates, memory) takes that size from it.
// REX.W/operand-size-prefix disambiguation beyond "does a GPR operand say
// 8/4/2/1" is not modeled (see the design open question).
func operandSize(d decode.DecodedInst) uint8 {
	for _, a := range d.Args {
		if a.Kind == decode.OperandReg {
			if _, sz, _, ok := gprInfo(a.Reg); ok {
				return sz
			}
		}
	}
	return 4
}

// loadGPR reads a size-byte slice of GPR[index] at byte offset within the
// 8-byte slot (offset 1 selects a legacy AH/CH/DH/BH high byte).
func (b *Builder) loadGPR(index int, size uint8, offset uint8) ir.NodeID {
	base := state.GPROffset(index)
	if offset == 0 {
		return b.e.EmitWithImm(ir.OpLoadContext, size, uint64(base), 0)
	}
	full := b.e.EmitWithImm(ir.OpLoadContext, 8, uint64(base), 0)
	shifted := b.e.Emit(ir.OpLshr, 8, full, b.e.EmitConstant(uint64(offset)*8, 8))
	return b.e.Emit(ir.OpZext, size, shifted)
}

// storeGPR writes value (already masked to size) into GPR[index]. A 4-byte
// write zero-extends the full 64-bit register, matching real x86 semantics
// for 32-bit destination forms; 1/2-byte writes read-modify-write so the
// untouched bits of the slot survive.
func (b *Builder) storeGPR(index int, size uint8, offset uint8, value ir.NodeID) {
	base := state.GPROffset(index)
	switch {
	case size == 8:
		b.e.EmitWithImm(ir.OpStoreContext, 8, uint64(base), 0, value)
	case size == 4 && offset == 0:
		z := b.e.Emit(ir.OpZext, 8, value)
		b.e.EmitWithImm(ir.OpStoreContext, 8, uint64(base), 0, z)
	default:
		full := b.e.EmitWithImm(ir.OpLoadContext, 8, uint64(base), 0)
		shiftAmt := uint64(offset) * 8
		keepMask := ^((uint64(1)<<(uint64(size)*8) - 1) << shiftAmt)
		cleared := b.e.Emit(ir.OpAnd, 8, full, b.e.EmitConstant(keepMask, 8))
		z := b.e.Emit(ir.OpZext, 8, value)
		shifted := z
		if shiftAmt != 0 {
			shifted = b.e.Emit(ir.OpLshl, 8, z, b.e.EmitConstant(shiftAmt, 8))
		}
		merged := b.e.Emit(ir.OpOr, 8, cleared, shifted)
		b.e.EmitWithImm(ir.OpStoreContext, 8, uint64(base), 0, merged)
	}
}

// effectiveAddress computes base + index*scale + disp (+ RIP for a
// RIP-relative operand) as a 64-bit IR value.
func (b *Builder) effectiveAddress(op decode.Operand) ir.NodeID {
	var addr ir.NodeID = ir.NodeInvalid

	if op.Base != 0 {
		if idx, ok := gprIndexOf(op.Base); ok {
			addr = b.loadGPR(idx, 8, 0)
		}
	}
	if op.Index != 0 {
		if idx, ok := gprIndexOf(op.Index); ok {
			iv := b.loadGPR(idx, 8, 0)
			if op.Scale > 1 {
				iv = b.e.Emit(ir.OpLshl, 8, iv, b.e.EmitConstant(uint64(bits.TrailingZeros8(op.Scale)), 8))
			}
			if addr == ir.NodeInvalid {
				addr = iv
			} else {
				addr = b.e.Emit(ir.OpAdd, 8, addr, iv)
			}
		}
	}
	if op.Disp != 0 || addr == ir.NodeInvalid {
		d := b.e.EmitConstant(uint64(op.Disp), 8)
		if addr == ir.NodeInvalid {
			addr = d
		} else {
			addr = b.e.Emit(ir.OpAdd, 8, addr, d)
		}
	}
	if op.Kind == decode.OperandRIPRelative {
		addr = b.e.Emit(ir.OpAdd, 8, addr, b.e.EmitConstant(b.nextPC, 8))
	}
	return addr
}

// loadOperand reads an operand's value at size bytes, lowering through
// OP_LOADCONTEXT or OP_LOADMEM as appropriate.
func (b *Builder) loadOperand(op decode.Operand, size uint8) ir.NodeID {
	switch op.Kind {
	case decode.OperandReg:
		idx, sz, hi, ok := gprInfo(op.Reg)
		if !ok {
			// Vector/segment/x87 register class: not modeled yet (see
			// the design); produce a harmless zero rather than fail the
			// whole block so unrelated scalar work in the same block still
			// lowers.
			return b.e.EmitConstant(0, size)
		}
		off := uint8(0)
		if hi {
			off = 1
		}
		return b.loadGPR(idx, sz, off)
	case decode.OperandImm:
		return b.e.EmitConstant(uint64(op.Imm), size)
	case decode.OperandMem, decode.OperandRIPRelative:
		addr := b.effectiveAddress(op)
		return b.e.Emit(ir.OpLoadMem, size, addr)
	default:
		return b.e.EmitConstant(0, size)
	}
}

// storeOperand writes value into a register or memory destination operand.
func (b *Builder) storeOperand(op decode.Operand, size uint8, value ir.NodeID) {
	switch op.Kind {
	case decode.OperandReg:
		idx, sz, hi, ok := gprInfo(op.Reg)
		if !ok {
			return
		}
		off := uint8(0)
		if hi {
			off = 1
		}
		b.storeGPR(idx, sz, off, value)
	case decode.OperandMem, decode.OperandRIPRelative:
		addr := b.effectiveAddress(op)
		b.e.Emit(ir.OpStoreMem, size, addr, value)
	}
}

// isFlagEscapeInst reports whether d reads or writes the full EFLAGS image
// (PUSHF/POPF family), the condition under which
// DeadFlagCalculationElimination must stay disabled for the containing
// block.
func isFlagEscapeInst(op x86asm.Op) bool {
	switch op {
	case x86asm.PUSHF, x86asm.PUSHFD, x86asm.PUSHFQ, x86asm.POPF, x86asm.POPFD, x86asm.POPFQ:
		return true
	default:
		return false
	}
}
