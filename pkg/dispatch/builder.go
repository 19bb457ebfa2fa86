// Package dispatch implements OpDispatchBuilder: the
// translation from a decoded x86 instruction stream into this repo's SSA IR.
// Lowering is one big per-opcode dispatch, but since x86's opcode space is
// open-ended at the table-decode layer (unlike a small fixed ISA whose
// opcodes an assembler could enumerate up front), the dispatch is a map
// keyed by x86asm.Op rather than a switch statement — a handler table built
// with a Go map instead of a vtable or a chain of type switches.
package dispatch

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/havenjit/x86dbt/pkg/decode"
	"github.com/havenjit/x86dbt/pkg/ir"
	"github.com/havenjit/x86dbt/pkg/state"
)

// Builder lowers one guest function's DecodedBlocks into the emitter's IR
// graph, tracking which blocks saw a PUSHF/POPF family instruction so
// DeadFlagCalculationElimination can stay disabled for them.
type Builder struct {
	e          *ir.Emitter
	mode64     bool
	nextPC     uint64
	flagEscape map[ir.NodeID]bool

	// NoPF skips emitting PF (parity) updates entirely (NO_PF_UNSAFE):
	// parity is the most expensive flag to derive and almost no guest code
	// reads it. Unsafe for guests that do.
	NoPF bool
}

// NewBuilder returns a Builder appending into e.
func NewBuilder(e *ir.Emitter, mode64 bool) *Builder {
	return &Builder{e: e, mode64: mode64, flagEscape: make(map[ir.NodeID]bool)}
}

// FlagEscapes reports whether block contains a PUSHF/POPF family instruction
//.
func (b *Builder) FlagEscapes(block ir.NodeID) bool { return b.flagEscape[block] }

type blockCtx struct {
	blockOf       map[uint64]ir.NodeID
	instAddrBlock map[uint64]uint64
}

func resolveBlock(target uint64, ctx *blockCtx) (ir.NodeID, bool) {
	entry, ok := ctx.instAddrBlock[target]
	if !ok {
		return ir.NodeInvalid, false
	}
	blk, ok := ctx.blockOf[entry]
	return blk, ok
}

// BuildMultiblock lowers every DecodedBlocks produced by a single
// decode.Decoder.DecodeAt call into IR, in two passes: first every
// DecodedBlocks gets its own (empty) CodeBlock so forward branch targets
// resolve, then each is lowered in order. A conditional branch mid-stream
// further splits its DecodedBlocks into two IR blocks, since this IR
// requires every block to end in exactly one terminator while
// a DecodedBlocks may contain several conditional branches before its real
// terminator.
func (b *Builder) BuildMultiblock(blocks []decode.DecodedBlocks) {
	ctx := &blockCtx{blockOf: make(map[uint64]ir.NodeID), instAddrBlock: make(map[uint64]uint64)}
	for _, blk := range blocks {
		ctx.blockOf[blk.EntryPC] = b.e.CreateCodeBlock()
		for _, inst := range blk.Insts {
			ctx.instAddrBlock[inst.PC] = blk.EntryPC
		}
	}

	for _, blk := range blocks {
		cur := ctx.blockOf[blk.EntryPC]
		b.e.EnterBlock(cur)
		for _, inst := range blk.Insts {
			b.nextPC = inst.PC + uint64(inst.Len)
			if isFlagEscapeInst(inst.Op) {
				b.flagEscape[cur] = true
			}
			h, ok := handlers[inst.Op]
			if !ok {
				continue // unmodeled opcode: no-op, see the design
			}
			cur = h(b, inst, ctx, cur)
		}
		b.closeBlock(cur, blk.HasInvalidInstruction)
	}
}

// closeBlock ensures block ends in a real terminator, covering the two
// cases where the instruction loop above can leave it without one:
// has_invalid_instruction truncation, and MAX_INST_PER_BLOCK truncation
// landing mid straight-line or right after a
// conditional branch.
func (b *Builder) closeBlock(block ir.NodeID, invalid bool) {
	last := b.e.Terminator(block)
	if last != ir.NodeInvalid && b.e.Arena.Node(last).Op.Code.IsTerminator() {
		return
	}
	b.e.EnterBlock(block)
	if invalid {
		b.e.EmitWithImm(ir.OpBreak, 0, 1, 0)
		return
	}
	b.e.Emit(ir.OpExitFunction, 0)
}

type handlerFunc func(b *Builder, d decode.DecodedInst, ctx *blockCtx, cur ir.NodeID) ir.NodeID

func passthrough(f func(b *Builder, d decode.DecodedInst)) handlerFunc {
	return func(b *Builder, d decode.DecodedInst, ctx *blockCtx, cur ir.NodeID) ir.NodeID {
		f(b, d)
		return cur
	}
}

var handlers map[x86asm.Op]handlerFunc

func init() {
	handlers = map[x86asm.Op]handlerFunc{
		x86asm.NOP: passthrough(func(b *Builder, d decode.DecodedInst) {}),
		x86asm.MOV: passthrough((*Builder).lowerMov),
		x86asm.LEA: passthrough((*Builder).lowerLEA),

		x86asm.ADD: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerBinALU(d, ir.OpAdd, false) }),
		x86asm.SUB: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerBinALU(d, ir.OpSub, false) }),
		x86asm.AND: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerBinALU(d, ir.OpAnd, false) }),
		x86asm.OR: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerBinALU(d, ir.OpOr, false) }),
		x86asm.XOR: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerBinALU(d, ir.OpXor, false) }),
		x86asm.CMP: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerBinALU(d, ir.OpSub, true) }),
		x86asm.TEST: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerBinALU(d, ir.OpAnd, true) }),

		x86asm.NOT: passthrough((*Builder).lowerNot),
		x86asm.NEG: passthrough((*Builder).lowerNeg),
		x86asm.INC: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerIncDec(d, true) }),
		x86asm.DEC: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerIncDec(d, false) }),

		x86asm.SHL: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerShift(d, ir.OpLshl) }),
		x86asm.SHR: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerShift(d, ir.OpLshr) }),
		x86asm.SAR: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerShift(d, ir.OpAshr) }),

		x86asm.DIV: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerDivide(d, false) }),
		x86asm.IDIV: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerDivide(d, true) }),
		x86asm.CQO: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerConvert(d.Op) }),
		x86asm.CDQ: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerConvert(d.Op) }),
		x86asm.CWD: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerConvert(d.Op) }),

		x86asm.PUSH: passthrough((*Builder).lowerPush),
		x86asm.POP: passthrough((*Builder).lowerPop),

		x86asm.PUSHF: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerPushf(2) }),
		x86asm.PUSHFD: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerPushf(4) }),
		x86asm.PUSHFQ: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerPushf(8) }),
		x86asm.POPF: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerPopf(2) }),
		x86asm.POPFD: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerPopf(4) }),
		x86asm.POPFQ: passthrough(func(b *Builder, d decode.DecodedInst) { b.lowerPopf(8) }),

		x86asm.RET: func(b *Builder, d decode.DecodedInst, ctx *blockCtx, cur ir.NodeID) ir.NodeID {
			b.e.Emit(ir.OpExitFunction, 0)
			return cur
		},
		x86asm.CALL: func(b *Builder, d decode.DecodedInst, ctx *blockCtx, cur ir.NodeID) ir.NodeID {
			// Calls are not modeled as returning into this graph; lowered as an exit to the dispatcher.
			b.e.Emit(ir.OpExitFunction, 0)
			return cur
		},
		x86asm.SYSCALL: func(b *Builder, d decode.DecodedInst, ctx *blockCtx, cur ir.NodeID) ir.NodeID {
			b.lowerSyscall()
			b.e.Emit(ir.OpExitFunction, 0)
			return cur
		},
		x86asm.SYSENTER: func(b *Builder, d decode.DecodedInst, ctx *blockCtx, cur ir.NodeID) ir.NodeID {
			b.lowerSyscall()
			b.e.Emit(ir.OpExitFunction, 0)
			return cur
		},
		x86asm.JMP: func(b *Builder, d decode.DecodedInst, ctx *blockCtx, cur ir.NodeID) ir.NodeID {
			b.lowerJump(d, ctx)
			return cur
		},

		x86asm.INT: terminateOther,
		x86asm.UD2: terminateOther,
		x86asm.HLT: terminateOther,
		x86asm.IRET: terminateOther,
		x86asm.IRETD: terminateOther,
		x86asm.IRETQ: terminateOther,
	}

	for _, op := range []x86asm.Op{
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE,
	} {
		handlers[op] = condBranchHandler
	}
}

func terminateOther(b *Builder, d decode.DecodedInst, ctx *blockCtx, cur ir.NodeID) ir.NodeID {
	b.e.EmitWithImm(ir.OpBreak, 0, uint64(d.Op), 0)
	return cur
}

func condBranchHandler(b *Builder, d decode.DecodedInst, ctx *blockCtx, cur ir.NodeID) ir.NodeID {
	cond := b.evalCondition(d.Op)
	target := d.PC + uint64(d.Len) + uint64(d.Args[0].Imm)
	takenBlock, ok := resolveBlock(target, ctx)
	fallBlock := b.e.CreateCodeBlock()
	if !ok {
		takenBlock = b.e.CreateCodeBlock()
		b.e.EmitWithImm(ir.OpExitFunction, 0, target, 0)
	}
	b.e.EnterBlock(cur)
	b.e.Emit(ir.OpCondJump, 0, cond, takenBlock, fallBlock)
	b.e.EnterBlock(fallBlock)
	return fallBlock
}

func (b *Builder) lowerJump(d decode.DecodedInst, ctx *blockCtx) {
	if d.Args[0].Kind != decode.OperandImm {
		b.e.Emit(ir.OpExitFunction, 0) // indirect jump target not known statically
		return
	}
	target := d.PC + uint64(d.Len) + uint64(d.Args[0].Imm)
	blk, ok := resolveBlock(target, ctx)
	if !ok {
		b.e.EmitWithImm(ir.OpExitFunction, 0, target, 0)
		return
	}
	b.e.Emit(ir.OpJump, 0, blk)
}

func (b *Builder) lowerMov(d decode.DecodedInst) {
	size := operandSize(d)
	v := b.loadOperand(d.Args[1], size)
	b.storeOperand(d.Args[0], size, v)
}

func (b *Builder) lowerLEA(d decode.DecodedInst) {
	size := operandSize(d)
	addr := b.effectiveAddress(d.Args[1])
	b.storeOperand(d.Args[0], size, addr)
}

func (b *Builder) lowerBinALU(d decode.DecodedInst, code ir.OpCode, cmpOnly bool) {
	size := operandSize(d)
	dst := d.Args[0]
	a := b.loadOperand(dst, size)
	bv := b.loadOperand(d.Args[1], size)
	result := b.e.Emit(code, size, a, bv)
	switch code {
	case ir.OpAdd:
		b.storeAddFlags(size, a, bv, result)
	case ir.OpSub:
		b.storeSubFlags(size, a, bv, result)
	case ir.OpAnd, ir.OpOr, ir.OpXor:
		b.storeLogicFlags(size, result)
	}
	if !cmpOnly {
		b.storeOperand(dst, size, result)
	}
}

func (b *Builder) lowerNot(d decode.DecodedInst) {
	size := operandSize(d)
	v := b.loadOperand(d.Args[0], size)
	r := b.e.Emit(ir.OpNot, size, v)
	b.storeOperand(d.Args[0], size, r)
}

func (b *Builder) lowerNeg(d decode.DecodedInst) {
	size := operandSize(d)
	v := b.loadOperand(d.Args[0], size)
	zero := b.e.EmitConstant(0, size)
	r := b.e.Emit(ir.OpNeg, size, v)
	b.storeSubFlags(size, zero, v, r)
	b.storeOperand(d.Args[0], size, r)
}

func (b *Builder) lowerIncDec(d decode.DecodedInst, inc bool) {
	size := operandSize(d)
	v := b.loadOperand(d.Args[0], size)
	one := b.e.EmitConstant(1, size)
	var r, a, operand ir.NodeID
	if inc {
		r = b.e.Emit(ir.OpAdd, size, v, one)
		a, operand = v, one
	} else {
		r = b.e.Emit(ir.OpSub, size, v, one)
		a, operand = v, one
	}
	b.storeOverflowOnly(size, a, operand, r, inc)
	b.storeCommonFlags(size, r)
	b.storeOperand(d.Args[0], size, r)
}

func (b *Builder) lowerShift(d decode.DecodedInst, code ir.OpCode) {
	size := operandSize(d)
	v := b.loadOperand(d.Args[0], size)
	cnt := b.loadOperand(d.Args[1], 1)
	r := b.e.Emit(code, size, v, cnt)
	// CF/OF for shifts depend on the last bit shifted out and are not
	// reproduced here (see the design open question); ZF/SF/PF still
	// reflect the real result.
	b.storeCommonFlags(size, r)
	b.storeOperand(d.Args[0], size, r)
}

func (b *Builder) lowerConvert(op x86asm.Op) {
	switch op {
	case x86asm.CQO:
		low := b.loadGPR(0, 8, 0)
		hi := b.e.EmitWithImm(ir.OpSbfe, 8, 0, uint32(1)<<8|63, low)
		b.storeGPR(2, 8, 0, hi)
	case x86asm.CDQ:
		low := b.loadGPR(0, 4, 0)
		hi := b.e.EmitWithImm(ir.OpSbfe, 4, 0, uint32(1)<<8|31, low)
		b.storeGPR(2, 4, 0, hi)
	case x86asm.CWD:
		low := b.loadGPR(0, 2, 0)
		hi := b.e.EmitWithImm(ir.OpSbfe, 2, 0, uint32(1)<<8|15, low)
		b.storeGPR(2, 2, 0, hi)
	}
}

// lowerDivide lowers DIV/IDIV into the 128-bit-dividend opcodes
// LongDivideElimination is built to recognize: the
// high half comes from whatever is currently in RDX/EDX/DX, which for the
// CQO/CDQ/CWD-then-divide idiom is exactly the Sbfe(1,top-bit,low) pattern
// lowerConvert just emitted.
func (b *Builder) lowerDivide(d decode.DecodedInst, signed bool) {
	size := operandSize(d)
	if d.Args[0].Kind == decode.OperandMem || d.Args[0].Kind == decode.OperandRIPRelative {
		size = 8
	}
	divisor := b.loadOperand(d.Args[0], size)
	low := b.loadGPR(0, size, 0)
	hi := b.loadGPR(2, size, 0)
	var q, r ir.NodeID
	if signed {
		q = b.e.Emit(ir.OpLDiv, size, hi, low, divisor)
		r = b.e.Emit(ir.OpLRem, size, hi, low, divisor)
	} else {
		q = b.e.Emit(ir.OpLUDiv, size, hi, low, divisor)
		r = b.e.Emit(ir.OpLURem, size, hi, low, divisor)
	}
	b.storeGPR(0, size, 0, q)
	b.storeGPR(2, size, 0, r)
}

func (b *Builder) lowerPush(d decode.DecodedInst) {
	size := uint8(8)
	v := b.loadOperand(d.Args[0], size)
	rsp := b.loadGPR(4, 8, 0)
	newRsp := b.e.Emit(ir.OpSub, 8, rsp, b.e.EmitConstant(uint64(size), 8))
	b.e.Emit(ir.OpStoreMem, size, newRsp, v)
	b.storeGPR(4, 8, 0, newRsp)
}

func (b *Builder) lowerPop(d decode.DecodedInst) {
	size := uint8(8)
	rsp := b.loadGPR(4, 8, 0)
	v := b.e.Emit(ir.OpLoadMem, size, rsp)
	b.storeOperand(d.Args[0], size, v)
	newRsp := b.e.Emit(ir.OpAdd, 8, rsp, b.e.EmitConstant(uint64(size), 8))
	b.storeGPR(4, 8, 0, newRsp)
}

var eflagsBits = []struct {
	f   state.Flag
	pos uint8
}{
	{state.FlagCF, 0}, {state.FlagPF, 2}, {state.FlagAF, 4}, {state.FlagZF, 6},
	{state.FlagSF, 7}, {state.FlagDF, 10}, {state.FlagOF, 11},
}

func (b *Builder) lowerPushf(size uint8) {
	var packed ir.NodeID = ir.NodeInvalid
	for _, eb := range eflagsBits {
		v := b.e.Emit(ir.OpZext, 8, b.loadFlagBit(eb.f))
		if eb.pos != 0 {
			v = b.e.Emit(ir.OpLshl, 8, v, b.e.EmitConstant(uint64(eb.pos), 8))
		}
		if packed == ir.NodeInvalid {
			packed = v
		} else {
			packed = b.e.Emit(ir.OpOr, 8, packed, v)
		}
	}
	packed = b.e.Emit(ir.OpOr, 8, packed, b.e.EmitConstant(1<<1, 8))
	rsp := b.loadGPR(4, 8, 0)
	newRsp := b.e.Emit(ir.OpSub, 8, rsp, b.e.EmitConstant(uint64(size), 8))
	b.e.Emit(ir.OpStoreMem, size, newRsp, packed)
	b.storeGPR(4, 8, 0, newRsp)
}

func (b *Builder) lowerPopf(size uint8) {
	rsp := b.loadGPR(4, 8, 0)
	val := b.e.Emit(ir.OpLoadMem, size, rsp)
	for _, eb := range eflagsBits {
		bit := b.e.EmitWithImm(ir.OpBfe, 1, 0, uint32(1)<<8|uint32(eb.pos), val)
		b.storeFlag(eb.f, bit)
	}
	newRsp := b.e.Emit(ir.OpAdd, 8, rsp, b.e.EmitConstant(uint64(size), 8))
	b.storeGPR(4, 8, 0, newRsp)
}

// lowerSyscall lowers the Linux x86-64 syscall ABI (RAX=number,
// RDI/RSI/RDX/R10/R8/R9=args) to OP_SYSCALL and writes its result back to
// RAX, matching the "lowers SYSCALL to OP_SYSCALL(id, a1..a6)".
func (b *Builder) lowerSyscall() {
	id := b.loadGPR(0, 8, 0)
	a1 := b.loadGPR(7, 8, 0) // RDI
	a2 := b.loadGPR(6, 8, 0) // RSI
	a3 := b.loadGPR(2, 8, 0) // RDX
	a4 := b.loadGPR(10, 8, 0) // R10
	a5 := b.loadGPR(8, 8, 0) // R8
	a6 := b.loadGPR(9, 8, 0) // R9
	result := b.e.Emit(ir.OpSyscall, 8, id, a1, a2, a3, a4, a5, a6)
	b.storeGPR(0, 8, 0, result)
}
