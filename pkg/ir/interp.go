package ir

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/havenjit/x86dbt/pkg/state"
)

// Interp is a small reference interpreter over the IR graph. It exists
// purely to support the properties the pass suite checks — in particular
// RCLSE correctness (the IR after RCLSE stays observationally equivalent
// to the IR before it) and the DCE fixed-point property — by letting pass
// tests execute a graph before and after a pass and compare results.
//
// It is not a code generator and never ships in a compiled block; it only
// needs to understand the opcode subset OpDispatchBuilder actually emits.
type Interp struct {
	Ctx   []byte          // context (GPR) bytes, addressed the way state.Frame's GPR array is
	Mem   map[uint64]byte
	Flags [16]uint8

	// BreakReason is set if execution hit OP_BREAK.
	BreakReason uint64
	// Exited is set once OP_EXITFUNCTION is reached.
	Exited bool
}

// NewInterp returns an interpreter with a zeroed GPR-sized context.
func NewInterp() *Interp {
	return &Interp{Ctx: make([]byte, state.GPRArrayBytes), Mem: make(map[uint64]byte)}
}

// values holds the computed result of every node visited so far in this
// run, indexed by NodeID.
type values struct {
	v map[NodeID]uint64
}

func (vs *values) get(id NodeID) uint64 {
	if id == NodeInvalid {
		return 0
	}
	return vs.v[id]
}

func (vs *values) set(id NodeID, v uint64) { vs.v[id] = v }

// Run executes the graph starting from its first block until OP_JUMP leads
// nowhere new, OP_EXITFUNCTION, or OP_BREAK is reached.
func (in *Interp) Run(e *Emitter) error {
	blocks := e.Blocks()
	if len(blocks) == 0 {
		return fmt.Errorf("ir: empty graph")
	}
	vs := &values{v: make(map[NodeID]uint64)}
	cur := blocks[0]
	visitedJumps := 0
	for cur != NodeInvalid {
		visitedJumps++
		if visitedJumps > 1_000_000 {
			return fmt.Errorf("ir: interpreter did not terminate")
		}
		next, err := in.runBlock(e, cur, vs)
		if err != nil {
			return err
		}
		if in.Exited || next == NodeInvalid {
			return nil
		}
		cur = next
	}
	return nil
}

func (in *Interp) runBlock(e *Emitter, block NodeID, vs *values) (next NodeID, err error) {
	for _, id := range e.OpsInBlock(block) {
		op := e.Arena.Node(id).Op
		switch op.Code {
		case OpConstant:
			vs.set(id, op.Imm)
		case OpMov:
			vs.set(id, vs.get(op.Args[0]))
		case OpSelect:
			if vs.get(op.Args[0]) != 0 {
				vs.set(id, vs.get(op.Args[1]))
			} else {
				vs.set(id, vs.get(op.Args[2]))
			}
		case OpLoadContext:
			vs.set(id, in.loadCtx(uint32(op.Imm), op.Size))
		case OpStoreContext:
			in.storeCtx(uint32(op.Imm), op.Size, vs.get(op.Args[0]))
		case OpLoadMem:
			vs.set(id, in.loadMem(vs.get(op.Args[0]), op.Size))
		case OpStoreMem:
			in.storeMem(vs.get(op.Args[0]), op.Size, vs.get(op.Args[1]))
		case OpLoadFlag:
			vs.set(id, uint64(in.Flags[op.Aux]))
		case OpStoreFlag:
			in.Flags[op.Aux] = uint8(vs.get(op.Args[0]))
		case OpInvalidateFlags:
			// no runtime effect; purely an optimizer hint
		case OpAdd:
			vs.set(id, mask(vs.get(op.Args[0])+vs.get(op.Args[1]), op.Size))
		case OpSub:
			vs.set(id, mask(vs.get(op.Args[0])-vs.get(op.Args[1]), op.Size))
		case OpAnd:
			vs.set(id, vs.get(op.Args[0])&vs.get(op.Args[1]))
		case OpOr:
			vs.set(id, vs.get(op.Args[0])|vs.get(op.Args[1]))
		case OpXor:
			vs.set(id, vs.get(op.Args[0])^vs.get(op.Args[1]))
		case OpNot:
			vs.set(id, mask(^vs.get(op.Args[0]), op.Size))
		case OpNeg:
			vs.set(id, mask(-vs.get(op.Args[0]), op.Size))
		case OpLshl:
			vs.set(id, mask(vs.get(op.Args[0])<<vs.get(op.Args[1]), op.Size))
		case OpLshr:
			vs.set(id, mask(vs.get(op.Args[0])>>vs.get(op.Args[1]), op.Size))
		case OpAshr:
			vs.set(id, uint64(int64(vs.get(op.Args[0]))>>vs.get(op.Args[1])))
		case OpMul:
			vs.set(id, mask(vs.get(op.Args[0])*vs.get(op.Args[1]), op.Size))
		case OpUMul:
			vs.set(id, mask(vs.get(op.Args[0])*vs.get(op.Args[1]), op.Size))
		case OpCmp:
			vs.set(id, evalCmp(CmpPredicate(op.Aux), vs.get(op.Args[0]), vs.get(op.Args[1]), op.Size))
		case OpParity:
			vs.set(id, parityBit(vs.get(op.Args[0])))
		case OpZext:
			vs.set(id, mask(vs.get(op.Args[0]), op.Size))
		case OpSext:
			vs.set(id, signExtend(vs.get(op.Args[0]), uint8(op.Aux)))
		case OpBfe:
			width, lsb := uint8(op.Aux>>8), uint8(op.Aux)
			vs.set(id, (vs.get(op.Args[0])>>lsb)&((1<<width)-1))
		case OpSbfe:
			width, lsb := uint8(op.Aux>>8), uint8(op.Aux)
			extracted := (vs.get(op.Args[0]) >> lsb) & ((1 << width) - 1)
			vs.set(id, signExtend(extracted, width))
		case OpDiv:
			vs.set(id, uint64(int64(vs.get(op.Args[0]))/int64(vs.get(op.Args[1]))))
		case OpRem:
			vs.set(id, uint64(int64(vs.get(op.Args[0]))%int64(vs.get(op.Args[1]))))
		case OpUDiv:
			vs.set(id, vs.get(op.Args[0])/vs.get(op.Args[1]))
		case OpURem:
			vs.set(id, vs.get(op.Args[0])%vs.get(op.Args[1]))
		case OpLDiv, OpLRem, OpLUDiv, OpLURem:
			signed := op.Code == OpLDiv || op.Code == OpLRem
			q, r, err := div128(vs.get(op.Args[0]), vs.get(op.Args[1]), vs.get(op.Args[2]), op.Size, signed)
			if err != nil {
				return NodeInvalid, err
			}
			if op.Code == OpLDiv || op.Code == OpLUDiv {
				vs.set(id, q)
			} else {
				vs.set(id, r)
			}
		case OpLoadRegister:
			vs.set(id, in.loadCtx(uint32(op.Imm), op.Size))
		case OpStoreRegister:
			in.storeCtx(uint32(op.Imm), op.Size, vs.get(op.Args[0]))
		case OpJump:
			return op.Args[0], nil
		case OpCondJump:
			if vs.get(op.Args[0]) != 0 {
				return op.Args[1], nil
			}
			return op.Args[2], nil
		case OpExitFunction:
			in.Exited = true
			return NodeInvalid, nil
		case OpBreak:
			in.BreakReason = op.Imm
			in.Exited = true
			return NodeInvalid, nil
		case OpSyscall, OpInlineSyscall, OpFence, OpCAS, OpAtomicFetchAdd, OpAtomicAdd, OpAtomicFetchOr, OpAtomicOr:
			// Side effects outside the scope of this reference interpreter;
			// treated as a no-op that still produces a value of 0 for any
			// consumer, which is sufficient for the pass-equivalence tests
			// that exercise them (none of DCE/RCLSE/ConstProp touch their
			// results).
			vs.set(id, 0)
		case OpLoadContextIndexed, OpStoreContextIndexed:
			return NodeInvalid, fmt.Errorf("ir: interpreter does not model indexed context access")
		default:
			return NodeInvalid, fmt.Errorf("ir: interpreter: unhandled opcode %s", op.Code)
		}
	}
	return NodeInvalid, fmt.Errorf("ir: block %d has no terminator", block)
}

func evalCmp(pred CmpPredicate, a, b uint64, size uint8) uint64 {
	sa, sb := signExtend(mask(a, size), size*8), signExtend(mask(b, size), size*8)
	b2i := func(v bool) uint64 {
		if v {
			return 1
		}
		return 0
	}
	switch pred {
	case CmpEq:
		return b2i(a == b)
	case CmpNe:
		return b2i(a != b)
	case CmpUlt:
		return b2i(mask(a, size) < mask(b, size))
	case CmpUle:
		return b2i(mask(a, size) <= mask(b, size))
	case CmpUgt:
		return b2i(mask(a, size) > mask(b, size))
	case CmpUge:
		return b2i(mask(a, size) >= mask(b, size))
	case CmpSlt:
		return b2i(int64(sa) < int64(sb))
	case CmpSle:
		return b2i(int64(sa) <= int64(sb))
	case CmpSgt:
		return b2i(int64(sa) > int64(sb))
	case CmpSge:
		return b2i(int64(sa) >= int64(sb))
	default:
		return 0
	}
}

// EvalConstant computes the value a pure opcode (no side effect, no control
// flow, no memory/context access) produces when every argument is already
// known-constant, for ConstProp's use. ok is false for
// any opcode with no such well-defined fold here, including division by a
// constant zero divisor (left for the guest's own fault behavior rather than
// folded).
func EvalConstant(code OpCode, size uint8, aux uint32, args []uint64) (value uint64, ok bool) {
	switch code {
	case OpAdd:
		return mask(args[0]+args[1], size), true
	case OpSub:
		return mask(args[0]-args[1], size), true
	case OpAnd:
		return args[0] & args[1], true
	case OpOr:
		return args[0] | args[1], true
	case OpXor:
		return args[0] ^ args[1], true
	case OpNot:
		return mask(^args[0], size), true
	case OpNeg:
		return mask(-args[0], size), true
	case OpLshl:
		return mask(args[0]<<args[1], size), true
	case OpLshr:
		return mask(args[0]>>args[1], size), true
	case OpAshr:
		return uint64(int64(args[0]) >> args[1]), true
	case OpMul, OpUMul:
		return mask(args[0]*args[1], size), true
	case OpCmp:
		return evalCmp(CmpPredicate(aux), args[0], args[1], size), true
	case OpParity:
		return parityBit(args[0]), true
	case OpZext:
		return mask(args[0], size), true
	case OpSext:
		return signExtend(args[0], uint8(aux)), true
	case OpBfe:
		width, lsb := uint8(aux>>8), uint8(aux)
		return (args[0] >> lsb) & ((1 << width) - 1), true
	case OpSbfe:
		width, lsb := uint8(aux>>8), uint8(aux)
		extracted := (args[0] >> lsb) & ((1 << width) - 1)
		return signExtend(extracted, width), true
	case OpDiv:
		if args[1] == 0 {
			return 0, false
		}
		return uint64(int64(args[0]) / int64(args[1])), true
	case OpRem:
		if args[1] == 0 {
			return 0, false
		}
		return uint64(int64(args[0]) % int64(args[1])), true
	case OpUDiv:
		if args[1] == 0 {
			return 0, false
		}
		return args[0] / args[1], true
	case OpURem:
		if args[1] == 0 {
			return 0, false
		}
		return args[0] % args[1], true
	default:
		return 0, false
	}
}

// div128 executes the double-width division the L* opcodes encode: a
// {high, low} dividend of 2×(size×8) bits divided by a size×8-bit divisor.
// Division by zero and a quotient too wide for the destination both
// surface as errors, standing in for the #DE fault a guest would take.
func div128(hi, lo, d uint64, size uint8, signed bool) (q, r uint64, err error) {
	if mask(d, size) == 0 {
		return 0, 0, fmt.Errorf("ir: division by zero")
	}

	if size < 8 {
		// The concatenated dividend fits a single uint64.
		width := uint(size) * 8
		num := mask(hi, size)<<width | mask(lo, size)
		dd := mask(d, size)
		if signed {
			sn := signExtend(num, uint8(width*2))
			sd := signExtend(dd, uint8(width))
			q = mask(uint64(int64(sn)/int64(sd)), size)
			r = mask(uint64(int64(sn)%int64(sd)), size)
			return q, r, nil
		}
		return mask(num/dd, size), mask(num%dd, size), nil
	}

	if !signed {
		if hi >= d {
			return 0, 0, fmt.Errorf("ir: unsigned division overflow")
		}
		q, r = bits.Div64(hi, lo, d)
		return q, r, nil
	}

	negDividend := int64(hi) < 0
	ah, al := hi, lo
	if negDividend {
		al = -lo
		ah = ^hi
		if lo == 0 {
			ah++
		}
	}
	ad := d
	negDivisor := int64(d) < 0
	if negDivisor {
		ad = -d
	}
	if ah >= ad {
		return 0, 0, fmt.Errorf("ir: signed division overflow")
	}
	uq, ur := bits.Div64(ah, al, ad)
	if negDividend != negDivisor {
		uq = -uq
	}
	if negDividend {
		ur = -ur
	}
	return uq, ur, nil
}

func parityBit(v uint64) uint64 {
	if state.ParityTable[uint8(v)] {
		return 1
	}
	return 0
}

func mask(v uint64, size uint8) uint64 {
	switch size {
	case 1:
		return v & 0xFF
	case 2:
		return v & 0xFFFF
	case 4:
		return v & 0xFFFFFFFF
	default:
		return v
	}
}

func signExtend(v uint64, bits uint8) uint64 {
	if bits == 0 || bits >= 64 {
		return v
	}
	shift := 64 - bits
	return uint64(int64(v<<shift) >> shift)
}

// LoadContext and StoreContext expose the interpreter's context access to
// callers that need to seed or inspect guest register state around a Run
// (e.g. setting up a scenario's input registers, or reading back its
// result), without reaching into Ctx's raw byte layout themselves.
func (in *Interp) LoadContext(offset uint32, size uint8) uint64 { return in.loadCtx(offset, size) }
func (in *Interp) StoreContext(offset uint32, size uint8, v uint64) { in.storeCtx(offset, size, v) }

func (in *Interp) loadCtx(offset uint32, size uint8) uint64 {
	b := in.Ctx[offset:]
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func (in *Interp) storeCtx(offset uint32, size uint8, v uint64) {
	b := in.Ctx[offset:]
	switch size {
	case 1:
		b[0] = uint8(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

func (in *Interp) loadMem(addr uint64, size uint8) uint64 {
	var buf [8]byte
	for i := uint8(0); i < size; i++ {
		buf[i] = in.Mem[addr+uint64(i)]
	}
	switch size {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf[:2]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf[:4]))
	default:
		return binary.LittleEndian.Uint64(buf[:8])
	}
}

func (in *Interp) storeMem(addr uint64, size uint8, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	for i := uint8(0); i < size; i++ {
		in.Mem[addr+uint64(i)] = buf[i]
	}
}
