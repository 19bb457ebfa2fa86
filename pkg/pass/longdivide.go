package pass

import "github.com/havenjit/x86dbt/pkg/ir"

// LongDivideElimination recognizes the idiomatic CQO/CDQ/CWD;
// IDIV/DIV sequence dispatch.Builder.lowerConvert/lowerDivide emit, and
// narrows the 128-bit-dividend LDiv/LRem/LUDiv/LURem down to a plain 64-bit
// Div/Rem/UDiv/URem: 128-bit-by-64-bit division is far
// more expensive than 64-bit-by-64-bit on essentially every host ISA.
type LongDivideElimination struct{}

func (*LongDivideElimination) Name() string { return "LongDivideElimination" }

func (p *LongDivideElimination) Run(e *ir.Emitter) bool {
	changed := false
	for _, block := range e.Blocks() {
		for _, id := range e.OpsInBlock(block) {
			n := e.Arena.Node(id)
			op := n.Op
			switch op.Code {
			case ir.OpLDiv, ir.OpLRem:
				hi, low, divisor := op.Args[0], op.Args[1], op.Args[2]
				if !isSignExtendOfLow(e, hi, low, op.Size) {
					continue
				}
				code := ir.OpDiv
				if op.Code == ir.OpLRem {
					code = ir.OpRem
				}
				e.ReplaceOp(id, ir.IROp{Code: code, Size: op.Size, Args: []ir.NodeID{low, divisor}})
				changed = true
			case ir.OpLUDiv, ir.OpLURem:
				hi, low, divisor := op.Args[0], op.Args[1], op.Args[2]
				if !isKnownZero(e, hi) {
					continue
				}
				code := ir.OpUDiv
				if op.Code == ir.OpLURem {
					code = ir.OpURem
				}
				e.ReplaceOp(id, ir.IROp{Code: code, Size: op.Size, Args: []ir.NodeID{low, divisor}})
				changed = true
			}
		}
	}
	return changed
}

// isSignExtendOfLow reports whether hi is exactly Sbfe(1, size*8-1, low) —
// the CQO/CDQ/CWD idiom's high half — of the same low value the division
// also reads.
func isSignExtendOfLow(e *ir.Emitter, hi, low ir.NodeID, size uint8) bool {
	if hi == ir.NodeInvalid {
		return false
	}
	n := e.Arena.Node(hi)
	if n.Op.Code != ir.OpSbfe {
		return false
	}
	width, lsb := uint8(n.Op.Aux>>8), uint8(n.Op.Aux)
	if width != 1 || lsb != size*8-1 {
		return false
	}
	return len(n.Op.Args) == 1 && n.Op.Args[0] == low
}

// isKnownZero reports whether hi is a literal zero constant or an Xor of a
// value with itself (both idioms a guest compiler emits to clear the high
// half before an unsigned divide).
func isKnownZero(e *ir.Emitter, hi ir.NodeID) bool {
	if hi == ir.NodeInvalid {
		return false
	}
	if v, ok := e.IsValueConstant(hi); ok {
		return v == 0
	}
	n := e.Arena.Node(hi)
	return n.Op.Code == ir.OpXor && len(n.Op.Args) == 2 && n.Op.Args[0] == n.Op.Args[1]
}
