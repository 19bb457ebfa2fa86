package pass

import "github.com/havenjit/x86dbt/pkg/ir"

// DeadCodeElimination walks every block in reverse, removing ops with
// zero use-count and no side effect, and strength-reduces an atomic-fetch
// op with zero uses to its non-fetching counterpart.
// Removing a node can expose its own arguments as newly dead, so the whole
// walk repeats to a fixed point — "loop until nothing new turns up", the
// same convergence shape any fixed-point graph rewrite needs.
type DeadCodeElimination struct{}

func (*DeadCodeElimination) Name() string { return "DeadCodeElimination" }

func (p *DeadCodeElimination) Run(e *ir.Emitter) bool {
	changed := false
	for {
		iterChanged := false
		blocks := e.Blocks()
		for i := len(blocks) - 1; i >= 0; i-- {
			ops := e.OpsInBlock(blocks[i])
			for j := len(ops) - 1; j >= 0; j-- {
				id := ops[j]
				n := e.Arena.Node(id)
				if n.Removed {
					continue
				}
				op := n.Op
				switch op.Code {
				case ir.OpAtomicFetchAdd:
					if n.UseCount == 0 {
						e.ReplaceOp(id, ir.IROp{Code: ir.OpAtomicAdd, Size: op.Size, Imm: op.Imm, Aux: op.Aux, Args: op.Args})
						iterChanged = true
					}
					continue
				case ir.OpAtomicFetchOr:
					if n.UseCount == 0 {
						e.ReplaceOp(id, ir.IROp{Code: ir.OpAtomicOr, Size: op.Size, Imm: op.Imm, Aux: op.Aux, Args: op.Args})
						iterChanged = true
					}
					continue
				}
				if op.Code.HasSideEffect() {
					continue
				}
				if n.UseCount == 0 {
					e.Remove(id)
					iterChanged = true
				}
			}
		}
		if !iterChanged {
			break
		}
		changed = true
	}
	return changed
}
