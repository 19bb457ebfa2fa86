package pass

import "github.com/havenjit/x86dbt/pkg/ir"

// ContextLoadStoreElimination is RCLSE: within a
// block, remember the SSA value behind each 8-byte, 8-byte-aligned access
// to the GPR array — the value a StoreContext wrote, or the result of the
// first LoadContext to touch the slot — and rewrite a following
// LoadContext of the exact same slot to that remembered value instead of
// re-reading the context. The load-to-load half matters as much as the
// store-to-load half: later passes match on node identity (e.g.
// LongDivideElimination checking that a division's low operand is the same
// node its high operand sign-extends), which only holds once duplicate
// loads collapse to one. Any access to the slot at a different size, or
// through an indexed form, invalidates the memo for that slot; a block
// boundary resets the memo entirely.
type ContextLoadStoreElimination struct{}

func (*ContextLoadStoreElimination) Name() string { return "ContextLoadStoreElimination" }

func (p *ContextLoadStoreElimination) Run(e *ir.Emitter) bool {
	changed := false
	for _, block := range e.Blocks() {
		memo := make(map[uint32]ir.NodeID)
		for _, id := range e.OpsInBlock(block) {
			op := e.Arena.Node(id).Op
			switch op.Code {
			case ir.OpLoadContext:
				offset := uint32(op.Imm)
				if op.Size == 8 && offset%8 == 0 {
					if v, ok := memo[offset]; ok {
						e.ReplaceAllUsesWith(id, v)
						e.Remove(id)
						changed = true
						continue
					}
					memo[offset] = id
				} else {
					delete(memo, offset)
				}
			case ir.OpStoreContext:
				offset := uint32(op.Imm)
				if op.Size == 8 && offset%8 == 0 {
					memo[offset] = op.Args[0]
				} else {
					delete(memo, offset)
				}
			case ir.OpLoadContextIndexed, ir.OpStoreContextIndexed:
				// Unknown offset at compile time: invalidate everything.
				memo = make(map[uint32]ir.NodeID)
			}
		}
	}
	return changed
}
