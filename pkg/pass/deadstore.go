package pass

import "github.com/havenjit/x86dbt/pkg/ir"

// DeadStoreElimination is RCLSE's counterpart for stores: a StoreContext to a slot that is itself overwritten by another
// StoreContext to the exact same (offset, size) before any intervening
// LoadContext of that slot never had an observable effect, so the earlier
// store is removed. A block boundary resets the tracking, matching RCLSE.
type DeadStoreElimination struct{}

func (*DeadStoreElimination) Name() string { return "DeadStoreElimination" }

type storeKey struct {
	offset uint32
	size   uint8
}

func (p *DeadStoreElimination) Run(e *ir.Emitter) bool {
	changed := false
	for _, block := range e.Blocks() {
		last := make(map[storeKey]ir.NodeID)
		for _, id := range e.OpsInBlock(block) {
			op := e.Arena.Node(id).Op
			switch op.Code {
			case ir.OpLoadContext:
				delete(last, storeKey{uint32(op.Imm), op.Size})
			case ir.OpStoreContext:
				key := storeKey{uint32(op.Imm), op.Size}
				if prior, ok := last[key]; ok {
					e.Remove(prior)
					changed = true
				}
				last[key] = id
			case ir.OpLoadContextIndexed, ir.OpStoreContextIndexed:
				last = make(map[storeKey]ir.NodeID)
			}
		}
	}
	return changed
}
