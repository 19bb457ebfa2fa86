package pass

import (
	"github.com/havenjit/x86dbt/pkg/ir"
	"github.com/havenjit/x86dbt/pkg/state"
)

// StaticRegisterAllocation converts every LoadContext/StoreContext that
// targets the guest GPR array into LoadRegister/StoreRegister: this build has no native codegen back end, so "pin a GPR slot to
// a specific host register" degenerates to the whole GPR array being the
// pinned set — every context access to it is a fixed-register access by
// construction, rather than a subset chosen by a real allocator. FPR/vector
// slots are left as plain context accesses.
type StaticRegisterAllocation struct{}

func (*StaticRegisterAllocation) Name() string { return "StaticRegisterAllocation" }

func (p *StaticRegisterAllocation) Run(e *ir.Emitter) bool {
	changed := false
	for _, block := range e.Blocks() {
		for _, id := range e.OpsInBlock(block) {
			op := e.Arena.Node(id).Op
			offset := uint32(op.Imm)
			switch op.Code {
			case ir.OpLoadContext:
				if offset >= uint32(state.GPRArrayBytes) {
					continue
				}
				e.ReplaceOp(id, ir.IROp{Code: ir.OpLoadRegister, Size: op.Size, Imm: op.Imm})
				changed = true
			case ir.OpStoreContext:
				if offset >= uint32(state.GPRArrayBytes) {
					continue
				}
				e.ReplaceOp(id, ir.IROp{Code: ir.OpStoreRegister, Size: op.Size, Imm: op.Imm, Args: op.Args})
				changed = true
			}
		}
	}
	return changed
}
