package pass

import (
	"github.com/havenjit/x86dbt/pkg/ir"
	"github.com/havenjit/x86dbt/pkg/state"
)

// DeadFlagCalculationElimination tracks, within a block, the most recent
// StoreFlag(f); a following StoreFlag(f) with no intervening LoadFlag(f)
// makes the earlier one dead. With UnsafeLocal set, any flag still stored
// but never loaded at block end is also removed, under the assumption that
// flags never escape a guest block — an assumption real guest code
// sometimes violates (a signal handler reading EFLAGS via pushfq), so the
// sweep is opt-in (FLAGS_UNSAFE_LOCAL) and the whole pass stays disabled
// for any block FlagEscapes reports true for.
type DeadFlagCalculationElimination struct {
	FlagEscapes FlagEscapeFunc
	UnsafeLocal bool
}

func (*DeadFlagCalculationElimination) Name() string { return "DeadFlagCalculationElimination" }

func (p *DeadFlagCalculationElimination) Run(e *ir.Emitter) bool {
	changed := false
	for _, block := range e.Blocks() {
		if p.FlagEscapes != nil && p.FlagEscapes(block) {
			continue
		}
		last := make(map[state.Flag]ir.NodeID)
		for _, id := range e.OpsInBlock(block) {
			op := e.Arena.Node(id).Op
			switch op.Code {
			case ir.OpLoadFlag:
				delete(last, state.Flag(op.Aux))
			case ir.OpStoreFlag:
				f := state.Flag(op.Aux)
				if prior, ok := last[f]; ok {
					e.Remove(prior)
					changed = true
				}
				last[f] = id
			}
		}
		if p.UnsafeLocal {
			for _, id := range last {
				e.Remove(id)
				changed = true
			}
		}
	}
	return changed
}
