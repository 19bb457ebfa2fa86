package pass

import (
	"fmt"

	"github.com/havenjit/x86dbt/pkg/ir"
	"github.com/havenjit/x86dbt/pkg/state"
)

// ValidateWellFormed checks the invariants the design states for every
// graph: each block ends in exactly one terminator and nowhere else, and
// every argument edge points at a live (allocated, non-removed) node. This
// is one of the three assertion-build-only validation passes the design
// lists alongside the fixed pipeline.
func ValidateWellFormed(e *ir.Emitter) error {
	for _, block := range e.Blocks() {
		ops := e.OpsInBlock(block)
		if len(ops) == 0 {
			return fmt.Errorf("pass: block %d has no ops", block)
		}
		for i, id := range ops {
			isLast := i == len(ops)-1
			term := e.Arena.Node(id).Op.Code.IsTerminator()
			if term != isLast {
				return fmt.Errorf("pass: block %d has a terminator at non-final position %d", block, i)
			}
			for _, a := range e.Arena.Node(id).Op.Args {
				if a == ir.NodeInvalid {
					continue
				}
				if int(a) >= e.Arena.Len() || e.Arena.Node(a).Removed {
					return fmt.Errorf("pass: node %d references dead/out-of-range arg %d", id, a)
				}
			}
		}
	}
	return nil
}

// ValidateDominance checks that every argument edge's producer was
// allocated before its consumer (ir.Emitter.Dominates), the dominance
// property the design requires of every use.
func ValidateDominance(e *ir.Emitter) error {
	for _, block := range e.Blocks() {
		for _, id := range e.OpsInBlock(block) {
			for _, a := range e.Arena.Node(id).Op.Args {
				if a == ir.NodeInvalid {
					continue
				}
				if !e.Dominates(a, id) {
					return fmt.Errorf("pass: node %d uses %d which does not dominate it", id, a)
				}
			}
		}
	}
	return nil
}

// ValidateRA checks the structural shape StaticRegisterAllocation must
// leave behind wherever it fires: a LoadRegister takes no argument edges, a
// StoreRegister takes exactly one, and both name an offset inside the GPR
// array.
func ValidateRA(e *ir.Emitter) error {
	for _, block := range e.Blocks() {
		for _, id := range e.OpsInBlock(block) {
			op := e.Arena.Node(id).Op
			switch op.Code {
			case ir.OpLoadRegister:
				if len(op.Args) != 0 {
					return fmt.Errorf("pass: LoadRegister %d carries argument edges", id)
				}
				if uint32(op.Imm) >= uint32(state.GPRArrayBytes) {
					return fmt.Errorf("pass: LoadRegister %d offset %d out of GPR range", id, op.Imm)
				}
			case ir.OpStoreRegister:
				if len(op.Args) != 1 {
					return fmt.Errorf("pass: StoreRegister %d does not carry exactly one argument edge", id)
				}
				if uint32(op.Imm) >= uint32(state.GPRArrayBytes) {
					return fmt.Errorf("pass: StoreRegister %d offset %d out of GPR range", id, op.Imm)
				}
			}
		}
	}
	return nil
}
