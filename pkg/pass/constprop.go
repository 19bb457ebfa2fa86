package pass

import "github.com/havenjit/x86dbt/pkg/ir"

// ConstProp folds any op whose arguments are all already known-constant
// into a single OP_CONSTANT — in particular, as the
// spec calls out by name, Zext(k) of a constant k becomes Constant(k &
// mask). Placed after RCLSE so stores RCLSE forwarded into loads get a
// chance to fold too.
type ConstProp struct{}

func (*ConstProp) Name() string { return "ConstProp" }

func (p *ConstProp) Run(e *ir.Emitter) bool {
	changed := false
	for _, block := range e.Blocks() {
		for _, id := range e.OpsInBlock(block) {
			op := e.Arena.Node(id).Op
			if len(op.Args) == 0 || op.Code == ir.OpConstant {
				continue
			}
			args := make([]uint64, len(op.Args))
			allConst := true
			for i, a := range op.Args {
				v, ok := e.IsValueConstant(a)
				if !ok {
					allConst = false
					break
				}
				args[i] = v
			}
			if !allConst {
				continue
			}
			if v, ok := ir.EvalConstant(op.Code, op.Size, op.Aux, args); ok {
				e.ReplaceWithConstant(id, v)
				changed = true
			}
		}
	}
	return changed
}
