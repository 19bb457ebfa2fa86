package pass

import "github.com/havenjit/x86dbt/pkg/ir"

// IRCompaction renumbers every node contiguously so codegen can index the
// graph linearly. It must run strictly last — nothing
// later may run against the pre-compaction graph, since every NodeID a
// caller captured beforehand becomes invalid the moment this runs.
type IRCompaction struct{}

func (*IRCompaction) Name() string { return "IRCompaction" }

func (p *IRCompaction) Run(e *ir.Emitter) bool {
	e.Compact()
	return true
}
