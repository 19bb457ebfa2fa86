// Package pass implements the fixed-order optimizer pipeline that runs over
// a compiled block's IR before codegen: small, single-purpose transforms
// chained in a fixed order, each one independently testable against the
// SSA graph.
package pass

import (
	"fmt"
	"io"

	"github.com/havenjit/x86dbt/pkg/ir"
)

// Pass is one optimizer transform. Run reports whether it changed the
// graph — a plain bool rather than a richer diff type, since nothing
// downstream needs more than "did anything change".
type Pass interface {
	Name() string
	Run(e *ir.Emitter) bool
}

// FlagEscapeFunc reports whether block contains a PUSHF/POPF family
// instruction; DeadFlagCalculationElimination must stay disabled for such
// blocks. Supplied
// by the caller (normally dispatch.Builder.FlagEscapes) so this package
// never needs to import pkg/dispatch.
type FlagEscapeFunc func(block ir.NodeID) bool

// PassManager runs the fixed pipeline the design specifies, in order:
// ContextLoadStoreElimination, LongDivideElimination, DeadStoreElimination,
// DeadCodeElimination, ConstProp, DeadFlagCalculationElimination,
// SyscallOptimization, StaticRegisterAllocation, IRCompaction.
type PassManager struct {
	// DisablePasses mirrors the DISABLE_PASSES config flag:
	// when set, every pass except IRCompaction is skipped, since codegen
	// requires compacted indices regardless of optimization level.
	DisablePasses bool
	// DisableSRA drops StaticRegisterAllocation from the pipeline
	// (STATIC_REGISTER_ALLOCATION=0): every context access stays a plain
	// LoadContext/StoreContext and the back end spills through memory.
	DisableSRA bool
	// FlagsUnsafeLocal permits DeadFlagCalculationElimination's
	// end-of-block sweep, the part of that pass that assumes flags never
	// escape a guest block. The in-block shadowed-store removal runs
	// either way.
	FlagsUnsafeLocal bool
	// Assertions runs the three validation passes (IR well-formedness, RA
	// validation, dominance validation) after every mutating pass, the way
	// an assertion-enabled build would. Expensive; meant for
	// tests and debug runs, not production compiles.
	Assertions bool
	// DumpWriter, when non-nil, receives an IR dump after every pass
	// (PASSMANAGER_DUMP_IR) — an explicit writer supplied by the caller
	// rather than a global logger.
	DumpWriter io.Writer

	FlagEscapes FlagEscapeFunc
}

// NewPassManager returns a PassManager with the fixed pipeline wired in
// the required order. Knobs (DisablePasses, DisableSRA, FlagsUnsafeLocal,
// Assertions, DumpWriter) are plain fields set before the first Run.
func NewPassManager(flagEscapes FlagEscapeFunc) *PassManager {
	return &PassManager{FlagEscapes: flagEscapes}
}

// pipeline materializes the ordered pass list for the current knob
// settings. Rebuilt per Run so a knob flipped between compiles takes
// effect without reconstructing the manager.
func (pm *PassManager) pipeline() []Pass {
	passes := []Pass{
		&ContextLoadStoreElimination{},
		&LongDivideElimination{},
		&DeadStoreElimination{},
		&DeadCodeElimination{},
		&ConstProp{},
		&DeadFlagCalculationElimination{FlagEscapes: pm.FlagEscapes, UnsafeLocal: pm.FlagsUnsafeLocal},
		&SyscallOptimization{},
	}
	if !pm.DisableSRA {
		passes = append(passes, &StaticRegisterAllocation{})
	}
	return passes
}

// Run executes the pipeline against e, returning the aggregate changed-bit
// across every pass. IRCompaction always runs last, even under
// DisablePasses, since the back end needs contiguous indices regardless of
// optimization level.
func (pm *PassManager) Run(e *ir.Emitter) bool {
	changed := false
	if !pm.DisablePasses {
		for _, p := range pm.pipeline() {
			if p.Run(e) {
				changed = true
			}
			if pm.DumpWriter != nil {
				fmt.Fprintf(pm.DumpWriter, "; after %s\n", p.Name())
				Dump(pm.DumpWriter, e)
			}
			if pm.Assertions {
				if err := ValidateWellFormed(e); err != nil {
					panic("pass: " + p.Name() + " left the graph malformed: " + err.Error())
				}
				if err := ValidateDominance(e); err != nil {
					panic("pass: " + p.Name() + " violated dominance: " + err.Error())
				}
				if err := ValidateRA(e); err != nil {
					panic("pass: " + p.Name() + " left a malformed fixed-register access: " + err.Error())
				}
			}
		}
	}
	(&IRCompaction{}).Run(e)
	if pm.DumpWriter != nil {
		fmt.Fprintf(pm.DumpWriter, "; after IRCompaction\n")
		Dump(pm.DumpWriter, e)
	}
	return changed
}

// Dump writes a human-readable listing of every block and op to w, the
// PASSMANAGER_DUMP_IR output format.
func Dump(w io.Writer, e *ir.Emitter) {
	for _, blk := range e.Blocks() {
		fmt.Fprintf(w, "block %d:\n", blk)
		for _, id := range e.OpsInBlock(blk) {
			op := e.Arena.Node(id).Op
			fmt.Fprintf(w, "  %%%d = %s args=%v imm=%#x\n", id, op.Code, op.Args, op.Imm)
		}
	}
}
