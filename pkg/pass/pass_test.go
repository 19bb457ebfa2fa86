package pass

import (
	"testing"

	"github.com/havenjit/x86dbt/pkg/ir"
	"github.com/havenjit/x86dbt/pkg/state"
)

func TestContextLoadStoreEliminationForwardsStore(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	v := e.EmitConstant(42, 8)
	e.EmitWithImm(ir.OpStoreContext, 8, 0, 0, v)
	ld := e.EmitWithImm(ir.OpLoadContext, 8, 0, 0)
	mv := e.Emit(ir.OpMov, 8, ld)
	e.EmitWithImm(ir.OpStoreContext, 8, 8, 0, mv)
	e.Emit(ir.OpExitFunction, 0)

	if !(&ContextLoadStoreElimination{}).Run(e) {
		t.Fatalf("expected RCLSE to report a change")
	}
	if !e.Arena.Node(ld).Removed {
		t.Fatalf("expected the redundant load to be removed")
	}
	if got := e.Arena.Node(mv).Op.Args[0]; got != v {
		t.Fatalf("mov's argument = %d, want the remembered store value %d", got, v)
	}
}

func TestContextLoadStoreEliminationCollapsesDuplicateLoads(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	ld1 := e.EmitWithImm(ir.OpLoadContext, 8, 0, 0)
	ld2 := e.EmitWithImm(ir.OpLoadContext, 8, 0, 0)
	sum := e.Emit(ir.OpAdd, 8, ld1, ld2)
	e.EmitWithImm(ir.OpStoreContext, 8, 8, 0, sum)
	e.Emit(ir.OpExitFunction, 0)

	if !(&ContextLoadStoreElimination{}).Run(e) {
		t.Fatalf("expected RCLSE to report a change")
	}
	if !e.Arena.Node(ld2).Removed {
		t.Fatalf("expected the second load of the same slot to collapse into the first")
	}
	args := e.Arena.Node(sum).Op.Args
	if args[0] != ld1 || args[1] != ld1 {
		t.Fatalf("sum's args = %v, want both edges rewritten to the first load %d", args, ld1)
	}
}

func TestContextLoadStoreEliminationResetsAcrossBlocks(t *testing.T) {
	e := ir.NewEmitter(0)
	b1 := e.CreateCodeBlock()
	v := e.EmitConstant(1, 8)
	e.EmitWithImm(ir.OpStoreContext, 8, 0, 0, v)
	e.Emit(ir.OpExitFunction, 0)
	_ = b1

	e.CreateCodeBlock()
	ld := e.EmitWithImm(ir.OpLoadContext, 8, 0, 0)
	e.Emit(ir.OpMov, 8, ld)
	e.Emit(ir.OpExitFunction, 0)

	(&ContextLoadStoreElimination{}).Run(e)
	if e.Arena.Node(ld).Removed {
		t.Fatalf("a store in one block must not be forwarded into another block's load")
	}
}

func TestDeadStoreEliminationRemovesShadowedStore(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	v1 := e.EmitConstant(1, 8)
	v2 := e.EmitConstant(2, 8)
	first := e.EmitWithImm(ir.OpStoreContext, 8, 0, 0, v1)
	e.EmitWithImm(ir.OpStoreContext, 8, 0, 0, v2)
	e.Emit(ir.OpExitFunction, 0)

	if !(&DeadStoreElimination{}).Run(e) {
		t.Fatalf("expected a change")
	}
	if !e.Arena.Node(first).Removed {
		t.Fatalf("expected the shadowed store to be removed")
	}
}

func TestDeadCodeEliminationRemovesUnusedChain(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	c1 := e.EmitConstant(1, 8)
	c2 := e.EmitConstant(2, 8)
	dead1 := e.Emit(ir.OpAdd, 8, c1, c2)
	dead2 := e.Emit(ir.OpNot, 8, dead1) // only consumer of dead1
	e.Emit(ir.OpExitFunction, 0)

	if !(&DeadCodeElimination{}).Run(e) {
		t.Fatalf("expected a change")
	}
	if !e.Arena.Node(dead1).Removed || !e.Arena.Node(dead2).Removed {
		t.Fatalf("expected the whole unused chain to be removed in one fixed-point pass")
	}
	assertDCEFixedPoint(t, e)
}

// assertDCEFixedPoint checks the property DCE must leave behind: every
// surviving op either has a side effect or at least one use.
func assertDCEFixedPoint(t *testing.T, e *ir.Emitter) {
	t.Helper()
	for _, block := range e.Blocks() {
		for _, id := range e.OpsInBlock(block) {
			n := e.Arena.Node(id)
			if !n.Op.Code.HasSideEffect() && n.UseCount == 0 {
				t.Errorf("node %d (%s) survived DCE with zero uses and no side effect", id, n.Op.Code)
			}
		}
	}
}

func TestDeadCodeEliminationKeepsSideEffects(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	v := e.EmitConstant(7, 8)
	store := e.EmitWithImm(ir.OpStoreContext, 8, 0, 0, v)
	e.Emit(ir.OpExitFunction, 0)

	(&DeadCodeElimination{}).Run(e)
	if e.Arena.Node(store).Removed {
		t.Fatalf("a store must never be removed by DCE even with zero use-count")
	}
}

func TestDeadCodeEliminationStrengthReducesUnusedAtomicFetch(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	addr := e.EmitConstant(0x2000, 8)
	delta := e.EmitConstant(1, 8)
	fetch := e.Emit(ir.OpAtomicFetchAdd, 8, addr, delta)
	e.Emit(ir.OpExitFunction, 0)

	(&DeadCodeElimination{}).Run(e)
	if e.Arena.Node(fetch).Removed {
		t.Fatalf("an atomic must never be removed outright")
	}
	if got := e.Arena.Node(fetch).Op.Code; got != ir.OpAtomicAdd {
		t.Fatalf("expected strength reduction to OpAtomicAdd, got %s", got)
	}
}

func TestConstPropFoldsZext(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	c := e.EmitConstant(0x1FF, 8)
	z := e.Emit(ir.OpZext, 1, c)
	e.Emit(ir.OpExitFunction, 0)

	if !(&ConstProp{}).Run(e) {
		t.Fatalf("expected a change")
	}
	v, ok := e.IsValueConstant(z)
	if !ok || v != 0xFF {
		t.Fatalf("Zext(0x1FF) at size 1 = (%d,%v), want (0xFF,true)", v, ok)
	}
}

func TestConstPropFoldsCmp(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	a := e.EmitConstant(3, 8)
	b := e.EmitConstant(5, 8)
	cmp := e.EmitWithImm(ir.OpCmp, 8, 0, uint32(ir.CmpUlt), a, b)
	e.Emit(ir.OpExitFunction, 0)

	(&ConstProp{}).Run(e)
	v, ok := e.IsValueConstant(cmp)
	if !ok || v != 1 {
		t.Fatalf("Cmp(Ult, 3, 5) = (%d,%v), want (1,true)", v, ok)
	}
}

func TestLongDivideEliminationRewritesSignedIdiom(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	low := e.EmitWithImm(ir.OpLoadContext, 8, 0, 0)
	hi := e.EmitWithImm(ir.OpSbfe, 8, 0, uint32(1)<<8|63, low)
	divisor := e.EmitConstant(3, 8)
	q := e.Emit(ir.OpLDiv, 8, hi, low, divisor)
	r := e.Emit(ir.OpLRem, 8, hi, low, divisor)
	e.EmitWithImm(ir.OpStoreContext, 8, 0, 0, q)
	e.EmitWithImm(ir.OpStoreContext, 8, 16, 0, r)
	e.Emit(ir.OpExitFunction, 0)

	if !(&LongDivideElimination{}).Run(e) {
		t.Fatalf("expected a change")
	}
	if got := e.Arena.Node(q).Op.Code; got != ir.OpDiv {
		t.Fatalf("expected LDiv to become Div, got %s", got)
	}
	if got := e.Arena.Node(r).Op.Code; got != ir.OpRem {
		t.Fatalf("expected LRem to become Rem, got %s", got)
	}
	if args := e.Arena.Node(q).Op.Args; len(args) != 2 || args[0] != low || args[1] != divisor {
		t.Fatalf("Div's args = %v, want [low, divisor]", args)
	}
}

func TestLongDivideEliminationLeavesUnrecognizedShapeAlone(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	low := e.EmitConstant(10, 8)
	hi := e.EmitConstant(1, 8) // not a known-zero / sign-extend shape
	divisor := e.EmitConstant(3, 8)
	q := e.Emit(ir.OpLUDiv, 8, hi, low, divisor)
	e.EmitWithImm(ir.OpStoreContext, 8, 0, 0, q)
	e.Emit(ir.OpExitFunction, 0)

	(&LongDivideElimination{}).Run(e)
	if got := e.Arena.Node(q).Op.Code; got != ir.OpLUDiv {
		t.Fatalf("expected LUDiv to be left alone, got %s", got)
	}
}

func TestDeadFlagCalculationEliminationRemovesShadowedStore(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	one := e.EmitConstant(1, 1)
	zero := e.EmitConstant(0, 1)
	firstStore := e.EmitWithImm(ir.OpStoreFlag, 1, 0, uint32(state.FlagZF), one)
	secondStore := e.EmitWithImm(ir.OpStoreFlag, 1, 0, uint32(state.FlagZF), zero)
	e.EmitWithImm(ir.OpLoadFlag, 1, 0, uint32(state.FlagZF)) // a Jcc consuming ZF before the block ends
	e.Emit(ir.OpExitFunction, 0)

	p := &DeadFlagCalculationElimination{FlagEscapes: func(ir.NodeID) bool { return false }}
	if !p.Run(e) {
		t.Fatalf("expected a change")
	}
	if !e.Arena.Node(firstStore).Removed {
		t.Fatalf("expected the shadowed flag store to be removed")
	}
	if e.Arena.Node(secondStore).Removed {
		t.Fatalf("the store actually consumed by the later load must survive")
	}
}

func TestDeadFlagCalculationEliminationSweepsUnconsumedStoreAtBlockEnd(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	zero := e.EmitConstant(0, 1)
	store := e.EmitWithImm(ir.OpStoreFlag, 1, 0, uint32(state.FlagZF), zero)
	e.Emit(ir.OpExitFunction, 0)

	p := &DeadFlagCalculationElimination{FlagEscapes: func(ir.NodeID) bool { return false }, UnsafeLocal: true}
	if !p.Run(e) {
		t.Fatalf("expected a change")
	}
	if !e.Arena.Node(store).Removed {
		t.Fatalf("a flag store never loaded before block end is dead under the no-escape assumption")
	}
}

func TestDeadFlagCalculationEliminationKeepsBlockEndStoresWithoutUnsafeLocal(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	zero := e.EmitConstant(0, 1)
	store := e.EmitWithImm(ir.OpStoreFlag, 1, 0, uint32(state.FlagZF), zero)
	e.Emit(ir.OpExitFunction, 0)

	p := &DeadFlagCalculationElimination{FlagEscapes: func(ir.NodeID) bool { return false }}
	if p.Run(e) {
		t.Fatalf("without UnsafeLocal the block-end sweep must not fire")
	}
	if e.Arena.Node(store).Removed {
		t.Fatalf("a block-end flag store must survive unless FLAGS_UNSAFE_LOCAL opts in")
	}
}

func TestDeadFlagCalculationEliminationSkipsEscapingBlock(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	one := e.EmitConstant(1, 1)
	zero := e.EmitConstant(0, 1)
	firstStore := e.EmitWithImm(ir.OpStoreFlag, 1, 0, uint32(state.FlagZF), one)
	e.EmitWithImm(ir.OpStoreFlag, 1, 0, uint32(state.FlagZF), zero)
	e.Emit(ir.OpExitFunction, 0)

	p := &DeadFlagCalculationElimination{FlagEscapes: func(ir.NodeID) bool { return true }}
	if p.Run(e) {
		t.Fatalf("a block with an escaping pushf/popf must never be touched")
	}
	if e.Arena.Node(firstStore).Removed {
		t.Fatalf("the shadowed store must survive when FlagEscapes reports true")
	}
}

func TestSyscallOptimizationInlinesGetpid(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	id := e.EmitConstant(39, 8) // getpid, 0 args
	a1 := e.EmitConstant(1, 8)
	a2 := e.EmitConstant(2, 8)
	a3 := e.EmitConstant(3, 8)
	a4 := e.EmitConstant(4, 8)
	a5 := e.EmitConstant(5, 8)
	a6 := e.EmitConstant(6, 8)
	sc := e.Emit(ir.OpSyscall, 8, id, a1, a2, a3, a4, a5, a6)
	e.EmitWithImm(ir.OpStoreContext, 8, 0, 0, sc)
	e.Emit(ir.OpExitFunction, 0)

	if !(&SyscallOptimization{}).Run(e) {
		t.Fatalf("expected a change")
	}
	n := e.Arena.Node(sc)
	if n.Op.Code != ir.OpInlineSyscall {
		t.Fatalf("expected OpInlineSyscall, got %s", n.Op.Code)
	}
	if n.Op.Imm != 39 {
		t.Fatalf("Imm = %d, want 39", n.Op.Imm)
	}
	for _, a := range n.Op.Args {
		if a != ir.NodeInvalid {
			t.Fatalf("getpid takes no arguments, expected every edge cleared, got %v", n.Op.Args)
		}
	}
	if e.Arena.Node(a1).UseCount != 0 {
		t.Fatalf("a1 should have lost its use once cleared")
	}
}

func TestSyscallOptimizationLeavesUnknownIDAlone(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	id := e.EmitConstant(999999, 8)
	sc := e.Emit(ir.OpSyscall, 8, id, id, id, id, id, id, id)
	e.Emit(ir.OpExitFunction, 0)

	if (&SyscallOptimization{}).Run(e) {
		t.Fatalf("an unknown syscall number must not be rewritten")
	}
	if e.Arena.Node(sc).Op.Code != ir.OpSyscall {
		t.Fatalf("expected the op to remain OpSyscall")
	}
}

func TestStaticRegisterAllocationConvertsGPRAccess(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	ld := e.EmitWithImm(ir.OpLoadContext, 8, 0, 0)
	st := e.EmitWithImm(ir.OpStoreContext, 8, 8, 0, ld)
	e.Emit(ir.OpExitFunction, 0)

	if !(&StaticRegisterAllocation{}).Run(e) {
		t.Fatalf("expected a change")
	}
	if got := e.Arena.Node(ld).Op.Code; got != ir.OpLoadRegister {
		t.Fatalf("expected LoadRegister, got %s", got)
	}
	if got := e.Arena.Node(st).Op.Code; got != ir.OpStoreRegister {
		t.Fatalf("expected StoreRegister, got %s", got)
	}
	if err := ValidateRA(e); err != nil {
		t.Fatalf("ValidateRA: %v", err)
	}
}

func TestIRCompactionDropsRemovedNodes(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	c1 := e.EmitConstant(1, 8)
	dead := e.Emit(ir.OpAdd, 8, c1, c1)
	e.Emit(ir.OpExitFunction, 0)
	e.Remove(dead)

	before := e.Arena.Len()
	(&IRCompaction{}).Run(e)
	if e.Arena.Len() >= before {
		t.Fatalf("expected compaction to shrink the arena, before=%d after=%d", before, e.Arena.Len())
	}
	if err := ValidateWellFormed(e); err != nil {
		t.Fatalf("ValidateWellFormed after compaction: %v", err)
	}
	if err := ValidateDominance(e); err != nil {
		t.Fatalf("ValidateDominance after compaction: %v", err)
	}
}

func TestPassManagerDisablePassesStillCompacts(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	c1 := e.EmitConstant(1, 8)
	dead := e.Emit(ir.OpAdd, 8, c1, c1)
	e.Emit(ir.OpExitFunction, 0)
	e.Remove(dead) // pre-existing garbage, not produced by any optimizer pass

	before := e.Arena.Len()
	pm := NewPassManager(func(ir.NodeID) bool { return false })
	pm.DisablePasses = true
	if pm.Run(e) {
		t.Fatalf("DISABLE_PASSES must report no optimizer changes")
	}
	if e.Arena.Len() >= before {
		t.Fatalf("IRCompaction must still run under DISABLE_PASSES: before=%d after=%d", before, e.Arena.Len())
	}
}

func TestPassManagerFullPipelineEndToEnd(t *testing.T) {
	e := ir.NewEmitter(0)
	e.CreateCodeBlock()
	v := e.EmitConstant(7, 8)
	st := e.EmitWithImm(ir.OpStoreContext, 8, 0, 0, v)
	ld := e.EmitWithImm(ir.OpLoadContext, 8, 0, 0)
	e.EmitWithImm(ir.OpStoreContext, 8, 8, 0, ld)
	e.Emit(ir.OpExitFunction, 0)
	_ = st

	pm := NewPassManager(func(ir.NodeID) bool { return false })
	pm.Assertions = true
	pm.Run(e)

	in := ir.NewInterp()
	if err := in.Run(e); err != nil {
		t.Fatalf("Run after full pipeline: %v", err)
	}
	if got := in.LoadContext(8, 8); got != 7 {
		t.Fatalf("RCX = %d, want 7 (forwarded from RAX via RCLSE/register pinning)", got)
	}
}
