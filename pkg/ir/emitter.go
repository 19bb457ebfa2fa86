package ir

// Emitter owns the SSA graph for one compilation unit and a write cursor
// into it. Every pass and the OpDispatchBuilder share this
// type.
type Emitter struct {
	Arena *Arena

	curBlock NodeID
	cursor   NodeID // insert new ops immediately after this node
}

// NewEmitter allocates a fresh arena with the IRHeader already in place.
func NewEmitter(entryPC uint64) *Emitter {
	a := NewArena()
	a.Node(a.Header()).Op.EntryPC = entryPC
	return &Emitter{Arena: a, curBlock: NodeInvalid, cursor: NodeInvalid}
}

// CreateCodeBlock allocates a new block and appends it to the block chain
//.
func (e *Emitter) CreateCodeBlock() NodeID {
	id := e.Arena.alloc(OrderedNode{
		Prev: NodeInvalid,
		Next: NodeInvalid,
		Block: NodeInvalid,
		Op: IROp{Code: OpCodeBlock, BlockFirstOp: NodeInvalid, BlockLastOp: NodeInvalid, NextBlock: NodeInvalid},
	})
	e.linkBlock(id)
	e.curBlock = id
	e.cursor = NodeInvalid
	return id
}

// CreateCodeBlockAfter allocates a new block spliced into the chain
// immediately after block `after`.
func (e *Emitter) CreateCodeBlockAfter(after NodeID) NodeID {
	id := e.Arena.alloc(OrderedNode{
		Prev: NodeInvalid,
		Next: NodeInvalid,
		Block: NodeInvalid,
		Op: IROp{Code: OpCodeBlock, BlockFirstOp: NodeInvalid, BlockLastOp: NodeInvalid},
	})
	afterNode := e.Arena.Node(after)
	newNode := e.Arena.Node(id)
	newNode.Op.NextBlock = afterNode.Op.NextBlock
	afterNode.Op.NextBlock = id
	e.curBlock = id
	e.cursor = NodeInvalid
	return id
}

func (e *Emitter) linkBlock(id NodeID) {
	hdr := e.Arena.Node(e.Arena.Header())
	if hdr.Op.FirstBlock == NodeInvalid {
		hdr.Op.FirstBlock = id
		hdr.Op.NumBlocks = 1
		return
	}
	last := hdr.Op.FirstBlock
	for {
		n := e.Arena.Node(last)
		if n.Op.NextBlock == NodeInvalid {
			break
		}
		last = n.Op.NextBlock
	}
	e.Arena.Node(last).Op.NextBlock = id
	hdr.Op.NumBlocks++
}

// EnterBlock repositions the emitter to append after block's existing ops
// (or at its head if it is still empty), without creating a new block. Used
// by multiblock lowering to resume writing into a block that was allocated
// in an earlier pass.
func (e *Emitter) EnterBlock(block NodeID) {
	e.curBlock = block
	e.cursor = e.Arena.Node(block).Op.BlockLastOp
}

// SetWriteCursor repositions the insertion point: subsequent Emit calls
// insert immediately after `node`, within node's own block. Passing
// NodeInvalid resets to "insert at the start of the current block"
//.
func (e *Emitter) SetWriteCursor(node NodeID) {
	if node == NodeInvalid {
		e.cursor = NodeInvalid
		return
	}
	e.curBlock = e.Arena.Node(node).Block
	e.cursor = node
}

// CurrentBlock returns the block new ops are being appended to.
func (e *Emitter) CurrentBlock() NodeID { return e.curBlock }

// Emit allocates a node at the cursor with the given opcode, size and
// argument edges, incrementing each argument's use-count, and returns its
// NodeID (the design "_<Op>(args…)").
func (e *Emitter) Emit(code OpCode, size uint8, args ...NodeID) NodeID {
	cp := make([]NodeID, len(args))
	copy(cp, args)
	return e.emitOp(IROp{Code: code, Size: size, Args: cp})
}

// EmitConstant allocates an OP_CONSTANT node carrying value.
func (e *Emitter) EmitConstant(value uint64, size uint8) NodeID {
	return e.emitOp(IROp{Code: OpConstant, Size: size, Imm: value})
}

// EmitWithImm allocates a node carrying both argument edges and an
// immediate/aux payload (context offsets, flag ids, displacement,...).
func (e *Emitter) EmitWithImm(code OpCode, size uint8, imm uint64, aux uint32, args ...NodeID) NodeID {
	cp := make([]NodeID, len(args))
	copy(cp, args)
	return e.emitOp(IROp{Code: code, Size: size, Imm: imm, Aux: aux, Args: cp})
}

func (e *Emitter) emitOp(op IROp) NodeID {
	id := e.Arena.alloc(OrderedNode{
		Prev: NodeInvalid,
		Next: NodeInvalid,
		Block: e.curBlock,
		Op: op,
	})
	for _, a := range op.Args {
		if a != NodeInvalid {
			e.Arena.Node(a).UseCount++
		}
	}
	e.insertAfterCursor(id)
	e.cursor = id
	return id
}

// insertAfterCursor splices id into the current block's intrusive list
// immediately after e.cursor (or at the block head if the cursor is unset).
func (e *Emitter) insertAfterCursor(id NodeID) {
	blk := e.Arena.Node(e.curBlock)
	node := e.Arena.Node(id)

	if e.cursor == NodeInvalid {
		// Insert at block head.
		oldFirst := blk.Op.BlockFirstOp
		node.Next = oldFirst
		node.Prev = NodeInvalid
		if oldFirst != NodeInvalid {
			e.Arena.Node(oldFirst).Prev = id
		} else {
			blk.Op.BlockLastOp = id
		}
		blk.Op.BlockFirstOp = id
		return
	}

	cur := e.Arena.Node(e.cursor)
	after := cur.Next
	node.Prev = e.cursor
	node.Next = after
	cur.Next = id
	if after != NodeInvalid {
		e.Arena.Node(after).Prev = id
	} else {
		blk.Op.BlockLastOp = id
	}
}

// Remove decrements uses of all arguments and unlinks node from its block's
// intrusive list, without reclaiming the arena slot.
func (e *Emitter) Remove(node NodeID) {
	n := e.Arena.Node(node)
	if n.Removed {
		return
	}
	for _, a := range n.Op.Args {
		if a != NodeInvalid {
			an := e.Arena.Node(a)
			if an.UseCount > 0 {
				an.UseCount--
			}
		}
	}

	blk := e.Arena.Node(n.Block)
	if n.Prev != NodeInvalid {
		e.Arena.Node(n.Prev).Next = n.Next
	} else {
		blk.Op.BlockFirstOp = n.Next
	}
	if n.Next != NodeInvalid {
		e.Arena.Node(n.Next).Prev = n.Prev
	} else {
		blk.Op.BlockLastOp = n.Prev
	}

	n.Removed = true
	n.Prev, n.Next = NodeInvalid, NodeInvalid
}

// ReplaceAllUsesWith rewrites every edge referencing old to reference
// newNode instead, across the whole graph, adjusting use-counts.
func (e *Emitter) ReplaceAllUsesWith(old, newNode NodeID) {
	e.ReplaceAllUsesWithRange(old, newNode, 0, NodeID(e.Arena.Len()))
}

// ReplaceAllUsesWithRange is as ReplaceAllUsesWith, but restricted to
// consumer nodes with NodeID in [begin, end), and stops early once old's
// use-count reaches zero.
func (e *Emitter) ReplaceAllUsesWithRange(old, newNode NodeID, begin, end NodeID) {
	if old == newNode {
		return
	}
	oldNode := e.Arena.Node(old)
	newOrdNode := e.Arena.Node(newNode)
	for id := begin; id < end && id < NodeID(e.Arena.Len()); id++ {
		if oldNode.UseCount == 0 {
			return
		}
		n := e.Arena.Node(id)
		if n.Removed {
			continue
		}
		for i, a := range n.Op.Args {
			if a == old {
				n.Op.Args[i] = newNode
				oldNode.UseCount--
				newOrdNode.UseCount++
			}
		}
	}
}

// ReplaceNodeArgument rewrites a single argument edge in place.
func (e *Emitter) ReplaceNodeArgument(node NodeID, idx int, newArg NodeID) {
	n := e.Arena.Node(node)
	old := n.Op.Args[idx]
	if old == newArg {
		return
	}
	n.Op.Args[idx] = newArg
	if old != NodeInvalid {
		on := e.Arena.Node(old)
		if on.UseCount > 0 {
			on.UseCount--
		}
	}
	if newArg != NodeInvalid {
		e.Arena.Node(newArg).UseCount++
	}
}

// ReplaceWithConstant turns node into an OP_CONSTANT carrying value,
// in place. the design distinguishes an in-place overwrite (when the
// op's payload slot is large enough) from emitting a fresh Constant and
// RAUW-ing; because this arena stores ops as Go structs rather than a
// fixed-size byte slot, the in-place form is always available, so we take
// it unconditionally — node identity (and therefore every existing use-edge
// pointing at it) is preserved either way.
func (e *Emitter) ReplaceWithConstant(node NodeID, value uint64) {
	n := e.Arena.Node(node)
	for _, a := range n.Op.Args {
		if a != NodeInvalid {
			an := e.Arena.Node(a)
			if an.UseCount > 0 {
				an.UseCount--
			}
		}
	}
	n.Op = IROp{Code: OpConstant, Size: n.Op.Size, Imm: value}
}

// ReplaceOp overwrites node's opcode, size and args in place, adjusting
// use-counts for both the old and new argument edges. Unlike
// ReplaceWithConstant, the replacement can be any shape; used by passes that
// narrow or retarget a node entirely (e.g. LongDivideElimination turning a
// 128-bit-dividend LDiv into a plain 64-bit Div, or StaticRegisterAllocation
// turning a LoadContext into a LoadRegister) rather than just folding its
// value.
func (e *Emitter) ReplaceOp(node NodeID, newOp IROp) {
	n := e.Arena.Node(node)
	for _, a := range n.Op.Args {
		if a != NodeInvalid {
			an := e.Arena.Node(a)
			if an.UseCount > 0 {
				an.UseCount--
			}
		}
	}
	for _, a := range newOp.Args {
		if a != NodeInvalid {
			e.Arena.Node(a).UseCount++
		}
	}
	n.Op = newOp
}

// Compact renumbers every node contiguously, dropping removed tombstones,
// and rewrites every edge (argument, block-chain link, header) to match
//. It must be the last mutation performed against a
// graph: any NodeID captured beforehand is invalid afterward.
func (e *Emitter) Compact() {
	old := e.Arena
	remap := make([]NodeID, len(old.Nodes))
	na := &Arena{Nodes: make([]OrderedNode, 0, len(old.Nodes))}
	for id := NodeID(0); id < NodeID(len(old.Nodes)); id++ {
		n := old.Nodes[id]
		if n.Removed {
			remap[id] = NodeInvalid
			continue
		}
		remap[id] = NodeID(len(na.Nodes))
		na.Nodes = append(na.Nodes, n)
	}
	relink := func(id NodeID) NodeID {
		if id == NodeInvalid {
			return NodeInvalid
		}
		return remap[id]
	}
	for i := range na.Nodes {
		n := &na.Nodes[i]
		n.Prev = relink(n.Prev)
		n.Next = relink(n.Next)
		n.Block = relink(n.Block)
		for j, a := range n.Op.Args {
			n.Op.Args[j] = relink(a)
		}
		n.Op.BlockFirstOp = relink(n.Op.BlockFirstOp)
		n.Op.BlockLastOp = relink(n.Op.BlockLastOp)
		n.Op.NextBlock = relink(n.Op.NextBlock)
		n.Op.FirstBlock = relink(n.Op.FirstBlock)
	}
	e.Arena = na
	e.curBlock = relink(e.curBlock)
	e.cursor = relink(e.cursor)
}

// IsValueConstant reports whether edge's producer is an OP_CONSTANT, and if
// so returns its value.
func (e *Emitter) IsValueConstant(edge NodeID) (value uint64, ok bool) {
	if edge == NodeInvalid {
		return 0, false
	}
	n := e.Arena.Node(edge)
	if n.Op.Code != OpConstant {
		return 0, false
	}
	return n.Op.Imm, true
}

// Blocks returns every CodeBlock NodeID in program order.
func (e *Emitter) Blocks() []NodeID {
	var out []NodeID
	hdr := e.Arena.Node(e.Arena.Header())
	for b := hdr.Op.FirstBlock; b != NodeInvalid; b = e.Arena.Node(b).Op.NextBlock {
		out = append(out, b)
	}
	return out
}

// OpsInBlock returns every (non-removed) op NodeID in block, in program
// order.
func (e *Emitter) OpsInBlock(block NodeID) []NodeID {
	var out []NodeID
	blk := e.Arena.Node(block)
	for n := blk.Op.BlockFirstOp; n != NodeInvalid; n = e.Arena.Node(n).Next {
		if !e.Arena.Node(n).Removed {
			out = append(out, n)
		}
	}
	return out
}

// AllOps returns header, then every block, then every op within each block
// — the "all-ops iteration (header → each block → each op)".
func (e *Emitter) AllOps() []NodeID {
	out := []NodeID{e.Arena.Header()}
	for _, b := range e.Blocks() {
		out = append(out, b)
		out = append(out, e.OpsInBlock(b)...)
	}
	return out
}

// Terminator returns the last op of block, or NodeInvalid if the block is
// empty. It does not check that the returned op is a terminator.
func (e *Emitter) Terminator(block NodeID) NodeID {
	last := e.Arena.Node(block).Op.BlockLastOp
	if last == NodeInvalid {
		return NodeInvalid
	}
	return last
}

// Dominates reports whether def's node precedes use's node in a way that
// satisfies the dominance invariant for this IR's shape (blocks
// chained in program order, no back-edges except through explicit
// CondJump/Jump targets): def must have been allocated strictly before use.
// Because the arena is append-only and every argument is emitted before
// its consumer, NodeID order is allocation order, which is exactly the
// "earlier in the same block, or in a strictly dominating (= earlier)
// block" relationship for this IR.
func (e *Emitter) Dominates(def, use NodeID) bool {
	return def < use
}
