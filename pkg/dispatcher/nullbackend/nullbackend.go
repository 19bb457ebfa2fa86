// Package nullbackend is a stub dispatcher.CPUBackend that exists only so
// pkg/translator and cmd/x86dbt have something concrete to exercise in tests
//.
// It does not generate host machine code; CompileCode returns a tiny
// placeholder byte sequence recording the block's entry PC and op count,
// enough for LookupCache/CodeBuffer round-trip tests without depending on
// a real AArch64/x86-64 encoder.
package nullbackend

import (
	"encoding/binary"
	"fmt"

	"github.com/havenjit/x86dbt/pkg/dispatcher"
	"github.com/havenjit/x86dbt/pkg/ir"
	"github.com/havenjit/x86dbt/pkg/state"
)

// Backend implements dispatcher.CPUBackend with no real codegen.
type Backend struct{}

// New returns a stub backend.
func New() *Backend { return &Backend{} }

// CompileCode encodes a deterministic 16-byte placeholder: entryPC followed
// by the number of ops in the compacted graph, so tests can assert on
// identity/size without a real encoder.
func (b *Backend) CompileCode(entryPC uint64, e *ir.Emitter) (dispatcher.CompiledBlock, error) {
	// Jump/CondJump terminators target blocks inside this same compilation
	// unit; the cross-unit links the BlockLink graph tracks are the
	// ExitFunction terminators that carry a concrete guest target in Imm
	// (an out-of-window branch the decoder chose not to follow).
	var successors []uint64
	for _, blk := range e.Blocks() {
		term := e.Terminator(blk)
		if term == ir.NodeInvalid {
			continue
		}
		op := e.Arena.Node(term).Op
		if op.Code == ir.OpExitFunction && op.Imm != 0 {
			successors = append(successors, op.Imm)
		}
	}

	code := make([]byte, 16)
	binary.LittleEndian.PutUint64(code[0:8], entryPC)
	binary.LittleEndian.PutUint64(code[8:16], uint64(e.Arena.Len()))

	return dispatcher.CompiledBlock{
		Code: code,
		Successors: successors,
	}, nil
}

// ExecuteDispatch is unimplemented: the stub backend has no real JIT loop.
func (b *Backend) ExecuteDispatch(frame *state.Frame) error {
	return fmt.Errorf("nullbackend: ExecuteDispatch not implemented (stub back end)")
}

// ExecuteJITCallback is unimplemented for the same reason.
func (b *Backend) ExecuteJITCallback(frame *state.Frame, resumeHostPC uintptr) error {
	return fmt.Errorf("nullbackend: ExecuteJITCallback not implemented (stub back end)")
}
