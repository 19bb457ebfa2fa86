package nullbackend

import (
	"encoding/binary"
	"testing"

	"github.com/havenjit/x86dbt/pkg/ir"
)

func TestCompileCodeEncodesEntryPCAndOpCount(t *testing.T) {
	e := ir.NewEmitter(0x401000)
	e.CreateCodeBlock()
	e.Emit(ir.OpConstant, 8)
	e.Compact()

	b := New()
	cb, err := b.CompileCode(0x401000, e)
	if err != nil {
		t.Fatalf("CompileCode: %v", err)
	}
	if len(cb.Code) != 16 {
		t.Fatalf("Code length = %d, want 16", len(cb.Code))
	}
	gotPC := binary.LittleEndian.Uint64(cb.Code[0:8])
	if gotPC != 0x401000 {
		t.Errorf("encoded entryPC = %#x, want 0x401000", gotPC)
	}
	gotLen := binary.LittleEndian.Uint64(cb.Code[8:16])
	if int(gotLen) != e.Arena.Len() {
		t.Errorf("encoded node count = %d, want %d", gotLen, e.Arena.Len())
	}
}

func TestExecuteDispatchUnimplemented(t *testing.T) {
	b := New()
	if err := b.ExecuteDispatch(nil); err == nil {
		t.Fatalf("ExecuteDispatch unexpectedly succeeded on stub backend")
	}
}
