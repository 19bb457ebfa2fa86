package decode

import "testing"

func TestDecodeAtMovRet(t *testing.T) {
	// mov eax, 7; ret
	code := []byte{0xB8, 0x07, 0x00, 0x00, 0x00, 0xC3}
	mem := &flatMemory{Base: 0x1000, Bytes: code}
	dec := New(mem, DefaultConfig())

	blocks, minA, maxA, err := dec.DecodeAt(0x1000)
	if err != nil {
		t.Fatalf("DecodeAt: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	blk := blocks[0]
	if blk.HasInvalidInstruction {
		t.Fatalf("unexpected invalid instruction")
	}
	if len(blk.Insts) != 2 {
		t.Fatalf("expected 2 instructions, got %d", len(blk.Insts))
	}
	if minA != 0x1000 || maxA != 0x1000+uint64(len(code)) {
		t.Fatalf("bounds = [%#x,%#x)", minA, maxA)
	}
}

func TestDecodeAtInvalidByteTruncates(t *testing.T) {
	// A valid NOP followed by an undecodable byte sequence (0x0F 0xFF is
	// undefined on current x86).
	code := []byte{0x90, 0x0F, 0xFF}
	mem := &flatMemory{Base: 0x2000, Bytes: code}
	dec := New(mem, DefaultConfig())

	blocks, _, _, err := dec.DecodeAt(0x2000)
	if err != nil {
		t.Fatalf("DecodeAt: %v", err)
	}
	blk := blocks[0]
	if !blk.HasInvalidInstruction {
		t.Fatalf("expected HasInvalidInstruction")
	}
	if len(blk.Insts) != 1 {
		t.Fatalf("expected block truncated just before bad instruction, got %d insts", len(blk.Insts))
	}
}

func TestDecodeAtCondBranchQueuesTarget(t *testing.T) {
	// cmp eax, 0; je +3; ret; nop; nop; ret(target)
	// 3D 00 00 00 00 cmp eax, 0 (5 bytes) @0x3000
	// 74 03 je +3 (2 bytes) @0x3005, target=0x300A
	// C3 ret (1 byte) @0x3007 (block 0 terminator)
	// 90 nop (1 byte) @0x3008 (unreached filler)
	// 90 nop (1 byte) @0x3009 (unreached filler)
	// C3 ret (1 byte) @0x300A (branch target, block 1)
	code := []byte{0x3D, 0x00, 0x00, 0x00, 0x00, 0x74, 0x03, 0xC3, 0x90, 0x90, 0xC3}
	mem := &flatMemory{Base: 0x3000, Bytes: code}
	dec := New(mem, DefaultConfig())

	blocks, _, _, err := dec.DecodeAt(0x3000)
	if err != nil {
		t.Fatalf("DecodeAt: %v", err)
	}
	if len(blocks) < 2 {
		t.Fatalf("expected at least 2 blocks (fallthrough + branch target), got %d", len(blocks))
	}
}
