// Package decode implements the guest x86/x86-64 instruction decoder
//: a work-queue-driven walker that turns a seed guest PC into
// one or more straight-line DecodedBlocks, following intra-block control
// flow the way a real front end would. The byte-level prefix/ModRM/SIB/
// VEX/EVEX/table work itself is delegated to golang.org/x/arch/x86/x86asm
// (the same package other_examples/c449e895_mewmew-x__disasm-x86-x86.go.go
// wraps for its own disassembler), so this package owns only the things
// the design actually specifies as its contract: the per-block walk, the
// multiblock queue, and the has_invalid_instruction policy.
package decode

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// MaxInstructionBytes is the x86 hard limit on a single instruction's
// encoded length.
const MaxInstructionBytes = 15

// MemoryReader is the minimal view of guest memory the decoder needs. It
// lets tests back the decoder with a flat byte slice and lets an embedder
// back it with mapped guest memory without either depending on the other.
type MemoryReader interface {
	// ReadAt fills p from guest memory starting at addr. A short read (less
	// than len(p) bytes available, e.g. because the containing page is
	// unmapped) returns an error; the decoder treats that identically to an
	// undecodable instruction.
	ReadAt(p []byte, addr uint64) error
}

// ErrUnmappedGuestMemory is returned by a MemoryReader when addr falls
// outside any mapped guest page.
var ErrUnmappedGuestMemory = errors.New("decode: unmapped guest memory")

// DecodedBlocks is a straight-line sequence of DecodedInst terminating in a
// branch/jump/call/return/invalid instruction.
type DecodedBlocks struct {
	EntryPC               uint64
	Insts                 []DecodedInst
	HasInvalidInstruction bool
}

// Config controls the decode walk.
type Config struct {
	Mode64Bit bool

	Multiblock            bool
	MaxInstPerBlock       int   // treated as a hard cap once reached
	MaxCondBranchForward  int64
	MaxCondBranchBackward int64

	// SymbolRangeLo/Hi bound the multiblock region when known, per the
	// "symbol range if available, else a fixed forward/backward window"
	// heuristic. Zero means "unknown", falling back to the Max*Branch*
	// window around EntryPC.
	SymbolRangeLo uint64
	SymbolRangeHi uint64
}

// DefaultConfig matches the window sizes the design names as the fallback
// heuristic: generous enough to capture typical basic-block fan-out without
// unbounded multiblock growth.
func DefaultConfig() Config {
	return Config{
		Mode64Bit: true,
		Multiblock: true,
		MaxInstPerBlock: 256,
		MaxCondBranchForward: 0x4000,
		MaxCondBranchBackward: 0x4000,
	}
}

// Decoder walks guest memory from a seed PC and produces DecodedBlocks.
type Decoder struct {
	cfg Config
	mem MemoryReader
}

// New returns a Decoder reading from mem under cfg.
func New(mem MemoryReader, cfg Config) *Decoder {
	return &Decoder{cfg: cfg, mem: mem}
}

// DecodeAt walks from entryPC and returns the decoded blocks reachable from
// it, plus the [min,max) guest address bounds actually touched.
func (d *Decoder) DecodeAt(entryPC uint64) (blocks []DecodedBlocks, minAddr, maxAddr uint64, err error) {
	lo, hi := d.multiblockRange(entryPC)

	queue := []uint64{entryPC}
	visited := make(map[uint64]bool) // entry PCs already dequeued
	// coveredStarts tracks every instruction-start address decoded so far,
	// across all blocks. A queued target that already lands on one of
	// these is "inside an already-decoded block" per the
	// ordering/tie-break rule: that block is not re-split, so no new block
	// is created for it.
	coveredStarts := make(map[uint64]bool)
	var out []DecodedBlocks

	minAddr, maxAddr = entryPC, entryPC

	for len(queue) > 0 {
		pc := queue[0]
		queue = queue[1:]
		if visited[pc] || coveredStarts[pc] {
			continue
		}
		visited[pc] = true

		blk, newTargets := d.decodeOneBlock(pc, lo, hi)
		out = append(out, blk)

		for _, i := range blk.Insts {
			coveredStarts[i.PC] = true
			if i.PC < minAddr {
				minAddr = i.PC
			}
			end := i.PC + uint64(i.Len)
			if end > maxAddr {
				maxAddr = end
			}
		}

		if d.cfg.Multiblock {
			for _, t := range newTargets {
				if !visited[t] && !coveredStarts[t] {
					queue = append(queue, t)
				}
			}
		}
	}

	if len(out) == 0 {
		return nil, 0, 0, fmt.Errorf("decode: nothing decoded from pc=%#x", entryPC)
	}
	return out, minAddr, maxAddr, nil
}

func (d *Decoder) multiblockRange(entryPC uint64) (lo, hi uint64) {
	if d.cfg.SymbolRangeLo != 0 || d.cfg.SymbolRangeHi != 0 {
		return d.cfg.SymbolRangeLo, d.cfg.SymbolRangeHi
	}
	lo = entryPC - uint64(d.cfg.MaxCondBranchBackward)
	hi = entryPC + uint64(d.cfg.MaxCondBranchForward)
	if lo > entryPC { // underflow guard
		lo = 0
	}
	return lo, hi
}

// decodeOneBlock decodes a single straight-line block starting at pc,
// following fall-through until a terminator, and returns any branch targets
// it discovered that should be queued for a later block.
func (d *Decoder) decodeOneBlock(pc uint64, lo, hi uint64) (DecodedBlocks, []uint64) {
	blk := DecodedBlocks{EntryPC: pc}
	var targets []uint64

	mode := 32
	if d.cfg.Mode64Bit {
		mode = 64
	}

	cur := pc
	for len(blk.Insts) < d.cfg.MaxInstPerBlock {
		buf := make([]byte, MaxInstructionBytes)
		n := MaxInstructionBytes
		if err := d.mem.ReadAt(buf, cur); err != nil {
			// Try progressively shorter reads near an unmapped page
			// boundary before giving up, since an instruction may be
			// fully decodable from fewer than 15 available bytes.
			ok := false
			for n = MaxInstructionBytes - 1; n > 0; n-- {
				if err2 := d.mem.ReadAt(buf[:n], cur); err2 == nil {
					ok = true
					break
				}
			}
			if !ok {
				blk.HasInvalidInstruction = true
				return blk, targets
			}
		}

		raw, err := x86asm.Decode(buf[:n], mode)
		if err != nil || raw.Len == 0 {
			blk.HasInvalidInstruction = true
			return blk, targets
		}

		di := fromX86asm(cur, raw)
		kind, target, hasTarget := classify(di)

		switch kind {
		case kindIntra:
			blk.Insts = append(blk.Insts, di)
			cur += uint64(di.Len)
			continue

		case kindCondBranch:
			blk.Insts = append(blk.Insts, di)
			if hasTarget && withinConditionalWindow(pc, target, d.cfg) {
				targets = append(targets, target)
			}
			cur += uint64(di.Len)
			// Fall-through continues this same block; the branch target
			// becomes a new queued block entry, matching the design's "queue
			// the target and continue the fall-through".
			continue

		case kindUncondJump:
			blk.Insts = append(blk.Insts, di)
			if hasTarget && target >= lo && target < hi {
				targets = append(targets, target)
			}
			return blk, targets

		case kindCall, kindRet, kindSyscall, kindOther:
			blk.Insts = append(blk.Insts, di)
			return blk, targets

		default:
			blk.HasInvalidInstruction = true
			return blk, targets
		}
	}
	// Hit MAX_INST_PER_BLOCK: the design treats this as a hard cap, so the
	// block is truncated here even mid-straight-line.
	return blk, targets
}

func withinConditionalWindow(pc, target uint64, cfg Config) bool {
	if target >= pc {
		return target-pc <= uint64(cfg.MaxCondBranchForward)
	}
	return pc-target <= uint64(cfg.MaxCondBranchBackward)
}

type instKind int

const (
	kindInvalid instKind = iota
	kindIntra
	kindCondBranch
	kindUncondJump
	kindCall
	kindRet
	kindSyscall
	kindOther // other block terminators we still lower as an exit, e.g. INT, UD2
)

// classify maps a decoded x86 instruction to its control-flow role,
// returning a constant target PC when the instruction encodes one directly
// (near relative jumps/calls).
func classify(d DecodedInst) (kind instKind, target uint64, hasTarget bool) {
	if d.IsInvalid() {
		return kindInvalid, 0, false
	}

	switch d.Op {
	case x86asm.JMP:
		if d.Args[0].Kind == OperandImm {
			return kindUncondJump, uint64(int64(d.PC) + int64(d.Len) + d.Args[0].Imm), true
		}
		return kindUncondJump, 0, false

	case x86asm.CALL:
		return kindCall, 0, false

	case x86asm.RET:
		return kindRet, 0, false

	case x86asm.SYSCALL, x86asm.SYSENTER:
		return kindSyscall, 0, false

	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		if d.Args[0].Kind == OperandImm {
			return kindCondBranch, uint64(int64(d.PC) + int64(d.Len) + d.Args[0].Imm), true
		}
		return kindCondBranch, 0, false

	case x86asm.INT, x86asm.UD2, x86asm.HLT, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return kindOther, 0, false

	default:
		return kindIntra, 0, false
	}
}
