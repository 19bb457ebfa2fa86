package decode

import "golang.org/x/arch/x86/x86asm"

// OperandKind is the variant tag for a decoded operand: register, memory
// with base+index+scale+displacement, immediate literal, or RIP-relative.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandMem
	OperandImm
	OperandRIPRelative
)

// Operand is the typed sum above. Exactly one of the fields is meaningful,
// selected by Kind.
type Operand struct {
	Kind OperandKind

	Reg x86asm.Reg // OperandReg

	// OperandMem / OperandRIPRelative
	Segment x86asm.Reg
	Base    x86asm.Reg
	Index   x86asm.Reg
	Scale   uint8
	Disp    int64

	Imm int64 // OperandImm
}

// PrefixBits packs the legacy/REX/VEX/EVEX prefix state consumed during
// decode.
type PrefixBits struct {
	Lock           bool
	Rep            bool       // 0xF3
	Repne          bool       // 0xF2
	SegOverride    x86asm.Reg
	AddrSizeOvr    bool       // 0x67
	OperandSizeOvr bool       // 0x66

	REXPresent bool
	REXW       bool
	REXR       bool
	REXX       bool
	REXB       bool

	HasVEX    bool
	HasEVEX   bool
	VectorLen int  // 128, 256, 512
}

// DecodedInst is one decoded guest instruction. It is
// constructed by Decoder and consumed exactly once by OpDispatchBuilder.
type DecodedInst struct {
	PC     uint64
	Len    int        // instruction length in bytes, <= 15
	Prefix PrefixBits

	// Op names the x86 operation. We re-use x86asm.Op as the table-info
	// pointer the design describes ("x86 table info pointer"): it already
	// carries the mnemonic and operand-count metadata the dispatch builder
	// needs, so there is no separate hand-rolled opcode table to keep in
	// sync with the decoder.
	Op   x86asm.Op
	Args [4]Operand

	// Raw is the underlying x86asm decode, kept for operand classification
	// (x86asm.Inst.Args entries) that Operand does not fully re-derive,
	// such as exact memory-operand byte size.
	Raw x86asm.Inst
}

// toOperand converts one x86asm.Arg into the typed-sum Operand above.
func toOperand(a x86asm.Arg) Operand {
	switch v := a.(type) {
	case x86asm.Reg:
		if v == x86asm.RIP {
			return Operand{Kind: OperandRIPRelative}
		}
		return Operand{Kind: OperandReg, Reg: v}
	case x86asm.Mem:
		if v.Base == x86asm.RIP {
			return Operand{
				Kind: OperandRIPRelative,
				Segment: v.Segment, Index: v.Index, Scale: v.Scale, Disp: v.Disp,
			}
		}
		return Operand{
			Kind: OperandMem,
			Segment: v.Segment,
			Base: v.Base,
			Index: v.Index,
			Scale: v.Scale,
			Disp: v.Disp,
		}
	case x86asm.Imm:
		return Operand{Kind: OperandImm, Imm: int64(v)}
	case x86asm.Rel:
		return Operand{Kind: OperandImm, Imm: int64(v)}
	default:
		return Operand{Kind: OperandNone}
	}
}

// fromX86asm reshapes a successfully decoded x86asm.Inst into our DecodedInst,
// splitting out prefix bits the way the design steps 1-3 describe them
// (legacy prefixes, REX, VEX/EVEX), even though x86asm itself already
// performed the actual byte walk.
func fromX86asm(pc uint64, in x86asm.Inst) DecodedInst {
	d := DecodedInst{
		PC: pc,
		Len: in.Len,
		Op: in.Op,
		Raw: in,
	}
	for i, a := range in.Args {
		if a == nil {
			break
		}
		d.Args[i] = toOperand(a)
	}

	for _, p := range in.Prefix {
		// Strip x86asm's role metadata (implicit/ignored/invalid bits);
		// the remaining low bits are the raw prefix byte, or 0x40-0x4F
		// for a REX prefix carrying its W/R/X/B bits.
		raw := p &^ (x86asm.PrefixImplicit | x86asm.PrefixIgnored | x86asm.PrefixInvalid)
		switch {
		case raw == 0:
			continue
		case raw >= x86asm.PrefixREX && raw < x86asm.PrefixREX+0x10:
			d.Prefix.REXPresent = true
			d.Prefix.REXW = raw&x86asm.PrefixREXW != 0
			d.Prefix.REXR = raw&x86asm.PrefixREXR != 0
			d.Prefix.REXX = raw&x86asm.PrefixREXX != 0
			d.Prefix.REXB = raw&x86asm.PrefixREXB != 0
		case raw&0xFF == 0xF0:
			d.Prefix.Lock = true
		case raw&0xFF == 0xF3:
			d.Prefix.Rep = true
		case raw&0xFF == 0xF2:
			d.Prefix.Repne = true
		case raw&0xFF == 0x66:
			d.Prefix.OperandSizeOvr = true
		case raw&0xFF == 0x67:
			d.Prefix.AddrSizeOvr = true
		case raw&0xFF == 0x26:
			d.Prefix.SegOverride = x86asm.ES
		case raw&0xFF == 0x2E:
			d.Prefix.SegOverride = x86asm.CS
		case raw&0xFF == 0x36:
			d.Prefix.SegOverride = x86asm.SS
		case raw&0xFF == 0x3E:
			d.Prefix.SegOverride = x86asm.DS
		case raw&0xFF == 0x64:
			d.Prefix.SegOverride = x86asm.FS
		case raw&0xFF == 0x65:
			d.Prefix.SegOverride = x86asm.GS
		}
	}
	return d
}

// IsInvalid reports whether this slot represents an undecodable instruction
//. Decoder never constructs one of these directly;
// it records has_invalid_instruction at the DecodedBlocks level instead.
func (d *DecodedInst) IsInvalid() bool {
	return d.Op == 0
}
