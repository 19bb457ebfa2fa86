package ir

// OpCode is a compact identifier for one IR micro-operation. We implement the subset
// needed to carry every pass in the fixed pipeline and every
// end-to-end compile-and-execute scenario. Beyond that subset, only six
// vector and three crypto opcodes are declared below, as reserved constants
// with no dispatch-builder lowering; no x87 opcodes are declared.
type OpCode uint16

const (
	OpInvalid OpCode = iota

	OpIRHeader
	OpCodeBlock

	// Data movement / constants
	OpConstant
	OpMov
	OpSelect

	// Context (guest register file) access
	OpLoadContext
	OpStoreContext
	OpLoadContextIndexed
	OpStoreContextIndexed
	OpLoadRegister // post-SRA fixed host register read
	OpStoreRegister // post-SRA fixed host register write

	// Guest memory access
	OpLoadMem
	OpStoreMem

	// Flags
	OpLoadFlag
	OpStoreFlag
	OpInvalidateFlags

	// Integer ALU
	OpAdd
	OpSub
	OpAnd
	OpOr
	OpXor
	OpNot
	OpNeg
	OpLshl
	OpLshr
	OpAshr
	OpMul
	OpUMul
	OpCmp
	OpParity // even-parity of the low byte of Args[0], used to synthesize PF

	// Division family. L* variants take a 128-bit {high,low} dividend
	//; the non-L forms operate
	// on a single 64-bit operand.
	OpLDiv
	OpLRem
	OpLUDiv
	OpLURem
	OpDiv
	OpRem
	OpUDiv
	OpURem

	// Bitfield extraction (the design pass 2 recognizes Sbfe(1,63,x) as
	// the CQO idiom).
	OpZext
	OpSext
	OpBfe
	OpSbfe

	// Control flow / block terminators. Every CodeBlock ends in exactly one
	// of these.
	OpJump
	OpCondJump
	OpExitFunction
	OpBreak

	// Syscalls
	OpSyscall
	OpInlineSyscall

	// Atomics
	OpCAS
	OpAtomicFetchAdd
	OpAtomicAdd
	OpAtomicFetchOr
	OpAtomicOr
	OpFence

	// Reserved: vector/SIMD opcodes (not lowered by OpDispatchBuilder in
	// this build; only the six below are declared).
	OpVAdd
	OpVSub
	OpVLoad
	OpVStore
	OpVExtract
	OpVInsert

	// Reserved: crypto opcode space (AES-NI, SHA extensions).
	OpCryptoAESEnc
	OpCryptoAESDec
	OpCryptoSHA1

	opCodeCount
)

// CmpPredicate selects the comparison OpCmp performs, carried in IROp.Aux
//.
type CmpPredicate uint32

const (
	CmpEq CmpPredicate = iota
	CmpNe
	CmpUlt
	CmpUle
	CmpUgt
	CmpUge
	CmpSlt
	CmpSle
	CmpSgt
	CmpSge
)

// OpInfo is per-opcode metadata, keyed lookups instead of per-opcode
// classification switches: small switch-free tables keep the passes
// themselves free of giant opcode-classification logic.
type OpInfo struct {
	Name          string
	HasSideEffect bool   // DCE must never remove these
	IsTerminator  bool   // a block ends on exactly one of these
}

var opInfo = [opCodeCount]OpInfo{
	OpInvalid: {Name: "invalid"},
	OpIRHeader: {Name: "IRHeader", HasSideEffect: true},
	OpCodeBlock: {Name: "CodeBlock", HasSideEffect: true},
	OpConstant: {Name: "Constant"},
	OpMov: {Name: "Mov"},
	OpSelect: {Name: "Select"},
	OpLoadContext: {Name: "LoadContext"},
	OpStoreContext: {Name: "StoreContext", HasSideEffect: true},
	OpLoadContextIndexed: {Name: "LoadContextIndexed"},
	OpStoreContextIndexed: {Name: "StoreContextIndexed", HasSideEffect: true},
	OpLoadRegister: {Name: "LoadRegister"},
	OpStoreRegister: {Name: "StoreRegister", HasSideEffect: true},
	OpLoadMem: {Name: "LoadMem", HasSideEffect: true},
	OpStoreMem: {Name: "StoreMem", HasSideEffect: true},
	OpLoadFlag: {Name: "LoadFlag"},
	OpStoreFlag: {Name: "StoreFlag", HasSideEffect: true},
	OpInvalidateFlags: {Name: "InvalidateFlags", HasSideEffect: true},
	OpAdd: {Name: "Add"},
	OpSub: {Name: "Sub"},
	OpAnd: {Name: "And"},
	OpOr: {Name: "Or"},
	OpXor: {Name: "Xor"},
	OpNot: {Name: "Not"},
	OpNeg: {Name: "Neg"},
	OpLshl: {Name: "Lshl"},
	OpLshr: {Name: "Lshr"},
	OpAshr: {Name: "Ashr"},
	OpMul: {Name: "Mul"},
	OpUMul: {Name: "UMul"},
	OpCmp: {Name: "Cmp"},
	OpParity: {Name: "Parity"},
	OpLDiv: {Name: "LDiv"},
	OpLRem: {Name: "LRem"},
	OpLUDiv: {Name: "LUDiv"},
	OpLURem: {Name: "LURem"},
	OpDiv: {Name: "Div"},
	OpRem: {Name: "Rem"},
	OpUDiv: {Name: "UDiv"},
	OpURem: {Name: "URem"},
	OpZext: {Name: "Zext"},
	OpSext: {Name: "Sext"},
	OpBfe: {Name: "Bfe"},
	OpSbfe: {Name: "Sbfe"},
	OpJump: {Name: "Jump", HasSideEffect: true, IsTerminator: true},
	OpCondJump: {Name: "CondJump", HasSideEffect: true, IsTerminator: true},
	OpExitFunction: {Name: "ExitFunction", HasSideEffect: true, IsTerminator: true},
	OpBreak: {Name: "Break", HasSideEffect: true, IsTerminator: true},
	OpSyscall: {Name: "Syscall", HasSideEffect: true},
	OpInlineSyscall: {Name: "InlineSyscall", HasSideEffect: true},
	OpCAS: {Name: "CAS", HasSideEffect: true},
	OpAtomicFetchAdd: {Name: "AtomicFetchAdd", HasSideEffect: true},
	OpAtomicAdd: {Name: "AtomicAdd", HasSideEffect: true},
	OpAtomicFetchOr: {Name: "AtomicFetchOr", HasSideEffect: true},
	OpAtomicOr: {Name: "AtomicOr", HasSideEffect: true},
	OpFence: {Name: "Fence", HasSideEffect: true},
	OpVAdd: {Name: "VAdd"},
	OpVSub: {Name: "VSub"},
	OpVLoad: {Name: "VLoad", HasSideEffect: true},
	OpVStore: {Name: "VStore", HasSideEffect: true},
	OpVExtract: {Name: "VExtract"},
	OpVInsert: {Name: "VInsert"},
	OpCryptoAESEnc: {Name: "CryptoAESEnc"},
	OpCryptoAESDec: {Name: "CryptoAESDec"},
	OpCryptoSHA1: {Name: "CryptoSHA1"},
}

// Info returns the metadata for op. Opcodes outside the known range report
// the zero OpInfo (no side effect, not a terminator), which is safe because
// every constructed node uses a constant from this file.
func (op OpCode) Info() OpInfo {
	if int(op) >= len(opInfo) {
		return OpInfo{}
	}
	return opInfo[op]
}

func (op OpCode) String() string {
	info := op.Info()
	if info.Name == "" {
		return "OpCode(?)"
	}
	return info.Name
}

// HasSideEffect reports whether DeadCodeElimination must preserve this op
// regardless of use-count.
func (op OpCode) HasSideEffect() bool { return op.Info().HasSideEffect }

// IsTerminator reports whether this opcode legally ends a CodeBlock
//.
func (op OpCode) IsTerminator() bool { return op.Info().IsTerminator }
