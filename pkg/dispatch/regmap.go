package dispatch

import "golang.org/x/arch/x86/x86asm"

// gprInfo maps an x86asm general-purpose register to its slot in
// state.Frame.GPR: index (0=RAX..3=RBX,4=RSP..7=RDI,8=R8..15=R15), the access
// width in bytes, and whether it addresses the high byte of a legacy 8-bit
// pair (AH/CH/DH/BH) rather than the low byte.
func gprInfo(r x86asm.Reg) (index int, size uint8, highByte bool, ok bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BH:
		d := int(r - x86asm.AL)
		if d < 4 {
			return d, 1, false, true
		}
		return d - 4, 1, true, true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return int(r-x86asm.SPB) + 4, 1, false, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r - x86asm.AX), 2, false, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 4, false, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 8, false, true
	default:
		return 0, 0, false, false
	}
}

// gprIndexOf returns just the index, for callers (PUSH/POP, LEA's base
// register) that already know the access is full-width.
func gprIndexOf(r x86asm.Reg) (int, bool) {
	idx, _, _, ok := gprInfo(r)
	return idx, ok
}
