package pass

import "github.com/havenjit/x86dbt/pkg/ir"

// linuxX86_64SyscallArgs is the subset of the Linux x86-64 syscall ABI
// (arch/x86/entry/syscalls/syscall_64.tbl) SyscallOptimization needs: how
// many of OP_SYSCALL's six argument edges a given syscall number actually
// reads. Unlisted numbers are treated as unknown-ABI (six args, no inline
// rewrite) rather than guessed.
var linuxX86_64SyscallArgs = map[uint64]int{
	0: 3, // read
	1: 3, // write
	2: 3, // open
	3: 1, // close
	9: 6, // mmap
	10: 3, // mprotect
	11: 2, // munmap
	12: 1, // brk
	39: 0, // getpid
	60: 1, // exit
	231: 1, // exit_group
}

// SyscallOptimization specializes OP_SYSCALL once its id operand is known
// constant: unused argument edges beyond the known
// ABI's arg count are cleared so StaticRegisterAllocation/RA never has to
// keep them live, and — since this translator's host kernel is the same
// Linux x86-64 ABI as the guest — a known syscall number is rewritten
// straight to OP_INLINESYSCALL, letting the back end emit a native `syscall`
// instruction instead of a dispatcher round-trip.
type SyscallOptimization struct{}

func (*SyscallOptimization) Name() string { return "SyscallOptimization" }

func (p *SyscallOptimization) Run(e *ir.Emitter) bool {
	changed := false
	for _, block := range e.Blocks() {
		for _, id := range e.OpsInBlock(block) {
			op := e.Arena.Node(id).Op
			if op.Code != ir.OpSyscall {
				continue
			}
			idVal, ok := e.IsValueConstant(op.Args[0])
			if !ok {
				continue
			}
			numArgs, known := linuxX86_64SyscallArgs[idVal]
			if !known {
				continue
			}
			for i := numArgs; i < 6; i++ {
				e.ReplaceNodeArgument(id, 1+i, ir.NodeInvalid)
			}
			args := make([]ir.NodeID, len(e.Arena.Node(id).Op.Args)-1)
			copy(args, e.Arena.Node(id).Op.Args[1:])
			e.ReplaceOp(id, ir.IROp{Code: ir.OpInlineSyscall, Size: op.Size, Imm: idVal, Aux: uint32(idVal), Args: args})
			changed = true
		}
	}
	return changed
}
