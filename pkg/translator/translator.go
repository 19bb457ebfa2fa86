// Package translator ties the core pipeline together behind the single
// entry point the rest of the system calls: CompileBlock(thread, guestRIP)
// returns a host code pointer, never an error — a guest RIP that cannot be
// decoded or compiled yields a stub block that raises the
// invalid-instruction break instead.
//
// One guest thread maps to one host thread; each ThreadState carries its
// own CPU frame, abort token and code buffer, while the LookupCache (and
// the guest memory view) is shared across every thread of the process.
package translator

import (
	"github.com/havenjit/x86dbt/pkg/aotcache"
	"github.com/havenjit/x86dbt/pkg/cache"
	"github.com/havenjit/x86dbt/pkg/config"
	"github.com/havenjit/x86dbt/pkg/decode"
	"github.com/havenjit/x86dbt/pkg/dispatch"
	"github.com/havenjit/x86dbt/pkg/dispatcher"
	"github.com/havenjit/x86dbt/pkg/ir"
	"github.com/havenjit/x86dbt/pkg/pass"
	"github.com/havenjit/x86dbt/pkg/sigdelta"
	"github.com/havenjit/x86dbt/pkg/state"
)

// smcRetryLimit bounds how often a compile is redone because the guest
// bytes changed underneath it before giving up and emitting a stub.
const smcRetryLimit = 4

// Translator owns the process-wide pieces of the pipeline: the frozen
// configuration (and its derived cache key), the shared lookup cache, the
// guest memory view, and the back end that lowers IR to host code.
type Translator struct {
	cfg     config.Config
	key     config.Key
	mem     decode.MemoryReader
	backend dispatcher.CPUBackend
	cache   *cache.LookupCache
}

// ThreadState is the per-guest-thread slice of translator state: the CPU
// frame, the abort token the dispatcher polls at stable points, and an
// exclusive code buffer. Compilation never shares a code buffer between
// threads, so no lock guards it.
type ThreadState struct {
	Frame *state.Frame
	Abort *sigdelta.AbortToken
	Code  *cache.CodeBuffer
}

// New returns a Translator over the given frozen configuration. cfg is
// read here, once; changing the configuration afterward requires a new
// Translator and a full cache flush, which is why the derived Key is
// captured at construction.
func New(cfg config.Config, mem decode.MemoryReader, backend dispatcher.CPUBackend, lc *cache.LookupCache) *Translator {
	return &Translator{
		cfg: cfg,
		key: cfg.Key(),
		mem: mem,
		backend: backend,
		cache: lc,
	}
}

// Key returns the 128-bit configuration key every block and AOT entry
// compiled through this translator is tagged with.
func (t *Translator) Key() config.Key { return t.key }

// Cache returns the shared lookup cache.
func (t *Translator) Cache() *cache.LookupCache { return t.cache }

// NewThread allocates the per-thread state, including a codeBufBytes-sized
// code buffer.
func (t *Translator) NewThread(codeBufBytes int) (*ThreadState, error) {
	cb, err := cache.NewCodeBuffer(codeBufBytes)
	if err != nil {
		return nil, err
	}
	return &ThreadState{
		Frame: state.NewFrame(state.VectorWidthSSE),
		Abort: &sigdelta.AbortToken{},
		Code: cb,
	}, nil
}

// CompileBlock is the core entry point: guest RIP in, host code pointer
// out. It checks the shared lookup cache first, and on a miss runs the
// whole pipeline — decode, lift, optimize, back-end compile — then
// installs the result. A block whose guest bytes change during compilation
// (self-modifying code racing the compiler) is discarded and redone; a
// block that cannot be compiled at all becomes a stub that raises the
// invalid-instruction break when executed.
func (t *Translator) CompileBlock(ts *ThreadState, guestRIP uint64) uintptr {
	if ptr, ok := t.cache.Lookup(guestRIP); ok {
		return ptr
	}

	for attempt := 0; attempt < smcRetryLimit; attempt++ {
		e, flagEscapes, lo, hi, ok := t.lift(guestRIP)
		if !ok {
			break
		}

		guestBytes, readable := t.readGuestRange(lo, hi)
		var before [32]byte
		if readable {
			before = aotcache.HashGuestBytes(guestBytes)
		}

		pm := pass.NewPassManager(flagEscapes)
		pm.DisablePasses = t.cfg.DisablePasses
		pm.DisableSRA = !t.cfg.SRAEnabled
		pm.FlagsUnsafeLocal = t.cfg.FlagsUnsafeLocal
		pm.Run(e)

		compiled, err := t.backend.CompileCode(guestRIP, e)
		if err != nil {
			break
		}

		// Deferred SMC check: invalidation during compile is not observed
		// mid-lift; instead the guest bytes are re-hashed here and the
		// fresh code discarded if they moved.
		if t.cfg.SMCChecks != config.SMCNone && readable {
			after, stillReadable := t.readGuestRange(lo, hi)
			if !stillReadable || aotcache.HashGuestBytes(after) != before {
				continue
			}
		}

		return t.install(ts, guestRIP, compiled)
	}

	return t.installStub(ts, guestRIP)
}

// lift decodes from guestRIP and lowers the result to IR. ok is false only
// when DecodeAt returns an error. An unreadable seed PC is not such an
// error: it decodes to an empty block flagged HasInvalidInstruction, which,
// like any block that ends on an undecodable instruction, still lifts, with
// the truncation lowered to a break terminator.
func (t *Translator) lift(guestRIP uint64) (e *ir.Emitter, flagEscapes pass.FlagEscapeFunc, lo, hi uint64, ok bool) {
	dec := decode.New(t.mem, t.decodeConfig())
	blocks, lo, hi, err := dec.DecodeAt(guestRIP)
	if err != nil {
		return nil, nil, 0, 0, false
	}

	e = ir.NewEmitter(guestRIP)
	b := dispatch.NewBuilder(e, t.cfg.Is64BitMode)
	b.NoPF = t.cfg.NoPFUnsafe
	b.BuildMultiblock(blocks)
	return e, b.FlagEscapes, lo, hi, true
}

func (t *Translator) decodeConfig() decode.Config {
	dc := decode.DefaultConfig()
	dc.Mode64Bit = t.cfg.Is64BitMode
	dc.Multiblock = t.cfg.Multiblock
	if t.cfg.MaxInstPerBlock > 0 {
		dc.MaxInstPerBlock = t.cfg.MaxInstPerBlock
	}
	return dc
}

func (t *Translator) readGuestRange(lo, hi uint64) ([]byte, bool) {
	if hi <= lo {
		return nil, false
	}
	buf := make([]byte, hi-lo)
	if err := t.mem.ReadAt(buf, lo); err != nil {
		return nil, false
	}
	return buf, true
}

// install appends the compiled bytes to the thread's code buffer, flips it
// back to executable, and publishes the block: lookup-cache entry plus one
// BlockLink back-edge per direct successor the generated code assumed.
func (t *Translator) install(ts *ThreadState, guestRIP uint64, compiled dispatcher.CompiledBlock) uintptr {
	if err := ts.Code.Writable(); err != nil {
		return ts.Frame.Pointers.DispatcherEntry
	}
	ptr := ts.Code.Append(compiled.Code)
	if err := ts.Code.Finalize(); err != nil {
		return 0
	}

	t.cache.Insert(guestRIP, ptr)
	for _, succ := range compiled.Successors {
		t.cache.AddLink(guestRIP, succ)
	}
	return ptr
}

// installStub compiles and installs a single-block graph whose only op is
// the invalid-instruction break, so executing the failed guest RIP
// delivers SIGILL to the guest instead of erroring out of the compiler.
func (t *Translator) installStub(ts *ThreadState, guestRIP uint64) uintptr {
	e := ir.NewEmitter(guestRIP)
	e.CreateCodeBlock()
	e.EmitWithImm(ir.OpBreak, 0, 1, 0)
	e.Compact()

	compiled, err := t.backend.CompileCode(guestRIP, e)
	if err != nil {
		// Even the stub failed to compile; hand back the dispatcher entry
		// so execution at least lands somewhere defined.
		return ts.Frame.Pointers.DispatcherEntry
	}
	return t.install(ts, guestRIP, compiled)
}
