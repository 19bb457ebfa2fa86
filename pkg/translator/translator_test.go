package translator

import (
	"testing"

	"github.com/havenjit/x86dbt/pkg/cache"
	"github.com/havenjit/x86dbt/pkg/config"
	"github.com/havenjit/x86dbt/pkg/decode"
	"github.com/havenjit/x86dbt/pkg/dispatcher/nullbackend"
)

// flatMemory maps a byte slice at Base, the test-side MemoryReader.
type flatMemory struct {
	Base  uint64
	Bytes []byte
}

func (m *flatMemory) ReadAt(p []byte, addr uint64) error {
	if addr < m.Base || addr+uint64(len(p)) > m.Base+uint64(len(m.Bytes)) {
		return decode.ErrUnmappedGuestMemory
	}
	off := addr - m.Base
	copy(p, m.Bytes[off:off+uint64(len(p))])
	return nil
}

func newTestTranslator(t *testing.T, mem *flatMemory) (*Translator, *ThreadState) {
	t.Helper()
	tr := New(config.Default(), mem, nullbackend.New(), cache.NewLookupCache(8))
	ts, err := tr.NewThread(1 << 16)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	t.Cleanup(func() { ts.Code.Close() })
	return tr, ts
}

func TestCompileBlockInstallsAndHitsCache(t *testing.T) {
	mem := &flatMemory{Base: 0x1000, Bytes: []byte{0xB8, 0x07, 0x00, 0x00, 0x00, 0xC3}} // mov eax, 7; ret
	tr, ts := newTestTranslator(t, mem)

	ptr := tr.CompileBlock(ts, 0x1000)
	if ptr == 0 {
		t.Fatalf("CompileBlock returned a nil host pointer")
	}
	cached, ok := tr.Cache().Lookup(0x1000)
	if !ok || cached != ptr {
		t.Fatalf("Lookup after compile = (%#x,%v), want (%#x,true)", cached, ok, ptr)
	}
	if again := tr.CompileBlock(ts, 0x1000); again != ptr {
		t.Fatalf("second CompileBlock recompiled: %#x != %#x", again, ptr)
	}
}

func TestCompileBlockUndecodableProducesStub(t *testing.T) {
	// 0x0F 0xFF is undefined; the block truncates to zero instructions and
	// still compiles into a break stub rather than erroring.
	mem := &flatMemory{Base: 0x2000, Bytes: []byte{0x0F, 0xFF, 0x00}}
	tr, ts := newTestTranslator(t, mem)

	ptr := tr.CompileBlock(ts, 0x2000)
	if ptr == 0 {
		t.Fatalf("expected a stub block pointer, got nil")
	}
	if _, ok := tr.Cache().Lookup(0x2000); !ok {
		t.Fatalf("stub block must still be installed so re-execution does not re-compile")
	}
}

func TestCompileBlockUnmappedSeedProducesStub(t *testing.T) {
	mem := &flatMemory{Base: 0x1000, Bytes: []byte{0xC3}}
	tr, ts := newTestTranslator(t, mem)

	if ptr := tr.CompileBlock(ts, 0x9000_0000); ptr == 0 {
		t.Fatalf("a completely unreadable seed PC must still yield a stub pointer")
	}
}

func TestCompileBlockRecordsBlockLinks(t *testing.T) {
	// jmp to a target far outside the multiblock window, so the lowering
	// ends in ExitFunction carrying the target and the back end reports it
	// as a successor.
	const entry = 0x1000
	const target = 0x100000
	bytes := make([]byte, target-entry+1)
	disp := int32(target - (entry + 5))
	bytes[0] = 0xE9
	bytes[1] = byte(disp)
	bytes[2] = byte(disp >> 8)
	bytes[3] = byte(disp >> 16)
	bytes[4] = byte(disp >> 24)
	bytes[target-entry] = 0xC3
	mem := &flatMemory{Base: entry, Bytes: bytes}
	tr, ts := newTestTranslator(t, mem)

	if ptr := tr.CompileBlock(ts, entry); ptr == 0 {
		t.Fatalf("caller block failed to compile")
	}
	if ptr := tr.CompileBlock(ts, target); ptr == 0 {
		t.Fatalf("callee block failed to compile")
	}

	// Invalidating the callee's page must also evict the caller through
	// the recorded back-edge.
	evicted := tr.Cache().InvalidatePage(target / 4096)
	if len(evicted) != 2 {
		t.Fatalf("expected callee + linked caller evicted, got %v", evicted)
	}
	if _, ok := tr.Cache().Lookup(entry); ok {
		t.Fatalf("caller survived its callee's invalidation")
	}
}

func TestCompileBlockHonorsDisablePasses(t *testing.T) {
	mem := &flatMemory{Base: 0x1000, Bytes: []byte{0xB8, 0x07, 0x00, 0x00, 0x00, 0xC3}}
	cfg := config.Default()
	cfg.DisablePasses = true
	tr := New(cfg, mem, nullbackend.New(), cache.NewLookupCache(8))
	ts, err := tr.NewThread(1 << 16)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	defer ts.Code.Close()

	if ptr := tr.CompileBlock(ts, 0x1000); ptr == 0 {
		t.Fatalf("opt-0 compile failed")
	}
}

func TestTranslatorKeyMatchesConfig(t *testing.T) {
	cfg := config.Default()
	tr := New(cfg, &flatMemory{}, nullbackend.New(), cache.NewLookupCache(8))
	if tr.Key() != cfg.Key() {
		t.Fatalf("translator key does not match its config's key")
	}
}
