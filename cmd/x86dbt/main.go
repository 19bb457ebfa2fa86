// Command x86dbt is a CLI front end over the core decoder/IR/pass/cache
// pipeline: one root command, one subcommand per pipeline stage, flags
// bound with cmd.Flags().*Var. Its subcommands walk the data flow end to
// end: decode guest bytes, lower+optimize them into IR, and exercise the
// lookup cache and AOT file format standing in for the out-of-scope back
// end.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/havenjit/x86dbt/pkg/aotcache"
	"github.com/havenjit/x86dbt/pkg/cache"
	"github.com/havenjit/x86dbt/pkg/config"
	"github.com/havenjit/x86dbt/pkg/decode"
	"github.com/havenjit/x86dbt/pkg/dispatch"
	"github.com/havenjit/x86dbt/pkg/dispatcher/nullbackend"
	"github.com/havenjit/x86dbt/pkg/ir"
	"github.com/havenjit/x86dbt/pkg/pass"
	"github.com/havenjit/x86dbt/pkg/translator"
)

// flatMemory is the simplest decode.MemoryReader: a single contiguous byte
// slice mapped starting at Base, the same "back the decoder with a plain
// byte slice in tests" shape the design calls out for pkg/decode's
// MemoryReader interface, reused here for CLI convenience.
type flatMemory struct {
	Base uint64
	Data []byte
}

func (m flatMemory) ReadAt(p []byte, addr uint64) error {
	if addr < m.Base {
		return decode.ErrUnmappedGuestMemory
	}
	off := addr - m.Base
	if off+uint64(len(p)) > uint64(len(m.Data)) {
		return decode.ErrUnmappedGuestMemory
	}
	copy(p, m.Data[off:off+uint64(len(p))])
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use: "x86dbt",
		Short: "x86/x86-64 dynamic binary translator core — decode, lift, optimize",
	}

	var entryStr string
	var mode32 bool

	decodeCmd := &cobra.Command{
		Use: "decode [hex bytes]",
		Short: "Decode guest bytes into one or more DecodedBlocks",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, entry, err := parseGuestBytes(entryStr, args)
			if err != nil {
				return err
			}
			d := decode.New(mem, decodeConfig(mode32))
			blocks, lo, hi, err := d.DecodeAt(entry)
			if err != nil {
				return fmt.Errorf("decode: %w", err)
			}
			fmt.Printf("decoded %d block(s), range [%#x, %#x)\n", len(blocks), lo, hi)
			for _, blk := range blocks {
				fmt.Printf("block @%#x (%d insts, invalid=%v)\n", blk.EntryPC, len(blk.Insts), blk.HasInvalidInstruction)
				for _, in := range blk.Insts {
					fmt.Printf(" %#08x %s\n", in.PC, in.Raw.String())
				}
			}
			return nil
		},
	}
	decodeCmd.Flags().StringVar(&entryStr, "entry", "0x400000", "guest entry PC (hex)")
	decodeCmd.Flags().BoolVar(&mode32, "32", false, "decode in 32-bit mode (default 64-bit)")

	var disablePasses bool
	var noSRA bool
	var flagsUnsafe bool
	var showIR bool

	compileCmd := &cobra.Command{
		Use: "compile [hex bytes]",
		Short: "Decode, lift to IR, run the optimizer pipeline, and print a summary",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, entry, err := parseGuestBytes(entryStr, args)
			if err != nil {
				return err
			}
			d := decode.New(mem, decodeConfig(mode32))
			blocks, _, _, err := d.DecodeAt(entry)
			if err != nil {
				return fmt.Errorf("decode: %w", err)
			}

			e := ir.NewEmitter(entry)
			b := dispatch.NewBuilder(e, !mode32)
			b.BuildMultiblock(blocks)

			before := countOps(e)
			pm := pass.NewPassManager(b.FlagEscapes)
			pm.DisablePasses = disablePasses
			pm.DisableSRA = noSRA
			pm.FlagsUnsafeLocal = flagsUnsafe
			changed := pm.Run(e)
			after := countOps(e)

			fmt.Printf("compiled block @%#x: %d ops before passes, %d after (changed=%v, disable-passes=%v)\n",
				entry, before, after, changed, disablePasses)
			if showIR {
				pass.Dump(os.Stdout, e)
			}
			return nil
		},
	}
	compileCmd.Flags().StringVar(&entryStr, "entry", "0x400000", "guest entry PC (hex)")
	compileCmd.Flags().BoolVar(&mode32, "32", false, "decode in 32-bit mode (default 64-bit)")
	compileCmd.Flags().BoolVar(&disablePasses, "disable-passes", false, "skip every pass but IRCompaction (DISABLE_PASSES)")
	compileCmd.Flags().BoolVar(&noSRA, "no-sra", false, "drop StaticRegisterAllocation from the pipeline")
	compileCmd.Flags().BoolVar(&flagsUnsafe, "flags-unsafe", false, "enable the dead-flag block-end sweep (FLAGS_UNSAFE_LOCAL)")
	compileCmd.Flags().BoolVar(&showIR, "dump-ir", false, "print every op after the pipeline runs (PASSMANAGER_DUMP_IR)")

	translateCmd := &cobra.Command{
		Use: "translate [hex bytes]",
		Short: "Run the full compile_block path against the stub back end",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, entry, err := parseGuestBytes(entryStr, args)
			if err != nil {
				return err
			}
			cfg := config.Default()
			cfg.Is64BitMode = !mode32
			cfg.DisablePasses = disablePasses
			tr := translator.New(cfg, mem, nullbackend.New(), cache.NewLookupCache(16))
			ts, err := tr.NewThread(1 << 20)
			if err != nil {
				return fmt.Errorf("allocating code buffer: %w", err)
			}
			defer ts.Code.Close()

			ptr := tr.CompileBlock(ts, entry)
			fmt.Printf("compile_block(%#x) = %#x (config key %x)\n", entry, ptr, tr.Key())
			if cached, ok := tr.Cache().Lookup(entry); ok {
				fmt.Printf("lookup cache hit: %#x\n", cached)
			}
			return nil
		},
	}
	translateCmd.Flags().StringVar(&entryStr, "entry", "0x400000", "guest entry PC (hex)")
	translateCmd.Flags().BoolVar(&mode32, "32", false, "decode in 32-bit mode (default 64-bit)")
	translateCmd.Flags().BoolVar(&disablePasses, "disable-passes", false, "skip every pass but IRCompaction (DISABLE_PASSES)")

	cacheCmd := &cobra.Command{
		Use: "cache-demo",
		Short: "Exercise LookupCache insert/lookup/invalidate for a synthetic guest RIP",
		RunE: func(cmd *cobra.Command, args []string) error {
			lc := cache.NewLookupCache(16)
			lc.Insert(0x401000, 0xdeadbeef)
			lc.Insert(0x401010, 0xfeedface)
			lc.AddLink(0x401010, 0x401000)

			if p, ok := lc.Lookup(0x401000); ok {
				fmt.Printf("lookup(0x401000) = %#x\n", p)
			}
			fmt.Printf("consistent before invalidate: %v\n", lc.CheckConsistency())
			evicted := lc.InvalidatePage(0x401000 / 4096)
			fmt.Printf("invalidated page evicted %d block(s): %v\n", len(evicted), evicted)
			fmt.Printf("consistent after invalidate: %v\n", lc.CheckConsistency())
			return nil
		},
	}

	aotCmd := &cobra.Command{
		Use: "aot",
		Short: "Inspect or create an AOT IR cache file",
	}
	aotInspectCmd := &cobra.Command{
		Use: "inspect [file]",
		Short: "Print the entries in an AOT cache file",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := aotcache.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%d entries\n", f.Len())
			return nil
		},
	}
	aotCmd.AddCommand(aotInspectCmd)

	configCmd := &cobra.Command{
		Use: "config-key",
		Short: "Print the 128-bit cache key for the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			k := config.Default().Key()
			fmt.Printf("%x\n", k)
			return nil
		},
	}

	rootCmd.AddCommand(decodeCmd, compileCmd, translateCmd, cacheCmd, aotCmd, configCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func decodeConfig(mode32 bool) decode.Config {
	cfg := decode.DefaultConfig()
	cfg.Mode64Bit = !mode32
	return cfg
}

// parseGuestBytes joins args as a single hex string (spaces allowed between
// bytes) and returns a flatMemory mapping it at the --entry address.
func parseGuestBytes(entryStr string, args []string) (flatMemory, uint64, error) {
	entry, err := strconv.ParseUint(strings.TrimPrefix(entryStr, "0x"), 16, 64)
	if err != nil {
		return flatMemory{}, 0, fmt.Errorf("invalid --entry %q: %w", entryStr, err)
	}
	joined := strings.ReplaceAll(strings.Join(args, ""), " ", "")
	data, err := hex.DecodeString(joined)
	if err != nil {
		return flatMemory{}, 0, fmt.Errorf("invalid guest bytes: %w", err)
	}
	return flatMemory{Base: entry, Data: data}, entry, nil
}

func countOps(e *ir.Emitter) int {
	n := 0
	for range e.AllOps() {
		n++
	}
	return n
}
