package config

import "testing"

func TestKeyStableForEqualConfig(t *testing.T) {
	a := Default()
	b := Default()
	if a.Key() != b.Key() {
		t.Fatalf("two Default() configs produced different keys")
	}
}

func TestKeyChangesWithEachField(t *testing.T) {
	base := Default()
	baseKey := base.Key()

	variants := []func(*Config){
		func(c *Config) { c.Multiblock = !c.Multiblock },
		func(c *Config) { c.TSOEnabled = !c.TSOEnabled },
		func(c *Config) { c.ParanoidTSO = !c.ParanoidTSO },
		func(c *Config) { c.SRAEnabled = !c.SRAEnabled },
		func(c *Config) { c.FlagsUnsafeLocal = !c.FlagsUnsafeLocal },
		func(c *Config) { c.NoPFUnsafe = !c.NoPFUnsafe },
		func(c *Config) { c.Is64BitMode = !c.Is64BitMode },
		func(c *Config) { c.X87ReducedPrecision = !c.X87ReducedPrecision },
		func(c *Config) { c.SMCChecks = SMCFull },
		func(c *Config) { c.MaxInstPerBlock = c.MaxInstPerBlock + 1 },
	}

	for i, mutate := range variants {
		c := Default()
		mutate(&c)
		if c.Key() == baseKey {
			t.Errorf("variant %d did not change the cache key", i)
		}
	}
}

func TestDisablePassesAndDumpIRExcludedFromKey(t *testing.T) {
	a := Default()
	b := Default()
	b.DisablePasses = true
	b.DumpIR = true
	if a.Key() != b.Key() {
		t.Fatalf("DisablePasses/DumpIR changed the cache key; they must not")
	}
}
