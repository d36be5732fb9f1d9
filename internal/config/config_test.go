package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfigDHTPrefixAndNamespace(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DHTPrefix() != MainnetDHTPrefix {
		t.Fatalf("DHTPrefix() = %q, want %q", cfg.DHTPrefix(), MainnetDHTPrefix)
	}
	if cfg.DiscoveryNamespace() != MainnetDiscoveryNS {
		t.Fatalf("DiscoveryNamespace() = %q, want %q", cfg.DiscoveryNamespace(), MainnetDiscoveryNS)
	}

	cfg.NetworkType = NetworkTestnet
	if cfg.DHTPrefix() != TestnetDHTPrefix {
		t.Fatalf("DHTPrefix() = %q, want %q", cfg.DHTPrefix(), TestnetDHTPrefix)
	}
	if !cfg.IsTestnet() {
		t.Fatalf("IsTestnet() = false, want true")
	}
}

func TestLoadConfigCreatesDefaultOnFirstRun(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Storage.DataDir != dir {
		t.Fatalf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, dir)
	}

	configPath := filepath.Join(dir, ConfigFileName)
	reloaded, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("reload LoadConfig: %v", err)
	}
	if reloaded.Network.ReplicationBatchSize != cfg.Network.ReplicationBatchSize {
		t.Fatalf("reloaded config diverged from the one just saved at %s", configPath)
	}
}

func TestSaveRoundTripsPaymentConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Payment.RoyaltyPublicKeyHex = "03abc"
	cfg.Payment.RoyaltyRateBasisPoints = 250

	path := ConfigPath(dir)
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if reloaded.Payment.RoyaltyPublicKeyHex != "03abc" || reloaded.Payment.RoyaltyRateBasisPoints != 250 {
		t.Fatalf("payment config did not round-trip: %+v", reloaded.Payment)
	}
}
