package config

import (
	"testing"
	"time"
)

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	var c Config
	applyDefaults(&c)

	if c.SPV.MaxIncomingFrame != 1_000_000 {
		t.Fatalf("MaxIncomingFrame = %d, want 1000000", c.SPV.MaxIncomingFrame)
	}
	if c.SPV.Net != "mainnet" {
		t.Fatalf("Net = %q, want mainnet", c.SPV.Net)
	}
	if len(c.SPV.FeeETATargets) == 0 {
		t.Fatal("expected default fee ETA targets to be filled in")
	}
	if c.SPV.Timeouts.GenericNormalSeconds != 30 || c.SPV.Timeouts.UrgentMostRelaxedSeconds != 60 {
		t.Fatalf("unexpected default timeouts: %+v", c.SPV.Timeouts)
	}
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	var c Config
	c.SPV.MaxIncomingFrame = 2_000_000
	c.SPV.Net = "testnet3"
	c.SPV.FeeETATargets = []int{1}
	c.SPV.Timeouts.GenericNormalSeconds = 5
	applyDefaults(&c)

	if c.SPV.MaxIncomingFrame != 2_000_000 {
		t.Fatalf("applyDefaults overwrote an explicit MaxIncomingFrame: %d", c.SPV.MaxIncomingFrame)
	}
	if c.SPV.Net != "testnet3" {
		t.Fatalf("applyDefaults overwrote an explicit Net: %q", c.SPV.Net)
	}
	if len(c.SPV.FeeETATargets) != 1 {
		t.Fatalf("applyDefaults overwrote explicit fee ETA targets: %v", c.SPV.FeeETATargets)
	}
	if c.SPV.Timeouts.GenericNormalSeconds != 5 {
		t.Fatalf("applyDefaults overwrote an explicit timeout: %d", c.SPV.Timeouts.GenericNormalSeconds)
	}
}

func TestSecondsTriple(t *testing.T) {
	got := secondsTriple(10, 20, 30)
	want := [3]time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second}
	if got != want {
		t.Fatalf("secondsTriple() = %v, want %v", got, want)
	}
}

func TestToCoreConfigParsesCheckpointsAndTimeouts(t *testing.T) {
	var c Config
	c.SPV.CertDir = "/certs"
	c.SPV.MaxIncomingFrame = 1_500_000
	c.SPV.MaxCheckpoint = 500_000
	c.SPV.Checkpoints = map[int32]string{
		100: "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26",
	}
	c.SPV.FeeETATargets = []int{1, 2, 3}
	c.SPV.Net = "mainnet"
	c.SPV.Timeouts.GenericNormalSeconds = 30
	c.SPV.Timeouts.GenericRelaxedSeconds = 45
	c.SPV.Timeouts.GenericMostRelaxedSeconds = 600
	c.SPV.Timeouts.UrgentNormalSeconds = 10
	c.SPV.Timeouts.UrgentRelaxedSeconds = 20
	c.SPV.Timeouts.UrgentMostRelaxedSeconds = 60

	cc, err := c.ToCoreConfig()
	if err != nil {
		t.Fatalf("ToCoreConfig: %v", err)
	}
	if cc.CertDir != "/certs" {
		t.Fatalf("CertDir = %q, want /certs", cc.CertDir)
	}
	if cc.MaxCheckpoint != 500_000 {
		t.Fatalf("MaxCheckpoint = %d, want 500000", cc.MaxCheckpoint)
	}
	if len(cc.Checkpoints) != 1 {
		t.Fatalf("expected one parsed checkpoint, got %d", len(cc.Checkpoints))
	}
	hash, ok := cc.Checkpoints[100]
	if !ok {
		t.Fatal("expected a checkpoint at height 100")
	}
	if got, want := hash.String(), "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26"; got != want {
		t.Fatalf("checkpoint hash = %q, want %q", got, want)
	}
	if cc.Timeouts.Duration(0, 0) != 30*time.Second {
		t.Fatalf("expected generic/normal timeout of 30s, got %v", cc.Timeouts.Duration(0, 0))
	}
}

func TestToCoreConfigRejectsMalformedCheckpointHash(t *testing.T) {
	var c Config
	c.SPV.Checkpoints = map[int32]string{100: "not-a-hash"}
	if _, err := c.ToCoreConfig(); err == nil {
		t.Fatal("expected an error for a malformed checkpoint hash")
	}
}
