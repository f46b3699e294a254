package core

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// NetworkTimeoutClass distinguishes the two timeout profiles a request can
// use: Generic for ordinary requests, Urgent for header requests issued
// while holding the chain-height-investigation lock.
type NetworkTimeoutClass int

const (
	NetworkTimeoutGeneric NetworkTimeoutClass = iota
	NetworkTimeoutUrgent
)

// NetworkTimeoutLevel selects how patient a request should be.
type NetworkTimeoutLevel int

const (
	TimeoutNormal NetworkTimeoutLevel = iota
	TimeoutRelaxed
	TimeoutMostRelaxed
)

// TimeoutProfile resolves (class, level) pairs to durations: Generic
// {30,45,600}s, Urgent {10,20,60}s by default.
type TimeoutProfile struct {
	Generic [3]time.Duration
	Urgent  [3]time.Duration
}

// DefaultTimeoutProfile returns the standard generic/urgent timeout ladder.
func DefaultTimeoutProfile() TimeoutProfile {
	return TimeoutProfile{
		Generic: [3]time.Duration{30 * time.Second, 45 * time.Second, 600 * time.Second},
		Urgent:  [3]time.Duration{10 * time.Second, 20 * time.Second, 60 * time.Second},
	}
}

// Duration resolves a (class, level) pair.
func (p TimeoutProfile) Duration(class NetworkTimeoutClass, level NetworkTimeoutLevel) time.Duration {
	if class == NetworkTimeoutUrgent {
		return p.Urgent[level]
	}
	return p.Generic[level]
}

// ProxyConfig describes an optional SOCKS5 proxy used to dial servers.
type ProxyConfig struct {
	Enabled  bool
	Host     string
	Port     uint16
	Username string
	Password string
}

// Config is the read-only source of everything an Interface and its
// collaborators need: certificate directory, frame-size limit, optional
// fingerprint pins, proxy settings, network-wide checkpoints, and timeout
// profile. It is populated by
// pkg/config.Load and handed to core.NewSupervisor by the host application.
type Config struct {
	CertDir              string
	MaxIncomingFrameSize int
	ExpectedFingerprints map[string]string // host -> lowercase sha256 hex
	Proxy                ProxyConfig
	MaxCheckpoint        int32
	Checkpoints          map[int32]chainhash.Hash
	FeeETATargets        []int
	Timeouts             TimeoutProfile
	Net                  NetParams
}

// NetParams picks which Bitcoin network address/version bytes validation
// helpers should use (mainnet vs testnet), consumed by get_donation_address.
type NetParams struct {
	Name string // "mainnet" | "testnet3" | "regtest"
}

// ExpectedFingerprint returns the pinned fingerprint configured for host, if any.
func (c *Config) ExpectedFingerprint(host string) (string, bool) {
	if c.ExpectedFingerprints == nil {
		return "", false
	}
	fp, ok := c.ExpectedFingerprints[host]
	return fp, ok
}

// DefaultConfig returns a Config with sensible defaults: a frame size just
// over the 500,000-byte floor, the default timeout profile, and the fee-ETA
// target ladder a typical wallet asks for.
func DefaultConfig(certDir string) *Config {
	return &Config{
		CertDir:              certDir,
		MaxIncomingFrameSize: 1_000_000,
		ExpectedFingerprints: map[string]string{},
		MaxCheckpoint:        0,
		Checkpoints:          map[int32]chainhash.Hash{},
		FeeETATargets:        []int{1, 2, 3, 5, 10, 25},
		Timeouts:             DefaultTimeoutProfile(),
		Net:                  NetParams{Name: "mainnet"},
	}
}
