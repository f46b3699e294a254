package config

// Package config provides a reusable loader for spvnode configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"spvclient/core"
	"spvclient/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for an spvnode process. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ChainID    string   `mapstructure:"chain_id" json:"chain_id"`
		Servers    []string `mapstructure:"servers" json:"servers"`
		AutoConnect bool    `mapstructure:"auto_connect" json:"auto_connect"`
	} `mapstructure:"network" json:"network"`

	SPV struct {
		CertDir              string            `mapstructure:"cert_dir" json:"cert_dir"`
		MaxIncomingFrame     int               `mapstructure:"max_incoming_frame" json:"max_incoming_frame"`
		ExpectedFingerprints map[string]string `mapstructure:"expected_fingerprints" json:"expected_fingerprints"`
		Proxy                struct {
			Enabled  bool   `mapstructure:"enabled" json:"enabled"`
			Host     string `mapstructure:"host" json:"host"`
			Port     uint16 `mapstructure:"port" json:"port"`
			Username string `mapstructure:"username" json:"username"`
			Password string `mapstructure:"password" json:"password"`
		} `mapstructure:"proxy" json:"proxy"`
		MaxCheckpoint int32             `mapstructure:"max_checkpoint" json:"max_checkpoint"`
		Checkpoints   map[int32]string `mapstructure:"checkpoints" json:"checkpoints"` // height -> block hash hex
		FeeETATargets []int             `mapstructure:"fee_eta_targets" json:"fee_eta_targets"`
		Timeouts      struct {
			GenericNormalSeconds       int `mapstructure:"generic_normal_seconds" json:"generic_normal_seconds"`
			GenericRelaxedSeconds      int `mapstructure:"generic_relaxed_seconds" json:"generic_relaxed_seconds"`
			GenericMostRelaxedSeconds  int `mapstructure:"generic_most_relaxed_seconds" json:"generic_most_relaxed_seconds"`
			UrgentNormalSeconds        int `mapstructure:"urgent_normal_seconds" json:"urgent_normal_seconds"`
			UrgentRelaxedSeconds       int `mapstructure:"urgent_relaxed_seconds" json:"urgent_relaxed_seconds"`
			UrgentMostRelaxedSeconds   int `mapstructure:"urgent_most_relaxed_seconds" json:"urgent_most_relaxed_seconds"`
		} `mapstructure:"timeouts" json:"timeouts"`
		Net string `mapstructure:"net" json:"net"` // "mainnet" | "testnet3" | "regtest"
	} `mapstructure:"spv" json:"spv"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, utils.Wrap(err, "load .env")
	}

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	applyDefaults(&AppConfig)
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SPVNODE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SPVNODE_ENV", ""))
}

// applyDefaults fills in the handful of fields a bare YAML file commonly
// omits, mirroring core.DefaultConfig's defaults so a minimal config file
// still produces a working core.Config.
func applyDefaults(c *Config) {
	if c.SPV.MaxIncomingFrame == 0 {
		c.SPV.MaxIncomingFrame = 1_000_000
	}
	if len(c.SPV.FeeETATargets) == 0 {
		c.SPV.FeeETATargets = []int{1, 2, 3, 5, 10, 25}
	}
	if c.SPV.Net == "" {
		c.SPV.Net = "mainnet"
	}
	if c.SPV.Timeouts.GenericNormalSeconds == 0 {
		c.SPV.Timeouts.GenericNormalSeconds = 30
		c.SPV.Timeouts.GenericRelaxedSeconds = 45
		c.SPV.Timeouts.GenericMostRelaxedSeconds = 600
		c.SPV.Timeouts.UrgentNormalSeconds = 10
		c.SPV.Timeouts.UrgentRelaxedSeconds = 20
		c.SPV.Timeouts.UrgentMostRelaxedSeconds = 60
	}
}

// ToCoreConfig converts the loaded configuration into the core.Config the
// supervisor consumes, parsing checkpoint hashes and building the timeout
// ladder. It fails loudly on a malformed checkpoint hash rather than
// silently dropping it.
func (c *Config) ToCoreConfig() (*core.Config, error) {
	checkpoints := make(map[int32]chainhash.Hash, len(c.SPV.Checkpoints))
	for height, hash := range c.SPV.Checkpoints {
		h, err := chainhash.NewHashFromStr(hash)
		if err != nil {
			return nil, fmt.Errorf("config: checkpoint at height %d: %w", height, err)
		}
		checkpoints[height] = *h
	}

	cc := &core.Config{
		CertDir:              c.SPV.CertDir,
		MaxIncomingFrameSize: c.SPV.MaxIncomingFrame,
		ExpectedFingerprints: c.SPV.ExpectedFingerprints,
		Proxy: core.ProxyConfig{
			Enabled:  c.SPV.Proxy.Enabled,
			Host:     c.SPV.Proxy.Host,
			Port:     c.SPV.Proxy.Port,
			Username: c.SPV.Proxy.Username,
			Password: c.SPV.Proxy.Password,
		},
		MaxCheckpoint: c.SPV.MaxCheckpoint,
		Checkpoints:   checkpoints,
		FeeETATargets: c.SPV.FeeETATargets,
		Timeouts: core.TimeoutProfile{
			Generic: secondsTriple(
				c.SPV.Timeouts.GenericNormalSeconds,
				c.SPV.Timeouts.GenericRelaxedSeconds,
				c.SPV.Timeouts.GenericMostRelaxedSeconds,
			),
			Urgent: secondsTriple(
				c.SPV.Timeouts.UrgentNormalSeconds,
				c.SPV.Timeouts.UrgentRelaxedSeconds,
				c.SPV.Timeouts.UrgentMostRelaxedSeconds,
			),
		},
		Net: core.NetParams{Name: c.SPV.Net},
	}
	return cc, nil
}

func secondsTriple(normal, relaxed, mostRelaxed int) [3]time.Duration {
	return [3]time.Duration{
		time.Duration(normal) * time.Second,
		time.Duration(relaxed) * time.Second,
		time.Duration(mostRelaxed) * time.Second,
	}
}
