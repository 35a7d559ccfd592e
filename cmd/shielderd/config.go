// config.go - Configuration management for the shielder daemon
package main

import (
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"shielder/internal/tee"
)

const envPrefix = "SHIELDER"

// Prover backends.
const (
	ProverLocal = "local"
	ProverTEE   = "tee"
)

// Config represents the application configuration
type Config struct {
	// Account
	PrivateKey string `mapstructure:"private_key"`

	// File paths
	DataDir    string `mapstructure:"data_dir"`
	LedgerPath string `mapstructure:"ledger_path"`
	KeyDir     string `mapstructure:"key_dir"`

	// Protocol settings
	MerkleDepth int `mapstructure:"merkle_depth"`

	Prover  ProverConfig  `mapstructure:"prover"`
	Relayer RelayerConfig `mapstructure:"relayer"`
	Log     LogConfig     `mapstructure:"log"`

	// Metrics and health endpoints; empty disables them.
	MetricsAddr string `mapstructure:"metrics_addr"`

	Timeout time.Duration `mapstructure:"timeout"`
}

// ProverConfig selects and configures the prover.
type ProverConfig struct {
	Backend string `mapstructure:"backend"`

	// Confidential prover client
	URL                string            `mapstructure:"url"`
	RequireAttestation bool              `mapstructure:"require_attestation"`
	RootCert           string            `mapstructure:"root_cert"`
	PCRs               map[string]string `mapstructure:"pcrs"`
	RequestPadding     int               `mapstructure:"request_padding"`
	ResponsePadding    int               `mapstructure:"response_padding"`
	MaxRetries         int               `mapstructure:"max_retries"`

	// Development prover service
	ListenAddr string  `mapstructure:"listen_addr"`
	RateLimit  float64 `mapstructure:"rate_limit"`
	Burst      int     `mapstructure:"burst"`
	Attest     bool    `mapstructure:"attest"`
}

// RelayerConfig configures withdrawal relaying.
type RelayerConfig struct {
	// URL of a remote relayer; empty relays into the local ledger.
	URL        string         `mapstructure:"url"`
	ListenAddr string         `mapstructure:"listen_addr"`
	Address    common.Address `mapstructure:"address"`
	Fee        string         `mapstructure:"fee"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
	File   string `mapstructure:"file"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir:     "shielder-data",
		LedgerPath:  "ledger.json",
		KeyDir:      "keys",
		MerkleDepth: 16,
		Prover: ProverConfig{
			Backend:         ProverLocal,
			RequestPadding:  tee.DefaultRequestPadding,
			ResponsePadding: tee.DefaultResponsePadding,
			MaxRetries:      3,
			ListenAddr:      "127.0.0.1:3000",
			RateLimit:       2,
			Burst:           4,
		},
		Relayer: RelayerConfig{
			ListenAddr: "127.0.0.1:4141",
			Address:    common.HexToAddress("0x000000000000000000000000000000000000fee5"),
			Fee:        "1000",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Timeout: 2 * time.Minute,
	}
}

// configKeys lists every key that may be overridden from the environment.
var configKeys = []string{
	"private_key", "data_dir", "ledger_path", "key_dir", "merkle_depth", "metrics_addr", "timeout",
	"prover.backend", "prover.url", "prover.require_attestation", "prover.root_cert",
	"prover.request_padding", "prover.response_padding", "prover.max_retries",
	"prover.listen_addr", "prover.rate_limit", "prover.burst", "prover.attest",
	"relayer.url", "relayer.listen_addr", "relayer.address", "relayer.fee",
	"log.level", "log.format", "log.file",
}

// LoadConfig reads the optional config file at path into the defaults, then
// applies SHIELDER_* environment overrides (SHIELDER_PROVER_URL for prover.url).
func LoadConfig(path string, vip *viper.Viper) (*Config, error) {
	vip.SetEnvPrefix(envPrefix)
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range configKeys {
		if err := vip.BindEnv(key); err != nil {
			return nil, err
		}
	}
	if path != "" {
		vip.SetConfigFile(path)
		if err := vip.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
	if err := vip.Unmarshal(cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Path resolves p against the data directory.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// RelayerFee parses the relayer fee.
func (c *Config) RelayerFee() (*big.Int, error) {
	fee, ok := new(big.Int).SetString(c.Relayer.Fee, 10)
	if !ok || fee.Sign() < 0 {
		return nil, fmt.Errorf("relayer.fee %q is not a non-negative integer", c.Relayer.Fee)
	}
	return fee, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.MerkleDepth <= 0 || c.MerkleDepth > 32 {
		return fmt.Errorf("merkle_depth must be in [1, 32], got %d", c.MerkleDepth)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	switch c.Prover.Backend {
	case ProverLocal:
	case ProverTEE:
		if c.Prover.URL == "" {
			return errors.New("prover.url is required with the tee backend")
		}
		if c.Prover.RequireAttestation && c.Prover.RootCert == "" {
			return errors.New("prover.root_cert is required when attestation is required")
		}
	default:
		return fmt.Errorf("unknown prover backend %q", c.Prover.Backend)
	}
	if c.Prover.RequestPadding <= 0 || c.Prover.ResponsePadding <= 0 {
		return errors.New("padding sizes must be positive")
	}
	if c.Prover.RateLimit < 0 || c.Prover.Burst <= 0 {
		return errors.New("prover.rate_limit must be non-negative and prover.burst positive")
	}
	if _, err := c.RelayerFee(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}
