// Package config handles klingdex configuration.
//
// Configuration is merged in three layers, each overriding the previous:
// built-in defaults, a YAML config file, then command-line flags. A .env
// file alongside the config file may also override node-RPC credentials,
// since those are the one setting operators should never have to put in
// a file that ends up in a support ticket.
package config

import (
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies which Bitcoin-family network klingdex is indexing.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

// Params returns the btcd chain parameters for the network.
func (n Network) Params() *chaincfg.Params {
	switch n {
	case Testnet:
		return &chaincfg.TestNet3Params
	case Signet:
		return &chaincfg.SigNetParams
	case Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// Config holds the complete runtime configuration for klingdexd.
type Config struct {
	Network Network `yaml:"network"`
	DataDir string  `yaml:"datadir"`

	NodeRPC    NodeRPCConfig    `yaml:"node_rpc"`
	Reorg      ReorgConfig      `yaml:"reorg"`
	FeeEst     FeeEstConfig     `yaml:"fee_estimator"`
	Query      QueryConfig      `yaml:"query"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

// NodeRPCConfig describes how to reach the upstream full node (the single
// source of chain and mempool truth; klingdex never does consensus itself).
type NodeRPCConfig struct {
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Pass     string `yaml:"pass"`
	TimeoutS int    `yaml:"timeout_seconds"`
}

// ReorgConfig bounds how deep a reorg klingdex will follow through its
// stored undo records. A deeper reorg fails with a Fatal error; no rebuild
// is attempted.
type ReorgConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

// FeeEstMode selects how fee estimates are produced. The two modes are
// never combined: either the upstream node is trusted for estimates, or
// klingdex derives them from its own mempool mirror.
type FeeEstMode string

const (
	FeeEstProxy   FeeEstMode = "proxy"
	FeeEstMempool FeeEstMode = "mempool"
)

type FeeEstConfig struct {
	Mode    FeeEstMode `yaml:"mode"`
	Targets []int      `yaml:"targets"` // confirmation-target buckets, e.g. [1,3,6,12,144]
}

// QueryConfig bounds the cost of the query layer's supplemental, non-core
// operations (those added atop the electrs-style address/transaction
// lookups).
type QueryConfig struct {
	MaxSummaryTxs    int `yaml:"max_summary_txs"`
	MaxAddressResult int `yaml:"max_address_result"`
	MaxBatchStats    int `yaml:"max_batch_stats"`
}

// HTTPConfig configures the thin REST adapter. HTTP transport itself is
// out of this repo's core scope; this is glue, not a component.
type HTTPConfig struct {
	Addr        string   `yaml:"addr"`
	Port        int      `yaml:"port"`
	AllowedIPs  []string `yaml:"allowed_ips"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// SupervisorConfig paces the tip-watch loop tying the fetcher, chain
// indexer, and mempool indexer together.
type SupervisorConfig struct {
	PollIntervalS        int `yaml:"poll_interval_seconds"`
	MempoolSyncIntervalS int `yaml:"mempool_sync_interval_seconds"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	JSON  bool   `yaml:"json"`
}

// DefaultDataDir returns the platform-specific default data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingdex"
	}
	return filepath.Join(home, ".klingdex")
}

// ChainDataDir returns the network-scoped data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// IndexDir returns the store's on-disk directory.
func (c *Config) IndexDir() string {
	return filepath.Join(c.ChainDataDir(), "index")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the default config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingdex.yaml")
}

// EnvFile returns the default .env override file path.
func (c *Config) EnvFile() string {
	return filepath.Join(c.DataDir, ".env")
}
