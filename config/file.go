package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadFile loads a YAML config file into cfg, leaving cfg unchanged if the
// file does not exist. Later callers (flags) still apply on top.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// LoadEnvOverrides applies a .env file on top of cfg. This is the one
// layer meant for secrets (node RPC credentials) that operators should
// never commit to a checked-in YAML file.
func LoadEnvOverrides(path string, cfg *Config) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if v, ok := env["KLINGDEX_NODE_RPC_ADDR"]; ok && v != "" {
		cfg.NodeRPC.Addr = v
	}
	if v, ok := env["KLINGDEX_NODE_RPC_USER"]; ok && v != "" {
		cfg.NodeRPC.User = v
	}
	if v, ok := env["KLINGDEX_NODE_RPC_PASS"]; ok && v != "" {
		cfg.NodeRPC.Pass = v
	}
	return nil
}

// WriteDefaultFile writes a commented default YAML config to path if one
// does not already exist there.
func WriteDefaultFile(path string, network Network) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	d := Default(network)
	content := `# klingdex configuration
network: ` + string(network) + `

node_rpc:
  addr: "` + d.NodeRPC.Addr + `"
  user: ""
  pass: ""
  timeout_seconds: 30

reorg:
  max_depth: ` + fmt.Sprint(d.Reorg.MaxDepth) + `

fee_estimator:
  mode: proxy   # proxy | mempool
  targets: [1, 3, 6, 12, 24, 144, 504]

query:
  max_summary_txs: 50
  max_address_result: 1000
  max_batch_stats: 50

http:
  addr: "127.0.0.1"
  port: ` + fmt.Sprint(d.HTTP.Port) + `
  allowed_ips: ["127.0.0.1"]
  cors_origins: []

log:
  level: info
  file: ""
  json: false
`
	return os.WriteFile(path, []byte(content), 0644)
}

// EnsureDataDirs creates the data directory layout, idempotently.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.IndexDir(),
		cfg.LogsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return WriteDefaultFile(cfg.ConfigFile(), cfg.Network)
}
