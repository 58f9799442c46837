package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Flags holds parsed command-line flags, the final and highest-precedence
// configuration layer.
type Flags struct {
	Help    bool
	Version bool

	Network string
	DataDir string
	Config  string

	NodeRPCAddr string
	NodeRPCUser string
	NodeRPCPass string

	ReorgMaxDepth int

	FeeEstMode string

	HTTPAddr string
	HTTPPort int

	LogLevel string
	LogFile  string
	LogJSON  bool

	SetLogJSON bool
}

// ParseFlags parses os.Args into Flags.
func ParseFlags() *Flags {
	f := &Flags{}
	fs := flag.NewFlagSet("klingdexd", flag.ContinueOnError)

	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")

	fs.StringVar(&f.Network, "network", "", "Network: mainnet, testnet, signet, regtest")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")

	fs.StringVar(&f.NodeRPCAddr, "node-rpc", "", "Upstream node RPC address (host:port)")
	fs.StringVar(&f.NodeRPCUser, "node-rpc-user", "", "Upstream node RPC username")
	fs.StringVar(&f.NodeRPCPass, "node-rpc-pass", "", "Upstream node RPC password")

	fs.IntVar(&f.ReorgMaxDepth, "reorg-limit", 0, "Maximum reorg depth followed; a deeper reorg fails")

	fs.StringVar(&f.FeeEstMode, "fee-mode", "", "Fee estimator mode: proxy or mempool")

	fs.StringVar(&f.HTTPAddr, "http-addr", "", "HTTP listen address")
	fs.IntVar(&f.HTTPPort, "http-port", 0, "HTTP listen port")

	fs.StringVar(&f.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = printUsage

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	f.SetLogJSON = isFlagSet(fs, "log-json")
	return f
}

// ApplyFlags applies command-line flags to cfg.
func ApplyFlags(cfg *Config, f *Flags) {
	if f.Network != "" {
		cfg.Network = Network(strings.ToLower(f.Network))
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.NodeRPCAddr != "" {
		cfg.NodeRPC.Addr = f.NodeRPCAddr
	}
	if f.NodeRPCUser != "" {
		cfg.NodeRPC.User = f.NodeRPCUser
	}
	if f.NodeRPCPass != "" {
		cfg.NodeRPC.Pass = f.NodeRPCPass
	}
	if f.ReorgMaxDepth != 0 {
		cfg.Reorg.MaxDepth = f.ReorgMaxDepth
	}
	if f.FeeEstMode != "" {
		cfg.FeeEst.Mode = FeeEstMode(f.FeeEstMode)
	}
	if f.HTTPAddr != "" {
		cfg.HTTP.Addr = f.HTTPAddr
	}
	if f.HTTPPort != 0 {
		cfg.HTTP.Port = f.HTTPPort
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	fmt.Fprint(os.Stderr, `klingdexd - blockchain indexing and query service

Usage:
  klingdexd [options]

Core Options:
  --network          mainnet (default), testnet, signet, regtest
  --datadir          Data directory (default: ~/.klingdex)
  --config           Config file path (default: <datadir>/klingdex.yaml)

Upstream Node:
  --node-rpc         Upstream node RPC address (host:port)
  --node-rpc-user    Upstream node RPC username
  --node-rpc-pass    Upstream node RPC password

Indexing:
  --reorg-limit      Maximum reorg depth followed (a deeper reorg fails)

Fee Estimation:
  --fee-mode         proxy (default) or mempool

HTTP:
  --http-addr        HTTP listen address (default: 127.0.0.1)
  --http-port        HTTP listen port (default: 3000)

Logging:
  --log-level        debug, info, warn, error (default: info)
  --log-file         Log file path (default: <datadir>/logs/klingdex.log)
  --log-json         Output logs as JSON
`)
}

// Load loads configuration with precedence: defaults -> file -> .env -> flags.
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()
	if flags.Version {
		fmt.Println("klingdexd version 0.1.0")
		os.Exit(0)
	}

	network := Mainnet
	if flags.Network != "" {
		network = Network(strings.ToLower(flags.Network))
	}
	cfg := Default(network)

	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}
	if err := LoadFile(configPath, cfg); err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := LoadEnvOverrides(cfg.EnvFile(), cfg); err != nil {
		return nil, nil, fmt.Errorf("loading .env overrides: %w", err)
	}

	ApplyFlags(cfg, flags)

	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, flags, nil
}
