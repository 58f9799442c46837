package config

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		NodeRPC: NodeRPCConfig{
			Addr:     "127.0.0.1:8332",
			TimeoutS: 30,
		},
		Reorg: ReorgConfig{
			MaxDepth: 1000,
		},
		FeeEst: FeeEstConfig{
			Mode:    FeeEstProxy,
			Targets: []int{1, 3, 6, 12, 24, 144, 504},
		},
		Query: QueryConfig{
			MaxSummaryTxs:    50,
			MaxAddressResult: 1000,
			MaxBatchStats:    50,
		},
		HTTP: HTTPConfig{
			Addr:       "127.0.0.1",
			Port:       3000,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
		Supervisor: SupervisorConfig{
			PollIntervalS:        10,
			MempoolSyncIntervalS: 10,
		},
	}
}

// DefaultTestnet returns the default configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.NodeRPC.Addr = "127.0.0.1:18332"
	cfg.HTTP.Port = 3001
	return cfg
}

// DefaultSignet returns the default configuration for signet.
func DefaultSignet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Signet
	cfg.NodeRPC.Addr = "127.0.0.1:38332"
	cfg.HTTP.Port = 3002
	return cfg
}

// DefaultRegtest returns the default configuration for regtest.
func DefaultRegtest() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Regtest
	cfg.NodeRPC.Addr = "127.0.0.1:18443"
	cfg.HTTP.Port = 3003
	cfg.Reorg.MaxDepth = 100
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network Network) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	case Signet:
		return DefaultSignet()
	case Regtest:
		return DefaultRegtest()
	default:
		return DefaultMainnet()
	}
}
