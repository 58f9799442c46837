package config

import "fmt"

// Validate checks a Config for obvious operator mistakes before klingdexd
// wires up its components.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch cfg.Network {
	case Mainnet, Testnet, Signet, Regtest:
	default:
		return fmt.Errorf("network must be one of mainnet, testnet, signet, regtest, got %q", cfg.Network)
	}
	if cfg.NodeRPC.Addr == "" {
		return fmt.Errorf("node_rpc.addr is required")
	}
	if cfg.NodeRPC.TimeoutS <= 0 {
		return fmt.Errorf("node_rpc.timeout_seconds must be positive")
	}
	if cfg.Reorg.MaxDepth <= 0 {
		return fmt.Errorf("reorg.max_depth must be positive")
	}
	switch cfg.FeeEst.Mode {
	case FeeEstProxy, FeeEstMempool:
	default:
		return fmt.Errorf("fee_estimator.mode must be proxy or mempool, got %q", cfg.FeeEst.Mode)
	}
	if len(cfg.FeeEst.Targets) == 0 {
		return fmt.Errorf("fee_estimator.targets must not be empty")
	}
	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be in range [0, 65535]")
	}
	if cfg.Query.MaxSummaryTxs <= 0 {
		return fmt.Errorf("query.max_summary_txs must be positive")
	}
	if cfg.Query.MaxAddressResult <= 0 {
		return fmt.Errorf("query.max_address_result must be positive")
	}
	if cfg.Query.MaxBatchStats <= 0 {
		return fmt.Errorf("query.max_batch_stats must be positive")
	}
	if cfg.Supervisor.PollIntervalS <= 0 {
		return fmt.Errorf("supervisor.poll_interval_seconds must be positive")
	}
	if cfg.Supervisor.MempoolSyncIntervalS <= 0 {
		return fmt.Errorf("supervisor.mempool_sync_interval_seconds must be positive")
	}
	return nil
}
