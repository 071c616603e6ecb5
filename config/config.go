package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TLSConfig holds paths to the PEM files needed for mTLS on the RPC
// listener. When nil or all paths empty, RPC falls back to plain HTTP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`
	NodeCert string `json:"node_cert"`
	NodeKey  string `json:"node_key"`
}

// SeedPeer identifies a remote validator's gateway listener to dial on
// startup.
type SeedPeer struct {
	Address string `json:"address"` // claimed committee address
	Addr    string `json:"addr"`    // gateway host:port
}

// ValidatorConfig describes one committee member's bootstrap entry: its
// ed25519 public key (hex) and staked amount, plus the staking account
// that backs it (defaults to the validator's own address when empty).
type ValidatorConfig struct {
	PubKey        string `json:"pub_key"`
	Stake         uint64 `json:"stake"`
	StakerAddress string `json:"staker_address,omitempty"`
}

// GenesisConfig describes the chain's round-0 committee.
type GenesisConfig struct {
	ChainID    string            `json:"chain_id"`
	Validators []ValidatorConfig `json:"validators"`
}

// GatewayConfig fixes the tuning constants of spec §4.4/§5.
type GatewayConfig struct {
	ListenAddr       string        `json:"listen_addr"`
	MaxConnections   int           `json:"max_connections"`   // 0 -> gateway.DefaultMaxConnections
	MinVersion       uint32        `json:"min_version"`        // 0 -> gateway.DefaultMinVersion
	PingInterval     time.Duration `json:"ping_interval"`      // 0 -> gateway.DefaultPingInterval
	IdleTimeout      time.Duration `json:"idle_timeout"`       // 0 -> gateway.DefaultIdleTimeout
	RequireValidator bool          `json:"require_validator"`
}

// BFTConfig fixes the timing constants of spec §4.6/§4.7.
type BFTConfig struct {
	MaxBatchDelay            time.Duration `json:"max_batch_delay"`
	SignatureCollectionDelay time.Duration `json:"signature_collection_delay"`
	MaxTransmissionsPerBatch int           `json:"max_transmissions_per_batch"`
	MaxTimestampDriftMillis  int64         `json:"max_timestamp_drift_millis"`
	MaxGCRounds              uint64        `json:"max_gc_rounds"`
}

// SyncConfig fixes the tuning constants of spec §4.8.
type SyncConfig struct {
	MaxBlockLag           uint64        `json:"max_block_lag"`
	MaxBlocksPerRequest   uint32        `json:"max_blocks_per_request"`
	FetchTimeout          time.Duration `json:"fetch_timeout"`
	MaxCertificateRetries int           `json:"max_certificate_retries"`
}

// Config holds all node configuration.
type Config struct {
	NodeID       string        `json:"node_id"`
	DataDir      string        `json:"data_dir"`
	RPCAddr      string        `json:"rpc_addr"`
	RPCAuthToken string        `json:"rpc_auth_token,omitempty"`
	WorkerCount  int           `json:"worker_count"` // omitted -> 8, <= 0 -> 1 (mempool.NewShard), spec §4.3's W
	Genesis      GenesisConfig `json:"genesis"`
	SeedPeers    []SeedPeer    `json:"seed_peers,omitempty"`
	Gateway      GatewayConfig `json:"gateway"`
	BFT          BFTConfig     `json:"bft"`
	Sync         SyncConfig    `json:"sync"`
	TLS          *TLSConfig    `json:"tls,omitempty"` // RPC-only; gateway transport is noise-encrypted, not TLS
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:      "validator0",
		DataDir:     "./data",
		RPCAddr:     ":8545",
		WorkerCount: 8,
		Genesis: GenesisConfig{
			ChainID: "quorumnet-dev",
		},
		Gateway: GatewayConfig{
			ListenAddr: ":30303",
		},
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chain_id must not be empty")
	}
	if c.Gateway.ListenAddr == "" {
		return fmt.Errorf("gateway.listen_addr must not be empty")
	}
	if c.RPCAddr == c.Gateway.ListenAddr {
		return fmt.Errorf("rpc_addr and gateway.listen_addr must not be the same (%s)", c.RPCAddr)
	}
	if len(c.Genesis.Validators) == 0 {
		return fmt.Errorf("genesis.validators list must not be empty")
	}
	for i, v := range c.Genesis.Validators {
		b, err := hex.DecodeString(v.PubKey)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("genesis.validators[%d]: pub_key must be 64-char hex (32-byte ed25519 pubkey), got %q", i, v.PubKey)
		}
		if v.Stake == 0 {
			return fmt.Errorf("genesis.validators[%d]: stake must be > 0", i)
		}
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
