package config

import (
	"time"

	"github.com/shopspring/decimal"

	redisclient "github.com/vietddude/treasury/internal/infra/redis"
	"github.com/vietddude/treasury/internal/infra/storage/sqlstore"
)

// AppConfig represents the top-level configuration. It is built once by the
// entry point and handed to each component.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Treasury  TreasuryConfig     `yaml:"treasury"`
	Chains    []ChainConfig      `yaml:"chains"`
	Redis     redisclient.Config `yaml:"redis"`
	Logging   LoggingConfig      `yaml:"logging"`
	Database  sqlstore.Config    `yaml:"database"`
	Reconcile ReconcileConfig    `yaml:"reconcile"`
	Bridge    BridgeConfig       `yaml:"bridge"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	MetricsPort int `yaml:"metrics_port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TreasuryConfig names the operating wallet.
type TreasuryConfig struct {
	Wallet       string `yaml:"wallet"`
	AllowMainnet bool   `yaml:"allow_mainnet"`
}

// ChainConfig holds settings for a specific EVM chain.
type ChainConfig struct {
	Key                 string           `yaml:"key"`
	Name                string           `yaml:"name"`
	ChainID             uint64           `yaml:"chain_id"`
	FinalityBlocks      uint64           `yaml:"finality_blocks"`
	LookbackBlocks      uint64           `yaml:"lookback_blocks"`
	MaxBlockRange       uint64           `yaml:"max_block_range"`
	USDCAddress         string           `yaml:"usdc_address"`
	CCTPDomain          uint32           `yaml:"cctp_domain"`
	TokenMessenger      string           `yaml:"token_messenger"`
	MessageTransmitter  string           `yaml:"message_transmitter"`
	ExplorerURL         string           `yaml:"explorer_url"`
	ReceiptTimeout      time.Duration    `yaml:"receipt_timeout"`
	ReceiptPollInterval time.Duration    `yaml:"receipt_poll_interval"`
	Providers           []ProviderConfig `yaml:"providers"`
}

// ProviderConfig holds settings for an RPC provider.
type ProviderConfig struct {
	Name             string        `yaml:"name"`
	URL              string        `yaml:"url"`
	Timeout          time.Duration `yaml:"timeout"`
	IntervalLimit    int           `yaml:"interval_limit"` // requests per interval, 0 = unlimited
	IntervalDuration time.Duration `yaml:"interval_duration"`
}

// ReconcileConfig tunes the reconciliation engine.
type ReconcileConfig struct {
	DustTolerance   string        `yaml:"dust_tolerance"`
	ScanConcurrency int           `yaml:"scan_concurrency"`
	Schedule        string        `yaml:"schedule"` // cron expression for `reconcile watch`
	LockTTL         time.Duration `yaml:"lock_ttl"`

	Tolerance decimal.Decimal `yaml:"-"`
}

// BridgeConfig tunes the bridge state machine and attestation polling.
type BridgeConfig struct {
	AttestationURL     string        `yaml:"attestation_url"`
	AttestationTimeout time.Duration `yaml:"attestation_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	MaxFee             string        `yaml:"max_fee"`
	MinFinality        uint32        `yaml:"min_finality"`
	LeaseTTL           time.Duration `yaml:"lease_ttl"` // how long one process owns a record

	MaxFeeAmount decimal.Decimal `yaml:"-"`
}

// Chain returns the configuration for a chain key.
func (c *AppConfig) Chain(key string) (*ChainConfig, bool) {
	for i := range c.Chains {
		if c.Chains[i].Key == key {
			return &c.Chains[i], true
		}
	}
	return nil, false
}

// ChainKeys returns configured chain keys in file order.
func (c *AppConfig) ChainKeys() []string {
	keys := make([]string, 0, len(c.Chains))
	for _, ch := range c.Chains {
		keys = append(keys, ch.Key)
	}
	return keys
}

// ChainByDomain finds the chain with the given CCTP domain.
func (c *AppConfig) ChainByDomain(domain uint32) (*ChainConfig, bool) {
	for i := range c.Chains {
		if c.Chains[i].CCTPDomain == domain {
			return &c.Chains[i], true
		}
	}
	return nil, false
}

// TxURL links a transaction on the chain's block explorer.
func (c *ChainConfig) TxURL(txHash string) string {
	if c.ExplorerURL == "" || txHash == "" {
		return ""
	}
	return c.ExplorerURL + "/tx/" + txHash
}

// MainnetChainIDs are refused unless treasury.allow_mainnet is set.
var MainnetChainIDs = map[uint64]string{
	1:     "Ethereum",
	8453:  "Base",
	42161: "Arbitrum One",
	10:    "Optimism",
	137:   "Polygon",
	43114: "Avalanche",
	56:    "BNB Chain",
}

const (
	cctpTokenMessengerV2     = "0x8FE6B999Dc680CcFDD5Bf7EB0974218be2542DAA"
	cctpMessageTransmitterV2 = "0xE737e5cEBEEBa77EFE34D4aa090756590b1CE275"
)

// DefaultChains returns the supported testnets.
func DefaultChains() []ChainConfig {
	return []ChainConfig{
		{
			Key:                "ethereum_sepolia",
			Name:               "Ethereum Sepolia",
			ChainID:            11155111,
			USDCAddress:        "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
			CCTPDomain:         0,
			TokenMessenger:     cctpTokenMessengerV2,
			MessageTransmitter: cctpMessageTransmitterV2,
			ExplorerURL:        "https://sepolia.etherscan.io",
			Providers: []ProviderConfig{
				{Name: "publicnode", URL: "https://ethereum-sepolia-rpc.publicnode.com"},
			},
		},
		{
			Key:                "base_sepolia",
			Name:               "Base Sepolia",
			ChainID:            84532,
			USDCAddress:        "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			CCTPDomain:         6,
			TokenMessenger:     cctpTokenMessengerV2,
			MessageTransmitter: cctpMessageTransmitterV2,
			ExplorerURL:        "https://base-sepolia.blockscout.com",
			Providers: []ProviderConfig{
				{Name: "publicnode", URL: "https://base-sepolia-rpc.publicnode.com"},
			},
		},
		{
			Key:                "arbitrum_sepolia",
			Name:               "Arbitrum Sepolia",
			ChainID:            421614,
			USDCAddress:        "0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d",
			CCTPDomain:         3,
			TokenMessenger:     cctpTokenMessengerV2,
			MessageTransmitter: cctpMessageTransmitterV2,
			ExplorerURL:        "https://sepolia.arbiscan.io",
			Providers: []ProviderConfig{
				{Name: "publicnode", URL: "https://arbitrum-sepolia-rpc.publicnode.com"},
			},
		},
	}
}
