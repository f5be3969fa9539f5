package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/treasury/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, expanding ${ENV} references first.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields. It is exported so tests can build an
// AppConfig literal and normalize it the same way Load does.
func (cfg *AppConfig) ApplyDefaults() error {
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9100
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.URL == "" && cfg.Database.Driver == "sqlite" {
		dir := os.Getenv("TREASURY_DATA_DIR")
		if dir == "" {
			dir = "data"
		}
		cfg.Database.URL = dir + "/treasury.db"
	}
	if cfg.Treasury.Wallet == "" {
		cfg.Treasury.Wallet = os.Getenv("TREASURY_WALLET")
	}

	if len(cfg.Chains) == 0 {
		cfg.Chains = DefaultChains()
	}
	for i := range cfg.Chains {
		ch := &cfg.Chains[i]
		if ch.FinalityBlocks == 0 {
			ch.FinalityBlocks = 2
		}
		if ch.LookbackBlocks == 0 {
			ch.LookbackBlocks = 1000
		}
		if ch.MaxBlockRange == 0 {
			ch.MaxBlockRange = 2000
		}
		if ch.ReceiptTimeout == 0 {
			ch.ReceiptTimeout = 2 * time.Minute
		}
		if ch.ReceiptPollInterval == 0 {
			ch.ReceiptPollInterval = 2 * time.Second
		}
		if override := os.Getenv("TREASURY_RPC_" + strings.ToUpper(ch.Key)); override != "" {
			ch.Providers = []ProviderConfig{{Name: "env", URL: override}}
		}
		for j := range ch.Providers {
			p := &ch.Providers[j]
			if p.Name == "" {
				p.Name = fmt.Sprintf("%s-%d", ch.Key, j)
			}
			if p.Timeout == 0 {
				p.Timeout = 30 * time.Second
			}
			if p.IntervalLimit > 0 && p.IntervalDuration == 0 {
				p.IntervalDuration = time.Second
			}
		}
	}

	if cfg.Reconcile.DustTolerance == "" {
		cfg.Reconcile.DustTolerance = "0"
	}
	if cfg.Reconcile.ScanConcurrency == 0 {
		cfg.Reconcile.ScanConcurrency = 4
	}
	if cfg.Reconcile.Schedule == "" {
		cfg.Reconcile.Schedule = "@every 5m"
	}
	if cfg.Reconcile.LockTTL == 0 {
		cfg.Reconcile.LockTTL = 10 * time.Minute
	}
	tol, err := decimal.NewFromString(cfg.Reconcile.DustTolerance)
	if err != nil {
		return fmt.Errorf("invalid reconcile.dust_tolerance %q: %w", cfg.Reconcile.DustTolerance, err)
	}
	cfg.Reconcile.Tolerance = tol

	if cfg.Bridge.AttestationURL == "" {
		cfg.Bridge.AttestationURL = "https://iris-api-sandbox.circle.com"
	}
	if cfg.Bridge.AttestationTimeout == 0 {
		cfg.Bridge.AttestationTimeout = 5 * time.Minute
	}
	if cfg.Bridge.PollInterval == 0 {
		cfg.Bridge.PollInterval = 10 * time.Second
	}
	if cfg.Bridge.MaxFee == "" {
		cfg.Bridge.MaxFee = "0"
	}
	if cfg.Bridge.MinFinality == 0 {
		cfg.Bridge.MinFinality = 2000
	}
	if cfg.Bridge.LeaseTTL == 0 {
		cfg.Bridge.LeaseTTL = 15 * time.Minute
	}
	fee, err := decimal.NewFromString(cfg.Bridge.MaxFee)
	if err != nil {
		return fmt.Errorf("invalid bridge.max_fee %q: %w", cfg.Bridge.MaxFee, err)
	}
	cfg.Bridge.MaxFeeAmount = fee
	return nil
}

// Validate checks cross-field constraints after defaults are applied.
func (cfg *AppConfig) Validate() error {
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.Reconcile.Tolerance.IsNegative() {
		return fmt.Errorf("reconcile.dust_tolerance must not be negative")
	}
	if cfg.Bridge.MaxFeeAmount.IsNegative() {
		return fmt.Errorf("bridge.max_fee must not be negative")
	}
	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"bridge.attestation_timeout", cfg.Bridge.AttestationTimeout},
		{"bridge.poll_interval", cfg.Bridge.PollInterval},
		{"bridge.lease_ttl", cfg.Bridge.LeaseTTL},
		{"reconcile.lock_ttl", cfg.Reconcile.LockTTL},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.field, d.value)
		}
	}
	// A bridge record is renewed between chain waits, so one wait must fit in a lease.
	if cfg.Bridge.LeaseTTL <= cfg.Bridge.AttestationTimeout {
		return fmt.Errorf("bridge.lease_ttl %s must exceed bridge.attestation_timeout %s",
			cfg.Bridge.LeaseTTL, cfg.Bridge.AttestationTimeout)
	}
	if cfg.Treasury.Wallet != "" {
		w, err := domain.NormalizeAddress("config", "treasury.wallet", cfg.Treasury.Wallet)
		if err != nil {
			return err
		}
		cfg.Treasury.Wallet = w
	}

	seen := make(map[string]bool)
	domains := make(map[uint32]string)
	for i := range cfg.Chains {
		ch := &cfg.Chains[i]
		if ch.Key == "" {
			return fmt.Errorf("chain %d has no key", i)
		}
		if seen[ch.Key] {
			return fmt.Errorf("duplicate chain key %q", ch.Key)
		}
		seen[ch.Key] = true
		if other, ok := domains[ch.CCTPDomain]; ok {
			return fmt.Errorf("chains %q and %q share cctp domain %d", other, ch.Key, ch.CCTPDomain)
		}
		domains[ch.CCTPDomain] = ch.Key
		if ch.ReceiptTimeout <= 0 || ch.ReceiptPollInterval <= 0 {
			return fmt.Errorf("chain %q: receipt_timeout and receipt_poll_interval must be positive", ch.Key)
		}
		if ch.ReceiptTimeout >= cfg.Bridge.LeaseTTL {
			return fmt.Errorf("chain %q: receipt_timeout %s must be shorter than bridge.lease_ttl %s",
				ch.Key, ch.ReceiptTimeout, cfg.Bridge.LeaseTTL)
		}
		if name, ok := MainnetChainIDs[ch.ChainID]; ok && !cfg.Treasury.AllowMainnet {
			return fmt.Errorf("chain %q uses %s mainnet chain id %d; set treasury.allow_mainnet to use it",
				ch.Key, name, ch.ChainID)
		}
		for _, addr := range []struct {
			field string
			value *string
		}{
			{"usdc_address", &ch.USDCAddress},
			{"token_messenger", &ch.TokenMessenger},
			{"message_transmitter", &ch.MessageTransmitter},
		} {
			if *addr.value == "" {
				return fmt.Errorf("chain %q: %s is required", ch.Key, addr.field)
			}
			normalized, err := domain.NormalizeAddress("config", ch.Key+"."+addr.field, *addr.value)
			if err != nil {
				return err
			}
			*addr.value = normalized
		}
		ch.ExplorerURL = strings.TrimRight(ch.ExplorerURL, "/")
	}
	return nil
}
