package domain

import "time"

// Wallet is an address we control. Exactly one wallet is the default.
type Wallet struct {
	Address   string
	Name      string
	IsDefault bool
	AddedAt   time.Time
}

// HighWaterMark is the last fully scanned block for a (chain, wallet) pair.
type HighWaterMark struct {
	Chain       string
	Wallet      string
	BlockNumber uint64
	UpdatedAt   time.Time
}
