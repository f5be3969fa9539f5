package domain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAddress validates an EVM address and returns its EIP-55 checksum
// form. Every address handed to a chain collaborator goes through here.
func NormalizeAddress(op, field, s string) (string, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", ValidationError(op, field, s, "not a valid EVM address")
	}
	return common.HexToAddress(s).Hex(), nil
}

// MustAddress is NormalizeAddress for values that were validated on the way
// in, such as configuration and stored rows.
func MustAddress(s string) common.Address {
	return common.HexToAddress(s)
}

// SameAddress compares two addresses ignoring checksum case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// NormalizeTxHash validates a 0x-prefixed hex transaction hash of at most
// 32 bytes and lower-cases it.
func NormalizeTxHash(op, field, s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0x") || len(s) < 3 || len(s) > 66 {
		return "", ValidationError(op, field, s, "not a hex transaction hash")
	}
	for _, c := range s[2:] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", ValidationError(op, field, s, "not a hex transaction hash")
		}
	}
	return s, nil
}
