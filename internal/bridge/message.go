package bridge

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/vietddude/treasury/internal/core/domain"
)

// CCTP v2 message header layout.
const (
	headerLen         = 148
	offVersion        = 0
	offSourceDomain   = 4
	offDestDomain     = 8
	offNonce          = 12
	offSender         = 44
	offRecipient      = 76
	offDestCaller     = 108
	bodyAmountOffset  = 68
	bodyFeeExecOffset = 196
	bodyMinLen        = 228
)

// Message is a decoded CCTP v2 message.
type Message struct {
	Version      uint32
	SourceDomain uint32
	DestDomain   uint32
	Nonce        [32]byte
	Sender       common.Hash
	Recipient    common.Hash
	Body         []byte
}

// ParseMessage decodes the header of an attested message.
func ParseMessage(raw []byte) (*Message, error) {
	if len(raw) < headerLen {
		return nil, fmt.Errorf("message too short: %d bytes", len(raw))
	}
	m := &Message{
		Version:      binary.BigEndian.Uint32(raw[offVersion:]),
		SourceDomain: binary.BigEndian.Uint32(raw[offSourceDomain:]),
		DestDomain:   binary.BigEndian.Uint32(raw[offDestDomain:]),
		Sender:       common.BytesToHash(raw[offSender:offRecipient]),
		Recipient:    common.BytesToHash(raw[offRecipient:offDestCaller]),
		Body:         raw[headerLen:],
	}
	copy(m.Nonce[:], raw[offNonce:offSender])
	return m, nil
}

// Hash is the keccak256 of the full message, as indexed by Iris.
func Hash(raw []byte) common.Hash {
	return crypto.Keccak256Hash(raw)
}

// MintedAmount returns the amount the mint credits: the burnt amount minus
// the executed fee. ok is false when the body is not a burn message.
func (m *Message) MintedAmount() (amount decimal.Decimal, ok bool) {
	if len(m.Body) < bodyMinLen {
		return decimal.Zero, false
	}
	gross := new(big.Int).SetBytes(m.Body[bodyAmountOffset : bodyAmountOffset+32])
	fee := new(big.Int).SetBytes(m.Body[bodyFeeExecOffset : bodyFeeExecOffset+32])
	if fee.Cmp(gross) > 0 {
		return decimal.Zero, false
	}
	return domain.FromBaseUnits(new(big.Int).Sub(gross, fee)), true
}
