package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

const erc20JSON = `[
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// TokenMessengerV2
const tokenMessengerJSON = `[
	{"inputs":[
		{"name":"amount","type":"uint256"},
		{"name":"destinationDomain","type":"uint32"},
		{"name":"mintRecipient","type":"bytes32"},
		{"name":"burnToken","type":"address"},
		{"name":"destinationCaller","type":"bytes32"},
		{"name":"maxFee","type":"uint256"},
		{"name":"minFinalityThreshold","type":"uint32"}
	],"name":"depositForBurn","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// MessageTransmitterV2
const messageTransmitterJSON = `[
	{"inputs":[{"name":"message","type":"bytes"},{"name":"attestation","type":"bytes"}],"name":"receiveMessage","outputs":[{"name":"success","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"","type":"bytes32"}],"name":"usedNonces","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var (
	erc20ABI              = mustParseABI(erc20JSON)
	tokenMessengerABI     = mustParseABI(tokenMessengerJSON)
	messageTransmitterABI = mustParseABI(messageTransmitterJSON)

	// TransferTopic is topic0 of the ERC-20 Transfer event.
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("evm: bad abi: " + err.Error())
	}
	return parsed
}
