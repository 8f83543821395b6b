package stacks

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
)

// TokenInfo describes a payable asset.
type TokenInfo struct {
	Symbol   string
	Name     string
	Decimals int32
}

var (
	TokenSTX  = TokenInfo{Symbol: "STX", Name: "Stacks", Decimals: 6}
	TokenSBTC = TokenInfo{Symbol: "SBTC", Name: "sBTC", Decimals: 8}
)

// Tokens indexes supported tokens by upper-case symbol.
var Tokens = map[string]TokenInfo{
	TokenSTX.Symbol:  TokenSTX,
	TokenSBTC.Symbol: TokenSBTC,
}

// LookupToken returns the token for a case-insensitive symbol.
func LookupToken(symbol string) (TokenInfo, error) {
	if symbol == "" {
		return TokenSTX, nil
	}
	token, ok := Tokens[strings.ToUpper(symbol)]
	if !ok {
		return TokenInfo{}, fmt.Errorf("unsupported token: %s", symbol)
	}
	return token, nil
}

// NetworkConfig holds the per-network constants.
type NetworkConfig struct {
	Name               string
	APIURL             string
	AddressVersion     byte
	TransactionVersion byte
	ChainID            uint32
}

var NetworkConfigs = map[string]NetworkConfig{
	NetworkMainnet: {
		Name:               "mainnet",
		APIURL:             HiroAPIMainnet,
		AddressVersion:     AddressVersionMainnetSingleSig,
		TransactionVersion: 0x00,
		ChainID:            0x00000001,
	},
	NetworkTestnet: {
		Name:               "testnet",
		APIURL:             HiroAPITestnet,
		AddressVersion:     AddressVersionTestnetSingleSig,
		TransactionVersion: 0x80,
		ChainID:            0x80000000,
	},
}

// IsTestnet reports whether a network string designates the testnet.
func IsTestnet(network string) bool {
	return strings.Contains(network, testnetChainMarker) || network == "testnet"
}

// ConfigFor returns the config for a network string. Anything that is not
// recognisably testnet is treated as mainnet.
func ConfigFor(network string) NetworkConfig {
	if IsTestnet(network) {
		return NetworkConfigs[NetworkTestnet]
	}
	return NetworkConfigs[NetworkMainnet]
}

// NormalizeNetwork maps wallet style names ("testnet", "mainnet") to CAIP-2.
func NormalizeNetwork(network string) string {
	switch strings.ToLower(network) {
	case "", "testnet":
		return NetworkTestnet
	case "mainnet":
		return NetworkMainnet
	default:
		return network
	}
}

// ExactStacksPayload is the scheme payload: a hex-encoded signed transaction.
type ExactStacksPayload struct {
	Transaction string `json:"transaction"`
}

// ToMap converts the payload to the generic payload map.
func (p ExactStacksPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{"transaction": p.Transaction}
}

// TransactionFromPayload extracts the transaction hex from a payment payload
// map. Both {transaction} and a nested {payload:{transaction}} are accepted.
func TransactionFromPayload(payload map[string]interface{}) string {
	if payload == nil {
		return ""
	}
	if inner, ok := payload["payload"].(map[string]interface{}); ok {
		if tx, ok := inner["transaction"].(string); ok && tx != "" {
			return tx
		}
	}
	tx, _ := payload["transaction"].(string)
	return tx
}

// TransferSigner signs STX transfers on behalf of one key.
type TransferSigner interface {
	Address(network string) (string, error)
	SignTransfer(t TokenTransfer) ([]byte, error)
}

// KeySigner is a TransferSigner over an in-memory private key.
type KeySigner struct {
	Key *ecdsa.PrivateKey
}

func (s KeySigner) Address(network string) (string, error) {
	return AddressFromPrivateKey(s.Key, network)
}

func (s KeySigner) SignTransfer(t TokenTransfer) ([]byte, error) {
	return BuildTokenTransfer(s.Key, t)
}
