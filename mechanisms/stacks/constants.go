package stacks

import "time"

const (
	SchemeExact = "exact"

	NetworkMainnet = "stacks:1"
	NetworkTestnet = "stacks:2147483648"
	CaipFamily     = "stacks:*"

	// testnetChainMarker identifies any testnet-flavoured network string
	testnetChainMarker = "2147483648"

	HiroAPIMainnet = "https://api.hiro.so"
	HiroAPITestnet = "https://api.testnet.hiro.so"

	DefaultHTTPTimeout = 15 * time.Second
)

// Transaction wire layout for single-sig standard authorization.
const (
	VersionOffset     = 0
	ChainIDOffset     = 1
	AuthTypeOffset    = 5
	HashModeOffset    = 6
	SignerHashOffset  = 7
	SignerHashLength  = 20
	NonceOffset       = 27
	NonceLength       = 8
	FeeOffset         = 35
	FeeLength         = 8
	KeyEncodingOffset = 43
	SignatureOffset   = 44
	SignatureLength   = 65

	// MinTransactionBytes is the shortest blob verify accepts (100 hex chars).
	MinTransactionBytes = 50
)

// c32check address versions
const (
	AddressVersionMainnetSingleSig byte = 22
	AddressVersionMainnetMultiSig  byte = 20
	AddressVersionTestnetSingleSig byte = 26
	AddressVersionTestnetMultiSig  byte = 21
)

const (
	// BlocksPerMinute is the average Stacks block production rate used to
	// convert lock durations to block counts (one block per ten minutes).
	BlocksPerMinute = 0.1

	MemoPrefix = "x402:"
	SplitMemo  = "x402:split"
	MemoLength = 34

	// DefaultPayer is reported when the signer address cannot be derived
	DefaultPayer = "stacks-wallet"
	// VerifiedPayer is reported by verify, which does not decode the signer
	VerifiedPayer = "verified"

	// DefaultTransferFee is the flat fee in microSTX for distribution transfers
	DefaultTransferFee uint64 = 2000
)
