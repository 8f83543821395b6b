package stacks

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// ParseAmount converts a human decimal amount ("0.001") into the smallest
// unit of a token with the given decimals. Fractions below one unit are
// truncated.
func ParseAmount(amount string, decimals int32) (string, error) {
	cleaned := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(amount), "$"))
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return "", fmt.Errorf("invalid amount: %w", err)
	}
	if d.IsNegative() {
		return "", fmt.Errorf("amount cannot be negative: %s", amount)
	}
	return d.Shift(decimals).Truncate(0).String(), nil
}

// FormatAmount converts an integer smallest-unit amount back to a decimal string.
func FormatAmount(amount string, decimals int32) (string, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "", fmt.Errorf("invalid amount: %w", err)
	}
	return d.Shift(-decimals).StringFixed(decimals), nil
}

// FormatMicro renders a uint64 smallest-unit amount with trailing zeros trimmed.
func FormatMicro(amount uint64, decimals int32) string {
	return decimal.NewFromInt(int64(amount)).Shift(-decimals).String()
}

// NormalizeTransactionHex trims whitespace and a 0x prefix.
func NormalizeTransactionHex(txHex string) string {
	s := strings.TrimSpace(txHex)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	return s
}

// DecodeTransaction decodes a hex transaction blob, with or without 0x.
func DecodeTransaction(txHex string) ([]byte, error) {
	s := NormalizeTransactionHex(txHex)
	if s == "" {
		return nil, fmt.Errorf("empty transaction")
	}
	raw, err := hexutil.Decode("0x" + s)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}
	return raw, nil
}

// EncodeTransaction returns the bare hex form (no 0x) used on the wire.
func EncodeTransaction(tx []byte) string {
	return hex.EncodeToString(tx)
}

// EncodeMemo pads a memo to the fixed 34-byte field, truncating longer input.
func EncodeMemo(memo string) [MemoLength]byte {
	var out [MemoLength]byte
	copy(out[:], memo)
	return out
}

// DecodeMemo parses a memo as returned by the API: 0x-prefixed hex of the
// padded field, with trailing NUL bytes removed.
func DecodeMemo(memo string) string {
	if memo == "" {
		return ""
	}
	s := NormalizeTransactionHex(memo)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return memo
	}
	return strings.TrimRight(string(raw), "\x00")
}

// IsX402Memo reports whether a decoded memo marks an x402 payment.
func IsX402Memo(memo string) bool {
	return strings.HasPrefix(memo, MemoPrefix)
}
