package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	x402 "github.com/stackspay/stackspay"
	"github.com/stackspay/stackspay/mechanisms/stacks"
)

// NonceSource supplies the payer's next nonce; negative means unknown.
type NonceSource interface {
	FetchNonce(ctx context.Context, address string) int64
}

// PaymentMemo tags transfers created by this client.
const PaymentMemo = stacks.MemoPrefix + "payment"

type ExactStacksScheme struct {
	signer stacks.TransferSigner
	nonces NonceSource
	fee    uint64
}

func NewExactStacksScheme(signer stacks.TransferSigner, nonces NonceSource) *ExactStacksScheme {
	return &ExactStacksScheme{
		signer: signer,
		nonces: nonces,
		fee:    stacks.DefaultTransferFee,
	}
}

// WithFee overrides the transfer fee in microSTX.
func (c *ExactStacksScheme) WithFee(fee uint64) *ExactStacksScheme {
	c.fee = fee
	return c
}

func (c *ExactStacksScheme) Scheme() string {
	return stacks.SchemeExact
}

// CreatePaymentPayload signs an STX transfer of exactly requirements.Amount
// to requirements.PayTo. The facilitator may still rewrite the nonce.
func (c *ExactStacksScheme) CreatePaymentPayload(
	ctx context.Context,
	requirements x402.PaymentRequirements,
) (x402.PaymentPayload, error) {
	if requirements.Scheme != "" && requirements.Scheme != stacks.SchemeExact {
		return x402.PaymentPayload{}, fmt.Errorf("unsupported scheme: %s", requirements.Scheme)
	}
	if !strings.HasPrefix(string(requirements.Network), "stacks:") {
		return x402.PaymentPayload{}, fmt.Errorf("unsupported network: %s", requirements.Network)
	}
	if requirements.Asset != "" && !strings.EqualFold(requirements.Asset, stacks.TokenSTX.Symbol) {
		return x402.PaymentPayload{}, fmt.Errorf("only STX transfers can be signed, requirement asks for %s", requirements.Asset)
	}

	amount, err := strconv.ParseUint(requirements.Amount, 10, 64)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("invalid amount %q: %w", requirements.Amount, err)
	}

	network := string(requirements.Network)
	address, err := c.signer.Address(network)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("failed to derive payer address: %w", err)
	}

	var nonce uint64
	if c.nonces != nil {
		if n := c.nonces.FetchNonce(ctx, address); n > 0 {
			nonce = uint64(n)
		}
	}

	tx, err := c.signer.SignTransfer(stacks.TokenTransfer{
		Recipient: requirements.PayTo,
		Amount:    amount,
		Memo:      PaymentMemo,
		Nonce:     nonce,
		Fee:       c.fee,
		Network:   network,
	})
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("failed to sign transfer: %w", err)
	}

	return x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Payload:     stacks.ExactStacksPayload{Transaction: stacks.EncodeTransaction(tx)}.ToMap(),
		Accepted:    requirements,
	}, nil
}
