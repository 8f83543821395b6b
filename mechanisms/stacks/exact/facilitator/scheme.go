package facilitator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	x402 "github.com/stackspay/stackspay"
	"github.com/stackspay/stackspay/logger"
	"github.com/stackspay/stackspay/mechanisms/stacks"
	"github.com/stackspay/stackspay/mechanisms/stacks/hiro"
	"github.com/stackspay/stackspay/metrics"
)

// NonceResolver returns an account's next expected nonce, or
// hiro.UnknownNonce when it cannot tell.
type NonceResolver interface {
	FetchNonce(ctx context.Context, address string) int64
}

// Broadcaster submits a serialized transaction and classifies the reply.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx []byte) hiro.BroadcastResult
}

// Ledger is everything settle needs from a network.
type Ledger interface {
	NonceResolver
	Broadcaster
}

// LedgerFactory returns the ledger for a network string.
type LedgerFactory func(network string) Ledger

type ExactStacksScheme struct {
	ledgerFor LedgerFactory
	codec     stacks.NonceCodec
	logger    logger.Logger
	metrics   metrics.Recorder

	mu      sync.Mutex
	clients map[string]*hiro.Client
	apiURL  string
}

type Option func(*ExactStacksScheme)

// WithLedgerFactory replaces the Hiro API clients.
func WithLedgerFactory(f LedgerFactory) Option {
	return func(s *ExactStacksScheme) {
		s.ledgerFor = f
	}
}

// WithAPIURL points every network at one API host.
func WithAPIURL(u string) Option {
	return func(s *ExactStacksScheme) {
		s.apiURL = u
	}
}

func WithNonceCodec(c stacks.NonceCodec) Option {
	return func(s *ExactStacksScheme) {
		s.codec = c
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *ExactStacksScheme) {
		s.logger = logger.OrNoop(l)
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *ExactStacksScheme) {
		s.metrics = metrics.OrNoop(r)
	}
}

func NewExactStacksScheme(opts ...Option) *ExactStacksScheme {
	s := &ExactStacksScheme{
		codec:   stacks.DefaultNonceCodec,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		clients: make(map[string]*hiro.Client),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ledgerFor == nil {
		s.ledgerFor = s.hiroClient
	}
	return s
}

func (f *ExactStacksScheme) hiroClient(network string) Ledger {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := stacks.ConfigFor(network).Name
	if c, ok := f.clients[key]; ok {
		return c
	}
	opts := []hiro.Option{hiro.WithLogger(f.logger)}
	if f.apiURL != "" {
		opts = append(opts, hiro.WithBaseURL(f.apiURL))
	}
	c := hiro.NewClient(network, opts...)
	f.clients[key] = c
	return c
}

func (f *ExactStacksScheme) Scheme() string {
	return stacks.SchemeExact
}

func (f *ExactStacksScheme) CaipFamily() string {
	return stacks.CaipFamily
}

func (f *ExactStacksScheme) GetExtra(network x402.Network) map[string]interface{} {
	return nil
}

// GetSigners is empty: the client signs, the facilitator only relays.
func (f *ExactStacksScheme) GetSigners(network x402.Network) []string {
	return []string{}
}

// Verify only checks that a plausibly sized transaction is present.
// Signature and balance checks are left to the node at broadcast time.
func (f *ExactStacksScheme) Verify(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.VerifyResponse, error) {
	network := settlementNetwork(payload, requirements)
	f.metrics.IncCounter(metrics.EventVerify, map[string]string{"network": network})

	txHex := stacks.NormalizeTransactionHex(stacks.TransactionFromPayload(payload.Payload))
	if len(txHex) < stacks.MinTransactionBytes*2 {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: ErrMissingTransaction}, nil
	}
	return &x402.VerifyResponse{IsValid: true, Payer: stacks.VerifiedPayer}, nil
}

// Settle reconciles the embedded nonce with the ledger, broadcasts, and on a
// nonce conflict retries exactly once at the next nonce. Ledger failures are
// reported in the response; the returned error is always nil.
func (f *ExactStacksScheme) Settle(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.SettleResponse, error) {
	network := settlementNetwork(payload, requirements)
	labels := map[string]string{"network": network}
	start := time.Now()
	defer func() {
		f.metrics.ObserveLatency(metrics.EventSettle, time.Since(start), labels)
	}()

	fail := func(reason, payer string) (*x402.SettleResponse, error) {
		f.metrics.IncCounter(metrics.EventSettleFailed, labels)
		f.logger.Warn("settlement failed", map[string]any{"network": network, "reason": reason})
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: reason,
			Payer:       payer,
			Transaction: "",
			Network:     x402.Network(network),
		}, nil
	}

	txHex := stacks.TransactionFromPayload(payload.Payload)
	if txHex == "" {
		return fail(ErrMissingTransaction, "")
	}
	tx, err := stacks.DecodeTransaction(txHex)
	if err != nil {
		return fail(fmt.Sprintf("%s: %v", ErrInvalidTransaction, err), "")
	}

	payer, err := stacks.SignerAddress(tx, network)
	if err != nil {
		payer = ""
	}
	currentNonce, err := f.codec.ReadNonce(tx)
	if err != nil {
		return fail(fmt.Sprintf("%s: %v", ErrInvalidTransaction, err), payer)
	}

	ledger := f.ledgerFor(network)

	if payer != "" {
		resolved := ledger.FetchNonce(ctx, payer)
		if resolved >= 0 && uint64(resolved) != currentNonce {
			f.logger.Info("patching nonce", map[string]any{
				"payer": payer, "embedded": currentNonce, "resolved": resolved,
			})
			tx, err = f.codec.WriteNonce(tx, uint64(resolved))
			if err != nil {
				return fail(err.Error(), payer)
			}
			currentNonce = uint64(resolved)
		}
	}

	result := ledger.Broadcast(ctx, tx)
	if !result.OK() && isNonceConflict(result.Error) {
		f.metrics.IncCounter(metrics.EventBroadcastRetry, labels)
		f.logger.Info("nonce conflict, retrying once", map[string]any{
			"payer": payer, "nonce": currentNonce + 1, "reason": result.Error,
		})
		tx, err = f.codec.WriteNonce(tx, currentNonce+1)
		if err != nil {
			return fail(err.Error(), payer)
		}
		result = ledger.Broadcast(ctx, tx)
	}

	if !result.OK() {
		return fail(result.Error, payer)
	}

	if payer == "" {
		payer = stacks.DefaultPayer
	}
	f.metrics.IncCounter(metrics.EventSettle, labels)
	f.logger.Info("settled", map[string]any{"payer": payer, "txid": result.TxID, "network": network})
	return &x402.SettleResponse{
		Success:     true,
		Payer:       payer,
		Transaction: result.TxID,
		Network:     x402.Network(network),
	}, nil
}

func isNonceConflict(reason string) bool {
	return strings.Contains(strings.ToLower(reason), "nonce")
}

func settlementNetwork(payload x402.PaymentPayload, requirements x402.PaymentRequirements) string {
	if requirements.Network != "" {
		return string(requirements.Network)
	}
	if payload.Accepted.Network != "" {
		return string(payload.Accepted.Network)
	}
	return stacks.NetworkTestnet
}
