package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	x402 "github.com/stackspay/stackspay"
	"github.com/stackspay/stackspay/logger"
	"github.com/stackspay/stackspay/metrics"
)

// GateState is a step of the per-request payment state machine.
type GateState int

const (
	StateAwaitingPayment GateState = iota
	StateVerifying
	StateSettling
	StateExecuting
	StateResponded
	StateRejectedNoProof
	StateRejectedInvalid
	StateRejectedSettlement
)

func (s GateState) String() string {
	switch s {
	case StateAwaitingPayment:
		return "awaiting_payment"
	case StateVerifying:
		return "verifying"
	case StateSettling:
		return "settling"
	case StateExecuting:
		return "executing"
	case StateResponded:
		return "responded"
	case StateRejectedNoProof:
		return "rejected_no_proof"
	case StateRejectedInvalid:
		return "rejected_invalid"
	case StateRejectedSettlement:
		return "rejected_settlement"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Rejected reports whether the request ended without executing the action.
func (s GateState) Rejected() bool {
	return s == StateRejectedNoProof || s == StateRejectedInvalid || s == StateRejectedSettlement
}

// PaymentProcessor is the resource server side of the protocol.
// *x402.X402ResourceServer implements it.
type PaymentProcessor interface {
	FindMatchingRequirements(available []x402.PaymentRequirements, payload x402.PaymentPayload) *x402.PaymentRequirements
	VerifyPayment(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error)
	SettlePayment(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error)
}

// PriceSource supplies the requirements a request must satisfy.
type PriceSource interface {
	Requirements(ctx context.Context) ([]x402.PaymentRequirements, error)
}

// StaticPrice is a PriceSource built once at startup.
type StaticPrice []x402.PaymentRequirements

func (p StaticPrice) Requirements(context.Context) ([]x402.PaymentRequirements, error) {
	return p, nil
}

// PriceFunc adapts a function to PriceSource.
type PriceFunc func(ctx context.Context) ([]x402.PaymentRequirements, error)

func (f PriceFunc) Requirements(ctx context.Context) ([]x402.PaymentRequirements, error) {
	return f(ctx)
}

// Receipt is attached to an executed request.
type Receipt struct {
	Payer        string                   `json:"payer"`
	Transaction  string                   `json:"transaction"`
	Network      string                   `json:"network"`
	Amount       string                   `json:"amount"`
	Requirements x402.PaymentRequirements `json:"-"`
}

// Challenge is the 402 body: the protocol's PaymentRequired plus a hint for
// humans and a settlement reason when the ledger refused the payment.
type Challenge struct {
	x402.PaymentRequired
	ErrorReason string `json:"errorReason,omitempty"`
	Hint        string `json:"hint,omitempty"`
}

// PayHint tells clients how to answer a challenge.
const PayHint = "Sign an STX transfer of accepts[0].amount to accepts[0].payTo and resend the request " +
	"with the base64 JSON payment payload in the payment-signature header (e.g. `stackspay pay <url>`)."

// GateRequest is the framework-independent view of an inbound request.
type GateRequest struct {
	PaymentHeader string
	Resource      x402.ResourceInfo
}

// GateResult is the outcome of Authorize. When State is StateExecuting the
// action may run; otherwise Status, Body and Headers form the response.
type GateResult struct {
	State      GateState
	Status     int
	Body       interface{}
	Headers    map[string]string
	Receipt    *Receipt
	Settlement *x402.SettleResponse
}

// DefaultRedemptionWindow is how long a redeemed settlement stays on record.
// It must outlive the facilitator's settlement cache TTL.
const DefaultRedemptionWindow = 24 * time.Hour

// ErrPaymentAlreadyUsed is the rejection reason for a replayed settlement.
const ErrPaymentAlreadyUsed = "payment already used"

// Gate enforces "settle, then execute" on a protected route. Each settled
// transaction is redeemed for at most one execution.
type Gate struct {
	processor PaymentProcessor
	price     PriceSource
	logger    logger.Logger
	metrics   metrics.Recorder
	onSettled []func(Receipt)

	mu       sync.Mutex
	window   time.Duration
	redeemed map[string]time.Time
	now      func() time.Time
}

type GateOption func(*Gate)

func WithGateLogger(l logger.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger.OrNoop(l)
	}
}

func WithGateMetrics(r metrics.Recorder) GateOption {
	return func(g *Gate) {
		g.metrics = metrics.OrNoop(r)
	}
}

// OnSettled registers a callback run once per settled request, before the
// action executes.
func OnSettled(fn func(Receipt)) GateOption {
	return func(g *Gate) {
		g.onSettled = append(g.onSettled, fn)
	}
}

// WithRedemptionWindow sets how long redeemed transactions are remembered.
func WithRedemptionWindow(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.window = d
		}
	}
}

func NewGate(processor PaymentProcessor, price PriceSource, opts ...GateOption) *Gate {
	g := &Gate{
		processor: processor,
		price:     price,
		logger:    logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
		window:    DefaultRedemptionWindow,
		redeemed:  make(map[string]time.Time),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) enter(state GateState, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["state"] = state.String()
	g.logger.Debug("payment state", fields)
}

// redeem records a settlement and reports false if it was already redeemed.
// Settlements without a transaction id are keyed by the payment header.
func (g *Gate) redeem(settle *x402.SettleResponse, header string) bool {
	key := string(settle.Network) + "/" + settle.Transaction
	if settle.Transaction == "" {
		sum := sha256.Sum256([]byte(header))
		key = "header/" + hex.EncodeToString(sum[:])
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for k, at := range g.redeemed {
		if now.Sub(at) > g.window {
			delete(g.redeemed, k)
		}
	}
	if _, seen := g.redeemed[key]; seen {
		return false
	}
	g.redeemed[key] = now
	return true
}

func (g *Gate) challenge(state GateState, reqs []x402.PaymentRequirements, resource x402.ResourceInfo, errMsg, reason string) *GateResult {
	if errMsg == "" {
		errMsg = "Payment required"
	}
	required := x402.PaymentRequired{
		X402Version: x402.ProtocolVersion,
		Error:       errMsg,
		Resource:    &resource,
		Accepts:     reqs,
	}
	headers := map[string]string{}
	if encoded, err := EncodePaymentRequiredHeader(required); err == nil {
		headers[HeaderPaymentRequired] = encoded
	}
	network := ""
	if len(reqs) > 0 {
		network = string(reqs[0].Network)
	}
	g.metrics.IncCounter(metrics.EventChallenge, map[string]string{"network": network})
	return &GateResult{
		State:   state,
		Status:  http.StatusPaymentRequired,
		Body:    Challenge{PaymentRequired: required, ErrorReason: reason, Hint: PayHint},
		Headers: headers,
	}
}

// Authorize runs the request up to, but not including, execution.
func (g *Gate) Authorize(ctx context.Context, req GateRequest) *GateResult {
	reqs, err := g.price.Requirements(ctx)
	if err != nil || len(reqs) == 0 {
		if err == nil {
			err = fmt.Errorf("no payment requirements configured")
		}
		g.logger.Error("price source failed", map[string]any{"error": err.Error()})
		return &GateResult{
			State:  StateRejectedInvalid,
			Status: http.StatusInternalServerError,
			Body:   map[string]interface{}{"success": false, "error": err.Error()},
		}
	}

	g.enter(StateAwaitingPayment, map[string]any{"resource": req.Resource.URL})
	if req.PaymentHeader == "" {
		return g.challenge(StateRejectedNoProof, reqs, req.Resource, "", "")
	}
	payload, err := ValidateAndDecodePaymentHeader(req.PaymentHeader)
	if err != nil {
		return g.challenge(StateRejectedNoProof, reqs, req.Resource, err.Error(), "")
	}

	selected := g.processor.FindMatchingRequirements(reqs, *payload)
	if selected == nil {
		return g.challenge(StateRejectedInvalid, reqs, req.Resource, "No matching payment requirements", "")
	}

	g.enter(StateVerifying, map[string]any{"network": string(selected.Network)})
	verify, err := g.processor.VerifyPayment(ctx, *payload, *selected)
	if err != nil || verify == nil || !verify.IsValid {
		reason := "verification failed"
		switch {
		case verify != nil && verify.InvalidReason != "":
			reason = verify.InvalidReason
		case err != nil:
			reason = err.Error()
		}
		g.logger.Info("payment rejected", map[string]any{"reason": reason})
		return g.challenge(StateRejectedInvalid, reqs, req.Resource, reason, "")
	}

	g.enter(StateSettling, map[string]any{"network": string(selected.Network)})
	settle, err := g.processor.SettlePayment(ctx, *payload, *selected)
	if err != nil || settle == nil || !settle.Success {
		reason := "settlement failed"
		switch {
		case settle != nil && settle.ErrorReason != "":
			reason = settle.ErrorReason
		case err != nil:
			reason = err.Error()
		}
		g.logger.Warn("settlement rejected", map[string]any{"reason": reason, "network": string(selected.Network)})
		result := g.challenge(StateRejectedSettlement, reqs, req.Resource, "Settlement failed", reason)
		result.Settlement = settle
		return result
	}

	if !g.redeem(settle, req.PaymentHeader) {
		g.logger.Warn("replayed payment rejected", map[string]any{"txid": settle.Transaction})
		return g.challenge(StateRejectedInvalid, reqs, req.Resource, ErrPaymentAlreadyUsed, "")
	}

	receipt := Receipt{
		Payer:        settle.Payer,
		Transaction:  settle.Transaction,
		Network:      string(settle.Network),
		Amount:       selected.Amount,
		Requirements: *selected,
	}
	headers := map[string]string{}
	if encoded, err := EncodePaymentResponseHeader(*settle); err == nil {
		headers[HeaderPaymentResponse] = encoded
	}
	for _, fn := range g.onSettled {
		fn(receipt)
	}
	g.logger.Info("payment settled", map[string]any{
		"payer": receipt.Payer, "txid": receipt.Transaction, "amount": receipt.Amount,
	})

	g.enter(StateExecuting, map[string]any{"txid": receipt.Transaction})
	return &GateResult{
		State:      StateExecuting,
		Status:     http.StatusOK,
		Headers:    headers,
		Receipt:    &receipt,
		Settlement: settle,
	}
}

// Action is a protected operation. It returns the status and JSON body.
type Action func(ctx context.Context, receipt Receipt) (int, interface{})

// Process runs the full state machine. The action receives a context that is
// detached from the caller's cancellation: once paid for, it runs to
// completion or to its own timeout.
func (g *Gate) Process(ctx context.Context, req GateRequest, action Action) *GateResult {
	result := g.Authorize(ctx, req)
	if result.State != StateExecuting {
		return result
	}

	start := time.Now()
	status, body := action(context.WithoutCancel(ctx), *result.Receipt)
	labels := map[string]string{"network": result.Receipt.Network}
	g.metrics.ObserveLatency(metrics.EventExecuted, time.Since(start), labels)
	if status >= http.StatusBadRequest {
		g.metrics.IncCounter(metrics.EventExecutionFailed, labels)
	} else {
		g.metrics.IncCounter(metrics.EventExecuted, labels)
	}

	result.State = StateResponded
	g.enter(StateResponded, map[string]any{"status": status})
	result.Status = status
	result.Body = body
	return result
}
