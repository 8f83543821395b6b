package http

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	x402 "github.com/stackspay/stackspay"
)

type fakeProcessor struct {
	verify    *x402.VerifyResponse
	verifyErr error
	settle    *x402.SettleResponse
	settleErr error
	settled   int
}

func (f *fakeProcessor) FindMatchingRequirements(available []x402.PaymentRequirements, payload x402.PaymentPayload) *x402.PaymentRequirements {
	return x402.Newx402ResourceServer().FindMatchingRequirements(available, payload)
}

func (f *fakeProcessor) VerifyPayment(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	return f.verify, f.verifyErr
}

func (f *fakeProcessor) SettlePayment(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.SettleResponse, error) {
	f.settled++
	return f.settle, f.settleErr
}

var gatePrice = StaticPrice{{
	Scheme: "exact", Network: "stacks:2147483648", Asset: "STX", Amount: "1000",
	PayTo: "ST000000000000000000002AMW42H", MaxTimeoutSeconds: 300,
}}

func paidHeader(t *testing.T, accepted x402.PaymentRequirements) string {
	t.Helper()
	header, err := EncodePaymentSignatureHeader(x402.PaymentPayload{
		X402Version: 2,
		Payload:     map[string]interface{}{"transaction": "00"},
		Accepted:    accepted,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return header
}

func okProcessor() *fakeProcessor {
	return &fakeProcessor{
		verify: &x402.VerifyResponse{IsValid: true, Payer: "verified"},
		settle: &x402.SettleResponse{Success: true, Payer: "ST2PAYER", Transaction: "0xfeed", Network: "stacks:2147483648"},
	}
}

func TestGateChallengesWithoutProof(t *testing.T) {
	proc := okProcessor()
	gate := NewGate(proc, gatePrice)
	ran := false

	result := gate.Process(context.Background(), GateRequest{Resource: x402.ResourceInfo{URL: "/run"}}, func(context.Context, Receipt) (int, interface{}) {
		ran = true
		return http.StatusOK, nil
	})

	if result.State != StateRejectedNoProof || result.Status != http.StatusPaymentRequired {
		t.Fatalf("expected 402 rejected_no_proof, got %s %d", result.State, result.Status)
	}
	if ran || proc.settled != 0 {
		t.Error("action or settlement ran without a payment")
	}
	challenge, ok := result.Body.(Challenge)
	if !ok {
		t.Fatalf("expected Challenge body, got %T", result.Body)
	}
	if len(challenge.Accepts) != 1 || challenge.Accepts[0].Amount != "1000" || challenge.Accepts[0].PayTo != "ST000000000000000000002AMW42H" {
		t.Errorf("unexpected accepts %+v", challenge.Accepts)
	}
	if challenge.Hint == "" {
		t.Error("expected a payment hint")
	}
	decoded, err := DecodePaymentRequiredHeader(result.Headers[HeaderPaymentRequired])
	if err != nil || decoded.Accepts[0].Amount != "1000" {
		t.Errorf("expected PAYMENT-REQUIRED header to mirror the body, got %+v, %v", decoded, err)
	}
}

func TestGateRejectsUndecodableProof(t *testing.T) {
	gate := NewGate(okProcessor(), gatePrice)
	result := gate.Authorize(context.Background(), GateRequest{PaymentHeader: "%%%"})
	if result.State != StateRejectedNoProof || result.Status != http.StatusPaymentRequired {
		t.Errorf("expected rejected_no_proof, got %s", result.State)
	}
}

func TestGateRejectsMismatchedRequirements(t *testing.T) {
	proc := okProcessor()
	gate := NewGate(proc, gatePrice)
	header := paidHeader(t, x402.PaymentRequirements{Scheme: "exact", Network: "stacks:1", PayTo: "SP000000000000000000002Q6VF78"})

	result := gate.Authorize(context.Background(), GateRequest{PaymentHeader: header})
	if result.State != StateRejectedInvalid {
		t.Errorf("expected rejected_invalid, got %s", result.State)
	}
	if proc.settled != 0 {
		t.Error("settlement attempted for mismatched payment")
	}
}

func TestGateRejectsInvalidPayment(t *testing.T) {
	proc := &fakeProcessor{verify: &x402.VerifyResponse{IsValid: false, InvalidReason: "MISSING_TRANSACTION"}}
	gate := NewGate(proc, gatePrice)

	result := gate.Authorize(context.Background(), GateRequest{PaymentHeader: paidHeader(t, gatePrice[0])})
	if result.State != StateRejectedInvalid {
		t.Fatalf("expected rejected_invalid, got %s", result.State)
	}
	if body := result.Body.(Challenge); body.Error != "MISSING_TRANSACTION" {
		t.Errorf("expected reason in challenge error, got %q", body.Error)
	}
}

func TestGateSettlementFailureDoesNotExecute(t *testing.T) {
	proc := &fakeProcessor{
		verify: &x402.VerifyResponse{IsValid: true},
		settle: &x402.SettleResponse{Success: false, ErrorReason: "NotEnoughFunds", Network: "stacks:2147483648"},
	}
	gate := NewGate(proc, gatePrice)
	ran := false

	result := gate.Process(context.Background(), GateRequest{PaymentHeader: paidHeader(t, gatePrice[0])}, func(context.Context, Receipt) (int, interface{}) {
		ran = true
		return http.StatusOK, nil
	})
	if ran {
		t.Fatal("action executed after failed settlement")
	}
	if result.State != StateRejectedSettlement || result.Status != http.StatusPaymentRequired {
		t.Fatalf("expected 402 rejected_settlement, got %s %d", result.State, result.Status)
	}
	if body := result.Body.(Challenge); body.ErrorReason != "NotEnoughFunds" {
		t.Errorf("expected ledger reason, got %q", body.ErrorReason)
	}
}

func TestGateSettlementTransportError(t *testing.T) {
	proc := &fakeProcessor{verify: &x402.VerifyResponse{IsValid: true}, settleErr: errors.New("facilitator unreachable")}
	gate := NewGate(proc, gatePrice)

	result := gate.Authorize(context.Background(), GateRequest{PaymentHeader: paidHeader(t, gatePrice[0])})
	if result.State != StateRejectedSettlement {
		t.Fatalf("expected rejected_settlement, got %s", result.State)
	}
	if body := result.Body.(Challenge); body.ErrorReason != "facilitator unreachable" {
		t.Errorf("unexpected reason %q", body.ErrorReason)
	}
}

func TestGateSettlesBeforeExecuting(t *testing.T) {
	proc := okProcessor()
	var settledReceipts []Receipt
	gate := NewGate(proc, gatePrice, OnSettled(func(r Receipt) { settledReceipts = append(settledReceipts, r) }))

	ctx, cancel := context.WithCancel(context.Background())
	var actionCtxErr error
	result := gate.Process(ctx, GateRequest{PaymentHeader: paidHeader(t, gatePrice[0])}, func(actx context.Context, r Receipt) (int, interface{}) {
		if proc.settled != 1 {
			t.Error("action ran before settlement")
		}
		cancel()
		actionCtxErr = actx.Err()
		return http.StatusOK, map[string]string{"txid": r.Transaction}
	})

	if result.State != StateResponded || result.Status != http.StatusOK {
		t.Fatalf("expected responded 200, got %s %d", result.State, result.Status)
	}
	if actionCtxErr != nil {
		t.Error("expected action context to survive caller cancellation")
	}
	if len(settledReceipts) != 1 || settledReceipts[0].Amount != "1000" || settledReceipts[0].Payer != "ST2PAYER" {
		t.Errorf("unexpected receipts %+v", settledReceipts)
	}
	receipt, err := DecodePaymentResponseHeader(result.Headers[HeaderPaymentResponse])
	if err != nil || receipt.Transaction != "0xfeed" {
		t.Errorf("expected PAYMENT-RESPONSE header, got %+v, %v", receipt, err)
	}
}

func TestGateFailedActionStillCharges(t *testing.T) {
	proc := okProcessor()
	gate := NewGate(proc, gatePrice)

	result := gate.Process(context.Background(), GateRequest{PaymentHeader: paidHeader(t, gatePrice[0])}, func(context.Context, Receipt) (int, interface{}) {
		return http.StatusInternalServerError, map[string]string{"error": "exit status 1"}
	})
	if result.Status != http.StatusInternalServerError || proc.settled != 1 {
		t.Errorf("expected charged 500, got %d settled=%d", result.Status, proc.settled)
	}
	if result.Headers[HeaderPaymentResponse] == "" {
		t.Error("expected receipt header on failed action")
	}
}

func TestGateStateNames(t *testing.T) {
	if StateRejectedSettlement.String() != "rejected_settlement" || !StateRejectedNoProof.Rejected() || StateResponded.Rejected() {
		t.Error("unexpected state naming")
	}
}

func TestGateRedeemsSettlementOnce(t *testing.T) {
	proc := okProcessor()
	gate := NewGate(proc, gatePrice)
	header := paidHeader(t, gatePrice[0])
	runs := 0
	action := func(context.Context, Receipt) (int, interface{}) {
		runs++
		return http.StatusOK, nil
	}

	first := gate.Process(context.Background(), GateRequest{PaymentHeader: header}, action)
	if first.State != StateResponded {
		t.Fatalf("expected first call to execute, got %s", first.State)
	}

	// the facilitator answers a replay with the cached receipt
	replay := gate.Process(context.Background(), GateRequest{PaymentHeader: header}, action)
	if replay.State != StateRejectedInvalid || replay.Status != http.StatusPaymentRequired {
		t.Fatalf("expected replay to be rejected, got %s %d", replay.State, replay.Status)
	}
	if body := replay.Body.(Challenge); body.Error != ErrPaymentAlreadyUsed {
		t.Errorf("unexpected replay error %q", body.Error)
	}
	if runs != 1 {
		t.Errorf("expected one execution per settlement, got %d", runs)
	}
}

func TestGateForgetsRedemptionsAfterWindow(t *testing.T) {
	gate := NewGate(okProcessor(), gatePrice, WithRedemptionWindow(time.Minute))
	clock := time.Unix(1_700_000_000, 0)
	gate.now = func() time.Time { return clock }
	settle := &x402.SettleResponse{Success: true, Transaction: "0xfeed", Network: "stacks:2147483648"}

	if !gate.redeem(settle, "h") || gate.redeem(settle, "h") {
		t.Fatal("expected a single redemption inside the window")
	}
	other := &x402.SettleResponse{Success: true, Transaction: "0xbeef", Network: "stacks:2147483648"}
	if !gate.redeem(other, "h") {
		t.Error("distinct transactions redeem independently")
	}
	clock = clock.Add(2 * time.Minute)
	if !gate.redeem(settle, "h") {
		t.Error("expected the record to be pruned after the window")
	}

	untracked := &x402.SettleResponse{Success: true}
	if !gate.redeem(untracked, "header-a") || gate.redeem(untracked, "header-a") || !gate.redeem(untracked, "header-b") {
		t.Error("settlements without a txid are keyed by payment header")
	}
}

type stateLogger struct {
	states []string
}

func (l *stateLogger) Debug(msg string, fields map[string]any) {
	if msg == "payment state" {
		l.states = append(l.states, fields["state"].(string))
	}
}
func (l *stateLogger) Info(string, map[string]any)  {}
func (l *stateLogger) Warn(string, map[string]any)  {}
func (l *stateLogger) Error(string, map[string]any) {}

func TestGateWalksStates(t *testing.T) {
	log := &stateLogger{}
	gate := NewGate(okProcessor(), gatePrice, WithGateLogger(log))

	gate.Process(context.Background(), GateRequest{PaymentHeader: paidHeader(t, gatePrice[0])}, func(context.Context, Receipt) (int, interface{}) {
		return http.StatusOK, nil
	})

	want := []string{"awaiting_payment", "verifying", "settling", "executing", "responded"}
	if len(log.states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, log.states)
	}
	for i := range want {
		if log.states[i] != want[i] {
			t.Errorf("state %d: expected %s, got %s", i, want[i], log.states[i])
		}
	}
}
