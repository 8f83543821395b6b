package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	x402 "github.com/stackspay/stackspay"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubFacilitator struct {
	verify    *x402.VerifyResponse
	settle    *x402.SettleResponse
	settleErr error
	panics    bool
	lastReq   []byte
}

func (s *stubFacilitator) Verify(_ context.Context, _ []byte, req []byte) (*x402.VerifyResponse, error) {
	s.lastReq = req
	return s.verify, nil
}

func (s *stubFacilitator) Settle(_ context.Context, _ []byte, req []byte) (*x402.SettleResponse, error) {
	s.lastReq = req
	if s.panics {
		panic("boom")
	}
	return s.settle, s.settleErr
}

func (s *stubFacilitator) GetSupported(context.Context) (x402.SupportedResponse, error) {
	return x402.SupportedResponse{Kinds: []x402.SupportedKind{
		{X402Version: 2, Scheme: "exact", Network: "stacks:1"},
		{X402Version: 2, Scheme: "exact", Network: "stacks:2147483648"},
	}, Extensions: []string{}}, nil
}

func testPayloadBytes() []byte {
	data, _ := json.Marshal(x402.PaymentPayload{
		X402Version: 2,
		Payload:     map[string]interface{}{"transaction": strings.Repeat("ab", 60)},
	})
	return data
}

func testRequirementsBytes() []byte {
	data, _ := json.Marshal(x402.PaymentRequirements{
		Scheme: "exact", Network: "stacks:2147483648", Asset: "STX", Amount: "1000",
		PayTo: "ST000000000000000000002AMW42H", MaxTimeoutSeconds: 300,
	})
	return data
}

func TestNewHTTPFacilitatorClient(t *testing.T) {
	client := NewHTTPFacilitatorClient(nil)
	if client.url != DefaultFacilitatorURL {
		t.Errorf("Expected default URL %s, got %s", DefaultFacilitatorURL, client.url)
	}
	if client.Identifier() != DefaultFacilitatorURL {
		t.Errorf("Expected default identifier %s, got %s", DefaultFacilitatorURL, client.Identifier())
	}

	client = NewHTTPFacilitatorClient(&FacilitatorConfig{URL: "https://facilitator.example/", Identifier: "custom"})
	if client.url != "https://facilitator.example" {
		t.Errorf("Expected trailing slash trimmed, got %s", client.url)
	}
	if client.Identifier() != "custom" {
		t.Errorf("Expected identifier 'custom', got %s", client.Identifier())
	}
}

func TestHTTPFacilitatorClientVerify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if body["x402Version"].(float64) != 2 {
			t.Error("Expected version 2 in request")
		}
		if _, ok := body["paymentRequirements"].(map[string]interface{}); !ok {
			t.Error("Expected paymentRequirements object")
		}
		json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true, Payer: "verified"})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	resp, err := client.Verify(context.Background(), testPayloadBytes(), testRequirementsBytes())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !resp.IsValid || resp.Payer != "verified" {
		t.Errorf("unexpected verify response %+v", resp)
	}
}

func TestHTTPFacilitatorClientVerifyRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: false, InvalidReason: "MISSING_TRANSACTION"})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	resp, err := client.Verify(context.Background(), testPayloadBytes(), testRequirementsBytes())
	var perr *x402.PaymentError
	if !errors.As(err, &perr) || perr.Message != "MISSING_TRANSACTION" {
		t.Fatalf("Expected payment error carrying the reason, got %v", err)
	}
	if resp == nil || resp.InvalidReason != "MISSING_TRANSACTION" {
		t.Errorf("Expected decoded response alongside the error, got %+v", resp)
	}
}

func TestHTTPFacilitatorClientSettleFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(x402.SettleResponse{Success: false, ErrorReason: "ConflictingNonceInMempool", Network: "stacks:2147483648"})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	resp, err := client.Settle(context.Background(), testPayloadBytes(), testRequirementsBytes())
	if err == nil {
		t.Fatal("Expected error for 500 settle")
	}
	if x402.KindOf(err) != x402.KindLedger {
		t.Errorf("Expected ledger kind, got %v", x402.KindOf(err))
	}
	if resp == nil || resp.ErrorReason != "ConflictingNonceInMempool" {
		t.Errorf("Expected decoded failure body, got %+v", resp)
	}
}

func TestHTTPFacilitatorClientGetSupportedRetriesOn429(t *testing.T) {
	old := getSupportedRetryBaseDelay
	getSupportedRetryBaseDelay = time.Millisecond
	defer func() { getSupportedRetryBaseDelay = old }()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(x402.SupportedResponse{Kinds: []x402.SupportedKind{{X402Version: 2, Scheme: "exact", Network: "stacks:1"}}})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	supported, err := client.GetSupported(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
	if len(supported.Kinds) != 1 {
		t.Errorf("Expected 1 kind, got %d", len(supported.Kinds))
	}
}

func TestFacilitatorServerRoundTrip(t *testing.T) {
	stub := &stubFacilitator{
		verify: &x402.VerifyResponse{IsValid: true, Payer: "verified"},
		settle: &x402.SettleResponse{Success: true, Payer: "ST2PAYER", Transaction: "0xabc", Network: "stacks:2147483648"},
	}
	server := httptest.NewServer(NewFacilitatorServer(stub).Handler())
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	ctx := context.Background()

	supported, err := client.GetSupported(ctx)
	if err != nil || len(supported.Kinds) != 2 {
		t.Fatalf("unexpected supported %+v, %v", supported, err)
	}
	if _, err := client.Verify(ctx, testPayloadBytes(), testRequirementsBytes()); err != nil {
		t.Fatalf("verify: %v", err)
	}
	settle, err := client.Settle(ctx, testPayloadBytes(), testRequirementsBytes())
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settle.Transaction != "0xabc" || settle.Payer != "ST2PAYER" {
		t.Errorf("unexpected settle %+v", settle)
	}
	if len(stub.lastReq) == 0 {
		t.Error("Expected requirements to reach the facilitator")
	}
}

func TestFacilitatorServerRejectsBadEnvelope(t *testing.T) {
	handler := NewFacilitatorServer(&stubFacilitator{}).Handler()

	for _, body := range []string{`not json`, `{}`, `{"paymentPayload": "abc"}`} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/settle", strings.NewReader(body))
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, rec.Code)
		}
		var resp map[string]interface{}
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if _, ok := resp["error"]; !ok {
			t.Errorf("body %q: expected error field, got %s", body, rec.Body.String())
		}
	}
}

func TestFacilitatorServerSettleErrorIs500(t *testing.T) {
	envelope := `{"x402Version":2,"paymentPayload":{"x402Version":2,"payload":{}},"paymentRequirements":null}`

	cases := []struct {
		name   string
		stub   *stubFacilitator
		reason string
	}{
		{"payment error", &stubFacilitator{settleErr: x402.NewPaymentError("unsupported_network", "nope", nil)}, "unsupported_network"},
		{"plain error", &stubFacilitator{settleErr: errors.New("rpc down")}, "rpc down"},
		{"panic", &stubFacilitator{panics: true}, "boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewFacilitatorServer(tc.stub).Handler()
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/settle", strings.NewReader(envelope)))

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("expected 500, got %d", rec.Code)
			}
			var resp x402.SettleResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Success || resp.Transaction != "" || resp.Network != "stacks:2147483648" {
				t.Errorf("unexpected failure body %+v", resp)
			}
			if resp.ErrorReason != tc.reason {
				t.Errorf("expected reason %q, got %q", tc.reason, resp.ErrorReason)
			}
		})
	}
}

func TestFacilitatorServerJWTAuth(t *testing.T) {
	stub := &stubFacilitator{verify: &x402.VerifyResponse{IsValid: true, Payer: "verified"}}
	server := httptest.NewServer(NewFacilitatorServer(stub, WithAuthSecret("s3cret")).Handler())
	defer server.Close()
	ctx := context.Background()

	anonymous := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	if _, err := anonymous.Verify(ctx, testPayloadBytes(), testRequirementsBytes()); err == nil {
		t.Error("Expected unauthenticated verify to fail")
	}
	if _, err := anonymous.GetSupported(ctx); err != nil {
		t.Errorf("Expected /supported to stay public, got %v", err)
	}

	wrong := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL, AuthProvider: JWTAuthProvider{Secret: []byte("other")}})
	if _, err := wrong.Verify(ctx, testPayloadBytes(), testRequirementsBytes()); err == nil {
		t.Error("Expected verify with wrong secret to fail")
	}

	authed := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL, AuthProvider: JWTAuthProvider{Secret: []byte("s3cret"), Subject: "gate"}})
	resp, err := authed.Verify(ctx, testPayloadBytes(), testRequirementsBytes())
	if err != nil || !resp.IsValid {
		t.Fatalf("Expected authenticated verify to succeed, got %+v, %v", resp, err)
	}
}
