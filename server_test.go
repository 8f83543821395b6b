package x402

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type mockSchemeServer struct{}

func (m *mockSchemeServer) Scheme() string { return SchemeExact }

func (m *mockSchemeServer) ParsePrice(price Price, _ Network) (AssetAmount, error) {
	if s, ok := price.(string); ok && s == "0.001" {
		return AssetAmount{Asset: "STX", Amount: "1000"}, nil
	}
	return AssetAmount{}, errors.New("unsupported price")
}

func (m *mockSchemeServer) EnhancePaymentRequirements(_ context.Context, requirements PaymentRequirements, _ SupportedKind, _ []string) (PaymentRequirements, error) {
	return requirements, nil
}

type mockFacilitatorClient struct {
	supported SupportedResponse
	verified  []byte
	settled   []byte
}

func (m *mockFacilitatorClient) Verify(_ context.Context, payloadBytes []byte, _ []byte) (*VerifyResponse, error) {
	m.verified = payloadBytes
	return &VerifyResponse{IsValid: true, Payer: "verified"}, nil
}

func (m *mockFacilitatorClient) Settle(_ context.Context, payloadBytes []byte, requirementsBytes []byte) (*SettleResponse, error) {
	m.settled = payloadBytes
	var req PaymentRequirements
	_ = json.Unmarshal(requirementsBytes, &req)
	return &SettleResponse{Success: true, Transaction: "0xtx", Network: req.Network}, nil
}

func (m *mockFacilitatorClient) GetSupported(context.Context) (SupportedResponse, error) {
	return m.supported, nil
}

func newTestResourceServer(t *testing.T) (*X402ResourceServer, *mockFacilitatorClient) {
	t.Helper()
	client := &mockFacilitatorClient{
		supported: SupportedResponse{Kinds: []SupportedKind{
			{X402Version: 2, Scheme: SchemeExact, Network: "stacks:2147483648"},
		}},
	}
	server := Newx402ResourceServer(
		WithFacilitatorClient(client),
		WithSchemeServer("stacks:2147483648", &mockSchemeServer{}),
	)
	if err := server.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return server, client
}

func TestBuildPaymentRequirements(t *testing.T) {
	server, _ := newTestResourceServer(t)

	reqs, err := server.BuildPaymentRequirements(context.Background(), ResourceConfig{
		PayTo:       "ST000000000000000000002AMW42H",
		Price:       "0.001",
		Network:     "stacks:2147483648",
		Description: "echo",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("Expected 1 requirement, got %d", len(reqs))
	}
	req := reqs[0]
	if req.Scheme != SchemeExact || req.Amount != "1000" || req.PayTo != "ST000000000000000000002AMW42H" {
		t.Errorf("unexpected requirement %+v", req)
	}
	if req.MaxTimeoutSeconds != 300 {
		t.Errorf("Expected default timeout 300, got %d", req.MaxTimeoutSeconds)
	}
	if req.Description() != "echo" {
		t.Errorf("Expected description in extra, got %q", req.Description())
	}
}

func TestBuildPaymentRequirementsUnsupportedNetwork(t *testing.T) {
	server, _ := newTestResourceServer(t)

	_, err := server.BuildPaymentRequirements(context.Background(), ResourceConfig{
		PayTo:   "SP000000000000000000002Q6VF78",
		Price:   "0.001",
		Network: "stacks:1",
	})
	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) || paymentErr.Code != ErrCodeUnsupportedScheme {
		t.Fatalf("Expected unsupported_scheme error, got %v", err)
	}
}

func TestCreatePaymentRequiredResponseDefaultsError(t *testing.T) {
	server := Newx402ResourceServer()
	resp := server.CreatePaymentRequiredResponse(nil, ResourceInfo{URL: "/run"}, "")
	if resp.Error != "Payment required" || resp.X402Version != 2 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestFindMatchingRequirements(t *testing.T) {
	server := Newx402ResourceServer()
	available := []PaymentRequirements{
		{Scheme: SchemeExact, Network: "stacks:1", PayTo: "SPA", Amount: "1000"},
		{Scheme: SchemeExact, Network: "stacks:2147483648", PayTo: "STB", Amount: "1000"},
	}

	match := server.FindMatchingRequirements(available, PaymentPayload{
		Accepted: PaymentRequirements{Scheme: SchemeExact, Network: "stacks:2147483648", PayTo: "STB"},
	})
	if match == nil || match.PayTo != "STB" {
		t.Errorf("Expected testnet requirement, got %+v", match)
	}

	match = server.FindMatchingRequirements(available, PaymentPayload{})
	if match == nil || match.PayTo != "SPA" {
		t.Errorf("Expected first requirement for bare payload, got %+v", match)
	}

	match = server.FindMatchingRequirements(available, PaymentPayload{
		Accepted: PaymentRequirements{Scheme: SchemeExact, Network: "stacks:1", Amount: "1"},
	})
	if match != nil {
		t.Errorf("Expected no match for underpaying payload, got %+v", match)
	}
}

func TestVerifyAndSettlePaymentRouteToFacilitator(t *testing.T) {
	server, client := newTestResourceServer(t)
	req := PaymentRequirements{Scheme: SchemeExact, Network: "stacks:2147483648", Amount: "1000"}
	payload := PaymentPayload{X402Version: 2, Payload: map[string]interface{}{"transaction": "00"}}

	verify, err := server.VerifyPayment(context.Background(), payload, req)
	if err != nil || !verify.IsValid {
		t.Fatalf("unexpected verify result %+v, %v", verify, err)
	}
	settle, err := server.SettlePayment(context.Background(), payload, req)
	if err != nil || !settle.Success {
		t.Fatalf("unexpected settle result %+v, %v", settle, err)
	}
	if settle.Network != "stacks:2147483648" {
		t.Errorf("Expected network passthrough, got %q", settle.Network)
	}
	if len(client.verified) == 0 || len(client.settled) == 0 {
		t.Error("Expected facilitator client to receive payload bytes")
	}

	_, err = server.SettlePayment(context.Background(), payload, PaymentRequirements{Scheme: SchemeExact, Network: "stacks:1"})
	if err == nil {
		t.Error("Expected routing error for network without facilitator")
	}
}
