package echo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/stackspay/stackspay"
	x402http "github.com/stackspay/stackspay/http"
)

type rejectingProcessor struct{}

func (rejectingProcessor) FindMatchingRequirements(available []x402.PaymentRequirements, _ x402.PaymentPayload) *x402.PaymentRequirements {
	return &available[0]
}

func (rejectingProcessor) VerifyPayment(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	return &x402.VerifyResponse{IsValid: true}, nil
}

func (rejectingProcessor) SettlePayment(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.SettleResponse, error) {
	return &x402.SettleResponse{Success: false, ErrorReason: "ConflictingNonceInMempool"}, nil
}

func TestPaymentMiddlewareSettlementFailure(t *testing.T) {
	gate := x402http.NewGate(rejectingProcessor{}, x402http.StaticPrice{{
		Scheme: "exact", Network: "stacks:2147483648", Amount: "1000", PayTo: "ST000000000000000000002AMW42H",
	}})
	e := echo.New()
	called := false
	e.GET("/paid", func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	}, PaymentMiddleware(Config{Gate: gate}))

	header, err := x402http.EncodePaymentSignatureHeader(x402.PaymentPayload{
		X402Version: 2, Payload: map[string]interface{}{"transaction": "00"},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/paid", nil)
	req.Header.Set(x402http.HeaderPaymentSignature, header)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.False(t, called)
	assert.Contains(t, rec.Body.String(), "ConflictingNonceInMempool")
}

func TestPaymentMiddlewareNoProof(t *testing.T) {
	gate := x402http.NewGate(rejectingProcessor{}, x402http.StaticPrice{{
		Scheme: "exact", Network: "stacks:2147483648", Amount: "1000", PayTo: "ST000000000000000000002AMW42H",
	}})
	e := echo.New()
	e.GET("/paid", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, PaymentMiddleware(Config{Gate: gate}))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/paid", nil))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(x402http.HeaderPaymentRequired))
}
