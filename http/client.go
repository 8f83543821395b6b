package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	x402 "github.com/stackspay/stackspay"
)

// PaymentCreator signs a payment for one set of requirements.
// The exact/client scheme implements it.
type PaymentCreator interface {
	CreatePaymentPayload(ctx context.Context, requirements x402.PaymentRequirements) (x402.PaymentPayload, error)
}

// RequirementsSelector picks one of the advertised requirements.
type RequirementsSelector func(accepts []x402.PaymentRequirements) (x402.PaymentRequirements, error)

// SelectFirst picks the first requirement the server offered.
func SelectFirst(accepts []x402.PaymentRequirements) (x402.PaymentRequirements, error) {
	if len(accepts) == 0 {
		return x402.PaymentRequirements{}, fmt.Errorf("server offered no payment requirements")
	}
	return accepts[0], nil
}

// PaymentClient answers 402 challenges on behalf of a wallet.
type PaymentClient struct {
	creator PaymentCreator
	selects RequirementsSelector
	// OnPayment, when set, sees every payload before it is sent.
	OnPayment func(x402.PaymentRequirements, x402.PaymentPayload)
}

func NewPaymentClient(creator PaymentCreator) *PaymentClient {
	return &PaymentClient{creator: creator, selects: SelectFirst}
}

// WithSelector replaces the default first-offer selection.
func (c *PaymentClient) WithSelector(s RequirementsSelector) *PaymentClient {
	c.selects = s
	return c
}

// GetPaymentRequiredResponse reads the challenge from the PAYMENT-REQUIRED
// header, falling back to the JSON body.
func (c *PaymentClient) GetPaymentRequiredResponse(headers http.Header, body []byte) (x402.PaymentRequired, error) {
	if header := headers.Get(HeaderPaymentRequired); header != "" {
		return DecodePaymentRequiredHeader(header)
	}
	if len(body) > 0 {
		var required x402.PaymentRequired
		if err := json.Unmarshal(body, &required); err == nil && len(required.Accepts) > 0 {
			return required, nil
		}
	}
	return x402.PaymentRequired{}, fmt.Errorf("no payment required information found in response")
}

// GetPaymentSettleResponse extracts the settlement receipt from a paid response.
func (c *PaymentClient) GetPaymentSettleResponse(headers http.Header) (x402.SettleResponse, error) {
	if header := headers.Get(HeaderPaymentResponse); header != "" {
		return DecodePaymentResponseHeader(header)
	}
	return x402.SettleResponse{}, fmt.Errorf("payment response header not found")
}

// PaymentHeaderFor signs a payment for the challenge and returns the header value.
func (c *PaymentClient) PaymentHeaderFor(ctx context.Context, required x402.PaymentRequired) (string, error) {
	selected, err := c.selects(required.Accepts)
	if err != nil {
		return "", fmt.Errorf("cannot fulfill payment requirements: %w", err)
	}
	payload, err := c.creator.CreatePaymentPayload(ctx, selected)
	if err != nil {
		return "", fmt.Errorf("failed to create payment: %w", err)
	}
	if payload.Resource == nil && required.Resource != nil {
		payload.Resource = required.Resource
	}
	if c.OnPayment != nil {
		c.OnPayment(selected, payload)
	}
	return EncodePaymentSignatureHeader(payload)
}

// WrapHTTPClientWithPayment returns a copy of client whose transport pays
// 402 challenges once per request.
func WrapHTTPClientWithPayment(client *http.Client, pc *PaymentClient) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	wrapped := *client
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	wrapped.Transport = &PaymentRoundTripper{Transport: transport, client: pc}
	return &wrapped
}

// PaymentRoundTripper implements http.RoundTripper with x402 payment handling.
// A request is retried at most once; a second 402 is returned to the caller.
type PaymentRoundTripper struct {
	Transport http.RoundTripper
	client    *PaymentClient
}

func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// buffer the body so the paid retry can replay it
	var body []byte
	if req.Body != nil && req.GetBody == nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		req = req.Clone(req.Context())
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired || req.Header.Get(HeaderPaymentSignature) != "" {
		return resp, nil
	}

	challengeBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read 402 response body: %w", err)
	}

	required, err := t.client.GetPaymentRequiredResponse(resp.Header, challengeBody)
	if err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	ctx := req.Context()
	header, err := t.client.PaymentHeaderFor(ctx, required)
	if err != nil {
		return nil, err
	}

	paid := req.Clone(ctx)
	if req.GetBody != nil {
		paid.Body, err = req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}
	}
	paid.Header.Set(HeaderPaymentSignature, header)
	return t.Transport.RoundTrip(paid)
}

// DoWithPayment performs req, paying a 402 challenge if one comes back.
func (c *PaymentClient) DoWithPayment(ctx context.Context, req *http.Request) (*http.Response, error) {
	client := WrapHTTPClientWithPayment(nil, c)
	return client.Do(req.WithContext(ctx))
}

// GetWithPayment performs a GET request with automatic payment handling
func (c *PaymentClient) GetWithPayment(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.DoWithPayment(ctx, req)
}

// PostWithPayment performs a POST request with automatic payment handling
func (c *PaymentClient) PostWithPayment(ctx context.Context, url, contentType string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.DoWithPayment(ctx, req)
}
