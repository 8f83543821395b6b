package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	x402 "github.com/stackspay/stackspay"
)

// ============================================================================
// HTTP Facilitator Client
// ============================================================================

// HTTPFacilitatorClient talks to a facilitator over HTTP. It implements
// x402.FacilitatorClient, so a remote facilitator is interchangeable with
// an in-process one.
type HTTPFacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
	identifier   string
}

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	// GetAuthHeaders returns authentication headers for each endpoint
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers for facilitator endpoints
type AuthHeaders struct {
	Verify    map[string]string
	Settle    map[string]string
	Supported map[string]string
}

// FacilitatorConfig configures the HTTP facilitator client
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// Identifier for this facilitator (optional)
	Identifier string
}

// DefaultFacilitatorURL is the local facilitator started by `stackspay facilitator`
const DefaultFacilitatorURL = "http://localhost:4000"

// getSupportedRetries is the number of retry attempts for GetSupported on 429 rate limit errors
const getSupportedRetries = 3

// getSupportedRetryBaseDelay is the base delay for exponential backoff on retries
var getSupportedRetryBaseDelay = 1 * time.Second

// NewHTTPFacilitatorClient creates a new HTTP facilitator client
func NewHTTPFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	url := strings.TrimRight(config.URL, "/")
	if url == "" {
		url = DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	identifier := config.Identifier
	if identifier == "" {
		identifier = url
	}

	return &HTTPFacilitatorClient{
		url:          url,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
		identifier:   identifier,
	}
}

// Identifier names this facilitator in logs
func (c *HTTPFacilitatorClient) Identifier() string {
	return c.identifier
}

// ============================================================================
// FacilitatorClient Implementation (Network Boundary - uses bytes)
// ============================================================================

// Verify checks if a payment is valid
func (c *HTTPFacilitatorClient) Verify(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (*x402.VerifyResponse, error) {
	status, responseBody, err := c.post(ctx, "/verify", payloadBytes, requirementsBytes, func(h AuthHeaders) map[string]string { return h.Verify })
	if err != nil {
		return nil, err
	}

	var verifyResponse x402.VerifyResponse
	if err := json.Unmarshal(responseBody, &verifyResponse); err != nil {
		return nil, x402.ProtocolErrorf("verify", "failed to unmarshal verify response (%d): %s", status, string(responseBody))
	}

	if status != http.StatusOK {
		if verifyResponse.InvalidReason != "" {
			return &verifyResponse, x402.NewPaymentError(x402.ErrCodeInvalidPayment, verifyResponse.InvalidReason, nil)
		}
		return nil, fmt.Errorf("facilitator verify failed (%d): %s", status, string(responseBody))
	}

	return &verifyResponse, nil
}

// Settle broadcasts a payment. A decodable failure body is returned together
// with a ledger error so callers can surface the facilitator's reason.
func (c *HTTPFacilitatorClient) Settle(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (*x402.SettleResponse, error) {
	status, responseBody, err := c.post(ctx, "/settle", payloadBytes, requirementsBytes, func(h AuthHeaders) map[string]string { return h.Settle })
	if err != nil {
		return nil, x402.NewError(x402.KindLedger, "settle", err)
	}

	var settleResponse x402.SettleResponse
	if err := json.Unmarshal(responseBody, &settleResponse); err != nil {
		return nil, x402.NewError(x402.KindLedger, "settle", fmt.Errorf("facilitator settle failed (%d): %s", status, string(responseBody)))
	}

	if status != http.StatusOK {
		reason := settleResponse.ErrorReason
		if reason == "" {
			reason = string(responseBody)
		}
		return &settleResponse, x402.NewError(x402.KindLedger, "settle", fmt.Errorf("facilitator returned %d: %s", status, reason))
	}

	return &settleResponse, nil
}

// GetSupported gets supported payment kinds.
// Retries up to 3 times with exponential backoff on 429 rate limit errors.
func (c *HTTPFacilitatorClient) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	var lastErr error

	for attempt := range getSupportedRetries {
		req, err := http.NewRequestWithContext(ctx, "GET", c.url+"/supported", nil)
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("failed to create supported request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")

		if err := c.applyAuth(ctx, req, func(h AuthHeaders) map[string]string { return h.Supported }); err != nil {
			return x402.SupportedResponse{}, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("supported request failed: %w", err)
		}

		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			var supportedResponse x402.SupportedResponse
			if err := json.Unmarshal(responseBody, &supportedResponse); err != nil {
				return x402.SupportedResponse{}, fmt.Errorf("failed to decode supported response: %w", err)
			}
			return supportedResponse, nil
		}

		lastErr = fmt.Errorf("facilitator supported failed (%d): %s", resp.StatusCode, string(responseBody))

		// Retry on 429 with exponential backoff, except on the last attempt
		if resp.StatusCode == http.StatusTooManyRequests && attempt < getSupportedRetries-1 {
			delay := getSupportedRetryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return x402.SupportedResponse{}, ctx.Err()
			}
		}

		return x402.SupportedResponse{}, lastErr
	}

	return x402.SupportedResponse{}, lastErr
}

// ============================================================================
// Internal HTTP Methods
// ============================================================================

func (c *HTTPFacilitatorClient) post(
	ctx context.Context,
	path string,
	payloadBytes, requirementsBytes []byte,
	pick func(AuthHeaders) map[string]string,
) (int, []byte, error) {
	version, err := x402.DetectVersion(payloadBytes)
	if err != nil {
		return 0, nil, err
	}

	var payloadMap, requirementsMap map[string]interface{}
	if err := json.Unmarshal(payloadBytes, &payloadMap); err != nil {
		return 0, nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(requirementsBytes, &requirementsMap); err != nil {
		return 0, nil, fmt.Errorf("failed to unmarshal requirements: %w", err)
	}

	body, err := json.Marshal(map[string]interface{}{
		"x402Version":         version,
		"paymentPayload":      payloadMap,
		"paymentRequirements": requirementsMap,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.applyAuth(ctx, req, pick); err != nil {
		return 0, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, responseBody, nil
}

func (c *HTTPFacilitatorClient) applyAuth(ctx context.Context, req *http.Request, pick func(AuthHeaders) map[string]string) error {
	if c.authProvider == nil {
		return nil
	}
	authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth headers: %w", err)
	}
	for k, v := range pick(authHeaders) {
		req.Header.Set(k, v)
	}
	return nil
}

// ============================================================================
// JWT Auth Provider
// ============================================================================

// JWTAuthProvider signs a short-lived HS256 bearer token per request, matching
// the facilitator server's shared-secret check.
type JWTAuthProvider struct {
	Secret  []byte
	Subject string
	TTL     time.Duration
}

func (p JWTAuthProvider) GetAuthHeaders(ctx context.Context) (AuthHeaders, error) {
	ttl := p.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   p.Subject,
		Issuer:    facilitatorTokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(p.Secret)
	if err != nil {
		return AuthHeaders{}, fmt.Errorf("failed to sign facilitator token: %w", err)
	}
	header := map[string]string{"Authorization": "Bearer " + signed}
	return AuthHeaders{Verify: header, Settle: header, Supported: header}, nil
}
