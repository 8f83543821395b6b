package negotiation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPTransport talks to a seller's PATCH /negotiate endpoint.
type HTTPTransport struct {
	base       string
	httpClient *http.Client
}

// NewHTTPTransport accepts the service root or any of its /run,
// /negotiate URLs.
func NewHTTPTransport(serviceURL string, httpClient *http.Client) *HTTPTransport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	base := strings.TrimRight(serviceURL, "/")
	base = strings.TrimSuffix(base, "/run")
	base = strings.TrimSuffix(base, "/negotiate")
	return &HTTPTransport{base: base, httpClient: httpClient}
}

func (t *HTTPTransport) BaseURL() string { return t.base }

func (t *HTTPTransport) Propose(ctx context.Context, offer Offer) (Decision, error) {
	body, err := json.Marshal(offer)
	if err != nil {
		return Decision{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, t.base+"/negotiate", bytes.NewReader(body))
	if err != nil {
		return Decision{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AgentIDHeader, offer.AgentID)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("negotiate request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read negotiate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("negotiate failed (%d): %s", resp.StatusCode, string(data))
	}
	var decision Decision
	if err := json.Unmarshal(data, &decision); err != nil {
		return Decision{}, fmt.Errorf("invalid negotiate response: %w", err)
	}
	return decision, nil
}

// AgentIDHeader identifies the buyer on /negotiate and on the paid call, so
// the seller can charge the agreed price.
const AgentIDHeader = "X-Agent-Id"

// Pricing is the negotiation block of a service advertisement.
type Pricing struct {
	Listed   string `json:"listed"`
	Minimum  string `json:"minimum"`
	Currency string `json:"currency"`
}

// Advertisement is the subset of GET / that buyers read.
type Advertisement struct {
	Name         string   `json:"name"`
	Price        string   `json:"price"`
	PayTo        string   `json:"payTo"`
	Network      string   `json:"network"`
	Negotiable   bool     `json:"negotiable"`
	Pricing      *Pricing `json:"pricing,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ListedPrice parses "0.001 STX" style prices, preferring pricing.listed.
func (a Advertisement) ListedPrice() (decimal.Decimal, error) {
	raw := a.Price
	if a.Pricing != nil && a.Pricing.Listed != "" {
		raw = a.Pricing.Listed
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return decimal.Zero, fmt.Errorf("service advertises no price")
	}
	return decimal.NewFromString(fields[0])
}

// Discover reads the service advertisement.
func (t *HTTPTransport) Discover(ctx context.Context) (Advertisement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/", nil)
	if err != nil {
		return Advertisement{}, err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Advertisement{}, fmt.Errorf("discover failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Advertisement{}, fmt.Errorf("discover failed (%d)", resp.StatusCode)
	}
	var ad Advertisement
	if err := json.NewDecoder(resp.Body).Decode(&ad); err != nil {
		return Advertisement{}, fmt.Errorf("invalid advertisement: %w", err)
	}
	return ad, nil
}
