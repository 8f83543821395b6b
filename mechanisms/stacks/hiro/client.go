// Package hiro is a small client for the Hiro Stacks API endpoints used by
// the facilitator and the distribution engine.
package hiro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/stackspay/stackspay/logger"
	"github.com/stackspay/stackspay/mechanisms/stacks"
)

// UnknownNonce is returned by FetchNonce when the ledger could not be queried.
const UnknownNonce int64 = -1

var ErrNameNotFound = errors.New("bns name not found")

// Client talks to one Stacks network. BNS lookups always go to mainnet.
type Client struct {
	baseURL    string
	namesURL   string
	httpClient *http.Client
	logger     logger.Logger
}

type Option func(*Client)

// WithBaseURL overrides the network API host.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithNamesURL overrides the BNS API host.
func WithNamesURL(u string) Option {
	return func(c *Client) {
		c.namesURL = strings.TrimRight(u, "/")
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpClient = h
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = logger.OrNoop(l)
	}
}

// NewClient returns a client for network, e.g. "stacks:2147483648".
func NewClient(network string, opts ...Option) *Client {
	c := &Client{
		baseURL:    stacks.ConfigFor(network).APIURL,
		namesURL:   stacks.HiroAPIMainnet,
		httpClient: &http.Client{Timeout: stacks.DefaultHTTPTimeout},
		logger:     logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the network API host in use.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", endpoint, errNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var errNotFound = errors.New("not found")

// FetchNonce returns the account's next expected nonce, or UnknownNonce when
// the API is unreachable. A response without a numeric possible_next_nonce
// yields 0.
func (c *Client) FetchNonce(ctx context.Context, address string) int64 {
	var body map[string]interface{}
	endpoint := fmt.Sprintf("%s/extended/v1/address/%s/nonces", c.baseURL, url.PathEscape(address))
	if err := c.getJSON(ctx, endpoint, &body); err != nil {
		c.logger.Warn("nonce lookup failed", map[string]any{"address": address, "error": err.Error()})
		return UnknownNonce
	}
	n, ok := body["possible_next_nonce"].(float64)
	if !ok {
		return 0
	}
	return int64(n)
}

// BroadcastResult is the classified node response. Exactly one of TxID and
// Error is set.
type BroadcastResult struct {
	TxID  string
	Error string
}

func (r BroadcastResult) OK() bool {
	return r.TxID != "" && r.Error == ""
}

// Broadcast submits a serialized transaction. Failures are reported in the
// result, never as a Go error.
func (c *Client) Broadcast(ctx context.Context, tx []byte) BroadcastResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/transactions", bytes.NewReader(tx))
	if err != nil {
		return BroadcastResult{Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return BroadcastResult{Error: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return BroadcastResult{Error: err.Error()}
	}
	return ClassifyBroadcast(body)
}

// ClassifyBroadcast interprets a /v2/transactions response body. The node
// answers a bare JSON string holding the txid on success.
func ClassifyBroadcast(body []byte) BroadcastResult {
	text := strings.TrimSpace(string(body))
	if len(text) >= 2 && strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) {
		txid := strings.TrimSpace(strings.Trim(text, `"`))
		if txid == "" {
			return BroadcastResult{Error: fmt.Sprintf("empty txid in broadcast response: %s", text)}
		}
		return BroadcastResult{TxID: txid}
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return BroadcastResult{Error: fmt.Sprintf("unparseable broadcast response: %s", err.Error())}
	}
	if txid, ok := parsed["txid"].(string); ok && txid != "" {
		return BroadcastResult{TxID: txid}
	}
	for _, key := range []string{"reason", "error", "message"} {
		if v, ok := parsed[key].(string); ok && v != "" {
			return BroadcastResult{Error: v}
		}
	}
	return BroadcastResult{Error: text}
}

// TipHeight returns the current chain tip height, or 0 when unavailable.
func (c *Client) TipHeight(ctx context.Context) uint64 {
	var info struct {
		StacksTipHeight uint64 `json:"stacks_tip_height"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/v2/info", &info); err != nil {
		c.logger.Warn("tip height lookup failed", map[string]any{"error": err.Error()})
		return 0
	}
	return info.StacksTipHeight
}

// Balance returns the account's unlocked STX balance in microSTX.
func (c *Client) Balance(ctx context.Context, address string) (uint64, error) {
	var body struct {
		Balance string `json:"balance"`
	}
	endpoint := fmt.Sprintf("%s/extended/v1/address/%s/stx", c.baseURL, url.PathEscape(address))
	if err := c.getJSON(ctx, endpoint, &body); err != nil {
		return 0, err
	}
	balance, err := strconv.ParseUint(body.Balance, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid balance %q: %w", body.Balance, err)
	}
	return balance, nil
}

// Transfer is an incoming token transfer.
type Transfer struct {
	TxID        string `json:"txId"`
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	Amount      uint64 `json:"amount"`
	Memo        string `json:"memo"`
	Status      string `json:"status"`
	BlockHeight uint64 `json:"blockHeight"`
	Time        string `json:"time"`
}

// IsX402 reports whether the transfer was tagged as an x402 payment.
func (t Transfer) IsX402() bool {
	return stacks.IsX402Memo(t.Memo)
}

type transactionsResponse struct {
	Results []struct {
		TxID          string `json:"tx_id"`
		TxType        string `json:"tx_type"`
		TxStatus      string `json:"tx_status"`
		SenderAddress string `json:"sender_address"`
		BlockHeight   uint64 `json:"block_height"`
		BurnBlockTime string `json:"burn_block_time_iso"`
		TokenTransfer *struct {
			RecipientAddress string `json:"recipient_address"`
			Amount           string `json:"amount"`
			Memo             string `json:"memo"`
		} `json:"token_transfer"`
	} `json:"results"`
}

// Transactions returns token transfers received by address among its most
// recent limit transactions.
func (c *Client) Transactions(ctx context.Context, address string, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = 20
	}
	endpoint := fmt.Sprintf("%s/extended/v1/address/%s/transactions?limit=%d", c.baseURL, url.PathEscape(address), limit)
	var body transactionsResponse
	if err := c.getJSON(ctx, endpoint, &body); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	transfers := []Transfer{}
	for _, tx := range body.Results {
		if tx.TxType != "token_transfer" || tx.TokenTransfer == nil {
			continue
		}
		if tx.TokenTransfer.RecipientAddress != address {
			continue
		}
		amount, _ := strconv.ParseUint(tx.TokenTransfer.Amount, 10, 64)
		transfers = append(transfers, Transfer{
			TxID:        tx.TxID,
			Sender:      tx.SenderAddress,
			Recipient:   tx.TokenTransfer.RecipientAddress,
			Amount:      amount,
			Memo:        stacks.DecodeMemo(tx.TokenTransfer.Memo),
			Status:      tx.TxStatus,
			BlockHeight: tx.BlockHeight,
			Time:        tx.BurnBlockTime,
		})
	}
	return transfers, nil
}

// ResolveName maps a BNS name (e.g. "alice.btc") to its owner address.
// Strings that already look like addresses are returned unchanged.
func (c *Client) ResolveName(ctx context.Context, nameOrAddress string) (string, error) {
	if stacks.IsAddress(nameOrAddress) {
		return nameOrAddress, nil
	}
	if !strings.Contains(nameOrAddress, ".") {
		return "", fmt.Errorf("%q is neither an address nor a BNS name", nameOrAddress)
	}

	var body struct {
		Address string `json:"address"`
	}
	endpoint := fmt.Sprintf("%s/v1/names/%s", c.namesURL, url.PathEscape(nameOrAddress))
	if err := c.getJSON(ctx, endpoint, &body); err != nil {
		if errors.Is(err, errNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNameNotFound, nameOrAddress)
		}
		return "", fmt.Errorf("failed to resolve %s: %w", nameOrAddress, err)
	}
	if body.Address == "" {
		return "", fmt.Errorf("%w: %s", ErrNameNotFound, nameOrAddress)
	}
	return body.Address, nil
}

// LookupName returns the first BNS name owned by address, or "" if none.
func (c *Client) LookupName(ctx context.Context, address string) (string, error) {
	var body struct {
		Names []string `json:"names"`
	}
	endpoint := fmt.Sprintf("%s/v1/addresses/stacks/%s", c.namesURL, url.PathEscape(address))
	if err := c.getJSON(ctx, endpoint, &body); err != nil {
		if errors.Is(err, errNotFound) {
			return "", nil
		}
		return "", err
	}
	if len(body.Names) == 0 {
		return "", nil
	}
	return body.Names[0], nil
}
