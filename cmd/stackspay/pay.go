package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	x402 "github.com/stackspay/stackspay"
	x402http "github.com/stackspay/stackspay/http"
	"github.com/stackspay/stackspay/mechanisms/stacks"
	"github.com/stackspay/stackspay/mechanisms/stacks/exact/client"
	"github.com/stackspay/stackspay/negotiation"
	"github.com/stackspay/stackspay/wallet"
)

func runPay(ctx context.Context, a *app, args []string) error {
	f := newFlags("pay")
	data := f.StringP("data", "D", "", "JSON request body")
	file := f.StringP("file", "f", "", "send this file as the request body")
	raw := f.BoolP("raw", "r", false, "print the raw response body")
	agentID := f.String("agent-id", "", "agent id sent as X-Agent-Id, for negotiated prices")

	rt, err := setup(f, args)
	if err != nil {
		return err
	}
	defer func() { _ = rt.log.Sync() }()
	if f.NArg() != 1 {
		return x402.ConfigErrorf("pay", "usage: stackspay pay <url> [--data JSON | --file PATH]")
	}

	var body []byte
	switch {
	case *file != "":
		if body, err = os.ReadFile(*file); err != nil {
			return x402.NewError(x402.KindConfiguration, "pay", err)
		}
	case *data != "":
		body = []byte(*data)
	default:
		body = []byte("{}")
	}
	return rt.pay(ctx, a, f.Arg(0), body, *agentID, *raw)
}

// pay posts body to url, paying the challenge with the buyer wallet.
func (r *runtime) pay(ctx context.Context, a *app, url string, body []byte, agentID string, raw bool) error {
	buyer, err := r.buyerWallet()
	if err != nil {
		return err
	}
	if sellerPath, err := r.walletPath(); err == nil {
		if seller, err := wallet.Load(sellerPath); err == nil && seller.Address == buyer.Address && r.cfg.WalletPath == "" {
			return x402.ConfigErrorf("pay", "buyer and seller are the same wallet (%s); Stacks rejects self-payments. "+
				"Import a separate key into %s", buyer.Address, "~/.stackspay/buyer-wallet.json")
		}
	}
	fmt.Fprintf(a.stdout, "  buyer wallet: %s\n", buyer.Address)

	scheme := client.NewExactStacksScheme(buyer.Signer(), r.ledger(buyer.Network))
	pc := x402http.NewPaymentClient(scheme)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return x402.NewError(x402.KindConfiguration, "pay", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if agentID != "" {
		req.Header.Set(negotiation.AgentIDHeader, agentID)
	}

	start := time.Now()
	resp, err := pc.DoWithPayment(ctx, req)
	if err != nil {
		return x402.NewError(x402.KindProtocol, "pay", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return x402.NewError(x402.KindProtocol, "pay", err)
	}

	if resp.StatusCode == http.StatusPaymentRequired {
		required, _ := pc.GetPaymentRequiredResponse(resp.Header, respBody)
		return x402.ProtocolErrorf("pay", "payment rejected: %s", required.Error)
	}

	settle, settleErr := pc.GetPaymentSettleResponse(resp.Header)
	if settleErr == nil && settle.Success {
		fmt.Fprintln(a.stdout, "  x402 payment complete")
		fmt.Fprintf(a.stdout, "  tx      : %s\n", settle.Transaction)
		fmt.Fprintf(a.stdout, "  network : %s\n", settle.Network)
	}
	fmt.Fprintf(a.stdout, "  status  : %d (%s)\n", resp.StatusCode, time.Since(start).Round(time.Millisecond))
	fmt.Fprintln(a.stdout)

	printResponse(a.stdout, respBody, raw)
	if settleErr == nil && settle.Transaction != "" {
		fmt.Fprintf(a.stdout, "\nView TX: https://explorer.hiro.so/txid/%s?chain=%s\n", settle.Transaction, buyer.Network)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return x402.NewError(x402.KindExecution, "pay", fmt.Errorf("service answered %d", resp.StatusCode))
	}
	return nil
}

func printResponse(w io.Writer, body []byte, raw bool) {
	if raw {
		fmt.Fprintln(w, string(body))
		return
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		fmt.Fprintln(w, string(body))
		return
	}
	if output, ok := parsed["output"].(string); ok {
		fmt.Fprintln(w, output)
		return
	}
	if msg, ok := parsed["error"].(string); ok {
		fmt.Fprintln(w, "error:", msg)
		return
	}
	pretty, _ := json.MarshalIndent(parsed, "", "  ")
	fmt.Fprintln(w, string(pretty))
}

func runNegotiate(ctx context.Context, a *app, args []string) error {
	f := newFlags("negotiate")
	agentID := f.String("agent-id", "", "agent id (default a random one)")
	offer := f.String("offer", "", "opening offer (default 70% of the listed price)")
	rounds := f.Int("max-rounds", negotiation.DefaultMaxRounds, "rounds before giving up")
	payAfter := f.Bool("pay", false, "call /run at the agreed price")
	data := f.StringP("data", "D", "", "JSON body for --pay")

	rt, err := setup(f, args)
	if err != nil {
		return err
	}
	defer func() { _ = rt.log.Sync() }()
	if f.NArg() != 1 {
		return x402.ConfigErrorf("negotiate", "usage: stackspay negotiate <service-url>")
	}

	transport := negotiation.NewHTTPTransport(f.Arg(0), nil)
	ad, err := transport.Discover(ctx)
	if err != nil {
		return x402.NewError(x402.KindProtocol, "negotiate", err)
	}
	if !ad.Negotiable {
		return x402.ProtocolErrorf("negotiate", "%s does not negotiate; its price is %s", transport.BaseURL(), ad.Price)
	}
	listed, err := ad.ListedPrice()
	if err != nil {
		return x402.NewError(x402.KindProtocol, "negotiate", err)
	}

	buyer := negotiation.NewBuyer(transport, *agentID, rt.log)
	buyer.MaxRounds = *rounds
	if *offer != "" {
		if buyer.InitialOffer, err = decimal.NewFromString(*offer); err != nil {
			return x402.ConfigErrorf("negotiate", "invalid offer %q", *offer)
		}
	}

	fmt.Fprintf(a.stdout, "  service : %s\n", ad.Name)
	fmt.Fprintf(a.stdout, "  listed  : %s\n", ad.Price)
	fmt.Fprintf(a.stdout, "  agent   : %s\n", buyer.AgentID)
	outcome, err := buyer.Negotiate(ctx, listed)
	if err != nil {
		return x402.NewError(x402.KindProtocol, "negotiate", err)
	}
	if !outcome.Success {
		fmt.Fprintf(a.stdout, "  no deal after %d rounds: %s\n", outcome.Rounds, outcome.Message)
		return nil
	}
	currency := stacks.TokenSTX.Symbol
	if ad.Pricing != nil && ad.Pricing.Currency != "" {
		currency = ad.Pricing.Currency
	}
	saved := listed.Sub(outcome.FinalPrice)
	fmt.Fprintf(a.stdout, "  agreed  : %s %s after %d round(s), saving %s\n",
		outcome.FinalPrice, currency, outcome.Rounds, saved)

	if !*payAfter {
		fmt.Fprintf(a.stdout, "\nPay with: stackspay pay %s/run --agent-id %s\n", transport.BaseURL(), buyer.AgentID)
		return nil
	}
	body := []byte("{}")
	if strings.TrimSpace(*data) != "" {
		body = []byte(*data)
	}
	return rt.pay(ctx, a, transport.BaseURL()+"/run", body, buyer.AgentID, false)
}

func runHistory(ctx context.Context, a *app, args []string) error {
	f := newFlags("history")
	limit := f.IntP("limit", "l", 10, "payments to show")

	rt, err := setup(f, args)
	if err != nil {
		return err
	}
	defer func() { _ = rt.log.Sync() }()

	w, err := rt.sellerWallet()
	if err != nil {
		return err
	}
	transfers, err := rt.ledger(w.Network).Transactions(ctx, w.Address, 50)
	if err != nil {
		return x402.NewError(x402.KindLedger, "history", err)
	}
	if len(transfers) == 0 {
		fmt.Fprintln(a.stdout, "No payments received yet.")
		fmt.Fprintln(a.stdout, `Run: stackspay serve --cmd "echo hello" --price 0.001`)
		return nil
	}
	if *limit > 0 && len(transfers) > *limit {
		transfers = transfers[:*limit]
	}

	var total uint64
	fmt.Fprintf(a.stdout, "Payments received by %s\n", w.Address)
	for i, t := range transfers {
		total += t.Amount
		tag := ""
		if t.IsX402() {
			tag = " [x402]"
		}
		fmt.Fprintf(a.stdout, "\n  #%d  +%s STX%s\n", i+1, stacks.FormatMicro(t.Amount, stacks.TokenSTX.Decimals), tag)
		fmt.Fprintf(a.stdout, "      from : %s\n", t.Sender)
		if t.Time != "" {
			fmt.Fprintf(a.stdout, "      when : %s\n", t.Time)
		}
		if t.Memo != "" {
			fmt.Fprintf(a.stdout, "      memo : %s\n", t.Memo)
		}
		fmt.Fprintf(a.stdout, "      tx   : https://explorer.hiro.so/txid/%s?chain=%s\n", t.TxID, w.Network)
	}
	fmt.Fprintf(a.stdout, "\nTotal received: %s STX (last %d payments)\n",
		decimal.NewFromInt(int64(total)).Shift(-stacks.TokenSTX.Decimals).StringFixed(stacks.TokenSTX.Decimals), len(transfers))
	return nil
}
