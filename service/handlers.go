package service

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	x402gin "github.com/stackspay/stackspay/http/gin"
	"github.com/stackspay/stackspay/metrics"
	"github.com/stackspay/stackspay/negotiation"
	"github.com/stackspay/stackspay/vault"
)

const recentPayments = 5

// PaymentInfo is the receipt echoed in a /run response.
type PaymentInfo struct {
	Payer       string `json:"payer"`
	Transaction string `json:"transaction"`
	Amount      string `json:"amount"`
}

// RuleShare is one vault rule applied to the listed price.
type RuleShare struct {
	Type       vault.RuleType `json:"type"`
	Percentage string         `json:"percentage"`
	Amount     string         `json:"amount"`
	To         string         `json:"to,omitempty"`
	UnlocksAt  string         `json:"unlocksAt,omitempty"`
}

// VaultSummary previews how a payment of the listed price is distributed.
type VaultSummary struct {
	Rules      []RuleShare `json:"rules"`
	OwnerShare string      `json:"ownerShare"`
}

// RunResponse is the body of a successful POST /run.
type RunResponse struct {
	Success      bool          `json:"success"`
	Output       string        `json:"output"`
	Payment      PaymentInfo   `json:"payment"`
	Vault        *VaultSummary `json:"vault,omitempty"`
	AgentReady   bool          `json:"agentReady,omitempty"`
	Capabilities []string      `json:"capabilities,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	ExecutedAt   string        `json:"executedAt,omitempty"`
}

func (s *Service) handleRun(c *gin.Context) {
	receipt, _ := x402gin.GetReceipt(c)
	input, err := io.ReadAll(c.Request.Body)
	if err != nil {
		input = nil
	}

	start := time.Now()
	output, err := s.run(c.Request.Context(), input)
	labels := map[string]string{"route": "run"}
	s.metrics.ObserveLatency(metrics.EventExecuted, time.Since(start), labels)
	if err != nil {
		s.metrics.IncCounter(metrics.EventExecutionFailed, labels)
		s.logger.Error("command failed after settlement", map[string]any{
			"txid": receipt.Transaction, "error": err.Error(),
		})
		body := gin.H{"success": false, "error": err.Error()}
		if s.opts.Agent {
			body["agentReady"] = true
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}
	s.metrics.IncCounter(metrics.EventExecuted, labels)

	resp := RunResponse{
		Success: true,
		Output:  output,
		Payment: PaymentInfo{
			Payer:       receipt.Payer,
			Transaction: receipt.Transaction,
			Amount:      s.displayString(receipt.Amount),
		},
		Vault: s.vaultSummary(receipt.Amount),
	}
	if s.opts.Agent {
		resp.AgentReady = true
		resp.Capabilities = s.opts.Capabilities
		resp.Provider = s.opts.Identity
		resp.ExecutedAt = time.Now().UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Service) displayString(amount string) string {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return amount
	}
	return d.Shift(-s.opts.Token.Decimals).String() + " " + s.opts.Token.Symbol
}

// vaultSummary previews how the paid amount is split.
func (s *Service) vaultSummary(paid string) *VaultSummary {
	if s.opts.Vault == nil {
		return nil
	}
	total, err := decimal.NewFromString(paid)
	if err != nil {
		return nil
	}
	units := uint64(total.IntPart())
	rules := s.opts.Vault.Rules()
	summary := &VaultSummary{Rules: make([]RuleShare, 0, len(rules))}
	var allocated uint64
	for _, rule := range rules {
		amount := vault.Allocate(units, rule.Pct())
		allocated += amount
		share := RuleShare{
			Type:       rule.Kind(),
			Percentage: rule.Pct().String(),
			Amount:     s.display(amount),
		}
		switch r := rule.(type) {
		case vault.SplitRule:
			share.To = r.Display()
		case vault.LockRule:
			share.UnlocksAt = r.UnlockAt.UTC().Format(time.RFC3339)
		}
		summary.Rules = append(summary.Rules, share)
	}
	summary.OwnerShare = s.display(units - allocated)
	return summary
}

func (s *Service) handleProxy(c *gin.Context) {
	if err := s.proxy.Forward(c.Writer, c.Request, c.Param("path")); err != nil {
		s.logger.Error("proxy failed after settlement", map[string]any{"target": s.opts.ProxyTarget, "error": err.Error()})
		s.metrics.IncCounter(metrics.EventExecutionFailed, map[string]string{"route": "proxy"})
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": "Proxy error: " + err.Error()})
		return
	}
	s.metrics.IncCounter(metrics.EventExecuted, map[string]string{"route": "proxy"})
}

func (s *Service) handleAdvertisement(c *gin.Context) {
	name := s.opts.Name
	if name == "" {
		name = s.defaultName()
	}
	ad := gin.H{
		"name":     name,
		"protocol": "x402-stacks",
		"version":  2,
		"price":    s.priceLabel(),
		"payTo":    s.opts.PayTo,
		"network":  s.opts.Network,
	}

	endpoints := []string{"GET /", "GET /health"}
	switch {
	case s.proxy != nil:
		ad["proxyTarget"] = s.opts.ProxyTarget
		ad["endpoint"] = "POST/GET " + s.opts.ProxyPath
		ad["usage"] = "stackspay pay " + s.opts.PublicURL + s.opts.ProxyPath
		endpoints = append(endpoints, "ANY "+s.opts.ProxyPath)
	default:
		ad["endpoint"] = "POST /run"
		ad["usage"] = "stackspay pay " + s.opts.PublicURL + "/run"
		endpoints = append(endpoints, "POST /run")
	}

	if s.opts.Vault != nil {
		rules := s.opts.Vault.Rules()
		described := make([]gin.H, 0, len(rules))
		for _, rule := range rules {
			entry := gin.H{"type": rule.Kind(), "percentage": rule.Pct()}
			switch r := rule.(type) {
			case vault.SplitRule:
				entry["address"] = r.Address
				if r.Name != "" {
					entry["name"] = r.Name
				}
			case vault.LockRule:
				entry["unlockBlock"] = r.UnlockHeight
				entry["unlockDate"] = r.UnlockAt.UTC().Format(time.RFC3339)
			}
			described = append(described, entry)
		}
		if s.opts.SplitOnly {
			ad["splits"] = described
		} else {
			ad["vault"] = gin.H{
				"rules":      described,
				"ownerShare": vault.OwnerPct(rules).String() + "%",
				"stats":      s.opts.Vault.State(),
			}
			endpoints = append(endpoints, "GET /vault")
		}
	}

	if s.opts.Agent || s.opts.Seller != nil {
		ad["agentReady"] = true
		ad["identity"] = s.opts.Identity
		ad["capabilities"] = s.opts.Capabilities
		endpoints = append(endpoints, "GET /status")
	}
	if s.opts.Seller != nil {
		ad["negotiable"] = true
		ad["pricing"] = negotiation.Pricing{
			Listed:   s.priceLabel(),
			Minimum:  s.opts.Seller.Floor().String() + " " + s.opts.Token.Symbol,
			Currency: s.opts.Token.Symbol,
		}
		ad["negotiation"] = gin.H{
			"endpoint": "PATCH /negotiate",
			"header":   negotiation.AgentIDHeader,
			"usage":    "stackspay negotiate " + s.opts.PublicURL,
		}
		endpoints = append(endpoints, "PATCH /negotiate")
	}
	ad["endpoints"] = endpoints
	c.JSON(http.StatusOK, ad)
}

func (s *Service) defaultName() string {
	switch {
	case s.proxy != nil:
		return "x402 proxy -> " + s.opts.ProxyTarget
	case s.opts.SplitOnly:
		return "stackspay split service"
	case s.opts.Vault != nil:
		return "stackspay vault"
	case s.opts.Agent || s.opts.Seller != nil:
		return "stackspay agent service"
	default:
		return "stackspay service"
	}
}

func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"price":       s.priceLabel(),
		"address":     s.opts.PayTo,
		"network":     s.opts.Network,
		"totalEarned": s.display(s.TotalEarned()),
		"requests":    s.Requests(),
	})
}

func (s *Service) handleVault(c *gin.Context) {
	state := s.opts.Vault.State()
	c.JSON(http.StatusOK, gin.H{
		"address":        s.opts.PayTo,
		"totalReceived":  s.display(state.TotalReceived),
		"totalSplit":     s.display(state.TotalSplit),
		"totalLocked":    s.display(state.TotalLocked),
		"totalReserve":   s.display(state.TotalReserve),
		"ownerEarned":    s.display(state.OwnerEarned()),
		"recentPayments": state.Recent(recentPayments),
	})
}

func (s *Service) handleNegotiate(c *gin.Context) {
	var offer negotiation.Offer
	if err := json.NewDecoder(c.Request.Body).Decode(&offer); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": negotiation.ErrInvalidOffer.Error()})
		return
	}
	if offer.AgentID == "" {
		offer.AgentID = c.GetHeader(negotiation.AgentIDHeader)
	}
	decision, err := s.opts.Seller.Handle(offer)
	if errors.Is(err, negotiation.ErrInvalidOffer) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.metrics.IncCounter(metrics.EventNegotiation, map[string]string{"status": decision.Status})
	agent := offer.AgentID
	if agent == "" {
		agent = "anonymous"
	}
	s.logger.Info("negotiation", map[string]any{
		"agent": agent, "offered": offer.OfferedPrice.String(), "status": decision.Status,
	})
	c.JSON(http.StatusOK, decision)
}

func (s *Service) handleStatus(c *gin.Context) {
	body := gin.H{
		"online":       true,
		"address":      s.opts.PayTo,
		"identity":     s.opts.Identity,
		"capabilities": s.opts.Capabilities,
	}
	stats := gin.H{
		"totalEarned": s.display(s.TotalEarned()),
		"requests":    s.Requests(),
	}
	if s.opts.Seller != nil {
		st := s.opts.Seller.Stats()
		stats["totalNegotiations"] = st.TotalNegotiations
		stats["acceptedOffers"] = st.AcceptedOffers
		stats["rejectedOffers"] = st.RejectedOffers
		stats["acceptanceRate"] = st.AcceptanceRate
	}
	body["stats"] = stats
	c.JSON(http.StatusOK, body)
}
