// Package service runs a payment-gated endpoint: a command (serve, vault,
// split and agent variants) or an upstream URL (proxy variant) behind the
// x402 gate, with optional revenue distribution and price negotiation.
package service

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	x402 "github.com/stackspay/stackspay"
	x402http "github.com/stackspay/stackspay/http"
	x402gin "github.com/stackspay/stackspay/http/gin"
	"github.com/stackspay/stackspay/logger"
	"github.com/stackspay/stackspay/mechanisms/stacks"
	"github.com/stackspay/stackspay/metrics"
	"github.com/stackspay/stackspay/negotiation"
	"github.com/stackspay/stackspay/vault"
)

const DefaultTimeout = 30 * time.Second

// Options describe one service instance.
type Options struct {
	Name        string
	Description string
	// Price is the listed price in whole tokens, e.g. 0.001.
	Price decimal.Decimal
	Token stacks.TokenInfo
	// Requirements are the prebuilt requirements for the listed price.
	Requirements []x402.PaymentRequirements
	PayTo        string
	// Identity is shown instead of PayTo where a BNS name is known.
	Identity string
	// Network is the wallet style network name ("testnet", "mainnet").
	Network string
	// PublicURL prefixes the usage hints in the advertisement.
	PublicURL string

	// Command is run by POST /run. Leave empty for the proxy variant.
	Command string
	Timeout time.Duration

	ProxyTarget string
	ProxyPath   string

	Vault *vault.Engine
	// SplitOnly marks the split variant: the vault rules are all splits
	// totalling 100%.
	SplitOnly bool

	Seller       *negotiation.Seller
	Agent        bool
	Capabilities []string

	RateLimit rate.Limit
	Burst     int

	Logger         logger.Logger
	Metrics        metrics.Recorder
	MetricsHandler http.Handler
}

// Service is one running instance. Counters are per instance and reset on
// restart.
type Service struct {
	opts     Options
	gate     *x402http.Gate
	run      func(ctx context.Context, input []byte) (string, error)
	proxy    *Proxy
	limiter  *clientLimiter
	logger   logger.Logger
	metrics  metrics.Recorder
	earned   atomic.Uint64
	requests atomic.Uint64
}

// New validates opts and wires the gate. processor is usually an
// initialized *x402.X402ResourceServer.
func New(processor x402http.PaymentProcessor, opts Options) (*Service, error) {
	if len(opts.Requirements) == 0 {
		return nil, x402.ConfigErrorf("service", "no payment requirements")
	}
	if opts.Command == "" && opts.ProxyTarget == "" {
		return nil, x402.ConfigErrorf("service", "either a command or a proxy target is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ProxyTarget != "" && opts.ProxyPath == "" {
		opts.ProxyPath = "/proxy"
	}
	if opts.Token.Symbol == "" {
		opts.Token = stacks.TokenSTX
	}
	if opts.Agent && len(opts.Capabilities) == 0 {
		opts.Capabilities = []string{"data", "compute", "analysis"}
	}
	if opts.Identity == "" {
		opts.Identity = opts.PayTo
	}

	s := &Service{
		opts:    opts,
		logger:  logger.OrNoop(opts.Logger),
		metrics: metrics.OrNoop(opts.Metrics),
	}
	if opts.Command != "" {
		s.run = CommandAction(opts.Command, opts.Timeout)
	}
	if opts.ProxyTarget != "" {
		proxy, err := NewProxy(opts.ProxyTarget, nil)
		if err != nil {
			return nil, err
		}
		s.proxy = proxy
	}
	if opts.RateLimit > 0 {
		s.limiter = newClientLimiter(opts.RateLimit, opts.Burst)
	}

	var price x402http.PriceSource = x402http.StaticPrice(opts.Requirements)
	if opts.Seller != nil {
		price = NegotiatedPrice(opts.Seller, opts.Requirements, opts.Token)
	}
	s.gate = x402http.NewGate(processor, price,
		x402http.WithGateLogger(s.logger),
		x402http.WithGateMetrics(s.metrics),
		x402http.OnSettled(s.recordEarning),
	)
	return s, nil
}

// Gate exposes the instance's payment gate.
func (s *Service) Gate() *x402http.Gate { return s.gate }

// TotalEarned is the sum of settled amounts, in the smallest unit.
func (s *Service) TotalEarned() uint64 { return s.earned.Load() }

// Requests counts settled requests.
func (s *Service) Requests() uint64 { return s.requests.Load() }

func (s *Service) recordEarning(r x402http.Receipt) {
	amount, err := strconv.ParseUint(r.Amount, 10, 64)
	if err != nil {
		s.logger.Warn("unparseable settled amount", map[string]any{"amount": r.Amount})
		return
	}
	s.earned.Add(amount)
	s.requests.Add(1)
}

func (s *Service) display(amount uint64) string {
	return fmt.Sprintf("%s %s", decimal.NewFromInt(int64(amount)).Shift(-s.opts.Token.Decimals).StringFixed(s.opts.Token.Decimals), s.opts.Token.Symbol)
}

func (s *Service) priceLabel() string {
	return fmt.Sprintf("%s %s", s.opts.Price, s.opts.Token.Symbol)
}

// Router builds the gin engine for this instance.
func (s *Service) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/", s.handleAdvertisement)
	r.GET("/health", s.handleHealth)
	if s.opts.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(s.opts.MetricsHandler))
	}

	paid := []gin.HandlerFunc{
		s.rateLimit(),
		s.agentContext(),
		x402gin.PaymentMiddleware(s.gate,
			x402gin.WithDescription(s.resourceDescription()),
			x402gin.WithMimeType("application/json"),
			x402gin.WithResourceRootURL(s.opts.PublicURL),
		),
		s.distributeAfter(),
	}
	if s.run != nil {
		r.POST("/run", append(paid, s.handleRun)...)
	}
	if s.proxy != nil {
		r.Any(s.opts.ProxyPath, append(paid, s.handleProxy)...)
		r.Any(s.opts.ProxyPath+"/*path", append(paid, s.handleProxy)...)
	}
	if s.opts.Vault != nil {
		r.GET("/vault", s.handleVault)
	}
	if s.opts.Seller != nil {
		r.PATCH("/negotiate", s.rateLimit(), s.handleNegotiate)
	}
	if s.opts.Agent || s.opts.Seller != nil {
		r.GET("/status", s.handleStatus)
	}
	return r
}

func (s *Service) resourceDescription() string {
	if s.opts.Description != "" {
		return s.opts.Description
	}
	switch {
	case s.proxy != nil:
		return "Proxy: " + s.opts.ProxyTarget
	case s.opts.SplitOnly:
		return "Split: " + s.opts.Command
	case s.opts.Vault != nil:
		return "Vault: " + s.opts.Command
	case s.opts.Agent:
		return "Agent service: " + s.opts.Command
	default:
		return "Execute: " + s.opts.Command
	}
}

func (s *Service) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request", map[string]any{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
	}
}

// distributeAfter hands every settled payment to the vault once the
// handler has answered the caller.
func (s *Service) distributeAfter() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if s.opts.Vault == nil {
			return
		}
		receipt, ok := x402gin.GetReceipt(c)
		if !ok {
			return
		}
		amount, err := strconv.ParseUint(receipt.Amount, 10, 64)
		if err != nil {
			s.logger.Error("cannot distribute payment", map[string]any{"amount": receipt.Amount, "error": err.Error()})
			return
		}
		s.opts.Vault.Distribute(vault.Payment{
			TxID:   receipt.Transaction,
			Payer:  receipt.Payer,
			Amount: amount,
		})
	}
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Service) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("service listening", map[string]any{"addr": addr, "price": s.priceLabel(), "payTo": s.opts.PayTo})
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout+5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
