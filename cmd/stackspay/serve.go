package main

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	x402 "github.com/stackspay/stackspay"
	"github.com/stackspay/stackspay/negotiation"
	"github.com/stackspay/stackspay/service"
	"github.com/stackspay/stackspay/vault"
	"github.com/stackspay/stackspay/wallet"
)

type variant int

const (
	variantServe variant = iota
	variantVault
	variantSplit
	variantAgent
	variantProxy
)

func runServe(ctx context.Context, a *app, args []string) error {
	return runService(ctx, a, variantServe, args)
}

func runVault(ctx context.Context, a *app, args []string) error {
	return runService(ctx, a, variantVault, args)
}

func runSplit(ctx context.Context, a *app, args []string) error {
	return runService(ctx, a, variantSplit, args)
}

func runAgent(ctx context.Context, a *app, args []string) error {
	return runService(ctx, a, variantAgent, args)
}

func runProxy(ctx context.Context, a *app, args []string) error {
	return runService(ctx, a, variantProxy, args)
}

var variantNames = map[variant]string{
	variantServe: "serve",
	variantVault: "vault",
	variantSplit: "split",
	variantAgent: "agent",
	variantProxy: "proxy",
}

func serviceFlags(v variant) *cliFlags {
	f := newFlags(variantNames[v])
	if v == variantProxy {
		f.String("target", "", "upstream API URL")
		f.String("path", "", "paid path prefix (default /proxy)")
		f.bind("proxy.target", "target")
		f.bind("proxy.path", "path")
	} else {
		f.StringP("cmd", "c", "", "command to run for each paid call")
		f.Duration("timeout", 0, "command timeout (default 30s)")
		f.bind("service.cmd", "cmd")
		f.bind("service.timeout", "timeout")
	}
	f.StringP("price", "p", "", "price per call, e.g. 0.001")
	f.StringP("token", "t", "", "STX or SBTC")
	f.Int("port", 0, "port to listen on (default 3000)")
	f.StringP("description", "d", "", "service description")
	f.String("receiver", "", "address paid instead of the wallet address")
	f.Float64("rate-limit", 0, "paid requests per second per client")
	f.bind("service.price", "price")
	f.bind("service.token", "token")
	f.bind("service.port", "port")
	f.bind("service.description", "description")
	f.bind("service.receiver", "receiver")
	f.bind("rate_limit.rps", "rate-limit")

	switch v {
	case variantVault:
		f.StringSlice("split", nil, "ADDRESS:PCT or name.btc:PCT, repeatable")
		f.String("reserve", "", "percentage kept as reserve")
		f.String("lock", "", "lock the remainder for a duration, e.g. 7d")
		f.String("vault-file", "", "vault state file (default ~/.stackspay/vault.json)")
		f.bind("vault.splits", "split")
		f.bind("vault.reserve", "reserve")
		f.bind("vault.lock", "lock")
		f.bind("vault.file", "vault-file")
	case variantSplit:
		f.StringSlice("split", nil, "ADDRESS:PCT or name.btc:PCT, repeatable, totalling 100")
		f.bind("vault.splits", "split")
	case variantAgent:
		f.Bool("negotiate", false, "accept price offers on PATCH /negotiate")
		f.String("floor", "", "lowest acceptable price (default half the price)")
		f.StringSlice("capabilities", nil, "advertised capabilities")
		f.bind("agent.negotiate", "negotiate")
		f.bind("agent.floor", "floor")
		f.bind("agent.capabilities", "capabilities")
	}
	return f
}

func runService(ctx context.Context, a *app, v variant, args []string) error {
	rt, err := setup(serviceFlags(v), args)
	if err != nil {
		return err
	}
	defer func() { _ = rt.log.Sync() }()
	cfg := rt.cfg

	if v == variantProxy && cfg.Proxy.Target == "" {
		return x402.ConfigErrorf("proxy", "--target is required")
	}
	if v != variantProxy && cfg.Service.Command == "" {
		return x402.ConfigErrorf(variantNames[v], "--cmd is required")
	}
	price, err := decimal.NewFromString(cfg.Service.Price)
	if err != nil || !price.IsPositive() {
		return x402.ConfigErrorf("price", "invalid price %q", cfg.Service.Price)
	}

	w, err := rt.sellerWallet()
	if err != nil {
		return err
	}
	ledger := rt.ledger(w.Network)
	payTo := w.Address
	if cfg.Service.Receiver != "" {
		payTo = cfg.Service.Receiver
	}

	description := cfg.Service.Description
	if description == "" {
		description = fmt.Sprintf("stackspay %s", variantNames[v])
	}
	priced, err := rt.pricing(ctx, w.Network, payTo, description)
	if err != nil {
		return err
	}

	opts := service.Options{
		Description:    cfg.Service.Description,
		Price:          price,
		Token:          priced.token,
		Requirements:   priced.requirements,
		PayTo:          payTo,
		Network:        w.Network,
		PublicURL:      fmt.Sprintf("http://localhost:%d", cfg.Service.Port),
		Command:        cfg.Service.Command,
		Timeout:        cfg.Service.Timeout,
		RateLimit:      rate.Limit(cfg.RateLimit.RPS),
		Burst:          cfg.RateLimit.Burst,
		Logger:         rt.log,
		Metrics:        rt.metrics,
		MetricsHandler: rt.metrics.Handler(),
	}
	if name, err := ledger.LookupName(ctx, payTo); err == nil && name != "" {
		opts.Identity = name
	}

	switch v {
	case variantProxy:
		opts.Command = ""
		opts.ProxyTarget = cfg.Proxy.Target
		opts.ProxyPath = cfg.Proxy.Path
	case variantVault, variantSplit:
		engine, err := buildVault(ctx, rt, v, w, ledger)
		if err != nil {
			return err
		}
		opts.Vault = engine
		opts.SplitOnly = v == variantSplit
	case variantAgent:
		opts.Agent = true
		opts.Capabilities = cfg.Agent.Capabilities
		if cfg.Agent.Negotiate {
			floor := decimal.Zero
			if cfg.Agent.Floor != "" {
				floor, err = decimal.NewFromString(cfg.Agent.Floor)
				if err != nil || floor.IsNegative() || floor.GreaterThan(price) {
					return x402.ConfigErrorf("floor", "floor must be between 0 and the price, got %q", cfg.Agent.Floor)
				}
			}
			opts.Seller = negotiation.NewSeller(price, floor, priced.token.Symbol, payTo)
		}
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	svc, err := service.New(priced.server, opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "stackspay %s on http://localhost:%d\n", variantNames[v], cfg.Service.Port)
	fmt.Fprintf(a.stdout, "  price   : %s %s\n", price, priced.token.Symbol)
	fmt.Fprintf(a.stdout, "  pay to  : %s (%s)\n", payTo, w.Network)
	if opts.ProxyTarget != "" {
		fmt.Fprintf(a.stdout, "  upstream: %s via %s\n", opts.ProxyTarget, opts.ProxyPath)
	}
	return svc.Serve(ctx, fmt.Sprintf(":%d", cfg.Service.Port))
}

// buildVault turns the vault config into an engine. The split variant
// takes splits only, and they must total exactly 100%.
func buildVault(ctx context.Context, rt *runtime, v variant, w *wallet.Wallet, ledger vaultLedger) (*vault.Engine, error) {
	cfg := rt.cfg.Vault
	splits := make([]vault.SplitRule, 0, len(cfg.Splits))
	for _, raw := range cfg.Splits {
		rule, err := vault.ParseSplit(ctx, raw, ledger)
		if err != nil {
			return nil, err
		}
		splits = append(splits, rule)
	}

	var rules []vault.Rule
	memo := vault.FixedMemo
	if v == variantSplit {
		if err := vault.ValidateSplitTotal(splits); err != nil {
			return nil, err
		}
		rules = vault.SplitRules(splits)
		memo = vault.NumberedMemo
	} else {
		var err error
		reserve := decimal.Zero
		if cfg.Reserve != "" {
			if reserve, err = decimal.NewFromString(cfg.Reserve); err != nil {
				return nil, x402.ConfigErrorf("reserve", "invalid reserve %q", cfg.Reserve)
			}
		}
		rules, err = vault.BuildRules(ctx, vault.RulesConfig{
			Splits:       splits,
			ReservePct:   reserve,
			LockDuration: cfg.Lock,
		}, ledger)
		if err != nil {
			return nil, err
		}
	}

	var store vault.Store = &vault.MemoryStore{}
	if v == variantVault || cfg.File != "" {
		path := cfg.File
		if path == "" {
			var err error
			if path, err = vault.DefaultPath(); err != nil {
				return nil, x402.NewError(x402.KindPersistence, "vault", err)
			}
		}
		store = vault.NewFileStore(path)
	}

	transferer := wallet.NewTransferer(w, ledger, rt.log)
	return vault.NewEngine(rules, store, transferer,
		vault.WithLogger(rt.log),
		vault.WithMetrics(rt.metrics),
		vault.WithMemo(memo),
	)
}

// vaultLedger is what rule building and split transfers need from the
// Stacks API.
type vaultLedger interface {
	vault.NameResolver
	vault.TipSource
	wallet.Ledger
}
