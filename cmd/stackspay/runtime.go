package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	x402 "github.com/stackspay/stackspay"
	"github.com/stackspay/stackspay/config"
	x402http "github.com/stackspay/stackspay/http"
	"github.com/stackspay/stackspay/logger"
	"github.com/stackspay/stackspay/mechanisms/stacks"
	"github.com/stackspay/stackspay/mechanisms/stacks/exact/facilitator"
	"github.com/stackspay/stackspay/mechanisms/stacks/exact/server"
	"github.com/stackspay/stackspay/mechanisms/stacks/hiro"
	"github.com/stackspay/stackspay/metrics"
	"github.com/stackspay/stackspay/wallet"
)

var errHelp = pflag.ErrHelp

// cliFlags is a subcommand's flag set plus the config keys its flags
// override.
type cliFlags struct {
	*pflag.FlagSet
	configFile string
	bindings   map[string]string
}

func newFlags(name string) *cliFlags {
	f := &cliFlags{
		FlagSet:  pflag.NewFlagSet(name, pflag.ContinueOnError),
		bindings: map[string]string{},
	}
	f.StringVar(&f.configFile, "config", "", "config file (default ~/.stackspay/config.yaml)")
	f.String("network", "", "testnet or mainnet")
	f.String("wallet", "", "wallet file (default ~/.stackspay/wallet.json)")
	f.String("hiro-api", "", "Stacks API base URL")
	f.String("log-level", "", "debug, info, warn or error")
	f.String("log-file", "", "also write JSON logs to this rotated file")
	f.bind("network", "network")
	f.bind("wallet", "wallet")
	f.bind("hiro_api", "hiro-api")
	f.bind("log.level", "log-level")
	f.bind("log.file", "log-file")
	return f
}

func (f *cliFlags) bind(key, flag string) {
	f.bindings[key] = flag
}

// runtime is what every command shares once flags and config are loaded.
type runtime struct {
	cfg     *config.Config
	log     *logger.ZapLogger
	metrics *metrics.PrometheusRecorder
}

func setup(f *cliFlags, args []string) (*runtime, error) {
	if err := f.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, errHelp
		}
		return nil, x402.NewError(x402.KindConfiguration, f.Name(), err)
	}
	cfg, err := config.Load(config.LoadOptions{File: f.configFile, Flags: f.FlagSet, Bindings: f.bindings})
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	return &runtime{cfg: cfg, log: log, metrics: metrics.NewPrometheusRecorder()}, nil
}

// ledger returns a Hiro API client for network ("testnet", "mainnet" or a
// CAIP-2 id).
func (r *runtime) ledger(network string) *hiro.Client {
	opts := []hiro.Option{hiro.WithLogger(r.log)}
	if r.cfg.HiroAPI != "" {
		opts = append(opts, hiro.WithBaseURL(r.cfg.HiroAPI))
	}
	return hiro.NewClient(stacks.NormalizeNetwork(network), opts...)
}

func (r *runtime) walletPath() (string, error) {
	if r.cfg.WalletPath != "" {
		return r.cfg.WalletPath, nil
	}
	return wallet.DefaultPath()
}

// sellerWallet loads the receiving wallet. Its network wins over the
// configured one, since the address is only valid there.
func (r *runtime) sellerWallet() (*wallet.Wallet, error) {
	path, err := r.walletPath()
	if err != nil {
		return nil, x402.NewError(x402.KindConfiguration, "wallet", err)
	}
	w, err := wallet.Load(path)
	if err != nil {
		return nil, err
	}
	if w.Network != r.cfg.Network {
		r.log.Warn("wallet network differs from configured network", map[string]any{
			"wallet": w.Network, "configured": r.cfg.Network,
		})
	}
	return w, nil
}

// buyerWallet prefers an explicit --wallet, then buyer-wallet.json, then
// the seller wallet.
func (r *runtime) buyerWallet() (*wallet.Wallet, error) {
	if r.cfg.WalletPath != "" {
		return wallet.Load(r.cfg.WalletPath)
	}
	buyerPath, err := wallet.BuyerPath()
	if err != nil {
		return nil, x402.NewError(x402.KindConfiguration, "wallet", err)
	}
	if _, err := os.Stat(buyerPath); err == nil {
		return wallet.Load(buyerPath)
	}
	sellerPath, err := wallet.DefaultPath()
	if err != nil {
		return nil, x402.NewError(x402.KindConfiguration, "wallet", err)
	}
	return wallet.Load(sellerPath)
}

// facilitator builds the in-process facilitator for both Stacks networks.
func (r *runtime) facilitator() *x402.X402Facilitator {
	opts := []facilitator.Option{facilitator.WithLogger(r.log), facilitator.WithMetrics(r.metrics)}
	if r.cfg.HiroAPI != "" {
		opts = append(opts, facilitator.WithAPIURL(r.cfg.HiroAPI))
	}
	scheme := facilitator.NewExactStacksScheme(opts...)

	f := x402.Newx402Facilitator(
		x402.WithDefaultNetwork(x402.Network(stacks.NormalizeNetwork(r.cfg.Network))),
		x402.WithSettlementCache(x402.NewSettlementCache(r.cfg.Facilitator.SettleCacheTTL)),
	)
	f.Register(x402.Network(stacks.NetworkTestnet), scheme)
	f.Register(x402.Network(stacks.NetworkMainnet), scheme)

	log := r.log
	f.OnAfterSettle(func(ctx x402.FacilitatorSettleResultContext) error {
		log.Info("settled", map[string]any{
			"success":  ctx.Result.Success,
			"txid":     ctx.Result.Transaction,
			"payer":    ctx.Result.Payer,
			"network":  string(ctx.Result.Network),
			"duration": ctx.Duration.String(),
		})
		return nil
	})
	f.OnSettleFailure(func(ctx x402.FacilitatorSettleFailureContext) (*x402.FacilitatorSettleFailureHookResult, error) {
		log.Error("settle failed", map[string]any{"error": ctx.Error.Error(), "duration": ctx.Duration.String()})
		return nil, nil
	})
	return f
}

// facilitatorClient is the remote facilitator when facilitator.url is set,
// and the in-process one otherwise.
func (r *runtime) facilitatorClient() x402.FacilitatorClient {
	if r.cfg.Facilitator.URL == "" {
		return r.facilitator()
	}
	fc := &x402http.FacilitatorConfig{URL: r.cfg.Facilitator.URL}
	if r.cfg.Facilitator.AuthSecret != "" {
		fc.AuthProvider = x402http.JWTAuthProvider{Secret: []byte(r.cfg.Facilitator.AuthSecret), Subject: "stackspay-service"}
	}
	return x402http.NewHTTPFacilitatorClient(fc)
}

// pricing is the resource server and requirements for one priced resource.
type pricing struct {
	server       *x402.X402ResourceServer
	requirements []x402.PaymentRequirements
	token        stacks.TokenInfo
}

func (r *runtime) pricing(ctx context.Context, network, payTo, description string) (*pricing, error) {
	token, err := stacks.LookupToken(r.cfg.Service.Token)
	if err != nil {
		return nil, x402.NewError(x402.KindConfiguration, "token", err)
	}
	scheme, err := server.NewExactStacksScheme(token.Symbol)
	if err != nil {
		return nil, x402.NewError(x402.KindConfiguration, "token", err)
	}
	caip := x402.Network(stacks.NormalizeNetwork(network))
	rs := x402.Newx402ResourceServer(
		x402.WithFacilitatorClient(r.facilitatorClient()),
		x402.WithSchemeServer(caip, scheme),
	)
	if err := rs.Initialize(ctx); err != nil {
		return nil, x402.NewError(x402.KindLedger, "facilitator", err)
	}
	reqs, err := rs.BuildPaymentRequirements(ctx, x402.ResourceConfig{
		PayTo:       payTo,
		Price:       r.cfg.Service.Price,
		Network:     caip,
		Description: description,
	})
	if err != nil {
		return nil, x402.NewError(x402.KindConfiguration, "price", err)
	}
	return &pricing{server: rs, requirements: reqs, token: token}, nil
}

// serveHTTP runs handler on addr until ctx is cancelled.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, log logger.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", map[string]any{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
