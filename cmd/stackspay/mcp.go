package main

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	x402 "github.com/stackspay/stackspay"
	x402http "github.com/stackspay/stackspay/http"
	"github.com/stackspay/stackspay/mcp"
)

func runMCP(ctx context.Context, a *app, args []string) error {
	f := newFlags("mcp")
	f.StringP("cmd", "c", "", "command run by the tool")
	f.StringP("price", "p", "", "price per call, e.g. 0.001")
	f.StringP("token", "t", "", "STX or SBTC")
	f.Int("port", 0, "port for the SSE endpoint (default 3000)")
	f.StringP("description", "d", "", "tool description")
	f.Duration("timeout", 0, "command timeout (default 30s)")
	toolName := f.String("name", "run", "tool name")
	f.bind("service.cmd", "cmd")
	f.bind("service.price", "price")
	f.bind("service.token", "token")
	f.bind("service.port", "port")
	f.bind("service.description", "description")
	f.bind("service.timeout", "timeout")

	rt, err := setup(f, args)
	if err != nil {
		return err
	}
	defer func() { _ = rt.log.Sync() }()
	cfg := rt.cfg
	if cfg.Service.Command == "" {
		return x402.ConfigErrorf("mcp", "--cmd is required")
	}

	w, err := rt.sellerWallet()
	if err != nil {
		return err
	}
	payTo := w.Address
	if cfg.Service.Receiver != "" {
		payTo = cfg.Service.Receiver
	}
	priced, err := rt.pricing(ctx, w.Network, payTo, cfg.Service.Description)
	if err != nil {
		return err
	}

	gate := x402http.NewGate(priced.server, x402http.StaticPrice(priced.requirements),
		x402http.WithGateLogger(rt.log),
		x402http.WithGateMetrics(rt.metrics),
	)
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "stackspay", Version: version}, nil)
	wrapper := mcp.NewPaymentWrapper(gate, mcp.PaymentWrapperConfig{
		Resource: &x402.ResourceInfo{Description: cfg.Service.Description},
		Logger:   rt.log,
	})
	mcp.AddCommandTool(server, wrapper, mcp.CommandTool{
		Name:        *toolName,
		Description: cfg.Service.Description,
		Command:     cfg.Service.Command,
		Timeout:     cfg.Service.Timeout,
	})

	fmt.Fprintf(a.stdout, "stackspay mcp tool %q on http://localhost:%d (SSE)\n", *toolName, cfg.Service.Port)
	fmt.Fprintf(a.stdout, "  price : %s %s to %s\n", cfg.Service.Price, priced.token.Symbol, payTo)
	return serveHTTP(ctx, fmt.Sprintf(":%d", cfg.Service.Port), mcp.NewSSEHandler(server), rt.log)
}
