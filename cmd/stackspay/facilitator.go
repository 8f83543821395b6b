package main

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	x402 "github.com/stackspay/stackspay"
	x402http "github.com/stackspay/stackspay/http"
	"github.com/stackspay/stackspay/mechanisms/stacks"
)

func runFacilitator(ctx context.Context, a *app, args []string) error {
	f := newFlags("facilitator")
	f.Int("port", 0, "port to listen on (default 4000)")
	f.String("auth-secret", "", "require an HS256 bearer token signed with this secret")
	f.bind("facilitator.port", "port")
	f.bind("facilitator.auth_secret", "auth-secret")

	rt, err := setup(f, args)
	if err != nil {
		return err
	}
	defer func() { _ = rt.log.Sync() }()

	if rt.cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := x402http.NewFacilitatorServer(rt.facilitator(),
		x402http.WithServerLogger(rt.log),
		x402http.WithAuthSecret(rt.cfg.Facilitator.AuthSecret),
		x402http.WithFailureNetwork(x402.Network(stacks.NormalizeNetwork(rt.cfg.Network))),
	)
	router := srv.Handler()
	router.GET("/metrics", gin.WrapH(rt.metrics.Handler()))

	fmt.Fprintf(a.stdout, "stackspay facilitator on http://localhost:%d (%s)\n", rt.cfg.Facilitator.Port, rt.cfg.Network)
	return serveHTTP(ctx, fmt.Sprintf(":%d", rt.cfg.Facilitator.Port), router, rt.log)
}
