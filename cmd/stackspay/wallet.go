package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	x402 "github.com/stackspay/stackspay"
	"github.com/stackspay/stackspay/mechanisms/stacks"
	"github.com/stackspay/stackspay/wallet"
)

// privateKeyEnv is read by wallet import when no key argument is given.
const privateKeyEnv = "STACKSPAY_PRIVATE_KEY"

func runWallet(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return x402.ConfigErrorf("wallet", "usage: stackspay wallet <import|show> [--buyer]")
	}
	sub, rest := args[0], args[1:]

	f := newFlags("wallet " + sub)
	buyer := f.Bool("buyer", false, "use the separate buyer wallet")
	force := f.Bool("force", false, "overwrite an existing wallet")

	rt, err := setup(f, rest)
	if err != nil {
		return err
	}
	defer func() { _ = rt.log.Sync() }()

	path, err := rt.walletPath()
	if *buyer {
		path, err = wallet.BuyerPath()
	}
	if err != nil {
		return x402.NewError(x402.KindConfiguration, "wallet", err)
	}

	switch sub {
	case "import":
		return importWallet(a, rt, f.Args(), path, *force)
	case "show":
		return showWallet(ctx, a, rt, path)
	default:
		return x402.ConfigErrorf("wallet", "unknown wallet command %q", sub)
	}
}

func importWallet(a *app, rt *runtime, args []string, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return x402.ConfigErrorf("wallet", "a wallet already exists at %s; use --force to replace it", path)
	}

	key := os.Getenv(privateKeyEnv)
	switch {
	case len(args) == 1 && args[0] == "-":
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return x402.NewError(x402.KindConfiguration, "wallet", err)
		}
		key = line
	case len(args) == 1:
		key = args[0]
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return x402.ConfigErrorf("wallet", "usage: stackspay wallet import <private-key | -> (or set %s)", privateKeyEnv)
	}

	w, err := wallet.FromPrivateKey(key, rt.cfg.Network)
	if err != nil {
		return err
	}
	if err := wallet.Save(path, w); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Wallet saved to %s\n", path)
	fmt.Fprintf(a.stdout, "  address : %s\n", w.Address)
	fmt.Fprintf(a.stdout, "  network : %s\n", w.Network)
	return nil
}

func showWallet(ctx context.Context, a *app, rt *runtime, path string) error {
	w, err := wallet.Load(path)
	if err != nil {
		return err
	}
	ledger := rt.ledger(w.Network)

	fmt.Fprintf(a.stdout, "  address : %s\n", w.Address)
	fmt.Fprintf(a.stdout, "  network : %s\n", w.Network)
	if name, err := ledger.LookupName(ctx, w.Address); err == nil && name != "" {
		fmt.Fprintf(a.stdout, "  name    : %s\n", name)
	}
	balance, err := ledger.Balance(ctx, w.Address)
	if err != nil {
		rt.log.Warn("balance lookup failed", map[string]any{"address": w.Address, "error": err.Error()})
		fmt.Fprintln(a.stdout, "  balance : unavailable")
	} else {
		fmt.Fprintf(a.stdout, "  balance : %s STX\n", stacks.FormatMicro(balance, stacks.TokenSTX.Decimals))
	}
	fmt.Fprintf(a.stdout, "  explorer: https://explorer.hiro.so/address/%s?chain=%s\n", w.Address, w.Network)
	return nil
}
