package main

import (
	"context"
	"fmt"
	"path/filepath"

	x402 "github.com/stackspay/stackspay"
	"github.com/stackspay/stackspay/config"
	"github.com/stackspay/stackspay/wallet"
)

func runConfig(_ context.Context, a *app, args []string) error {
	if len(args) == 0 || args[0] != "init" {
		return x402.ConfigErrorf("config", "usage: stackspay config init [path]")
	}
	path := ""
	if len(args) > 1 {
		path = args[1]
	} else {
		dir, err := wallet.Dir()
		if err != nil {
			return x402.NewError(x402.KindConfiguration, "config init", err)
		}
		path = filepath.Join(dir, "config.yaml")
	}
	if err := config.WriteSample(path); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Wrote %s\n", path)
	return nil
}
