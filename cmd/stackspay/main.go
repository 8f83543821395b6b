// Command stackspay puts shell commands and HTTP APIs behind x402 payments
// on Stacks, runs the facilitator that settles them, and pays for them.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	x402 "github.com/stackspay/stackspay"
)

const version = "1.0.0"

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

type app struct {
	stdout io.Writer
	stderr io.Writer
}

func commands() []command {
	return []command{
		{"facilitator", "Run the x402 facilitator (verify and settle)", runFacilitator},
		{"serve", "Put a command behind an x402 paywall", runServe},
		{"vault", "Serve a command and split, reserve or lock its earnings", runVault},
		{"split", "Serve a command and split every payment between recipients", runSplit},
		{"agent", "Serve a command as an agent that can negotiate its price", runAgent},
		{"proxy", "Put an HTTP API behind an x402 paywall", runProxy},
		{"mcp", "Serve a command as a paid MCP tool over SSE", runMCP},
		{"pay", "Call an x402 endpoint and pay the challenge", runPay},
		{"negotiate", "Negotiate a price with an agent service", runNegotiate},
		{"history", "Show payments received by the wallet", runHistory},
		{"wallet", "Import or show the Stacks wallet", runWallet},
		{"config", "Write a sample config file (config init)", runConfig},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{stdout: os.Stdout, stderr: os.Stderr}
	if err := a.run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if x402.KindOf(err) == x402.KindConfiguration {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		a.usage()
		return nil
	}
	switch args[0] {
	case "-h", "--help", "help":
		a.usage()
		return nil
	case "-v", "--version", "version":
		fmt.Fprintln(a.stdout, "stackspay", version)
		return nil
	}
	for _, c := range commands() {
		if c.name == args[0] {
			err := c.run(ctx, a, args[1:])
			if errors.Is(err, errHelp) {
				return nil
			}
			return err
		}
	}
	a.usage()
	return x402.ConfigErrorf("stackspay", "unknown command %q", args[0])
}

func (a *app) usage() {
	fmt.Fprintln(a.stdout, "stackspay: terminal-native x402 payments on Stacks")
	fmt.Fprintln(a.stdout)
	fmt.Fprintln(a.stdout, "Usage: stackspay <command> [flags]")
	fmt.Fprintln(a.stdout)
	for _, c := range commands() {
		fmt.Fprintf(a.stdout, "  %-12s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(a.stdout)
	fmt.Fprintln(a.stdout, "Quick start:")
	fmt.Fprintln(a.stdout, "  stackspay wallet import <private-key>")
	fmt.Fprintln(a.stdout, `  stackspay serve --cmd "echo hello" --price 0.001`)
	fmt.Fprintln(a.stdout, "  stackspay pay http://localhost:3000/run")
}
