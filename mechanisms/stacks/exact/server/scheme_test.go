package server

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	x402 "github.com/stackspay/stackspay"
	"github.com/stackspay/stackspay/mechanisms/stacks"
)

func TestParsePriceSTX(t *testing.T) {
	s, err := NewExactStacksScheme("STX")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	for _, price := range []x402.Price{"0.001", "0.001 STX", "$0.001", 0.001} {
		result, err := s.ParsePrice(price, stacks.NetworkTestnet)
		if err != nil {
			t.Fatalf("price %v: expected no error, got %v", price, err)
		}
		if result.Amount != "1000" {
			t.Errorf("price %v: expected amount 1000, got %s", price, result.Amount)
		}
		if result.Asset != "STX" {
			t.Errorf("price %v: expected asset STX, got %s", price, result.Asset)
		}
	}
}

func TestParsePriceSBTC(t *testing.T) {
	s, err := NewExactStacksScheme("sbtc")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	result, err := s.ParsePrice("0.00001", stacks.NetworkMainnet)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Amount != "1000" || result.Asset != "SBTC" {
		t.Errorf("Expected 1000 SBTC, got %s %s", result.Amount, result.Asset)
	}
}

func TestParsePriceErrors(t *testing.T) {
	s, _ := NewExactStacksScheme("STX")

	if _, err := s.ParsePrice("abc", stacks.NetworkTestnet); err == nil {
		t.Error("Expected error for non-numeric price")
	}
	if _, err := s.ParsePrice("0.001 SBTC", stacks.NetworkTestnet); err == nil {
		t.Error("Expected error for mismatched token")
	}
	if _, err := s.ParsePrice("0.0000001", stacks.NetworkTestnet); err == nil {
		t.Error("Expected error for sub-unit price")
	}
	if _, err := s.ParsePrice(x402.AssetAmount{Amount: "1"}, stacks.NetworkTestnet); err == nil {
		t.Error("Expected error for AssetAmount without asset")
	}
	if _, err := NewExactStacksScheme("DOGE"); err == nil {
		t.Error("Expected error for unknown token")
	}
}

func TestParsePricePassthroughAndParsers(t *testing.T) {
	s, _ := NewExactStacksScheme("STX")

	direct := x402.AssetAmount{Asset: "STX", Amount: "42"}
	result, err := s.ParsePrice(direct, stacks.NetworkTestnet)
	if err != nil || result.Amount != "42" {
		t.Fatalf("Expected passthrough, got %+v, %v", result, err)
	}

	s.RegisterMoneyParser(func(amount decimal.Decimal, network string) (*x402.AssetAmount, error) {
		if amount.GreaterThan(decimal.NewFromInt(100)) {
			return &x402.AssetAmount{Asset: "STX", Amount: "1"}, nil
		}
		return nil, nil
	})

	result, _ = s.ParsePrice("150", stacks.NetworkTestnet)
	if result.Amount != "1" {
		t.Errorf("Expected custom parser result, got %s", result.Amount)
	}
	result, _ = s.ParsePrice("2", stacks.NetworkTestnet)
	if result.Amount != "2000000" {
		t.Errorf("Expected default conversion, got %s", result.Amount)
	}
}

func TestEnhancePaymentRequirements(t *testing.T) {
	s, _ := NewExactStacksScheme("STX")
	req, err := s.EnhancePaymentRequirements(context.Background(), x402.PaymentRequirements{},
		x402.SupportedKind{Network: stacks.NetworkTestnet}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if req.Extra["tokenType"] != "STX" || req.Extra["isMainnet"] != false {
		t.Errorf("unexpected extra %v", req.Extra)
	}
}
