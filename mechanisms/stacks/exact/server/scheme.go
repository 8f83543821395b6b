package server

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	x402 "github.com/stackspay/stackspay"
	"github.com/stackspay/stackspay/mechanisms/stacks"
)

var _ x402.SchemeNetworkServer = (*ExactStacksScheme)(nil)

// MoneyParser may claim a decimal price; returning nil defers to the next
// parser and finally to the scheme's token.
type MoneyParser func(amount decimal.Decimal, network string) (*x402.AssetAmount, error)

type ExactStacksScheme struct {
	token        stacks.TokenInfo
	moneyParsers []MoneyParser
}

var priceRe = regexp.MustCompile(`^\$?\s*([0-9]*\.?[0-9]+)\s*([A-Za-z]*)$`)

// NewExactStacksScheme prices resources in token ("STX" or "SBTC").
func NewExactStacksScheme(token string) (*ExactStacksScheme, error) {
	info, err := stacks.LookupToken(token)
	if err != nil {
		return nil, err
	}
	return &ExactStacksScheme{token: info, moneyParsers: []MoneyParser{}}, nil
}

func (s *ExactStacksScheme) RegisterMoneyParser(parser MoneyParser) *ExactStacksScheme {
	s.moneyParsers = append(s.moneyParsers, parser)
	return s
}

func (s *ExactStacksScheme) Scheme() string {
	return stacks.SchemeExact
}

// Token returns the token prices are denominated in.
func (s *ExactStacksScheme) Token() stacks.TokenInfo {
	return s.token
}

// ParsePrice accepts an AssetAmount, a number, or a string such as "0.001"
// or "0.001 STX".
func (s *ExactStacksScheme) ParsePrice(price x402.Price, network x402.Network) (x402.AssetAmount, error) {
	if assetAmount, ok := price.(x402.AssetAmount); ok {
		if assetAmount.Asset == "" {
			return x402.AssetAmount{}, fmt.Errorf("asset required for AssetAmount on %s", network)
		}
		return assetAmount, nil
	}

	amount, symbol, err := parseMoney(price)
	if err != nil {
		return x402.AssetAmount{}, err
	}
	if symbol != "" && !strings.EqualFold(symbol, s.token.Symbol) {
		return x402.AssetAmount{}, fmt.Errorf("price in %s but scheme is configured for %s", symbol, s.token.Symbol)
	}

	for _, parser := range s.moneyParsers {
		result, err := parser(amount, string(network))
		if err == nil && result != nil {
			return *result, nil
		}
	}

	return s.defaultMoneyConversion(amount)
}

func parseMoney(price x402.Price) (decimal.Decimal, string, error) {
	var text string
	switch v := price.(type) {
	case decimal.Decimal:
		return v, "", nil
	case float64:
		return decimal.NewFromFloat(v), "", nil
	case int:
		return decimal.NewFromInt(int64(v)), "", nil
	case string:
		text = strings.TrimSpace(v)
	default:
		text = fmt.Sprintf("%v", v)
	}

	m := priceRe.FindStringSubmatch(text)
	if m == nil {
		return decimal.Zero, "", fmt.Errorf("invalid price format: %s", text)
	}
	d, err := decimal.NewFromString(m[1])
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("invalid price format: %s", text)
	}
	return d, m[2], nil
}

func (s *ExactStacksScheme) defaultMoneyConversion(amount decimal.Decimal) (x402.AssetAmount, error) {
	units := amount.Shift(s.token.Decimals).Truncate(0)
	if !units.IsPositive() {
		return x402.AssetAmount{}, fmt.Errorf("price %s is below one %s base unit", amount.String(), s.token.Symbol)
	}
	return x402.AssetAmount{
		Amount: units.String(),
		Asset:  s.token.Symbol,
		Extra: map[string]interface{}{
			"name":     s.token.Name,
			"decimals": s.token.Decimals,
		},
	}, nil
}

// EnhancePaymentRequirements records the token type clients must pay with.
func (s *ExactStacksScheme) EnhancePaymentRequirements(
	ctx context.Context,
	requirements x402.PaymentRequirements,
	supportedKind x402.SupportedKind,
	facilitatorExtensions []string,
) (x402.PaymentRequirements, error) {
	if requirements.Extra == nil {
		requirements.Extra = make(map[string]interface{})
	}
	requirements.Extra["tokenType"] = s.token.Symbol
	requirements.Extra["isMainnet"] = !stacks.IsTestnet(string(supportedKind.Network))
	return requirements, nil
}
