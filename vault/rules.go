package vault

import (
	"context"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	x402 "github.com/stackspay/stackspay"
	"github.com/stackspay/stackspay/mechanisms/stacks"
)

type RuleType string

const (
	TypeSplit   RuleType = "split"
	TypeLock    RuleType = "lock"
	TypeReserve RuleType = "reserve"
)

var hundred = decimal.NewFromInt(100)

// Rule is one allocation of a received payment. The set of implementations
// is closed: SplitRule, LockRule and ReserveRule.
type Rule interface {
	Kind() RuleType
	Pct() decimal.Decimal
	rule()
}

// SplitRule forwards Percent of each payment to Address.
type SplitRule struct {
	Address string          `json:"address"`
	Name    string          `json:"name,omitempty"`
	Percent decimal.Decimal `json:"percentage"`
}

// LockRule earmarks Percent of each payment until UnlockHeight.
type LockRule struct {
	Percent      decimal.Decimal `json:"percentage"`
	UnlockHeight uint64          `json:"unlockBlock"`
	UnlockAt     time.Time       `json:"unlockDate"`
}

// ReserveRule earmarks Percent of each payment as a reserve.
type ReserveRule struct {
	Percent decimal.Decimal `json:"percentage"`
}

func (SplitRule) Kind() RuleType   { return TypeSplit }
func (LockRule) Kind() RuleType    { return TypeLock }
func (ReserveRule) Kind() RuleType { return TypeReserve }

func (r SplitRule) Pct() decimal.Decimal   { return r.Percent }
func (r LockRule) Pct() decimal.Decimal    { return r.Percent }
func (r ReserveRule) Pct() decimal.Decimal { return r.Percent }

func (SplitRule) rule()   {}
func (LockRule) rule()    {}
func (ReserveRule) rule() {}

// Display is the BNS name when one was used, else the address.
func (r SplitRule) Display() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Address
}

// NameResolver maps a BNS name to an address. *hiro.Client implements it.
type NameResolver interface {
	ResolveName(ctx context.Context, nameOrAddress string) (string, error)
}

// TipSource reports the current chain height. *hiro.Client implements it.
type TipSource interface {
	TipHeight(ctx context.Context) uint64
}

func parsePercent(raw string) (decimal.Decimal, error) {
	pct, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !pct.IsPositive() || pct.GreaterThan(hundred) {
		return decimal.Zero, fmt.Errorf("invalid percentage %q: must be in (0,100]", raw)
	}
	return pct, nil
}

// ParseSplit parses "ADDRESS:PCT" or "name.btc:PCT". The last colon
// separates the percentage. Names are resolved through resolver, which may
// be nil when only addresses are expected.
func ParseSplit(ctx context.Context, s string, resolver NameResolver) (SplitRule, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 {
		return SplitRule{}, x402.ConfigErrorf("split", "invalid split %q: use ADDRESS:PCT or name.btc:PCT", s)
	}
	target := strings.TrimSpace(s[:idx])
	pct, err := parsePercent(s[idx+1:])
	if err != nil {
		return SplitRule{}, x402.NewError(x402.KindConfiguration, "split", err)
	}

	if stacks.IsAddress(target) {
		return SplitRule{Address: target, Percent: pct}, nil
	}
	if !strings.Contains(target, ".") {
		return SplitRule{}, x402.ConfigErrorf("split", "%q is not a valid Stacks address or BNS name", target)
	}
	if resolver == nil {
		return SplitRule{}, x402.ConfigErrorf("split", "cannot resolve BNS name %q without a resolver", target)
	}
	address, err := resolver.ResolveName(ctx, target)
	if err != nil {
		return SplitRule{}, x402.NewError(x402.KindConfiguration, "split", fmt.Errorf("could not resolve %q: %w", target, err))
	}
	return SplitRule{Address: address, Name: target, Percent: pct}, nil
}

var durationPattern = regexp.MustCompile(`^(\d+)(m|h|d|w)$`)

var minutesPerUnit = map[string]int64{
	"m": 1,
	"h": 60,
	"d": 24 * 60,
	"w": 7 * 24 * 60,
}

// ParseDuration converts "30m", "1h", "7d" or "2w" into a block count at
// 0.1 blocks per minute, rounded up.
func ParseDuration(s string) (uint64, error) {
	m := durationPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, x402.ConfigErrorf("lock", "invalid duration %q: use 30m, 1h, 7d or 2w", s)
	}
	value, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, x402.ConfigErrorf("lock", "invalid duration %q: %v", s, err)
	}
	minutes := decimal.NewFromInt(value * minutesPerUnit[m[2]])
	blocks := minutes.Mul(decimal.NewFromFloat(stacks.BlocksPerMinute)).Ceil()
	return uint64(blocks.IntPart()), nil
}

// RulesConfig is the operator's allocation request.
type RulesConfig struct {
	Splits       []SplitRule
	ReservePct   decimal.Decimal
	LockDuration string
}

// BuildRules orders splits, then the reserve, then a lock taking everything
// not yet allocated. tip is only consulted when a lock is requested.
func BuildRules(ctx context.Context, cfg RulesConfig, tip TipSource) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfg.Splits)+2)
	allocated := decimal.Zero

	for _, s := range cfg.Splits {
		if !s.Percent.IsPositive() || s.Percent.GreaterThan(hundred) {
			return nil, x402.ConfigErrorf("rules", "invalid split percentage %s for %s", s.Percent, s.Display())
		}
		rules = append(rules, s)
		allocated = allocated.Add(s.Percent)
	}

	if cfg.ReservePct.IsNegative() || cfg.ReservePct.GreaterThan(hundred) {
		return nil, x402.ConfigErrorf("rules", "invalid reserve percentage %s", cfg.ReservePct)
	}
	if cfg.ReservePct.IsPositive() {
		rules = append(rules, ReserveRule{Percent: cfg.ReservePct})
		allocated = allocated.Add(cfg.ReservePct)
	}

	if cfg.LockDuration != "" {
		blocks, err := ParseDuration(cfg.LockDuration)
		if err != nil {
			return nil, err
		}
		lockPct := hundred.Sub(allocated)
		if !lockPct.IsPositive() {
			return nil, x402.ConfigErrorf("rules", "nothing left to lock: split + reserve already equals 100%%")
		}
		var height uint64
		if tip != nil {
			height = tip.TipHeight(ctx)
		}
		rules = append(rules, LockRule{
			Percent:      lockPct,
			UnlockHeight: height + blocks,
			UnlockAt:     time.Now().Add(time.Duration(blocks) * 10 * time.Minute),
		})
		allocated = allocated.Add(lockPct)
	}

	if allocated.GreaterThan(hundred) {
		return nil, x402.ConfigErrorf("rules", "allocations exceed 100%% (got %s%%)", allocated)
	}
	return rules, nil
}

// OwnerPct is the implicit remainder kept by the operator.
func OwnerPct(rules []Rule) decimal.Decimal {
	owner := hundred
	for _, r := range rules {
		owner = owner.Sub(r.Pct())
	}
	return owner
}

// ValidateSplitTotal requires a split-only configuration to cover exactly 100%.
func ValidateSplitTotal(splits []SplitRule) error {
	if len(splits) == 0 {
		return x402.ConfigErrorf("split", "at least one split is required")
	}
	total := decimal.Zero
	for _, s := range splits {
		total = total.Add(s.Percent)
	}
	if total.Sub(hundred).Abs().GreaterThan(decimal.RequireFromString("0.01")) {
		return x402.ConfigErrorf("split", "split percentages must total 100%% (got %s%%)", total)
	}
	return nil
}

// SplitRules converts splits to the Rule slice the engine consumes.
func SplitRules(splits []SplitRule) []Rule {
	rules := make([]Rule, len(splits))
	for i, s := range splits {
		rules[i] = s
	}
	return rules
}

// Allocate returns floor(total * pct / 100). pct keeps its full precision.
func Allocate(total uint64, pct decimal.Decimal) uint64 {
	amount := decimal.NewFromBigInt(new(big.Int).SetUint64(total), 0).
		Mul(pct).
		Div(hundred).
		Floor()
	if amount.IsNegative() {
		return 0
	}
	return amount.BigInt().Uint64()
}
