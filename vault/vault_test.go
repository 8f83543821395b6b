package vault

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/stackspay/stackspay"
)

const (
	alice = "ST000000000000000000002AMW42H"
	bob   = "SP000000000000000000002Q6VF78"
)

type fakeResolver map[string]string

func (f fakeResolver) ResolveName(_ context.Context, name string) (string, error) {
	if addr, ok := f[name]; ok {
		return addr, nil
	}
	return "", errors.New("name not found")
}

type fixedTip uint64

func (f fixedTip) TipHeight(context.Context) uint64 { return uint64(f) }

type recordingTransferer struct {
	mu    sync.Mutex
	fail  map[string]bool
	sent  []string
	memos []string
}

func (r *recordingTransferer) Transfer(_ context.Context, recipient string, amount uint64, memo string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[recipient] {
		return "", errors.New("ConflictingNonceInMempool")
	}
	r.sent = append(r.sent, recipient)
	r.memos = append(r.memos, memo)
	return "0xsplit" + recipient[:4], nil
}

func pct(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParseSplit(t *testing.T) {
	ctx := context.Background()

	rule, err := ParseSplit(ctx, alice+":70", nil)
	require.NoError(t, err)
	assert.Equal(t, alice, rule.Address)
	assert.True(t, rule.Percent.Equal(pct("70")))

	rule, err = ParseSplit(ctx, "alice.btc:12.5", fakeResolver{"alice.btc": alice})
	require.NoError(t, err)
	assert.Equal(t, alice, rule.Address)
	assert.Equal(t, "alice.btc", rule.Name)
	assert.Equal(t, "alice.btc", rule.Display())

	for _, bad := range []string{alice, alice + ":0", alice + ":101", alice + ":abc", "nodots:50", ":50"} {
		_, err := ParseSplit(ctx, bad, nil)
		assert.Error(t, err, bad)
		assert.Equal(t, x402.KindConfiguration, x402.KindOf(err), bad)
	}

	_, err = ParseSplit(ctx, "ghost.btc:10", fakeResolver{})
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	cases := map[string]uint64{"1m": 1, "30m": 3, "1h": 6, "7d": 1008, "2w": 2016}
	for in, want := range cases {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "1y", "h", "-1h", "1.5h"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestBuildRules(t *testing.T) {
	ctx := context.Background()
	rules, err := BuildRules(ctx, RulesConfig{
		Splits:       []SplitRule{{Address: alice, Percent: pct("30")}},
		ReservePct:   pct("20"),
		LockDuration: "1h",
	}, fixedTip(1000))
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.Equal(t, TypeSplit, rules[0].Kind())
	assert.Equal(t, TypeReserve, rules[1].Kind())
	lock, ok := rules[2].(LockRule)
	require.True(t, ok)
	assert.True(t, lock.Percent.Equal(pct("50")))
	assert.Equal(t, uint64(1006), lock.UnlockHeight)
	assert.True(t, OwnerPct(rules).IsZero())

	_, err = BuildRules(ctx, RulesConfig{
		Splits:       []SplitRule{{Address: alice, Percent: pct("80")}},
		ReservePct:   pct("20"),
		LockDuration: "1d",
	}, fixedTip(1))
	assert.ErrorIs(t, err, x402.ErrConfiguration)

	_, err = BuildRules(ctx, RulesConfig{
		Splits: []SplitRule{{Address: alice, Percent: pct("80")}, {Address: bob, Percent: pct("30")}},
	}, nil)
	assert.ErrorIs(t, err, x402.ErrConfiguration)

	rules, err = BuildRules(ctx, RulesConfig{Splits: []SplitRule{{Address: alice, Percent: pct("25")}}}, nil)
	require.NoError(t, err)
	assert.True(t, OwnerPct(rules).Equal(pct("75")))
}

func TestValidateSplitTotal(t *testing.T) {
	assert.NoError(t, ValidateSplitTotal([]SplitRule{{Percent: pct("70")}, {Percent: pct("30")}}))
	assert.NoError(t, ValidateSplitTotal([]SplitRule{{Percent: pct("33.33")}, {Percent: pct("33.33")}, {Percent: pct("33.34")}}))
	assert.Error(t, ValidateSplitTotal([]SplitRule{{Percent: pct("70")}, {Percent: pct("20")}}))
	assert.Error(t, ValidateSplitTotal(nil))
}

func TestAllocateNeverExceedsTotal(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		total := uint64(r.Int63n(1_000_000_000_000))
		remaining := 10000
		var sum uint64
		for remaining > 0 {
			bps := 1 + r.Intn(remaining)
			remaining -= bps
			sum += Allocate(total, decimal.New(int64(bps), -2))
		}
		require.LessOrEqual(t, sum, total)
	}

	assert.Equal(t, uint64(700), Allocate(1000, pct("70")))
	assert.Equal(t, uint64(333), Allocate(1000, pct("33.33")))
	assert.Equal(t, uint64(0), Allocate(1, pct("50")))
	assert.Equal(t, uint64(18446744073709551615), Allocate(18446744073709551615, pct("100")))
}

func TestAllocateFractionalPercent(t *testing.T) {
	assert.Equal(t, uint64(333330), Allocate(1_000_000, pct("33.333")))
	assert.Equal(t, uint64(0), Allocate(1000, pct("0.005")))
	assert.Equal(t, uint64(1), Allocate(1000, pct("0.1")))
	assert.Equal(t, uint64(12345), Allocate(10_000_000, pct("0.12345")))
}

func TestDistributeFailedSplitNotCounted(t *testing.T) {
	store := &MemoryStore{}
	tr := &recordingTransferer{fail: map[string]bool{alice: true}}
	rules := []Rule{
		SplitRule{Address: alice, Percent: pct("30")},
		SplitRule{Address: bob, Percent: pct("20")},
		ReserveRule{Percent: pct("10")},
		LockRule{Percent: pct("15"), UnlockHeight: 99},
	}
	engine, err := NewEngine(rules, store, tr)
	require.NoError(t, err)

	record, err := engine.Distribute(Payment{TxID: "0xpay", Amount: 1000}).Wait(context.Background())
	require.NoError(t, err)

	require.Len(t, record.Splits, 4)
	assert.NotEmpty(t, record.Splits[0].Error)
	assert.Equal(t, "0xsplitSP00", record.Splits[1].TxID)
	assert.Equal(t, []string{bob}, tr.sent, "later rules still run after a failure")

	state := engine.State()
	assert.Equal(t, uint64(1000), state.TotalReceived)
	assert.Equal(t, uint64(200), state.TotalSplit)
	assert.Equal(t, uint64(100), state.TotalReserve)
	assert.Equal(t, uint64(150), state.TotalLocked)
	assert.Equal(t, uint64(550), state.OwnerEarned())
	assert.Equal(t, uint64(99), record.Splits[3].UnlockBlock)
	assert.Equal(t, 1, store.Saves())
}

func TestDistributeHistoryCapped(t *testing.T) {
	engine, err := NewEngine([]Rule{ReserveRule{Percent: pct("10")}}, &MemoryStore{}, nil)
	require.NoError(t, err)

	var last *Task
	for i := 1; i <= 51; i++ {
		last = engine.Distribute(Payment{TxID: string(rune('a'+i%26)) + "tx", Amount: uint64(i)})
		_, err := last.Wait(context.Background())
		require.NoError(t, err)
	}

	state := engine.State()
	require.Len(t, state.Payments, MaxHistory)
	assert.Equal(t, uint64(51), state.Payments[0].Amount, "most recent first")
	assert.Equal(t, uint64(2), state.Payments[MaxHistory-1].Amount, "oldest dropped")
	assert.Equal(t, uint64(51*52/2), state.TotalReceived)
	assert.Len(t, state.Recent(5), 5)
}

func TestDistributeNumberedMemos(t *testing.T) {
	tr := &recordingTransferer{}
	splits := []SplitRule{{Address: alice, Percent: pct("70")}, {Address: bob, Percent: pct("30")}}
	engine, err := NewEngine(SplitRules(splits), nil, tr, WithMemo(NumberedMemo))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := engine.Distribute(Payment{Amount: 1000}).Wait(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"x402:split:1", "x402:split:1", "x402:split:2", "x402:split:2"}, tr.memos)
	assert.Equal(t, "pending", engine.State().Payments[0].TxID)
}

func TestDistributeConcurrentPaymentsSerialized(t *testing.T) {
	engine, err := NewEngine([]Rule{SplitRule{Address: alice, Percent: pct("50")}}, &MemoryStore{}, &recordingTransferer{})
	require.NoError(t, err)

	tasks := make([]*Task, 20)
	for i := range tasks {
		tasks[i] = engine.Distribute(Payment{Amount: 100})
	}
	for _, task := range tasks {
		_, err := task.Wait(context.Background())
		require.NoError(t, err)
	}
	state := engine.State()
	assert.Equal(t, uint64(2000), state.TotalReceived)
	assert.Equal(t, uint64(1000), state.TotalSplit)
	assert.Len(t, state.Payments, 20)
}

func TestNewEngineRequiresTransfererForSplits(t *testing.T) {
	_, err := NewEngine([]Rule{SplitRule{Address: alice, Percent: pct("10")}}, nil, nil)
	assert.Error(t, err)
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vault.json")
	store := NewFileStore(path)

	state, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, state.Payments)

	want := State{TotalReceived: 10, TotalSplit: 3, Payments: []PaymentRecord{{TxID: "0x1", Amount: 10, Splits: []Allocation{}}}}
	require.NoError(t, store.Save(want))
	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	got, err = store.Load()
	assert.ErrorIs(t, err, x402.ErrPersistence)
	assert.Equal(t, uint64(0), got.TotalReceived)
	assert.NotNil(t, got.Payments)

	engine, err := NewEngine(nil, store, nil)
	require.NoError(t, err, "malformed state must not fail startup")
	assert.Equal(t, uint64(0), engine.State().TotalReceived)
}
