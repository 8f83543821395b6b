package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stackspay/stackspay/logger"
	"github.com/stackspay/stackspay/mechanisms/stacks"
	"github.com/stackspay/stackspay/metrics"
)

// Transferer sends amount (smallest unit) to recipient and returns the txid.
type Transferer interface {
	Transfer(ctx context.Context, recipient string, amount uint64, memo string) (string, error)
}

// Payment is a settled payment handed to the engine.
type Payment struct {
	TxID   string
	Payer  string
	Amount uint64
}

// MemoFunc returns the memo for the split transfers of the n-th payment
// handled by an engine (1-based).
type MemoFunc func(n int) string

// FixedMemo tags every split transfer with "x402:split".
func FixedMemo(int) string { return stacks.SplitMemo }

// NumberedMemo tags split transfers with "x402:split:<n>".
func NumberedMemo(n int) string { return fmt.Sprintf("%s:%d", stacks.SplitMemo, n) }

// Engine applies a rule set to every settled payment. Distributions are
// serialized, so split transfers signed by the same key never overlap.
type Engine struct {
	rules      []Rule
	store      Store
	transferer Transferer
	memo       MemoFunc
	timeout    time.Duration
	logger     logger.Logger
	metrics    metrics.Recorder

	mu    sync.Mutex
	state State
	seq   int
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.OrNoop(l)
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = metrics.OrNoop(r)
	}
}

func WithMemo(fn MemoFunc) Option {
	return func(e *Engine) {
		e.memo = fn
	}
}

// WithTransferTimeout bounds each split transfer. Default 60s.
func WithTransferTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// NewEngine loads the persisted state. A broken state file is logged and
// replaced by the empty state.
func NewEngine(rules []Rule, store Store, transferer Transferer, opts ...Option) (*Engine, error) {
	if store == nil {
		store = &MemoryStore{}
	}
	e := &Engine{
		rules:      rules,
		store:      store,
		transferer: transferer,
		memo:       FixedMemo,
		timeout:    60 * time.Second,
		logger:     logger.NoopLogger{},
		metrics:    metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}

	hasSplit := false
	for _, r := range rules {
		if r.Kind() == TypeSplit {
			hasSplit = true
		}
	}
	if hasSplit && transferer == nil {
		return nil, fmt.Errorf("split rules need a transferer")
	}

	state, err := store.Load()
	if err != nil {
		e.logger.Warn("vault state unreadable, starting empty", map[string]any{"error": err.Error()})
	}
	e.state = state
	return e, nil
}

func (e *Engine) Rules() []Rule {
	return e.rules
}

// State returns a snapshot of the cumulative state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// Task is a distribution running in the background.
type Task struct {
	done   chan struct{}
	record PaymentRecord
	err    error
}

// Wait blocks until the distribution finished or ctx is done. err is the
// persistence error, if any; failed transfers are reported in the record.
func (t *Task) Wait(ctx context.Context) (PaymentRecord, error) {
	select {
	case <-t.done:
		return t.record, t.err
	case <-ctx.Done():
		return PaymentRecord{}, ctx.Err()
	}
}

// Done is closed when the distribution finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Distribute allocates p in the background. It does not observe any request
// context: once a payment has settled its distribution always completes.
func (e *Engine) Distribute(p Payment) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.record, t.err = e.distribute(p)
	}()
	return t
}

func (e *Engine) distribute(p Payment) (PaymentRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	memo := e.memo(e.seq)
	txid := p.TxID
	if txid == "" {
		txid = "pending"
	}
	record := PaymentRecord{
		TxID:      txid,
		Amount:    p.Amount,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Splits:    []Allocation{},
	}

	for _, rule := range e.rules {
		amount := Allocate(p.Amount, rule.Pct())
		switch r := rule.(type) {
		case SplitRule:
			alloc := Allocation{Type: TypeSplit, To: r.Display(), Amount: amount}
			sent, err := e.sendSplit(r, amount, memo)
			if err != nil {
				alloc.Error = err.Error()
				e.logger.Error("split transfer failed", map[string]any{
					"to": r.Display(), "amount": amount, "error": err.Error(),
				})
				e.metrics.IncCounter(metrics.EventSplitFailed, nil)
			} else {
				alloc.TxID = sent
				e.state.TotalSplit += amount
				e.logger.Info("split sent", map[string]any{"to": r.Display(), "amount": amount, "txid": sent})
				e.metrics.IncCounter(metrics.EventSplitSent, nil)
			}
			record.Splits = append(record.Splits, alloc)
		case LockRule:
			e.state.TotalLocked += amount
			record.Splits = append(record.Splits, Allocation{Type: TypeLock, Amount: amount, UnlockBlock: r.UnlockHeight})
			e.logger.Info("lock", map[string]any{"amount": amount, "unlockBlock": r.UnlockHeight})
		case ReserveRule:
			e.state.TotalReserve += amount
			record.Splits = append(record.Splits, Allocation{Type: TypeReserve, Amount: amount})
			e.logger.Info("reserve", map[string]any{"amount": amount})
		}
	}

	e.state.TotalReceived += p.Amount
	e.state.Payments = append([]PaymentRecord{record}, e.state.Payments...)
	if len(e.state.Payments) > MaxHistory {
		e.state.Payments = e.state.Payments[:MaxHistory]
	}

	if err := e.store.Save(e.state.clone()); err != nil {
		e.logger.Error("vault state not saved", map[string]any{"error": err.Error()})
		return record, err
	}
	return record, nil
}

func (e *Engine) sendSplit(r SplitRule, amount uint64, memo string) (string, error) {
	if amount == 0 {
		return "", fmt.Errorf("allocation rounds to zero")
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	return e.transferer.Transfer(ctx, r.Address, amount, memo)
}
