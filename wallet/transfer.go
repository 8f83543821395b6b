package wallet

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/stackspay/stackspay/logger"
	"github.com/stackspay/stackspay/mechanisms/stacks"
	"github.com/stackspay/stackspay/mechanisms/stacks/hiro"
)

// Ledger is the part of the node API a Transferer needs. *hiro.Client
// implements it.
type Ledger interface {
	FetchNonce(ctx context.Context, address string) int64
	Broadcast(ctx context.Context, tx []byte) hiro.BroadcastResult
}

// Transferer signs STX transfers with the wallet key and broadcasts them.
// Calls are serialized and the last used nonce is remembered, so back to
// back transfers do not collide while the first is still in the mempool.
type Transferer struct {
	wallet *Wallet
	ledger Ledger
	fee    uint64
	logger logger.Logger

	mu        sync.Mutex
	lastNonce int64
}

func NewTransferer(w *Wallet, ledger Ledger, l logger.Logger) *Transferer {
	return &Transferer{
		wallet:    w,
		ledger:    ledger,
		fee:       stacks.DefaultTransferFee,
		logger:    logger.OrNoop(l),
		lastNonce: hiro.UnknownNonce,
	}
}

func (t *Transferer) WithFee(fee uint64) *Transferer {
	t.fee = fee
	return t
}

func (t *Transferer) nextNonce(ctx context.Context) uint64 {
	n := t.ledger.FetchNonce(ctx, t.wallet.Address)
	if n < 0 {
		n = 0
	}
	if t.lastNonce >= 0 && n <= t.lastNonce {
		n = t.lastNonce + 1
	}
	return uint64(n)
}

// Transfer sends amount microSTX to recipient. A nonce conflict is retried
// once with the next nonce.
func (t *Transferer) Transfer(ctx context.Context, recipient string, amount uint64, memo string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nonce := t.nextNonce(ctx)
	result, err := t.send(ctx, recipient, amount, memo, nonce)
	if err != nil {
		return "", err
	}
	if !result.OK() && strings.Contains(strings.ToLower(result.Error), "nonce") {
		t.logger.Warn("transfer nonce conflict, retrying", map[string]any{"nonce": nonce, "error": result.Error})
		nonce++
		if result, err = t.send(ctx, recipient, amount, memo, nonce); err != nil {
			return "", err
		}
	}
	if !result.OK() {
		return "", fmt.Errorf("broadcast rejected: %s", result.Error)
	}
	t.lastNonce = int64(nonce)
	return result.TxID, nil
}

func (t *Transferer) send(ctx context.Context, recipient string, amount uint64, memo string, nonce uint64) (hiro.BroadcastResult, error) {
	tx, err := stacks.BuildTokenTransfer(t.wallet.Key(), stacks.TokenTransfer{
		Recipient: recipient,
		Amount:    amount,
		Memo:      memo,
		Nonce:     nonce,
		Fee:       t.fee,
		Network:   t.wallet.Network,
	})
	if err != nil {
		return hiro.BroadcastResult{}, fmt.Errorf("failed to sign transfer: %w", err)
	}
	return t.ledger.Broadcast(ctx, tx), nil
}
