package wallet

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/stackspay/stackspay"
	"github.com/stackspay/stackspay/mechanisms/stacks"
	"github.com/stackspay/stackspay/mechanisms/stacks/hiro"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func TestSaveAndLoad(t *testing.T) {
	w, err := FromPrivateKey(testKey, "testnet")
	require.NoError(t, err)
	assert.Contains(t, w.Address, "ST")
	assert.Equal(t, "stacks:2147483648", w.CAIPNetwork())

	path := filepath.Join(t.TempDir(), "wallet.json")
	require.NoError(t, Save(path, w))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, w.Address, loaded.Address)
	require.NotNil(t, loaded.Key())
}

func TestLoadRejectsMismatchedAddress(t *testing.T) {
	w, err := FromPrivateKey(testKey, "testnet")
	require.NoError(t, err)
	w.Network = "mainnet"

	path := filepath.Join(t.TempDir(), "wallet.json")
	require.NoError(t, Save(path, w))

	_, err = Load(path)
	assert.ErrorIs(t, err, x402.ErrConfiguration)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no wallet found")
}

func TestFromPrivateKeyValidation(t *testing.T) {
	_, err := FromPrivateKey(testKey, "devnet")
	assert.Error(t, err)
	_, err = FromPrivateKey("zz", "testnet")
	assert.Error(t, err)
}

type fakeLedger struct {
	nonce      int64
	rejectOnce string
	nonces     []uint64
}

func (f *fakeLedger) FetchNonce(context.Context, string) int64 { return f.nonce }

func (f *fakeLedger) Broadcast(_ context.Context, tx []byte) hiro.BroadcastResult {
	n, _ := stacks.ReadNonce(tx)
	f.nonces = append(f.nonces, n)
	if f.rejectOnce != "" {
		reason := f.rejectOnce
		f.rejectOnce = ""
		return hiro.BroadcastResult{Error: reason}
	}
	return hiro.BroadcastResult{TxID: stacks.TransactionID(tx)}
}

func TestTransfererSequentialNonces(t *testing.T) {
	w, err := FromPrivateKey(testKey, "testnet")
	require.NoError(t, err)
	ledger := &fakeLedger{nonce: 5}
	tr := NewTransferer(w, ledger, nil)

	for i := 0; i < 2; i++ {
		txid, err := tr.Transfer(context.Background(), "ST000000000000000000002AMW42H", 700, "x402:split")
		require.NoError(t, err)
		assert.NotEmpty(t, txid)
	}
	assert.Equal(t, []uint64{5, 6}, ledger.nonces, "second transfer must not reuse the mempool nonce")
}

func TestTransfererRetriesNonceConflictOnce(t *testing.T) {
	w, err := FromPrivateKey(testKey, "testnet")
	require.NoError(t, err)
	ledger := &fakeLedger{nonce: 2, rejectOnce: "ConflictingNonceInMempool"}

	_, err = NewTransferer(w, ledger, nil).Transfer(context.Background(), "ST000000000000000000002AMW42H", 1, "m")
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, ledger.nonces)

	ledger = &fakeLedger{rejectOnce: "NotEnoughFunds"}
	_, err = NewTransferer(w, ledger, nil).Transfer(context.Background(), "ST000000000000000000002AMW42H", 1, "m")
	assert.ErrorContains(t, err, "NotEnoughFunds")
	assert.Len(t, ledger.nonces, 1)
}
