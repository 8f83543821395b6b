// Package wallet loads the operator's key file and signs outgoing transfers
// with it.
package wallet

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/stackspay/stackspay"
	"github.com/stackspay/stackspay/mechanisms/stacks"
)

// Wallet is the on-disk wallet document.
type Wallet struct {
	Address    string    `json:"address"`
	PrivateKey string    `json:"privateKey"`
	Network    string    `json:"network"`
	CreatedAt  time.Time `json:"createdAt"`

	key *ecdsa.PrivateKey
}

// Dir is ~/.stackspay.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".stackspay"), nil
}

// DefaultPath is the seller wallet, ~/.stackspay/wallet.json.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "wallet.json"), nil
}

// BuyerPath is the optional separate paying wallet.
func BuyerPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "buyer-wallet.json"), nil
}

// FromPrivateKey builds a wallet for network ("testnet" or "mainnet").
func FromPrivateKey(keyHex, network string) (*Wallet, error) {
	if network != "testnet" && network != "mainnet" {
		return nil, x402.ConfigErrorf("wallet", "unknown network %q: use testnet or mainnet", network)
	}
	key, err := stacks.ParsePrivateKey(keyHex)
	if err != nil {
		return nil, x402.NewError(x402.KindConfiguration, "wallet", err)
	}
	address, err := stacks.AddressFromPrivateKey(key, network)
	if err != nil {
		return nil, x402.NewError(x402.KindConfiguration, "wallet", err)
	}
	return &Wallet{
		Address:    address,
		PrivateKey: hexutil.Encode(crypto.FromECDSA(key))[2:] + "01",
		Network:    network,
		CreatedAt:  time.Now().UTC(),
		key:        key,
	}, nil
}

// Load reads a wallet file and checks that the stored address belongs to
// the stored key on the stored network.
func Load(path string) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, x402.ConfigErrorf("wallet", "no wallet found at %s. Run: stackspay wallet import <private-key>", path)
	}
	if err != nil {
		return nil, x402.NewError(x402.KindConfiguration, "wallet", err)
	}
	var w Wallet
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, x402.NewError(x402.KindConfiguration, "wallet", fmt.Errorf("%s: %w", path, err))
	}

	derived, err := FromPrivateKey(w.PrivateKey, w.Network)
	if err != nil {
		return nil, err
	}
	if derived.Address != w.Address {
		return nil, x402.ConfigErrorf("wallet", "address %s does not match key (derived %s)", w.Address, derived.Address)
	}
	w.key = derived.key
	return &w, nil
}

// Save writes the wallet with owner-only permissions.
func Save(path string, w *Wallet) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return x402.NewError(x402.KindPersistence, "save wallet", err)
	}
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return x402.NewError(x402.KindPersistence, "save wallet", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return x402.NewError(x402.KindPersistence, "save wallet", err)
	}
	return nil
}

func (w *Wallet) Key() *ecdsa.PrivateKey {
	return w.key
}

// CAIPNetwork is the x402 network id of the wallet's network.
func (w *Wallet) CAIPNetwork() string {
	return stacks.NormalizeNetwork(w.Network)
}

// Signer returns a TransferSigner over the wallet key.
func (w *Wallet) Signer() stacks.KeySigner {
	return stacks.KeySigner{Key: w.key}
}
