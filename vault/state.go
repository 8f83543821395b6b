package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	x402 "github.com/stackspay/stackspay"
)

// MaxHistory bounds State.Payments.
const MaxHistory = 50

// Allocation is one rule's share of a payment.
type Allocation struct {
	Type        RuleType `json:"type"`
	To          string   `json:"to,omitempty"`
	Amount      uint64   `json:"amount"`
	TxID        string   `json:"txid,omitempty"`
	UnlockBlock uint64   `json:"unlockBlock,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// PaymentRecord is one settled payment and how it was distributed.
type PaymentRecord struct {
	TxID      string       `json:"txid"`
	Amount    uint64       `json:"amount"`
	Timestamp string       `json:"timestamp"`
	Splits    []Allocation `json:"splits"`
}

// State is the persisted vault document. Totals are in the token's
// smallest unit.
type State struct {
	TotalReceived uint64          `json:"totalReceived"`
	TotalSplit    uint64          `json:"totalSplit"`
	TotalLocked   uint64          `json:"totalLocked"`
	TotalReserve  uint64          `json:"totalReserve"`
	Payments      []PaymentRecord `json:"payments"`
}

// OwnerEarned is what stayed with the operator, including failed splits.
func (s State) OwnerEarned() uint64 {
	out := s.TotalSplit + s.TotalLocked + s.TotalReserve
	if out > s.TotalReceived {
		return 0
	}
	return s.TotalReceived - out
}

// Recent returns up to n records, most recent first.
func (s State) Recent(n int) []PaymentRecord {
	if n > len(s.Payments) {
		n = len(s.Payments)
	}
	return append([]PaymentRecord(nil), s.Payments[:n]...)
}

func (s State) clone() State {
	c := s
	c.Payments = append([]PaymentRecord(nil), s.Payments...)
	return c
}

// Store persists State.
type Store interface {
	Load() (State, error)
	Save(State) error
}

// FileStore keeps State in a single JSON file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultPath is ~/.stackspay/vault.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".stackspay", "vault.json"), nil
}

func (f *FileStore) Path() string {
	return f.path
}

// Load never fails hard: a missing file is the empty state, and an
// unreadable or malformed one is the empty state plus a persistence error
// for the caller to log.
func (f *FileStore) Load() (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return State{Payments: []PaymentRecord{}}, nil
	}
	if err != nil {
		return State{Payments: []PaymentRecord{}}, x402.NewError(x402.KindPersistence, "load vault", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{Payments: []PaymentRecord{}}, x402.NewError(x402.KindPersistence, "load vault", fmt.Errorf("%s: %w", f.path, err))
	}
	if state.Payments == nil {
		state.Payments = []PaymentRecord{}
	}
	return state, nil
}

// Save writes to a temp file in the same directory and renames it over the
// previous document.
func (f *FileStore) Save(state State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return x402.NewError(x402.KindPersistence, "save vault", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return x402.NewError(x402.KindPersistence, "save vault", err)
	}
	tmp, err := os.CreateTemp(dir, ".vault-*.json")
	if err != nil {
		return x402.NewError(x402.KindPersistence, "save vault", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return x402.NewError(x402.KindPersistence, "save vault", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return x402.NewError(x402.KindPersistence, "save vault", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return x402.NewError(x402.KindPersistence, "save vault", err)
	}
	return nil
}

// MemoryStore keeps State in memory, for split-only services that do not
// persist and for tests.
type MemoryStore struct {
	mu    sync.Mutex
	state State
	saves int
}

func (m *MemoryStore) Load() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state.clone()
	if s.Payments == nil {
		s.Payments = []PaymentRecord{}
	}
	return s, nil
}

func (m *MemoryStore) Save(state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state.clone()
	m.saves++
	return nil
}

// Saves reports how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
