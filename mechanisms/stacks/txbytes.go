package stacks

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTransactionTooShort is returned when a blob ends before a fixed field.
var ErrTransactionTooShort = errors.New("transaction too short")

// NonceCodec reads and writes the origin nonce of a serialized transaction.
// WriteNonce must return a new slice and leave its input untouched.
type NonceCodec interface {
	ReadNonce(tx []byte) (uint64, error)
	WriteNonce(tx []byte, nonce uint64) ([]byte, error)
}

// FixedOffsetCodec stores the nonce as a u64 big-endian at Offset.
// The offset holds for single-sig standard authorization only. Patching a
// signed blob assumes the node accepts the rewritten nonce for the existing
// signature; re-check this against the ledger's format before reusing it.
type FixedOffsetCodec struct {
	Offset int
}

// DefaultNonceCodec matches the single-sig standard authorization layout.
var DefaultNonceCodec NonceCodec = FixedOffsetCodec{Offset: NonceOffset}

func (c FixedOffsetCodec) ReadNonce(tx []byte) (uint64, error) {
	if len(tx) < c.Offset+NonceLength {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrTransactionTooShort, c.Offset+NonceLength, len(tx))
	}
	return binary.BigEndian.Uint64(tx[c.Offset : c.Offset+NonceLength]), nil
}

func (c FixedOffsetCodec) WriteNonce(tx []byte, nonce uint64) ([]byte, error) {
	if len(tx) < c.Offset+NonceLength {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTransactionTooShort, c.Offset+NonceLength, len(tx))
	}
	out := make([]byte, len(tx))
	copy(out, tx)
	binary.BigEndian.PutUint64(out[c.Offset:c.Offset+NonceLength], nonce)
	return out, nil
}

// PatchNonce rewrites the nonce with the default codec.
func PatchNonce(tx []byte, nonce uint64) ([]byte, error) {
	return DefaultNonceCodec.WriteNonce(tx, nonce)
}

// ReadNonce reads the nonce with the default codec.
func ReadNonce(tx []byte) (uint64, error) {
	return DefaultNonceCodec.ReadNonce(tx)
}

// SignerHash160 returns the origin signer's public key hash.
func SignerHash160(tx []byte) ([]byte, error) {
	end := SignerHashOffset + SignerHashLength
	if len(tx) < end {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTransactionTooShort, end, len(tx))
	}
	out := make([]byte, SignerHashLength)
	copy(out, tx[SignerHashOffset:end])
	return out, nil
}

// SignerAddress derives the origin signer's address for a network.
func SignerAddress(tx []byte, network string) (string, error) {
	hash, err := SignerHash160(tx)
	if err != nil {
		return "", err
	}
	return AddressFromHash160(ConfigFor(network).AddressVersion, hash)
}
