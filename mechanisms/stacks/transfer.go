package stacks

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	authTypeStandard    byte = 0x04
	hashModeP2PKH       byte = 0x00
	keyEncodingCompress byte = 0x00
	anchorModeAny       byte = 0x03
	postConditionDeny   byte = 0x02
	payloadTokenXfer    byte = 0x00
	principalStandard   byte = 0x05
)

var ErrInvalidSignature = errors.New("invalid transaction signature")

// TokenTransfer describes an STX transfer to be signed.
type TokenTransfer struct {
	Recipient string
	Amount    uint64
	Memo      string
	Nonce     uint64
	Fee       uint64
	Network   string
}

// ParsePrivateKey accepts a hex secp256k1 key with an optional 0x prefix and
// the optional trailing 01 compression flag used by Stacks wallets.
func ParsePrivateKey(keyHex string) (*ecdsa.PrivateKey, error) {
	s := NormalizeTransactionHex(keyHex)
	if len(s) == 66 && strings.HasSuffix(s, "01") {
		s = s[:64]
	}
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// AddressFromPrivateKey derives the single-sig address for a network.
func AddressFromPrivateKey(key *ecdsa.PrivateKey, network string) (string, error) {
	return AddressFromPublicKey(ConfigFor(network).AddressVersion, crypto.CompressPubkey(&key.PublicKey))
}

// BuildTokenTransfer serializes and signs a single-sig STX transfer.
func BuildTokenTransfer(key *ecdsa.PrivateKey, t TokenTransfer) ([]byte, error) {
	recipientVersion, recipientHash, err := DecodeAddress(t.Recipient)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	if len(t.Memo) > MemoLength {
		return nil, fmt.Errorf("memo longer than %d bytes", MemoLength)
	}

	cfg := ConfigFor(t.Network)
	signerHash := btcutil.Hash160(crypto.CompressPubkey(&key.PublicKey))

	var buf bytes.Buffer
	buf.WriteByte(cfg.TransactionVersion)
	_ = binary.Write(&buf, binary.BigEndian, cfg.ChainID)
	buf.WriteByte(authTypeStandard)
	buf.WriteByte(hashModeP2PKH)
	buf.Write(signerHash)
	_ = binary.Write(&buf, binary.BigEndian, t.Nonce)
	_ = binary.Write(&buf, binary.BigEndian, t.Fee)
	buf.WriteByte(keyEncodingCompress)
	buf.Write(make([]byte, SignatureLength))
	buf.WriteByte(anchorModeAny)
	buf.WriteByte(postConditionDeny)
	_ = binary.Write(&buf, binary.BigEndian, uint32(0))
	buf.WriteByte(payloadTokenXfer)
	buf.WriteByte(principalStandard)
	buf.WriteByte(recipientVersion)
	buf.Write(recipientHash)
	_ = binary.Write(&buf, binary.BigEndian, t.Amount)
	memo := EncodeMemo(t.Memo)
	buf.Write(memo[:])

	tx := buf.Bytes()
	presign, err := presignHash(tx)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(presign, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transfer: %w", err)
	}
	// [R || S || V] to the ledger's [V || R || S]
	copy(tx[SignatureOffset:], append([]byte{sig[64]}, sig[:64]...))
	return tx, nil
}

// presignHash is sha512/256(initialSighash || authType || fee || nonce),
// where the initial sighash covers the tx with the spending condition cleared.
func presignHash(tx []byte) ([]byte, error) {
	if len(tx) < SignatureOffset+SignatureLength {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTransactionTooShort, SignatureOffset+SignatureLength, len(tx))
	}
	cleared := make([]byte, len(tx))
	copy(cleared, tx)
	for i := NonceOffset; i < FeeOffset+FeeLength; i++ {
		cleared[i] = 0
	}
	for i := SignatureOffset; i < SignatureOffset+SignatureLength; i++ {
		cleared[i] = 0
	}
	initial := sha512.Sum512_256(cleared)

	pre := make([]byte, 0, len(initial)+1+FeeLength+NonceLength)
	pre = append(pre, initial[:]...)
	pre = append(pre, tx[AuthTypeOffset])
	pre = append(pre, tx[FeeOffset:FeeOffset+FeeLength]...)
	pre = append(pre, tx[NonceOffset:NonceOffset+NonceLength]...)
	sum := sha512.Sum512_256(pre)
	return sum[:], nil
}

// VerifySignature recovers the signer of a single-sig transaction and checks
// it against the embedded public key hash.
func VerifySignature(tx []byte) error {
	presign, err := presignHash(tx)
	if err != nil {
		return err
	}
	vrs := tx[SignatureOffset : SignatureOffset+SignatureLength]
	rsv := append(append([]byte{}, vrs[1:]...), vrs[0])
	pub, err := crypto.SigToPub(presign, rsv)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !bytes.Equal(btcutil.Hash160(crypto.CompressPubkey(pub)), tx[SignerHashOffset:SignerHashOffset+SignerHashLength]) {
		return ErrInvalidSignature
	}
	return nil
}

// TransactionID returns the txid of a serialized transaction as 0x-hex.
func TransactionID(tx []byte) string {
	sum := sha512.Sum512_256(tx)
	return "0x" + hex.EncodeToString(sum[:])
}
