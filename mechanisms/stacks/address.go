package stacks

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcutil"
)

const c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var (
	ErrInvalidAddress  = errors.New("invalid stacks address")
	ErrInvalidChecksum = errors.New("invalid address checksum")
)

func c32Checksum(version byte, data []byte) []byte {
	first := sha256.Sum256(append([]byte{version}, data...))
	second := sha256.Sum256(first[:])
	return second[:4]
}

func c32Encode(data []byte) string {
	n := new(big.Int).SetBytes(data)
	base := big.NewInt(32)
	mod := new(big.Int)

	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, base, mod)
		out = append(out, c32Alphabet[mod.Int64()])
	}
	for _, b := range data {
		if b != 0 {
			break
		}
		out = append(out, '0')
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func c32Normalize(s string) string {
	s = strings.ToUpper(s)
	s = strings.NewReplacer("O", "0", "L", "1", "I", "1").Replace(s)
	return s
}

// AddressFromHash160 renders a c32check address ("SP..."/"ST...").
func AddressFromHash160(version byte, hash160 []byte) (string, error) {
	if len(hash160) != SignerHashLength {
		return "", fmt.Errorf("%w: hash160 must be %d bytes, got %d", ErrInvalidAddress, SignerHashLength, len(hash160))
	}
	if int(version) >= len(c32Alphabet) {
		return "", fmt.Errorf("%w: version %d out of range", ErrInvalidAddress, version)
	}
	payload := append(append([]byte{}, hash160...), c32Checksum(version, hash160)...)
	return "S" + string(c32Alphabet[version]) + c32Encode(payload), nil
}

// AddressFromPublicKey derives the single-sig address of a compressed public key.
func AddressFromPublicKey(version byte, compressedPubKey []byte) (string, error) {
	return AddressFromHash160(version, btcutil.Hash160(compressedPubKey))
}

// DecodeAddress returns the version and hash160 of a c32check address and
// validates its checksum.
func DecodeAddress(address string) (byte, []byte, error) {
	if len(address) < 3 || address[0] != 'S' {
		return 0, nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	body := c32Normalize(address[1:])
	version := strings.IndexByte(c32Alphabet, body[0])
	if version < 0 {
		return 0, nil, fmt.Errorf("%w: bad version character in %q", ErrInvalidAddress, address)
	}

	encoded := body[1:]
	n := new(big.Int)
	for i := 0; i < len(encoded); i++ {
		idx := strings.IndexByte(c32Alphabet, encoded[i])
		if idx < 0 {
			return 0, nil, fmt.Errorf("%w: bad character %q", ErrInvalidAddress, encoded[i])
		}
		n.Mul(n, big.NewInt(32))
		n.Add(n, big.NewInt(int64(idx)))
	}
	if n.BitLen() > 8*(SignerHashLength+4) {
		return 0, nil, fmt.Errorf("%w: payload too long", ErrInvalidAddress)
	}

	raw := n.FillBytes(make([]byte, SignerHashLength+4))
	hash160, checksum := raw[:SignerHashLength], raw[SignerHashLength:]
	if !bytes.Equal(checksum, c32Checksum(byte(version), hash160)) {
		return 0, nil, fmt.Errorf("%w: %s", ErrInvalidChecksum, address)
	}
	return byte(version), hash160, nil
}

// IsAddress reports whether s looks like a principal rather than a BNS name.
func IsAddress(s string) bool {
	return strings.HasPrefix(s, "SP") || strings.HasPrefix(s, "ST") ||
		strings.HasPrefix(s, "SM") || strings.HasPrefix(s, "SN")
}

// ValidateAddress checks the checksum and that the version matches the network.
func ValidateAddress(address string, network string) error {
	version, _, err := DecodeAddress(address)
	if err != nil {
		return err
	}
	if IsTestnet(network) {
		if version != AddressVersionTestnetSingleSig && version != AddressVersionTestnetMultiSig {
			return fmt.Errorf("%w: %s is not a testnet address", ErrInvalidAddress, address)
		}
		return nil
	}
	if version != AddressVersionMainnetSingleSig && version != AddressVersionMainnetMultiSig {
		return fmt.Errorf("%w: %s is not a mainnet address", ErrInvalidAddress, address)
	}
	return nil
}
