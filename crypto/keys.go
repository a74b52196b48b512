package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the bech32 human-readable part of a custodial address.
type AddressPrefix string

// DicePrefix prefixes every hot-wallet deposit address.
const DicePrefix AddressPrefix = "dice"

// addressLen is the payload size of an address in bytes.
const addressLen = 20

// Address is a bech32-encoded 20-byte account identifier.
type Address struct {
	prefix AddressPrefix
	raw    [addressLen]byte
}

// NewAddress wraps a raw 20-byte payload. It panics on a wrong-sized payload
// because every caller derives the bytes from a public key.
func NewAddress(prefix AddressPrefix, payload []byte) Address {
	if len(payload) != addressLen {
		panic(fmt.Sprintf("crypto: address payload must be %d bytes", addressLen))
	}
	a := Address{prefix: prefix}
	copy(a.raw[:], payload)
	return a
}

// DecodeAddress parses a bech32 address string back into an Address.
func DecodeAddress(encoded string) (Address, error) {
	hrp, words, err := bech32.Decode(encoded)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: decode address: %w", err)
	}
	payload, err := bech32.ConvertBits(words, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: decode address: %w", err)
	}
	if len(payload) != addressLen {
		return Address{}, fmt.Errorf("crypto: address payload is %d bytes, want %d", len(payload), addressLen)
	}
	return NewAddress(AddressPrefix(hrp), payload), nil
}

func (a Address) String() string {
	words, err := bech32.ConvertBits(a.raw[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), words)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	out := make([]byte, addressLen)
	copy(out, a.raw[:])
	return out
}

func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// PrivateKey is the spendable credential behind a hot wallet. Decrypted
// instances are short-lived; callers must Zero them once signing completes.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// PublicKey is the verification half of a spendable credential.
type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey draws a fresh secp256k1 credential from crypto/rand.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromBytes rehydrates a credential from its raw scalar bytes.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse key: %w", err)
	}
	return &PrivateKey{key}, nil
}

func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Zero destroys the private scalar in place. The key is unusable afterwards.
func (k *PrivateKey) Zero() {
	if k == nil || k.PrivateKey == nil || k.D == nil {
		return
	}
	k.D.SetInt64(0)
}

// Address derives the custodial deposit address for this key.
func (k *PublicKey) Address() Address {
	return NewAddress(DicePrefix, crypto.PubkeyToAddress(*k.PublicKey).Bytes())
}
