package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	encoded := addr.String()
	if !strings.HasPrefix(encoded, string(DicePrefix)) {
		t.Fatalf("address %q missing prefix", encoded)
	}
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	if !bytes.Equal(decoded.Bytes(), addr.Bytes()) {
		t.Fatalf("round trip changed the payload")
	}
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "dice1", "nonsense", "dice1qqqq!"} {
		if _, err := DecodeAddress(input); err == nil {
			t.Fatalf("decoded %q", input)
		}
	}
}

func TestCredentialSealRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sealed, err := EncryptCredential(key, "master-secret", LightScryptN, LightScryptP)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, key.Bytes()) {
		t.Fatalf("ciphertext leaks the raw key")
	}
	opened, err := DecryptCredential(sealed, "master-secret")
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if !bytes.Equal(opened.Bytes(), key.Bytes()) {
		t.Fatalf("unsealed key differs")
	}
	if opened.PubKey().Address().String() != key.PubKey().Address().String() {
		t.Fatalf("unsealed key derives a different address")
	}
}

func TestDecryptCredentialWrongKey(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sealed, err := EncryptCredential(key, "master-secret", LightScryptN, LightScryptP)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := DecryptCredential(sealed, "wrong"); err == nil {
		t.Fatalf("wrong master key accepted")
	}
}

func TestZeroClearsScalar(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key.Zero()
	if key.D.Sign() != 0 {
		t.Fatalf("scalar survived Zero")
	}
}
