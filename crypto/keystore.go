package crypto

import (
	"errors"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Scrypt cost parameters for credential encryption. Standard matches the
// Ethereum v3 keystore defaults; Light is for tests only.
const (
	StandardScryptN = keystore.StandardScryptN
	StandardScryptP = keystore.StandardScryptP
	LightScryptN    = keystore.LightScryptN
	LightScryptP    = keystore.LightScryptP
)

// EncryptCredential seals a spendable credential as Ethereum v3 keystore JSON
// under the supplied master key. The ciphertext is safe to persist; the master
// key never is.
func EncryptCredential(key *PrivateKey, masterKey string, scryptN, scryptP int) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	if masterKey == "" {
		return nil, errors.New("crypto: empty master key")
	}
	ksKey := &keystore.Key{
		Id:         uuid.New(),
		Address:    ethcrypto.PubkeyToAddress(key.PrivateKey.PublicKey),
		PrivateKey: key.PrivateKey,
	}
	return keystore.EncryptKey(ksKey, masterKey, scryptN, scryptP)
}

// DecryptCredential opens keystore ciphertext with the master key. The caller
// owns the returned key and must Zero it when the signing operation finishes.
func DecryptCredential(ciphertext []byte, masterKey string) (*PrivateKey, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("crypto: empty credential ciphertext")
	}
	decrypted, err := keystore.DecryptKey(ciphertext, masterKey)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
