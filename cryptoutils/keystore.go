package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for keystore encryption: time=1, memory=64MiB,
// threads=4, 32-byte key.
const (
	keystoreArgonTime    = 1
	keystoreArgonMemory  = 64 * 1024
	keystoreArgonThreads = 4
	keystoreKeyLen       = 32
)

// keystoreFile is the on-disk format of an encrypted identity key.
type keystoreFile struct {
	Version    int    `json:"version"`
	Identity   string `json:"identity"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

const keystoreVersion = 1

// SaveIdentityKey writes the identity key to path, encrypted with a key
// derived from the passphrase using Argon2id and sealed with AES-GCM.
// The public identity is stored in the clear so tools can display it
// without prompting for the passphrase.
func SaveIdentityKey(path string, key *IdentityKey, passphrase []byte) error {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	aead, err := keystoreAEAD(passphrase, salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	file := keystoreFile{
		Version:    keystoreVersion,
		Identity:   key.Identity().String(),
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, key.Bytes(), nil),
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode keystore: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	return nil
}

// LoadIdentityKey reads and decrypts an identity key written by
// SaveIdentityKey.
func LoadIdentityKey(path string, passphrase []byte) (*IdentityKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	var file keystoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode keystore: %w", err)
	}

	if file.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", file.Version)
	}

	aead, err := keystoreAEAD(passphrase, file.Salt)
	if err != nil {
		return nil, err
	}

	raw, err := aead.Open(nil, file.Nonce, file.Ciphertext, nil)
	if err != nil {
		return nil, errors.New("failed to decrypt keystore: wrong passphrase or corrupted file")
	}

	key, err := IdentityKeyFromBytes(raw)
	if err != nil {
		return nil, err
	}

	if stored := key.Identity().String(); file.Identity != "" && file.Identity != stored {
		return nil, fmt.Errorf("keystore identity mismatch: file says %s, key is %s", file.Identity, stored)
	}

	return key, nil
}

func keystoreAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	derived := argon2.IDKey(passphrase, salt, keystoreArgonTime, keystoreArgonMemory, keystoreArgonThreads, keystoreKeyLen)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
