package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"

	"github.com/stewardvault/recovery-backend/interfaces"
)

// IdentityKey is a steward's secp256k1 key pair. The compressed public key
// is the steward's identity; the private key signs outgoing envelopes and
// decrypts envelopes addressed to the identity.
type IdentityKey struct {
	priv *ecdsa.PrivateKey
}

// GenerateIdentityKey creates a fresh random identity key.
func GenerateIdentityKey() (*IdentityKey, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	return &IdentityKey{priv: priv}, nil
}

// IdentityKeyFromBytes restores an identity key from its 32-byte scalar.
func IdentityKeyFromBytes(raw []byte) (*IdentityKey, error) {
	priv, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid identity key bytes: %w", err)
	}
	return &IdentityKey{priv: priv}, nil
}

// IdentityKeyFromHex restores an identity key from a hex-encoded scalar.
func IdentityKeyFromHex(s string) (*IdentityKey, error) {
	priv, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("invalid identity key hex: %w", err)
	}
	return &IdentityKey{priv: priv}, nil
}

// Bytes returns the 32-byte private scalar.
func (k *IdentityKey) Bytes() []byte {
	return crypto.FromECDSA(k.priv)
}

// Identity returns the public identity for this key.
func (k *IdentityKey) Identity() interfaces.Identity {
	var id interfaces.Identity
	copy(id[:], crypto.CompressPubkey(&k.priv.PublicKey))
	return id
}

// Sign signs a 32-byte digest. The returned signature is 65 bytes in
// [R || S || V] form; verification uses the first 64.
func (k *IdentityKey) Sign(digest [32]byte) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], k.priv)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	return sig, nil
}

// Decrypt opens an ECIES ciphertext produced by EncryptForIdentity with
// this key's identity as recipient. The shared info must match the value
// supplied at encryption time or decryption fails.
func (k *IdentityKey) Decrypt(ciphertext, sharedInfo []byte) ([]byte, error) {
	eciesPriv := ecies.ImportECDSA(k.priv)
	plaintext, err := eciesPriv.Decrypt(ciphertext, nil, sharedInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// EncryptForIdentity encrypts data so only the holder of the recipient
// identity's private key can read it. sharedInfo is authenticated but not
// encrypted: it binds clear metadata to the ciphertext, so tampering with
// either is detected at decryption.
func EncryptForIdentity(recipient interfaces.Identity, data, sharedInfo []byte) ([]byte, error) {
	pub, err := crypto.DecompressPubkey(recipient.Bytes())
	if err != nil {
		return nil, fmt.Errorf("invalid recipient identity: %w", err)
	}

	ciphertext, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), data, nil, sharedInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt for %s: %w", recipient, err)
	}
	return ciphertext, nil
}

// VerifySignature checks a signature produced by IdentityKey.Sign against
// the signer's identity.
func VerifySignature(signer interfaces.Identity, digest [32]byte, sig []byte) error {
	if len(sig) < 64 {
		return errors.New("signature too short")
	}
	if !crypto.VerifySignature(signer.Bytes(), digest[:], sig[:64]) {
		return errors.New("signature verification failed")
	}
	return nil
}
