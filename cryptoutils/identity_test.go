package cryptoutils

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func TestIdentityKeyRoundtrip(t *testing.T) {
	key, err := GenerateIdentityKey()
	require.NoError(t, err, "Failed to generate identity key")

	restored, err := IdentityKeyFromBytes(key.Bytes())
	require.NoError(t, err, "Should restore key from raw bytes")
	assert.Equal(t, key.Identity(), restored.Identity(), "Restored key should have the same identity")

	id := key.Identity()
	assert.Len(t, id.Bytes(), 33, "Identity should be a compressed secp256k1 point")
	assert.False(t, id.IsZero(), "Generated identity should not be zero")
}

func TestEncryptForIdentity(t *testing.T) {
	recipient, err := GenerateIdentityKey()
	require.NoError(t, err)

	plaintext := []byte("share payload bytes")
	sharedInfo := []byte("secret-id|threshold=3")

	ciphertext, err := EncryptForIdentity(recipient.Identity(), plaintext, sharedInfo)
	require.NoError(t, err, "Encryption should succeed for a valid identity")
	assert.NotEqual(t, plaintext, ciphertext, "Ciphertext should differ from plaintext")

	decrypted, err := recipient.Decrypt(ciphertext, sharedInfo)
	require.NoError(t, err, "Recipient should decrypt its own envelope")
	assert.Equal(t, plaintext, decrypted, "Decrypted payload should match the original")

	// Wrong recipient must not be able to decrypt.
	other, err := GenerateIdentityKey()
	require.NoError(t, err)
	_, err = other.Decrypt(ciphertext, sharedInfo)
	assert.Error(t, err, "A different identity should fail to decrypt")

	// Tampered shared info must fail authentication.
	_, err = recipient.Decrypt(ciphertext, []byte("secret-id|threshold=2"))
	assert.Error(t, err, "Decryption should fail when authenticated metadata was altered")
}

func TestSignAndVerify(t *testing.T) {
	key, err := GenerateIdentityKey()
	require.NoError(t, err)

	digest := blake3.Sum256([]byte("envelope content"))
	sig, err := key.Sign(digest)
	require.NoError(t, err, "Signing should succeed")

	assert.NoError(t, VerifySignature(key.Identity(), digest, sig), "Signature should verify against the signer identity")

	other, err := GenerateIdentityKey()
	require.NoError(t, err)
	assert.Error(t, VerifySignature(other.Identity(), digest, sig), "Signature should not verify against another identity")

	wrongDigest := blake3.Sum256([]byte("different content"))
	assert.Error(t, VerifySignature(key.Identity(), wrongDigest, sig), "Signature should not verify for a different digest")
}

func TestKeystoreRoundtrip(t *testing.T) {
	key, err := GenerateIdentityKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "identity.json")
	passphrase := []byte("correct horse battery staple")

	require.NoError(t, SaveIdentityKey(path, key, passphrase), "Saving the keystore should succeed")

	loaded, err := LoadIdentityKey(path, passphrase)
	require.NoError(t, err, "Loading with the right passphrase should succeed")
	assert.Equal(t, key.Identity(), loaded.Identity(), "Loaded key should match the saved identity")

	_, err = LoadIdentityKey(path, []byte("wrong passphrase"))
	assert.Error(t, err, "Loading with a wrong passphrase should fail")
}
