// Package cryptoutils provides the cryptographic primitives used across
// the lockbox recovery system.
//
// IdentityKey wraps a secp256k1 key pair: the compressed public key is the
// steward's identity on the relay network, the private key signs envelopes
// and decrypts ECIES payloads addressed to the identity.
//
// EncryptForIdentity implements recipient-keyed encryption with ECIES
// (ECDH key agreement, SHA-256 KDF, AES-GCM authenticated encryption).
// A fresh ephemeral key is generated per encryption. The sharedInfo
// argument is fed into the MAC, binding clear routing metadata to the
// ciphertext without encrypting it.
//
// SaveIdentityKey and LoadIdentityKey persist keys at rest, sealed with a
// passphrase through Argon2id key derivation and AES-GCM.
package cryptoutils
