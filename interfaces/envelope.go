package interfaces

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// EnvelopeKind routes an envelope without exposing its content.
type EnvelopeKind string

const (
	// KindShare carries one encrypted share to its steward.
	KindShare EnvelopeKind = "share"

	// KindRecoveryRequest asks a key holder to release its share.
	KindRecoveryRequest EnvelopeKind = "recovery_request"

	// KindRecoveryResponse carries a steward's decision back to the
	// initiator.
	KindRecoveryResponse EnvelopeKind = "recovery_response"
)

// Valid reports whether the kind is one of the known values.
func (k EnvelopeKind) Valid() bool {
	switch k {
	case KindShare, KindRecoveryRequest, KindRecoveryResponse:
		return true
	default:
		return false
	}
}

// EnvelopeID is the BLAKE3 hash of an envelope's canonical content.
// Relays deliver at-least-once; consumers deduplicate by this identity.
type EnvelopeID [32]byte

// NewEnvelopeIDFromHex creates an envelope ID from its hex string form.
func NewEnvelopeIDFromHex(s string) (EnvelopeID, error) {
	clean := strings.TrimPrefix(s, "0x")
	if len(clean) != 64 {
		return EnvelopeID{}, errors.New("invalid envelope id length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return EnvelopeID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id EnvelopeID
	copy(id[:], raw)
	return id, nil
}

// String returns the hex representation.
func (id EnvelopeID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 32-byte hash.
func (id EnvelopeID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id EnvelopeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *EnvelopeID) UnmarshalText(text []byte) error {
	parsed, err := NewEnvelopeIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Envelope is an encrypted, routable container for a share or recovery
// message. Kind, sender, recipient, secret ID, threshold and share index
// are authenticated but not confidential, so relays and receivers can
// route and filter without learning the payload.
type Envelope struct {
	Kind       EnvelopeKind `cbor:"kind"`
	Sender     Identity     `cbor:"sender"`
	Recipient  Identity     `cbor:"recipient"`
	SecretID   SecretID     `cbor:"secret_id,omitempty"`
	LockboxID  LockboxID    `cbor:"lockbox_id,omitempty"`
	Threshold  int          `cbor:"threshold,omitempty"`
	ShareIndex int          `cbor:"share_index,omitempty"`

	// Payload is ECIES ciphertext readable only by the recipient.
	Payload []byte `cbor:"payload"`

	// Signature is the sender's secp256k1 signature over the envelope
	// digest. Envelopes with missing or invalid signatures are dropped.
	Signature []byte `cbor:"signature"`

	CreatedAt time.Time `cbor:"created_at"`
}

// ID returns the envelope's content identity. The signature is excluded
// so a retransmitted envelope hashes identically and deduplicates.
func (e *Envelope) ID() EnvelopeID {
	return EnvelopeID(blake3.Sum256(e.canonicalBytes()))
}

// Digest returns the bytes the sender signs: the same canonical content
// that defines the envelope's identity.
func (e *Envelope) Digest() [32]byte {
	return blake3.Sum256(e.canonicalBytes())
}

// canonicalBytes serializes the authenticated fields with unambiguous
// length prefixes. Field order is fixed; changing it breaks every stored
// envelope identity.
func (e *Envelope) canonicalBytes() []byte {
	var buf []byte
	appendField := func(b []byte) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(b)))
		buf = append(buf, l[:]...)
		buf = append(buf, b...)
	}

	appendField([]byte(e.Kind))
	appendField(e.Sender[:])
	appendField(e.Recipient[:])
	appendField(e.SecretID[:])
	appendField([]byte(e.LockboxID))

	var meta [16]byte
	binary.BigEndian.PutUint32(meta[0:4], uint32(e.Threshold))
	binary.BigEndian.PutUint32(meta[4:8], uint32(e.ShareIndex))
	binary.BigEndian.PutUint64(meta[8:16], uint64(e.CreatedAt.UnixNano()))
	appendField(meta[:])

	appendField(e.Payload)
	return buf
}

// Validate performs structural checks that do not require key material.
func (e *Envelope) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEnvelope, e.Kind)
	}
	if e.Sender.IsZero() {
		return fmt.Errorf("%w: missing sender", ErrMalformedEnvelope)
	}
	if e.Recipient.IsZero() {
		return fmt.Errorf("%w: missing recipient", ErrMalformedEnvelope)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedEnvelope)
	}
	if len(e.Signature) == 0 {
		return fmt.Errorf("%w: missing signature", ErrMalformedEnvelope)
	}
	return nil
}
