package interfaces

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Identity is a steward identity: a compressed secp256k1 public key.
// Its hex encoding is the canonical string form used on the wire and in
// persisted records.
type Identity [33]byte

// NewIdentityFromBytes creates an identity from a compressed public key.
func NewIdentityFromBytes(pub []byte) (Identity, error) {
	if len(pub) != 33 {
		return Identity{}, errors.New("invalid identity length: must be 33 bytes (compressed secp256k1 point)")
	}

	var id Identity
	copy(id[:], pub)
	return id, nil
}

// NewIdentityFromHex creates an identity from its hex string form.
func NewIdentityFromHex(s string) (Identity, error) {
	clean := strings.TrimPrefix(s, "0x")
	if len(clean) != 66 {
		return Identity{}, errors.New("invalid identity length: hex string must be 66 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewIdentityFromBytes(raw)
}

// String returns the hex representation of the identity.
func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw compressed public key.
func (id Identity) Bytes() []byte {
	return id[:]
}

// Equal compares two identities.
func (id Identity) Equal(other Identity) bool {
	return id == other
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// MarshalText implements encoding.TextMarshaler so identities serialize
// as hex strings in CBOR, JSON and YAML.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := NewIdentityFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// SecretID is a 32-byte random identifier binding the shares of one split
// operation together. It carries no information about the secret itself.
type SecretID [32]byte

// NewSecretID generates a fresh random secret identifier.
func NewSecretID() (SecretID, error) {
	var id SecretID
	if _, err := rand.Read(id[:]); err != nil {
		return SecretID{}, fmt.Errorf("failed to generate secret id: %w", err)
	}
	return id, nil
}

// NewSecretIDFromHex creates a secret ID from its hex string form.
func NewSecretIDFromHex(s string) (SecretID, error) {
	clean := strings.TrimPrefix(s, "0x")
	if len(clean) != 64 {
		return SecretID{}, errors.New("invalid secret id length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return SecretID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id SecretID
	copy(id[:], raw)
	return id, nil
}

// String returns the hex representation.
func (id SecretID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 32-byte identifier.
func (id SecretID) Bytes() []byte {
	return id[:]
}

// Equal compares two secret IDs.
func (id SecretID) Equal(other SecretID) bool {
	return bytes.Equal(id[:], other[:])
}

// IsZero reports whether the secret ID is unset.
func (id SecretID) IsZero() bool {
	return id == SecretID{}
}

// MarshalText implements encoding.TextMarshaler.
func (id SecretID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *SecretID) UnmarshalText(text []byte) error {
	parsed, err := NewSecretIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// LockboxID identifies the logical record whose content is being protected.
// The value is owned by the caller; the core treats it as an opaque key.
type LockboxID string

// String returns the lockbox ID as a string.
func (id LockboxID) String() string {
	return string(id)
}

// Validate checks that the lockbox ID is usable as a persistence key.
func (id LockboxID) Validate() error {
	if id == "" {
		return errors.New("lockbox id must not be empty")
	}
	if strings.ContainsAny(string(id), "/\x00") {
		return errors.New("lockbox id must not contain path separators")
	}
	return nil
}

// RequestID identifies one recovery request. Generated as a UUID by the
// coordinator.
type RequestID string

// String returns the request ID as a string.
func (id RequestID) String() string {
	return string(id)
}

// Share is one fragment of a threshold-split secret, held by exactly one
// steward after distribution.
type Share struct {
	// SecretID binds the share to its ShareSet.
	SecretID SecretID `cbor:"secret_id"`

	// LockboxID is the logical record the split secret belongs to.
	LockboxID LockboxID `cbor:"lockbox_id"`

	// Index is the finite-field evaluation point, 1..255, unique within
	// the ShareSet.
	Index int `cbor:"index"`

	// Payload is the share's opaque byte content.
	Payload []byte `cbor:"payload"`

	// Threshold is the minimum number of distinct shares required to
	// reconstruct the secret.
	Threshold int `cbor:"threshold"`

	// Checksum is a BLAKE3 hash of the original secret. It travels only
	// inside encrypted payloads and lets reconstruction verify its output.
	Checksum []byte `cbor:"checksum"`

	// Peers is the full set of steward identities the ShareSet was
	// distributed to.
	Peers []Identity `cbor:"peers"`

	// Owner is the identity that performed the split.
	Owner Identity `cbor:"owner"`
}

// ShareSet is the output of one split operation.
type ShareSet struct {
	SecretID    SecretID  `cbor:"secret_id"`
	LockboxID   LockboxID `cbor:"lockbox_id"`
	Threshold   int       `cbor:"threshold"`
	TotalShares int       `cbor:"total_shares"`
	Checksum    []byte    `cbor:"checksum"`
	Owner       Identity  `cbor:"owner"`
	Shares      []Share   `cbor:"shares"`
}

// ShareSetRecord is the metadata the originating device may keep after
// publishing: everything except the share payloads.
type ShareSetRecord struct {
	SecretID    SecretID         `cbor:"secret_id"`
	LockboxID   LockboxID        `cbor:"lockbox_id"`
	Threshold   int              `cbor:"threshold"`
	TotalShares int              `cbor:"total_shares"`
	Checksum    []byte           `cbor:"checksum"`
	Owner       Identity         `cbor:"owner"`
	Assignments map[int]Identity `cbor:"assignments"` // share index -> steward
	CreatedAt   time.Time        `cbor:"created_at"`
}

// Record strips payloads from a ShareSet, leaving the cacheable metadata.
func (s *ShareSet) Record(assignments map[int]Identity, now time.Time) ShareSetRecord {
	return ShareSetRecord{
		SecretID:    s.SecretID,
		LockboxID:   s.LockboxID,
		Threshold:   s.Threshold,
		TotalShares: s.TotalShares,
		Checksum:    s.Checksum,
		Owner:       s.Owner,
		Assignments: assignments,
		CreatedAt:   now,
	}
}

// RequestStatus is the finite-state value of a recovery request. It is
// never set directly outside the coordinator's transition rules.
type RequestStatus int

const (
	// StatusPending means the request exists but has not been broadcast.
	StatusPending RequestStatus = iota

	// StatusAwaitingResponses means the request was broadcast and the
	// coordinator is collecting steward responses.
	StatusAwaitingResponses

	// StatusCompleted means the threshold was reached and the secret was
	// reconstructed. Terminal.
	StatusCompleted

	// StatusFailed means enough denials arrived that the threshold can no
	// longer be reached. Terminal.
	StatusFailed

	// StatusExpired means the request outlived its deadline. Terminal.
	StatusExpired

	// StatusCancelled means the initiator withdrew the request. Terminal.
	StatusCancelled
)

// String returns the status name.
func (s RequestStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAwaitingResponses:
		return "awaiting_responses"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final. Terminal requests are
// retained for audit only and never mutated further.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s RequestStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *RequestStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pending":
		*s = StatusPending
	case "awaiting_responses":
		*s = StatusAwaitingResponses
	case "completed":
		*s = StatusCompleted
	case "failed":
		*s = StatusFailed
	case "expired":
		*s = StatusExpired
	case "cancelled":
		*s = StatusCancelled
	default:
		return fmt.Errorf("unknown request status %q", text)
	}
	return nil
}

// Decision is a steward's answer to a recovery request.
type Decision string

const (
	// DecisionApproved releases the steward's share to the initiator.
	DecisionApproved Decision = "approved"

	// DecisionDenied withholds the share.
	DecisionDenied Decision = "denied"
)

// Valid reports whether the decision is one of the two known values.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionDenied
}

// RecoveryRequest asks a set of key holders to release their shares of a
// lockbox secret.
type RecoveryRequest struct {
	ID          RequestID     `cbor:"id" json:"id"`
	LockboxID   LockboxID     `cbor:"lockbox_id" json:"lockbox_id"`
	Initiator   Identity      `cbor:"initiator" json:"initiator"`
	KeyHolders  []Identity    `cbor:"key_holders" json:"key_holders"`
	Threshold   int           `cbor:"threshold" json:"threshold"`
	RequestedAt time.Time     `cbor:"requested_at" json:"requested_at"`
	ExpiresAt   *time.Time    `cbor:"expires_at,omitempty" json:"expires_at,omitempty"`
	Status      RequestStatus `cbor:"status" json:"status"`
}

// HasKeyHolder reports whether the identity is among the request's holders.
func (r *RecoveryRequest) HasKeyHolder(id Identity) bool {
	for _, h := range r.KeyHolders {
		if h.Equal(id) {
			return true
		}
	}
	return false
}

// RecoveryResponse is one steward's answer. At most one response per
// (request, responder) pair is authoritative; a later RespondedAt wins.
type RecoveryResponse struct {
	RequestID   RequestID `cbor:"request_id"`
	Responder   Identity  `cbor:"responder"`
	Decision    Decision  `cbor:"decision"`
	Share       *Share    `cbor:"share,omitempty"` // present only if approved
	RespondedAt time.Time `cbor:"responded_at"`
}

// RelayEndpoint describes one reachable relay. The list of endpoints is
// supplied by the caller and treated as read-only configuration.
type RelayEndpoint struct {
	URL     string `yaml:"url" cbor:"url"`
	Enabled bool   `yaml:"enabled" cbor:"enabled"`
	Trusted bool   `yaml:"trusted" cbor:"trusted"`
}

// Validate checks the endpoint URL is present.
func (e RelayEndpoint) Validate() error {
	if e.URL == "" {
		return errors.New("relay endpoint URL must not be empty")
	}
	return nil
}

// PublishReceipt records one (envelope, relay) delivery.
type PublishReceipt struct {
	EnvelopeID EnvelopeID `cbor:"envelope_id" json:"envelope_id"`
	Relay      string     `cbor:"relay" json:"relay"`
	Recipient  Identity   `cbor:"recipient" json:"recipient"`
	ShareIndex int        `cbor:"share_index,omitempty" json:"share_index,omitempty"`
	AcceptedAt time.Time  `cbor:"accepted_at" json:"accepted_at"`
}
