// Package interfaces defines the core types and contracts for the lockbox
// recovery system, separating interface definitions from implementations.
//
// # Identity Types
//
//   - Identity: 33-byte compressed secp256k1 public key identifying a steward
//   - SecretID: 32-byte random identifier binding one split operation's shares
//   - LockboxID: caller-owned key of the protected record
//   - RequestID: UUID of one recovery request
//   - EnvelopeID: BLAKE3 content hash used for relay-level deduplication
//
// # Data Model
//
// Share and ShareSet describe the output of threshold splitting. A
// ShareSetRecord is the payload-free metadata an owner may cache after
// publishing. RecoveryRequest and RecoveryResponse carry the recovery
// protocol; RequestStatus is the coordinator-owned finite-state value.
//
// # Contracts
//
// Transport: at-least-once envelope delivery over a set of independent
// relay endpoints.
//
// Persistence: namespaced key-value store for ShareSet metadata, received
// shares, and recovery request/response records, with list-by-prefix for
// lockbox-scoped queries.
//
// # Error Taxonomy
//
// Sentinel errors distinguish caller errors (ErrInvalidParameters) from
// recoverable protocol conditions (ErrInsufficientShares,
// ErrInconsistentShareSet), droppable envelope faults (ErrDecryptionFailed,
// ErrMalformedEnvelope), and transient relay faults (ErrRelayUnavailable).
package interfaces
