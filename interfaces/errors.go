package interfaces

import "errors"

var (
	// ErrInvalidParameters is returned for bad split parameters: K < 1,
	// N < K, N above the finite-field ceiling, or an empty secret.
	// Fatal, caller error.
	ErrInvalidParameters = errors.New("invalid secret sharing parameters")

	// ErrInsufficientShares is returned when fewer than threshold distinct
	// share indices are supplied to reconstruction. Recoverable: wait for
	// more responses.
	ErrInsufficientShares = errors.New("insufficient shares for reconstruction")

	// ErrInconsistentShareSet is returned when supplied shares reference
	// different secret IDs, thresholds or checksums, or carry conflicting
	// payloads for the same index. Recoverable: the offending share is
	// discarded, existing state is never corrupted.
	ErrInconsistentShareSet = errors.New("inconsistent share set")

	// ErrDecryptionFailed is returned when an envelope was not addressed
	// to the decoding identity. The envelope is dropped and logged; the
	// surrounding scan continues.
	ErrDecryptionFailed = errors.New("envelope decryption failed")

	// ErrMalformedEnvelope is returned on structural envelope corruption.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrRequestNotFound is returned when a recovery request ID is
	// unknown to the coordinator.
	ErrRequestNotFound = errors.New("recovery request not found")

	// ErrRequestTerminal is reported (not fatal) when an operation is
	// attempted on a request that already reached a final status.
	ErrRequestTerminal = errors.New("recovery request already terminal")

	// ErrRecordNotFound is returned when a persisted record does not
	// exist under the requested key.
	ErrRecordNotFound = errors.New("record not found")

	// ErrRelayUnavailable is returned when a relay endpoint cannot be
	// reached. Transient: retried with backoff by the transport, never
	// surfaced as a logical failure of the operation.
	ErrRelayUnavailable = errors.New("relay unavailable")
)
