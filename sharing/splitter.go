package sharing

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/vault/shamir"
	"github.com/zeebo/blake3"

	"github.com/stewardvault/recovery-backend/interfaces"
)

// MaxShares is the ceiling on total shares, dictated by the GF(256)
// evaluation-point encoding of the underlying scheme.
const MaxShares = 255

// Split divides a secret into totalShares fragments of which any
// threshold reconstruct the original. Fewer than threshold fragments
// reveal nothing about the secret.
//
// Each share's payload embeds its finite-field evaluation point; the
// Index field is the ordinal position 1..totalShares used for
// distribution accounting. The returned ShareSet carries a BLAKE3
// checksum of the secret so reconstruction can verify its output.
func Split(secret []byte, threshold, totalShares int, lockboxID interfaces.LockboxID, owner interfaces.Identity) (*interfaces.ShareSet, error) {
	if err := validateParams(len(secret), threshold, totalShares); err != nil {
		return nil, err
	}

	secretID, err := interfaces.NewSecretID()
	if err != nil {
		return nil, err
	}

	checksum := blake3.Sum256(secret)

	payloads, err := splitPayloads(secret, threshold, totalShares)
	if err != nil {
		return nil, err
	}

	set := &interfaces.ShareSet{
		SecretID:    secretID,
		LockboxID:   lockboxID,
		Threshold:   threshold,
		TotalShares: totalShares,
		Checksum:    checksum[:],
		Owner:       owner,
		Shares:      make([]interfaces.Share, totalShares),
	}

	for i, payload := range payloads {
		set.Shares[i] = interfaces.Share{
			SecretID:  secretID,
			LockboxID: lockboxID,
			Index:     i + 1,
			Payload:   payload,
			Threshold: threshold,
			Checksum:  checksum[:],
			Owner:     owner,
		}
	}

	return set, nil
}

// Reconstruct rebuilds the secret from any threshold-sized subset of the
// shares produced by one Split call. Reconstruction is deterministic: any
// valid subset yields byte-identical output.
//
// Returns ErrInsufficientShares when fewer than threshold distinct shares
// are supplied, and ErrInconsistentShareSet when the shares disagree on
// secret ID, threshold or checksum, when two shares claim the same
// position with different payloads, or when the combined output fails the
// checksum.
func Reconstruct(shares []interfaces.Share, secretID interfaces.SecretID) ([]byte, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares supplied", interfaces.ErrInsufficientShares)
	}

	threshold := shares[0].Threshold
	checksum := shares[0].Checksum

	distinct := make(map[int][]byte, len(shares))
	for _, share := range shares {
		if !share.SecretID.Equal(secretID) {
			return nil, fmt.Errorf("%w: share %d references secret %s, expected %s",
				interfaces.ErrInconsistentShareSet, share.Index, share.SecretID, secretID)
		}
		if share.Threshold != threshold {
			return nil, fmt.Errorf("%w: share %d has threshold %d, expected %d",
				interfaces.ErrInconsistentShareSet, share.Index, share.Threshold, threshold)
		}
		if !bytes.Equal(share.Checksum, checksum) {
			return nil, fmt.Errorf("%w: share %d carries a different secret checksum",
				interfaces.ErrInconsistentShareSet, share.Index)
		}

		if existing, seen := distinct[share.Index]; seen {
			if !bytes.Equal(existing, share.Payload) {
				return nil, fmt.Errorf("%w: conflicting payloads for share index %d",
					interfaces.ErrInconsistentShareSet, share.Index)
			}
			continue // exact duplicate, ignore
		}
		distinct[share.Index] = share.Payload
	}

	if len(distinct) < threshold {
		return nil, fmt.Errorf("%w: have %d distinct shares, need %d",
			interfaces.ErrInsufficientShares, len(distinct), threshold)
	}

	secret, err := combinePayloads(distinct, threshold)
	if err != nil {
		return nil, err
	}

	if len(checksum) > 0 {
		sum := blake3.Sum256(secret)
		if !bytes.Equal(sum[:], checksum) {
			return nil, fmt.Errorf("%w: reconstructed secret fails checksum", interfaces.ErrInconsistentShareSet)
		}
	}

	return secret, nil
}

func validateParams(secretLen, threshold, totalShares int) error {
	if threshold < 1 {
		return fmt.Errorf("%w: threshold must be at least 1, got %d", interfaces.ErrInvalidParameters, threshold)
	}
	if totalShares < threshold {
		return fmt.Errorf("%w: total shares %d below threshold %d", interfaces.ErrInvalidParameters, totalShares, threshold)
	}
	if totalShares > MaxShares {
		return fmt.Errorf("%w: total shares %d exceeds ceiling %d", interfaces.ErrInvalidParameters, totalShares, MaxShares)
	}
	if secretLen == 0 {
		return fmt.Errorf("%w: secret must not be empty", interfaces.ErrInvalidParameters)
	}
	return nil
}

// splitPayloads produces the raw per-share payloads. The degenerate
// threshold of 1 is handled here: the underlying scheme requires a
// polynomial of degree at least 1, and with K=1 every share is simply the
// secret itself.
func splitPayloads(secret []byte, threshold, totalShares int) ([][]byte, error) {
	if threshold == 1 {
		payloads := make([][]byte, totalShares)
		for i := range payloads {
			payloads[i] = bytes.Clone(secret)
		}
		return payloads, nil
	}

	payloads, err := shamir.Split(secret, totalShares, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}
	return payloads, nil
}

func combinePayloads(distinct map[int][]byte, threshold int) ([]byte, error) {
	if threshold == 1 {
		for _, payload := range distinct {
			return bytes.Clone(payload), nil
		}
	}

	// Combine interpolates at zero over every supplied payload: extra
	// genuine shares do not change the result, while a single corrupted
	// payload deterministically breaks the checksum below instead of
	// passing or failing depending on map iteration order. Payload
	// lengths must agree (each is the secret length plus the
	// evaluation-point byte).
	parts := make([][]byte, 0, len(distinct))
	length := -1
	for _, payload := range distinct {
		if length == -1 {
			length = len(payload)
		} else if len(payload) != length {
			return nil, fmt.Errorf("%w: share payload lengths differ", interfaces.ErrInconsistentShareSet)
		}
		parts = append(parts, payload)
	}

	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInconsistentShareSet, err)
	}
	return secret, nil
}
