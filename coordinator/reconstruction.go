package coordinator

import (
	"bytes"
	"fmt"

	"github.com/stewardvault/recovery-backend/interfaces"
	"github.com/stewardvault/recovery-backend/sharing"
)

// subsetAttemptLimit bounds the combination search when isolating a bad
// share among the approvals. Realistic holder counts keep the search
// tiny; the cap guards against degenerate configurations.
const subsetAttemptLimit = 256

// AttemptReconstruct runs the reconstruction engine over the approved
// responses of a request without changing its status. It returns
// ErrInsufficientShares when fewer than threshold usable shares exist,
// or ErrInconsistentShareSet when the approvals cannot produce a secret
// that passes its integrity check.
func (c *Coordinator) AttemptReconstruct(requestID interfaces.RequestID) ([]byte, error) {
	state, err := c.state(requestID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	secret, _, err := c.reconstructLocked(state)
	return secret, err
}

// reconstructLocked tries to recover the secret from the approved,
// non-discarded responses. On partial success it names the responders
// whose shares are provably inconsistent with the recovered secret so
// the caller can discard them; on total failure the discard list is
// empty and the request should keep waiting for a better approval.
func (c *Coordinator) reconstructLocked(state *requestState) ([]byte, []interfaces.Identity, error) {
	var holders []interfaces.Identity
	var shares []interfaces.Share
	for responder, resp := range state.responses {
		if state.discarded[responder] || resp.Decision != interfaces.DecisionApproved || resp.Share == nil {
			continue
		}
		holders = append(holders, responder)
		shares = append(shares, *resp.Share)
	}

	threshold := state.req.Threshold
	if distinctIndices(shares) < threshold {
		return nil, nil, fmt.Errorf("%d distinct shares of %d required: %w", distinctIndices(shares), threshold, interfaces.ErrInsufficientShares)
	}

	// Shares that disagree with the majority on checksum or threshold
	// are inconsistent by construction; drop them before the field math.
	keep, metaDiscard := splitByMetadata(holders, shares, state.secretID, threshold)
	holders, shares = pick(holders, keep), pickShares(shares, keep)
	if distinctIndices(shares) < threshold {
		return nil, metaDiscard, fmt.Errorf("shares disagree on set metadata: %w", interfaces.ErrInconsistentShareSet)
	}

	if secret, err := sharing.Reconstruct(shares, state.secretID); err == nil {
		return secret, metaDiscard, nil
	}

	// Some approval carries a corrupted or forged payload. With more
	// than threshold shares a working subset isolates it.
	secret, good := c.searchSubsets(shares, state.secretID, threshold)
	if secret == nil {
		return nil, metaDiscard, fmt.Errorf("no approval subset reconstructs the secret: %w", interfaces.ErrInconsistentShareSet)
	}

	discard := metaDiscard
	for i := range shares {
		if !good[i] && !shareConsistent(shares, good, i, state.secretID, secret, threshold) {
			discard = append(discard, holders[i])
		}
	}
	return secret, discard, nil
}

// searchSubsets tries threshold-sized subsets of the shares until one
// reconstructs a checksum-valid secret. It returns the secret and a
// membership mask of the successful subset, or nil when none works
// within the attempt budget.
func (c *Coordinator) searchSubsets(shares []interfaces.Share, secretID interfaces.SecretID, threshold int) ([]byte, []bool) {
	n := len(shares)
	if n < threshold {
		return nil, nil
	}

	attempts := 0
	idx := make([]int, threshold)
	for i := range idx {
		idx[i] = i
	}
	for {
		attempts++
		if attempts > subsetAttemptLimit {
			return nil, nil
		}

		subset := make([]interfaces.Share, threshold)
		for i, j := range idx {
			subset[i] = shares[j]
		}
		if secret, err := sharing.Reconstruct(subset, secretID); err == nil {
			good := make([]bool, n)
			for _, j := range idx {
				good[j] = true
			}
			return secret, good
		}

		// Advance to the next combination in lexicographic order.
		i := threshold - 1
		for i >= 0 && idx[i] == n-threshold+i {
			i--
		}
		if i < 0 {
			return nil, nil
		}
		idx[i]++
		for j := i + 1; j < threshold; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

// shareConsistent reports whether share i agrees with the recovered
// secret: swapping it into the known-good subset must reproduce the
// same bytes.
func shareConsistent(shares []interfaces.Share, good []bool, i int, secretID interfaces.SecretID, secret []byte, threshold int) bool {
	subset := []interfaces.Share{shares[i]}
	for j := range shares {
		if len(subset) == threshold {
			break
		}
		if good[j] && shares[j].Index != shares[i].Index {
			subset = append(subset, shares[j])
		}
	}
	if len(subset) < threshold {
		return false
	}
	out, err := sharing.Reconstruct(subset, secretID)
	return err == nil && bytes.Equal(out, secret)
}

// splitByMetadata keeps the largest group of shares that agree on
// secret id, threshold and checksum, and returns the holders of the
// rest as discards.
func splitByMetadata(holders []interfaces.Identity, shares []interfaces.Share, secretID interfaces.SecretID, threshold int) ([]int, []interfaces.Identity) {
	groups := make(map[string][]int)
	var mismatched []int
	for i, share := range shares {
		if share.SecretID != secretID || share.Threshold != threshold {
			mismatched = append(mismatched, i)
			continue
		}
		key := string(share.Checksum)
		groups[key] = append(groups[key], i)
	}

	var keep []int
	for _, members := range groups {
		if len(members) > len(keep) {
			keep = members
		}
	}

	inKeep := make(map[int]bool, len(keep))
	for _, i := range keep {
		inKeep[i] = true
	}
	var discard []interfaces.Identity
	for i := range shares {
		if !inKeep[i] {
			discard = append(discard, holders[i])
		}
	}
	return keep, discard
}

func pick(holders []interfaces.Identity, keep []int) []interfaces.Identity {
	out := make([]interfaces.Identity, 0, len(keep))
	for _, i := range keep {
		out = append(out, holders[i])
	}
	return out
}

func pickShares(shares []interfaces.Share, keep []int) []interfaces.Share {
	out := make([]interfaces.Share, 0, len(keep))
	for _, i := range keep {
		out = append(out, shares[i])
	}
	return out
}

func distinctIndices(shares []interfaces.Share) int {
	seen := make(map[int]struct{}, len(shares))
	for _, share := range shares {
		seen[share.Index] = struct{}{}
	}
	return len(seen)
}
