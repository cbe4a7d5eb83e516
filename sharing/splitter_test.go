package sharing

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardvault/recovery-backend/interfaces"
)

func testOwner(t *testing.T) interfaces.Identity {
	t.Helper()
	var id interfaces.Identity
	id[0] = 0x02
	_, err := rand.Read(id[1:])
	require.NoError(t, err)
	return id
}

func mustSplit(t *testing.T, secret []byte, k, n int) *interfaces.ShareSet {
	t.Helper()
	set, err := Split(secret, k, n, "lockbox-1", testOwner(t))
	require.NoError(t, err, "Split should succeed for valid parameters")
	return set
}

func TestSplitValidation(t *testing.T) {
	secret := []byte("some secret")
	owner := testOwner(t)

	_, err := Split(secret, 0, 5, "lb", owner)
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameters, "Threshold below 1 should be rejected")

	_, err = Split(secret, 6, 5, "lb", owner)
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameters, "Threshold above total shares should be rejected")

	_, err = Split(secret, 3, 256, "lb", owner)
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameters, "More than 255 shares should be rejected")

	_, err = Split(nil, 2, 3, "lb", owner)
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameters, "Empty secret should be rejected")
}

func TestSplitShape(t *testing.T) {
	secret := []byte("lockbox contents")
	set := mustSplit(t, secret, 3, 5)

	assert.Equal(t, 3, set.Threshold)
	assert.Equal(t, 5, set.TotalShares)
	assert.Len(t, set.Shares, 5, "Should produce exactly N shares")
	assert.False(t, set.SecretID.IsZero(), "Secret ID should be populated")

	seen := map[int]bool{}
	for _, share := range set.Shares {
		assert.Equal(t, set.SecretID, share.SecretID, "Every share should reference the set's secret ID")
		assert.Equal(t, 3, share.Threshold)
		assert.False(t, seen[share.Index], "Share indices should be unique")
		seen[share.Index] = true
		assert.GreaterOrEqual(t, share.Index, 1)
		assert.LessOrEqual(t, share.Index, 5)
		assert.NotEqual(t, secret, share.Payload, "A share payload should not equal the secret")
	}
}

// Every K-subset of split(S, K, N) must reconstruct S exactly.
func TestReconstructAllSubsets(t *testing.T) {
	secret := make([]byte, 64)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	for _, tc := range []struct{ k, n int }{{2, 3}, {3, 5}, {2, 5}, {4, 4}} {
		set := mustSplit(t, secret, tc.k, tc.n)

		forEachSubset(set.Shares, tc.k, func(subset []interfaces.Share) {
			got, err := Reconstruct(subset, set.SecretID)
			require.NoError(t, err, "Reconstruction should succeed for any %d-subset of %d shares", tc.k, tc.n)
			assert.Equal(t, secret, got, "Every subset should yield the identical original secret")
		})
	}
}

// Any (K-1)-subset must fail with ErrInsufficientShares, never a
// wrong-but-plausible secret.
func TestReconstructBelowThreshold(t *testing.T) {
	secret := []byte("information theoretically hidden")
	set := mustSplit(t, secret, 3, 5)

	forEachSubset(set.Shares, 2, func(subset []interfaces.Share) {
		_, err := Reconstruct(subset, set.SecretID)
		assert.ErrorIs(t, err, interfaces.ErrInsufficientShares, "K-1 shares should never reconstruct")
	})

	_, err := Reconstruct(nil, set.SecretID)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares, "Empty input should report insufficient shares")
}

func TestReconstructHundredByteScenario(t *testing.T) {
	secret := make([]byte, 100)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	set := mustSplit(t, secret, 3, 5)

	// Stewards 1, 3 and 5 approve.
	approved := []interfaces.Share{set.Shares[0], set.Shares[2], set.Shares[4]}
	got, err := Reconstruct(approved, set.SecretID)
	require.NoError(t, err)
	assert.Equal(t, secret, got, "Shares 1, 3, 5 should reconstruct the original 100 bytes exactly")
}

func TestReconstructDuplicatesIgnored(t *testing.T) {
	secret := []byte("dedup me")
	set := mustSplit(t, secret, 2, 3)

	// The same share delivered twice counts once.
	dup := []interfaces.Share{set.Shares[0], set.Shares[0]}
	_, err := Reconstruct(dup, set.SecretID)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares, "A duplicated share should count as one distinct share")

	withDup := []interfaces.Share{set.Shares[0], set.Shares[0], set.Shares[1]}
	got, err := Reconstruct(withDup, set.SecretID)
	require.NoError(t, err)
	assert.Equal(t, secret, got, "Exact duplicates should be ignored, not fatal")
}

func TestReconstructInconsistentSets(t *testing.T) {
	secret := []byte("original secret")
	setA := mustSplit(t, secret, 2, 3)
	setB := mustSplit(t, []byte("another secret"), 2, 3)

	// Shares from a different split operation.
	mixed := []interfaces.Share{setA.Shares[0], setB.Shares[1]}
	_, err := Reconstruct(mixed, setA.SecretID)
	assert.ErrorIs(t, err, interfaces.ErrInconsistentShareSet, "Shares referencing different secret IDs should be rejected")

	// Conflicting payload for a claimed index.
	forged := setA.Shares[1]
	forged.Payload = append([]byte{}, forged.Payload...)
	forged.Payload[0] ^= 0xff
	_, err = Reconstruct([]interfaces.Share{setA.Shares[1], forged, setA.Shares[0]}, setA.SecretID)
	assert.ErrorIs(t, err, interfaces.ErrInconsistentShareSet, "Conflicting payloads for one index should be rejected")

	// Mismatched threshold metadata.
	badThreshold := setA.Shares[2]
	badThreshold.Threshold = 3
	_, err = Reconstruct([]interfaces.Share{setA.Shares[0], badThreshold}, setA.SecretID)
	assert.ErrorIs(t, err, interfaces.ErrInconsistentShareSet, "Threshold disagreement should be rejected")

	// Corrupted payload caught by the secret checksum.
	corrupted := setA.Shares[0]
	corrupted.Payload = append([]byte{}, corrupted.Payload...)
	corrupted.Payload[1] ^= 0x01
	corrupted.Index = 9 // avoid the conflicting-index check
	_, err = Reconstruct([]interfaces.Share{corrupted, setA.Shares[1]}, setA.SecretID)
	assert.ErrorIs(t, err, interfaces.ErrInconsistentShareSet, "A corrupted payload should fail the output checksum")
}

func TestThresholdOfOne(t *testing.T) {
	secret := []byte("k equals one")
	set := mustSplit(t, secret, 1, 4)

	for _, share := range set.Shares {
		got, err := Reconstruct([]interfaces.Share{share}, set.SecretID)
		require.NoError(t, err, "With K=1 any single share should reconstruct")
		assert.Equal(t, secret, got)
	}
}

// forEachSubset invokes fn with every k-sized subset of shares.
func forEachSubset(shares []interfaces.Share, k int, fn func([]interfaces.Share)) {
	n := len(shares)
	idx := make([]int, k)
	var walk func(start, depth int)
	walk = func(start, depth int) {
		if depth == k {
			subset := make([]interfaces.Share, k)
			for i, j := range idx {
				subset[i] = shares[j]
			}
			fn(subset)
			return
		}
		for i := start; i <= n-(k-depth); i++ {
			idx[depth] = i
			walk(i+1, depth+1)
		}
	}
	walk(0, 0)
}
