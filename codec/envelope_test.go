package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardvault/recovery-backend/cryptoutils"
	"github.com/stewardvault/recovery-backend/interfaces"
)

func newKey(t *testing.T) *cryptoutils.IdentityKey {
	t.Helper()
	key, err := cryptoutils.GenerateIdentityKey()
	require.NoError(t, err)
	return key
}

func sampleShare(t *testing.T, owner, peer interfaces.Identity) *interfaces.Share {
	t.Helper()
	secretID, err := interfaces.NewSecretID()
	require.NoError(t, err)
	return &interfaces.Share{
		SecretID:  secretID,
		LockboxID: "lockbox-7",
		Index:     2,
		Payload:   []byte{0xde, 0xad, 0xbe, 0xef, 0x05},
		Threshold: 3,
		Checksum:  []byte{1, 2, 3},
		Peers:     []interfaces.Identity{peer},
		Owner:     owner,
	}
}

func TestShareEnvelopeRoundtrip(t *testing.T) {
	c := NewECIESCodec()
	sender := newKey(t)
	recipient := newKey(t)

	share := sampleShare(t, sender.Identity(), recipient.Identity())
	env, err := c.EncodeShare(sender, share, recipient.Identity())
	require.NoError(t, err, "Encoding should succeed")

	assert.Equal(t, interfaces.KindShare, env.Kind)
	assert.Equal(t, share.SecretID, env.SecretID, "Secret ID should be clear routing metadata")
	assert.Equal(t, share.Threshold, env.Threshold, "Threshold should be clear routing metadata")
	assert.Equal(t, share.Index, env.ShareIndex)
	assert.NotContains(t, string(env.Payload), string(share.Payload), "Share payload should not appear in the ciphertext")

	decoded, err := c.DecodeShare(recipient, env)
	require.NoError(t, err, "Recipient should decode its own envelope")
	assert.Equal(t, share, decoded, "Decoded share should match the original")
}

func TestDecodeShareWrongRecipient(t *testing.T) {
	c := NewECIESCodec()
	sender := newKey(t)
	recipient := newKey(t)
	eavesdropper := newKey(t)

	env, err := c.EncodeShare(sender, sampleShare(t, sender.Identity(), recipient.Identity()), recipient.Identity())
	require.NoError(t, err)

	_, err = c.DecodeShare(eavesdropper, env)
	assert.ErrorIs(t, err, interfaces.ErrDecryptionFailed, "An envelope for another identity should fail decryption")
}

func TestDecodeShareTamperedMetadata(t *testing.T) {
	c := NewECIESCodec()
	sender := newKey(t)
	recipient := newKey(t)

	env, err := c.EncodeShare(sender, sampleShare(t, sender.Identity(), recipient.Identity()), recipient.Identity())
	require.NoError(t, err)

	// A relay rewriting the clear threshold must be detected.
	tampered := *env
	tampered.Threshold = 1
	_, err = c.DecodeShare(recipient, &tampered)
	assert.Error(t, err, "Tampered clear metadata should be rejected")

	// Corrupting the ciphertext must fail structurally or cryptographically.
	corrupted := *env
	corrupted.Payload = append([]byte{}, env.Payload...)
	corrupted.Payload[len(corrupted.Payload)-1] ^= 0xff
	_, err = c.DecodeShare(recipient, &corrupted)
	assert.Error(t, err, "Corrupted ciphertext should be rejected")
}

func TestDecodeShareMalformed(t *testing.T) {
	c := NewECIESCodec()
	recipient := newKey(t)

	_, err := c.DecodeShare(recipient, nil)
	assert.ErrorIs(t, err, interfaces.ErrMalformedEnvelope, "Nil envelope should be malformed")

	_, err = c.DecodeShare(recipient, &interfaces.Envelope{Kind: "bogus"})
	assert.ErrorIs(t, err, interfaces.ErrMalformedEnvelope, "Unknown kind should be malformed")

	sender := newKey(t)
	env, err := c.EncodeShare(sender, sampleShare(t, sender.Identity(), recipient.Identity()), recipient.Identity())
	require.NoError(t, err)

	unsigned := *env
	unsigned.Signature = nil
	_, err = c.DecodeShare(recipient, &unsigned)
	assert.ErrorIs(t, err, interfaces.ErrMalformedEnvelope, "Missing signature should be malformed")

	forged := *env
	forged.Signature = append([]byte{}, env.Signature...)
	forged.Signature[3] ^= 0x01
	_, err = c.DecodeShare(recipient, &forged)
	assert.ErrorIs(t, err, interfaces.ErrMalformedEnvelope, "Invalid signature should be rejected")
}

func TestRecoveryRequestRoundtrip(t *testing.T) {
	c := NewECIESCodec()
	initiator := newKey(t)
	holder := newKey(t)

	secretID, err := interfaces.NewSecretID()
	require.NoError(t, err)

	expires := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)
	req := &interfaces.RecoveryRequest{
		ID:          "req-123",
		LockboxID:   "lockbox-7",
		Initiator:   initiator.Identity(),
		Threshold:   3,
		RequestedAt: time.Now().UTC().Truncate(time.Second),
		ExpiresAt:   &expires,
	}

	env, err := c.EncodeRecoveryRequest(initiator, req, secretID, holder.Identity())
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindRecoveryRequest, env.Kind)
	assert.Equal(t, secretID, env.SecretID, "Secret ID rides in the clear so stewards can locate their share")

	decoded, err := c.DecodeRecoveryRequest(holder, env)
	require.NoError(t, err)
	assert.Equal(t, req.ID, decoded.ID)
	assert.Equal(t, req.LockboxID, decoded.LockboxID)
	assert.Equal(t, initiator.Identity(), decoded.Initiator, "Initiator should come from the authenticated sender")
	assert.Equal(t, req.Threshold, decoded.Threshold)
	require.NotNil(t, decoded.ExpiresAt)
	assert.True(t, expires.Equal(*decoded.ExpiresAt), "Expiry should survive the roundtrip")
}

func TestRecoveryResponseRoundtrip(t *testing.T) {
	c := NewECIESCodec()
	initiator := newKey(t)
	steward := newKey(t)

	share := sampleShare(t, initiator.Identity(), steward.Identity())
	resp := &interfaces.RecoveryResponse{
		RequestID:   "req-123",
		Responder:   steward.Identity(),
		Decision:    interfaces.DecisionApproved,
		Share:       share,
		RespondedAt: time.Now().UTC().Truncate(time.Second),
	}

	env, err := c.EncodeRecoveryResponse(steward, resp, initiator.Identity())
	require.NoError(t, err)

	decoded, err := c.DecodeRecoveryResponse(initiator, env)
	require.NoError(t, err)
	assert.Equal(t, resp.RequestID, decoded.RequestID)
	assert.Equal(t, steward.Identity(), decoded.Responder, "Responder should come from the authenticated sender")
	assert.Equal(t, interfaces.DecisionApproved, decoded.Decision)
	assert.Equal(t, share, decoded.Share, "Approved response should carry the share")

	// A denial carries no share.
	denial := &interfaces.RecoveryResponse{
		RequestID:   "req-123",
		Responder:   steward.Identity(),
		Decision:    interfaces.DecisionDenied,
		RespondedAt: time.Now().UTC(),
	}
	env, err = c.EncodeRecoveryResponse(steward, denial, initiator.Identity())
	require.NoError(t, err)
	decoded, err = c.DecodeRecoveryResponse(initiator, env)
	require.NoError(t, err)
	assert.Nil(t, decoded.Share, "Denied response should carry no share")
}

func TestEnvelopeIDStability(t *testing.T) {
	c := NewECIESCodec()
	sender := newKey(t)
	recipient := newKey(t)

	env, err := c.EncodeShare(sender, sampleShare(t, sender.Identity(), recipient.Identity()), recipient.Identity())
	require.NoError(t, err)

	// The same envelope delivered by two relays has one identity.
	copied := *env
	assert.Equal(t, env.ID(), copied.ID(), "Identical envelope bytes should hash identically")

	other, err := c.EncodeShare(sender, sampleShare(t, sender.Identity(), recipient.Identity()), recipient.Identity())
	require.NoError(t, err)
	assert.NotEqual(t, env.ID(), other.ID(), "Distinct envelopes should have distinct identities")
}
