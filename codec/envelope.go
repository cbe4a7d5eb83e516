package codec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/stewardvault/recovery-backend/cryptoutils"
	"github.com/stewardvault/recovery-backend/interfaces"
)

// Codec translates between protocol records and transport envelopes.
// The canonical implementation is ECIESCodec; tests use MockCodec.
type Codec interface {
	// EncodeShare wraps one share in an envelope only the recipient can
	// open. Secret ID, threshold and share index ride in the clear as
	// authenticated routing metadata.
	EncodeShare(sender *cryptoutils.IdentityKey, share *interfaces.Share, recipient interfaces.Identity) (*interfaces.Envelope, error)

	// DecodeShare opens a share envelope addressed to the key's identity.
	DecodeShare(keys *cryptoutils.IdentityKey, env *interfaces.Envelope) (*interfaces.Share, error)

	// EncodeRecoveryRequest addresses a recovery broadcast to one key
	// holder.
	EncodeRecoveryRequest(sender *cryptoutils.IdentityKey, req *interfaces.RecoveryRequest, secretID interfaces.SecretID, recipient interfaces.Identity) (*interfaces.Envelope, error)

	// DecodeRecoveryRequest opens a recovery request addressed to the
	// key's identity. The initiator identity is taken from the
	// authenticated envelope sender.
	DecodeRecoveryRequest(keys *cryptoutils.IdentityKey, env *interfaces.Envelope) (*interfaces.RecoveryRequest, error)

	// EncodeRecoveryResponse addresses a steward's decision back to the
	// initiator.
	EncodeRecoveryResponse(sender *cryptoutils.IdentityKey, resp *interfaces.RecoveryResponse, recipient interfaces.Identity) (*interfaces.Envelope, error)

	// DecodeRecoveryResponse opens a response addressed to the key's
	// identity. The responder identity is taken from the authenticated
	// envelope sender.
	DecodeRecoveryResponse(keys *cryptoutils.IdentityKey, env *interfaces.Envelope) (*interfaces.RecoveryResponse, error)
}

// ECIESCodec is the canonical Codec: CBOR bodies encrypted per recipient
// with ECIES, envelope metadata authenticated as ECIES shared info, and
// the whole envelope signed by the sender.
type ECIESCodec struct{}

// NewECIESCodec creates the canonical envelope codec.
func NewECIESCodec() *ECIESCodec {
	return &ECIESCodec{}
}

// recoveryRequestBody is the encrypted wire body of a recovery broadcast.
type recoveryRequestBody struct {
	RequestID   interfaces.RequestID `cbor:"request_id"`
	LockboxID   interfaces.LockboxID `cbor:"lockbox_id"`
	Threshold   int                  `cbor:"threshold"`
	RequestedAt time.Time            `cbor:"requested_at"`
	ExpiresAt   *time.Time           `cbor:"expires_at,omitempty"`
}

// recoveryResponseBody is the encrypted wire body of a steward response.
type recoveryResponseBody struct {
	RequestID   interfaces.RequestID `cbor:"request_id"`
	Decision    interfaces.Decision  `cbor:"decision"`
	Share       *interfaces.Share    `cbor:"share,omitempty"`
	RespondedAt time.Time            `cbor:"responded_at"`
}

func (c *ECIESCodec) EncodeShare(sender *cryptoutils.IdentityKey, share *interfaces.Share, recipient interfaces.Identity) (*interfaces.Envelope, error) {
	if share == nil {
		return nil, fmt.Errorf("%w: nil share", interfaces.ErrMalformedEnvelope)
	}

	env := &interfaces.Envelope{
		Kind:       interfaces.KindShare,
		Sender:     sender.Identity(),
		Recipient:  recipient,
		SecretID:   share.SecretID,
		LockboxID:  share.LockboxID,
		Threshold:  share.Threshold,
		ShareIndex: share.Index,
		CreatedAt:  time.Now().UTC(),
	}

	body, err := Marshal(share)
	if err != nil {
		return nil, err
	}

	return c.seal(sender, env, body)
}

func (c *ECIESCodec) DecodeShare(keys *cryptoutils.IdentityKey, env *interfaces.Envelope) (*interfaces.Share, error) {
	body, err := c.open(keys, env, interfaces.KindShare)
	if err != nil {
		return nil, err
	}

	var share interfaces.Share
	if err := Unmarshal(body, &share); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedEnvelope, err)
	}

	// Clear metadata must agree with the encrypted body; a relay cannot
	// re-route a share by rewriting headers.
	if !share.SecretID.Equal(env.SecretID) || share.Index != env.ShareIndex || share.Threshold != env.Threshold {
		return nil, fmt.Errorf("%w: envelope metadata disagrees with encrypted share", interfaces.ErrMalformedEnvelope)
	}

	return &share, nil
}

func (c *ECIESCodec) EncodeRecoveryRequest(sender *cryptoutils.IdentityKey, req *interfaces.RecoveryRequest, secretID interfaces.SecretID, recipient interfaces.Identity) (*interfaces.Envelope, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", interfaces.ErrMalformedEnvelope)
	}

	env := &interfaces.Envelope{
		Kind:      interfaces.KindRecoveryRequest,
		Sender:    sender.Identity(),
		Recipient: recipient,
		SecretID:  secretID,
		LockboxID: req.LockboxID,
		Threshold: req.Threshold,
		CreatedAt: time.Now().UTC(),
	}

	body, err := Marshal(recoveryRequestBody{
		RequestID:   req.ID,
		LockboxID:   req.LockboxID,
		Threshold:   req.Threshold,
		RequestedAt: req.RequestedAt,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}

	return c.seal(sender, env, body)
}

func (c *ECIESCodec) DecodeRecoveryRequest(keys *cryptoutils.IdentityKey, env *interfaces.Envelope) (*interfaces.RecoveryRequest, error) {
	raw, err := c.open(keys, env, interfaces.KindRecoveryRequest)
	if err != nil {
		return nil, err
	}

	var body recoveryRequestBody
	if err := Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedEnvelope, err)
	}

	if body.RequestID == "" || body.LockboxID == "" || body.Threshold < 1 {
		return nil, fmt.Errorf("%w: incomplete recovery request body", interfaces.ErrMalformedEnvelope)
	}

	return &interfaces.RecoveryRequest{
		ID:          body.RequestID,
		LockboxID:   body.LockboxID,
		Initiator:   env.Sender,
		Threshold:   body.Threshold,
		RequestedAt: body.RequestedAt,
		ExpiresAt:   body.ExpiresAt,
		Status:      interfaces.StatusAwaitingResponses,
	}, nil
}

func (c *ECIESCodec) EncodeRecoveryResponse(sender *cryptoutils.IdentityKey, resp *interfaces.RecoveryResponse, recipient interfaces.Identity) (*interfaces.Envelope, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: nil response", interfaces.ErrMalformedEnvelope)
	}
	if !resp.Decision.Valid() {
		return nil, fmt.Errorf("%w: unknown decision %q", interfaces.ErrMalformedEnvelope, resp.Decision)
	}

	env := &interfaces.Envelope{
		Kind:      interfaces.KindRecoveryResponse,
		Sender:    sender.Identity(),
		Recipient: recipient,
		CreatedAt: time.Now().UTC(),
	}
	if resp.Share != nil {
		env.SecretID = resp.Share.SecretID
		env.LockboxID = resp.Share.LockboxID
	}

	body, err := Marshal(recoveryResponseBody{
		RequestID:   resp.RequestID,
		Decision:    resp.Decision,
		Share:       resp.Share,
		RespondedAt: resp.RespondedAt,
	})
	if err != nil {
		return nil, err
	}

	return c.seal(sender, env, body)
}

func (c *ECIESCodec) DecodeRecoveryResponse(keys *cryptoutils.IdentityKey, env *interfaces.Envelope) (*interfaces.RecoveryResponse, error) {
	raw, err := c.open(keys, env, interfaces.KindRecoveryResponse)
	if err != nil {
		return nil, err
	}

	var body recoveryResponseBody
	if err := Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedEnvelope, err)
	}

	if body.RequestID == "" || !body.Decision.Valid() {
		return nil, fmt.Errorf("%w: incomplete recovery response body", interfaces.ErrMalformedEnvelope)
	}
	if body.Decision == interfaces.DecisionApproved && body.Share == nil {
		return nil, fmt.Errorf("%w: approval without share payload", interfaces.ErrMalformedEnvelope)
	}

	return &interfaces.RecoveryResponse{
		RequestID:   body.RequestID,
		Responder:   env.Sender,
		Decision:    body.Decision,
		Share:       body.Share,
		RespondedAt: body.RespondedAt,
	}, nil
}

// seal encrypts the body for the envelope's recipient, authenticating the
// clear metadata, and signs the result with the sender key.
func (c *ECIESCodec) seal(sender *cryptoutils.IdentityKey, env *interfaces.Envelope, body []byte) (*interfaces.Envelope, error) {
	ciphertext, err := cryptoutils.EncryptForIdentity(env.Recipient, body, metadataAAD(env))
	if err != nil {
		return nil, err
	}
	env.Payload = ciphertext

	sig, err := sender.Sign(env.Digest())
	if err != nil {
		return nil, err
	}
	env.Signature = sig

	return env, nil
}

// open verifies structure and signature, then decrypts the body.
func (c *ECIESCodec) open(keys *cryptoutils.IdentityKey, env *interfaces.Envelope, want interfaces.EnvelopeKind) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", interfaces.ErrMalformedEnvelope)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.Kind != want {
		return nil, fmt.Errorf("%w: kind %q, expected %q", interfaces.ErrMalformedEnvelope, env.Kind, want)
	}
	if !env.Recipient.Equal(keys.Identity()) {
		return nil, fmt.Errorf("%w: envelope addressed to %s", interfaces.ErrDecryptionFailed, env.Recipient)
	}
	if err := cryptoutils.VerifySignature(env.Sender, env.Digest(), env.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedEnvelope, err)
	}

	body, err := keys.Decrypt(env.Payload, metadataAAD(env))
	if err != nil {
		return nil, err
	}
	return body, nil
}

// metadataAAD serializes the clear routing fields that must be
// authenticated alongside the ciphertext. Field order is fixed.
func metadataAAD(env *interfaces.Envelope) []byte {
	var buf []byte
	appendField := func(b []byte) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(b)))
		buf = append(buf, l[:]...)
		buf = append(buf, b...)
	}

	appendField([]byte(env.Kind))
	appendField(env.Sender[:])
	appendField(env.Recipient[:])
	appendField(env.SecretID[:])
	appendField([]byte(env.LockboxID))

	var meta [8]byte
	binary.BigEndian.PutUint32(meta[0:4], uint32(env.Threshold))
	binary.BigEndian.PutUint32(meta[4:8], uint32(env.ShareIndex))
	appendField(meta[:])

	return buf
}
