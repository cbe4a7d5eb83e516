package codec

import (
	"fmt"
	"time"

	"github.com/stewardvault/recovery-backend/cryptoutils"
	"github.com/stewardvault/recovery-backend/interfaces"
)

// MockCodec is the Codec test double: bodies are plain CBOR with no
// encryption and a fixed placeholder signature. Routing, metadata and
// addressing checks behave like the real codec so protocol tests exercise
// the same paths without key material cost.
type MockCodec struct{}

// NewMockCodec creates the test-double codec.
func NewMockCodec() *MockCodec {
	return &MockCodec{}
}

var mockSignature = []byte("mock-signature")

func (c *MockCodec) EncodeShare(sender *cryptoutils.IdentityKey, share *interfaces.Share, recipient interfaces.Identity) (*interfaces.Envelope, error) {
	body, err := Marshal(share)
	if err != nil {
		return nil, err
	}
	return &interfaces.Envelope{
		Kind:       interfaces.KindShare,
		Sender:     sender.Identity(),
		Recipient:  recipient,
		SecretID:   share.SecretID,
		LockboxID:  share.LockboxID,
		Threshold:  share.Threshold,
		ShareIndex: share.Index,
		Payload:    body,
		Signature:  mockSignature,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (c *MockCodec) DecodeShare(keys *cryptoutils.IdentityKey, env *interfaces.Envelope) (*interfaces.Share, error) {
	if err := c.check(keys, env, interfaces.KindShare); err != nil {
		return nil, err
	}
	var share interfaces.Share
	if err := Unmarshal(env.Payload, &share); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedEnvelope, err)
	}
	return &share, nil
}

func (c *MockCodec) EncodeRecoveryRequest(sender *cryptoutils.IdentityKey, req *interfaces.RecoveryRequest, secretID interfaces.SecretID, recipient interfaces.Identity) (*interfaces.Envelope, error) {
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
	return &interfaces.Envelope{
		Kind:      interfaces.KindRecoveryRequest,
		Sender:    sender.Identity(),
		Recipient: recipient,
		SecretID:  secretID,
		LockboxID: req.LockboxID,
		Threshold: req.Threshold,
		Payload:   body,
		Signature: mockSignature,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (c *MockCodec) DecodeRecoveryRequest(keys *cryptoutils.IdentityKey, env *interfaces.Envelope) (*interfaces.RecoveryRequest, error) {
	if err := c.check(keys, env, interfaces.KindRecoveryRequest); err != nil {
		return nil, err
	}
	var body recoveryRequestBody
	if err := Unmarshal(env.Payload, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedEnvelope, err)
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

func (c *MockCodec) EncodeRecoveryResponse(sender *cryptoutils.IdentityKey, resp *interfaces.RecoveryResponse, recipient interfaces.Identity) (*interfaces.Envelope, error) {
	body, err := Marshal(recoveryResponseBody{
		RequestID:   resp.RequestID,
		Decision:    resp.Decision,
		Share:       resp.Share,
		RespondedAt: resp.RespondedAt,
	})
	if err != nil {
		return nil, err
	}
	env := &interfaces.Envelope{
		Kind:      interfaces.KindRecoveryResponse,
		Sender:    sender.Identity(),
		Recipient: recipient,
		Payload:   body,
		Signature: mockSignature,
		CreatedAt: time.Now().UTC(),
	}
	if resp.Share != nil {
		env.SecretID = resp.Share.SecretID
		env.LockboxID = resp.Share.LockboxID
	}
	return env, nil
}

func (c *MockCodec) DecodeRecoveryResponse(keys *cryptoutils.IdentityKey, env *interfaces.Envelope) (*interfaces.RecoveryResponse, error) {
	if err := c.check(keys, env, interfaces.KindRecoveryResponse); err != nil {
		return nil, err
	}
	var body recoveryResponseBody
	if err := Unmarshal(env.Payload, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedEnvelope, err)
	}
	return &interfaces.RecoveryResponse{
		RequestID:   body.RequestID,
		Responder:   env.Sender,
		Decision:    body.Decision,
		Share:       body.Share,
		RespondedAt: body.RespondedAt,
	}, nil
}

func (c *MockCodec) check(keys *cryptoutils.IdentityKey, env *interfaces.Envelope, want interfaces.EnvelopeKind) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", interfaces.ErrMalformedEnvelope)
	}
	if env.Kind != want {
		return fmt.Errorf("%w: kind %q, expected %q", interfaces.ErrMalformedEnvelope, env.Kind, want)
	}
	if !env.Recipient.Equal(keys.Identity()) {
		return fmt.Errorf("%w: envelope addressed to %s", interfaces.ErrDecryptionFailed, env.Recipient)
	}
	return nil
}
