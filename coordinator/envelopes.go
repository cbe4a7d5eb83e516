package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/stewardvault/recovery-backend/codec"
	"github.com/stewardvault/recovery-backend/interfaces"
)

// InboundRequest is a recovery request received as a key holder,
// together with the secret it asks shares for.
type InboundRequest struct {
	Request  interfaces.RecoveryRequest `cbor:"request"`
	SecretID interfaces.SecretID        `cbor:"secret_id"`
}

// HandleEnvelope routes one transport envelope: recovery requests are
// stored for the steward to answer, recovery responses feed the state
// machine. Share envelopes belong to the distributor and are ignored.
// Undecodable envelopes are dropped with a log line; duplicates of
// already-processed envelopes are no-ops.
func (c *Coordinator) HandleEnvelope(ctx context.Context, env *interfaces.Envelope) error {
	c.seenMu.Lock()
	if _, dup := c.seen[env.ID()]; dup {
		c.seenMu.Unlock()
		return nil
	}
	c.seen[env.ID()] = struct{}{}
	c.seenMu.Unlock()

	switch env.Kind {
	case interfaces.KindRecoveryRequest:
		req, err := c.codec.DecodeRecoveryRequest(c.keys, env)
		if err != nil {
			c.log.Warn("dropping undecodable recovery request",
				"envelopeID", env.ID(), "sender", env.Sender, "err", err)
			return nil
		}
		inbound := InboundRequest{Request: *req, SecretID: env.SecretID}
		raw, err := codec.Marshal(inbound)
		if err != nil {
			return fmt.Errorf("failed to encode inbound request: %w", err)
		}
		if err := c.store.Put(ctx, interfaces.NamespaceInbound, string(req.ID), raw); err != nil {
			return fmt.Errorf("failed to persist inbound request: %w", err)
		}
		c.log.Info("received recovery request",
			"requestID", req.ID,
			"lockboxID", req.LockboxID,
			"initiator", req.Initiator,
			"secretID", env.SecretID)
		return nil

	case interfaces.KindRecoveryResponse:
		resp, err := c.codec.DecodeRecoveryResponse(c.keys, env)
		if err != nil {
			c.log.Warn("dropping undecodable recovery response",
				"envelopeID", env.ID(), "sender", env.Sender, "err", err)
			return nil
		}
		if err := c.RecordResponse(ctx, resp.RequestID, resp); err != nil {
			if errors.Is(err, interfaces.ErrRequestNotFound) {
				c.log.Warn("dropping response for unknown request",
					"requestID", resp.RequestID, "responder", resp.Responder)
				return nil
			}
			return err
		}
		return nil

	case interfaces.KindShare:
		return nil

	default:
		c.log.Warn("dropping envelope of unknown kind", "kind", env.Kind, "sender", env.Sender)
		return nil
	}
}

// PollInbox fetches everything addressed to the local identity from the
// relays and routes it through HandleEnvelope. Transport errors abort
// the poll; envelope-level errors only skip the envelope.
func (c *Coordinator) PollInbox(ctx context.Context) error {
	envs, err := c.transport.Fetch(ctx, c.keys.Identity())
	if err != nil {
		return fmt.Errorf("failed to fetch envelopes: %w", err)
	}
	for _, env := range envs {
		if err := c.HandleEnvelope(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// InboundRequests lists recovery requests received as a key holder.
func (c *Coordinator) InboundRequests(ctx context.Context) ([]InboundRequest, error) {
	keys, err := c.store.List(ctx, interfaces.NamespaceInbound, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list inbound requests: %w", err)
	}
	out := make([]InboundRequest, 0, len(keys))
	for _, key := range keys {
		raw, err := c.store.Get(ctx, interfaces.NamespaceInbound, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load inbound request %s: %w", key, err)
		}
		var inbound InboundRequest
		if err := codec.Unmarshal(raw, &inbound); err != nil {
			return nil, fmt.Errorf("failed to decode inbound request %s: %w", key, err)
		}
		out = append(out, inbound)
	}
	return out, nil
}

// Respond answers a received recovery request as a steward. Approval
// releases the locally stored share of the requested secret back to the
// initiator; denial withholds it. Responding is final on this side: the
// envelope is published to the relays and cannot be retracted.
func (c *Coordinator) Respond(ctx context.Context, requestID interfaces.RequestID, decision interfaces.Decision) error {
	if !decision.Valid() {
		return fmt.Errorf("%w: unknown decision %q", interfaces.ErrInvalidParameters, decision)
	}

	raw, err := c.store.Get(ctx, interfaces.NamespaceInbound, string(requestID))
	if err != nil {
		return fmt.Errorf("no received request %s: %w", requestID, err)
	}
	var inbound InboundRequest
	if err := codec.Unmarshal(raw, &inbound); err != nil {
		return fmt.Errorf("failed to decode inbound request: %w", err)
	}

	resp := &interfaces.RecoveryResponse{
		RequestID:   requestID,
		Responder:   c.keys.Identity(),
		Decision:    decision,
		RespondedAt: c.now().UTC(),
	}
	if decision == interfaces.DecisionApproved {
		share := c.ownShare(ctx, inbound.SecretID)
		if share == nil {
			return fmt.Errorf("no local share for secret %s: %w", inbound.SecretID, interfaces.ErrRecordNotFound)
		}
		resp.Share = share
	}

	env, err := c.codec.EncodeRecoveryResponse(c.keys, resp, inbound.Request.Initiator)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if _, err := c.transport.Publish(ctx, env); err != nil {
		return fmt.Errorf("failed to publish response: %w", err)
	}
	c.log.Info("responded to recovery request",
		"requestID", requestID,
		"initiator", inbound.Request.Initiator,
		"decision", decision)
	return nil
}
