// Package coordinator runs the recovery state machine: it creates
// recovery requests, broadcasts them to key holders, tallies responses,
// and reconstructs the secret once enough approvals carry valid shares.
//
// Requests move pending -> awaiting_responses -> one of completed,
// failed, expired, cancelled. Transitions for one request are strictly
// serialized under a per-request lock; different requests proceed in
// parallel. Only logical outcomes change status: transport errors are
// retried below this layer and surface here as "no response yet".
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stewardvault/recovery-backend/codec"
	"github.com/stewardvault/recovery-backend/cryptoutils"
	"github.com/stewardvault/recovery-backend/interfaces"
)

// Status is a point-in-time snapshot of one recovery request with live
// approve/deny counts. Secret is set only once the request completed.
type Status struct {
	Request   interfaces.RecoveryRequest
	SecretID  interfaces.SecretID
	Approvals int
	Denials   int
	Secret    []byte
}

// StatusUpdate is sent on Watch channels whenever a request changes
// status or tallies a response.
type StatusUpdate struct {
	RequestID interfaces.RequestID
	LockboxID interfaces.LockboxID
	Status    interfaces.RequestStatus
	Approvals int
	Denials   int
}

// Coordinator drives recovery requests initiated by the local identity
// and answers requests addressed to it.
type Coordinator struct {
	keys      *cryptoutils.IdentityKey
	codec     codec.Codec
	transport interfaces.Transport
	store     interfaces.Persistence
	log       *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	requests map[interfaces.RequestID]*requestState

	watchMu  sync.Mutex
	watchers map[chan StatusUpdate]struct{}

	seenMu sync.Mutex
	seen   map[interfaces.EnvelopeID]struct{}
}

// requestState holds everything about one locally initiated request.
// All fields past mu are guarded by mu: transitions are single-writer
// per request id.
type requestState struct {
	mu        sync.Mutex
	req       interfaces.RecoveryRequest
	secretID  interfaces.SecretID
	responses map[interfaces.Identity]*interfaces.RecoveryResponse
	discarded map[interfaces.Identity]bool
	unreached []interfaces.Identity
	secret    []byte
}

// storedRequest is the persisted form of a locally initiated request.
type storedRequest struct {
	Request  interfaces.RecoveryRequest `cbor:"request"`
	SecretID interfaces.SecretID        `cbor:"secret_id"`
}

// New creates a coordinator bound to the local identity.
func New(keys *cryptoutils.IdentityKey, c codec.Codec, transport interfaces.Transport, store interfaces.Persistence, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		keys:      keys,
		codec:     c,
		transport: transport,
		store:     store,
		log:       log,
		now:       time.Now,
		requests:  make(map[interfaces.RequestID]*requestState),
		watchers:  make(map[chan StatusUpdate]struct{}),
		seen:      make(map[interfaces.EnvelopeID]struct{}),
	}
}

// InitiateRecovery creates a recovery request for the given secret and
// broadcasts it to every key holder. The request moves to
// awaiting_responses as soon as at least one holder was reached;
// unreached holders are recorded and can be retried with Rebroadcast.
// A zero ttl means the request never expires.
func (c *Coordinator) InitiateRecovery(ctx context.Context, lockboxID interfaces.LockboxID, secretID interfaces.SecretID, keyHolders []interfaces.Identity, threshold int, ttl time.Duration) (*interfaces.RecoveryRequest, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("%w: threshold %d must be at least 1", interfaces.ErrInvalidParameters, threshold)
	}
	if len(keyHolders) < threshold {
		return nil, fmt.Errorf("%w: %d key holders cannot satisfy threshold %d", interfaces.ErrInvalidParameters, len(keyHolders), threshold)
	}
	unique := make(map[interfaces.Identity]struct{}, len(keyHolders))
	for _, holder := range keyHolders {
		if _, dup := unique[holder]; dup {
			return nil, fmt.Errorf("%w: duplicate key holder %s", interfaces.ErrInvalidParameters, holder)
		}
		unique[holder] = struct{}{}
	}

	now := c.now().UTC()
	req := interfaces.RecoveryRequest{
		ID:          interfaces.RequestID(uuid.NewString()),
		LockboxID:   lockboxID,
		Initiator:   c.keys.Identity(),
		KeyHolders:  keyHolders,
		Threshold:   threshold,
		RequestedAt: now,
		Status:      interfaces.StatusPending,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		req.ExpiresAt = &expires
	}

	state := &requestState{
		req:       req,
		secretID:  secretID,
		responses: make(map[interfaces.Identity]*interfaces.RecoveryResponse),
		discarded: make(map[interfaces.Identity]bool),
	}
	c.mu.Lock()
	c.requests[req.ID] = state
	c.mu.Unlock()

	state.mu.Lock()
	defer state.mu.Unlock()

	if err := c.persistRequest(ctx, state); err != nil {
		return nil, err
	}

	reached := c.broadcastLocked(ctx, state, keyHolders)
	selfHolds := req.HasKeyHolder(c.keys.Identity())
	if reached == 0 && !selfHolds {
		c.log.Error("recovery broadcast reached no key holders",
			"requestID", req.ID, "lockboxID", lockboxID)
		return nil, fmt.Errorf("failed to broadcast recovery request %s: %w", req.ID, interfaces.ErrRelayUnavailable)
	}

	state.req.Status = interfaces.StatusAwaitingResponses
	if err := c.persistRequest(ctx, state); err != nil {
		return nil, err
	}
	c.log.Info("initiated recovery",
		"requestID", req.ID,
		"lockboxID", lockboxID,
		"secretID", secretID,
		"keyHolders", len(keyHolders),
		"threshold", threshold,
		"unreached", len(state.unreached))
	c.notifyLocked(state)

	// An initiator that is itself a key holder contributes its own
	// stored share without a relay round trip.
	if selfHolds {
		if share := c.ownShare(ctx, secretID); share != nil {
			self := &interfaces.RecoveryResponse{
				RequestID:   req.ID,
				Responder:   c.keys.Identity(),
				Decision:    interfaces.DecisionApproved,
				Share:       share,
				RespondedAt: now,
			}
			if err := c.recordResponseLocked(ctx, state, self); err != nil {
				c.log.Warn("failed to record own share", "requestID", req.ID, "err", err)
			}
		}
	}

	out := state.req
	return &out, nil
}

// RecordResponse applies one steward response to its request. The upsert
// is idempotent per (requestID, responder): the newest respondedAt wins
// and, on equal timestamps, the response processed last. Responses for
// terminal requests are ignored without error.
func (c *Coordinator) RecordResponse(ctx context.Context, requestID interfaces.RequestID, resp *interfaces.RecoveryResponse) error {
	state, err := c.state(requestID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return c.recordResponseLocked(ctx, state, resp)
}

func (c *Coordinator) recordResponseLocked(ctx context.Context, state *requestState, resp *interfaces.RecoveryResponse) error {
	if state.req.Status.Terminal() {
		c.log.Debug("ignoring response for terminal request",
			"requestID", state.req.ID, "status", state.req.Status, "responder", resp.Responder)
		return nil
	}
	if !resp.Decision.Valid() {
		c.log.Warn("dropping response with unknown decision",
			"requestID", state.req.ID, "responder", resp.Responder, "decision", resp.Decision)
		return nil
	}
	if !state.req.HasKeyHolder(resp.Responder) {
		c.log.Warn("dropping response from non key holder",
			"requestID", state.req.ID, "responder", resp.Responder)
		return nil
	}
	if existing, ok := state.responses[resp.Responder]; ok {
		if resp.RespondedAt.Before(existing.RespondedAt) {
			c.log.Debug("ignoring stale response",
				"requestID", state.req.ID, "responder", resp.Responder)
			return nil
		}
	}
	state.responses[resp.Responder] = resp
	// A replacement response gets a fresh chance at reconstruction.
	delete(state.discarded, resp.Responder)

	raw, err := codec.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	key := fmt.Sprintf("%s/%s", state.req.ID, resp.Responder)
	if err := c.store.Put(ctx, interfaces.NamespaceResponses, key, raw); err != nil {
		return fmt.Errorf("failed to persist response: %w", err)
	}

	c.log.Info("recorded response",
		"requestID", state.req.ID,
		"responder", resp.Responder,
		"decision", resp.Decision)
	return c.evaluateLocked(ctx, state)
}

// evaluateLocked recomputes the tallies and applies any status
// transition they imply.
func (c *Coordinator) evaluateLocked(ctx context.Context, state *requestState) error {
	approvals, denials := state.tally()

	if approvals >= state.req.Threshold {
		secret, discard, err := c.reconstructLocked(state)
		for _, responder := range discard {
			state.discarded[responder] = true
			c.log.Warn("discarding response with inconsistent share",
				"requestID", state.req.ID, "responder", responder)
		}
		if err == nil {
			state.secret = secret
			return c.transitionLocked(ctx, state, interfaces.StatusCompleted)
		}
		c.log.Warn("reconstruction not yet possible, awaiting further approvals",
			"requestID", state.req.ID, "err", err)
		c.notifyLocked(state)
		return nil
	}

	if len(state.req.KeyHolders)-denials < state.req.Threshold {
		return c.transitionLocked(ctx, state, interfaces.StatusFailed)
	}

	c.notifyLocked(state)
	return nil
}

// CheckExpiry moves every request whose expiry has passed to expired.
// It is driven by the daemon's scan loop.
func (c *Coordinator) CheckExpiry(ctx context.Context, now time.Time) {
	c.mu.Lock()
	states := make([]*requestState, 0, len(c.requests))
	for _, state := range c.requests {
		states = append(states, state)
	}
	c.mu.Unlock()

	for _, state := range states {
		state.mu.Lock()
		if !state.req.Status.Terminal() && state.req.ExpiresAt != nil && now.After(*state.req.ExpiresAt) {
			if err := c.transitionLocked(ctx, state, interfaces.StatusExpired); err != nil {
				c.log.Error("failed to expire request", "requestID", state.req.ID, "err", err)
			}
		}
		state.mu.Unlock()
	}
}

// Cancel stops further response processing for the request. Cancelling
// a terminal request returns ErrRequestTerminal; shares already
// disclosed by stewards are not retracted.
func (c *Coordinator) Cancel(ctx context.Context, requestID interfaces.RequestID) error {
	state, err := c.state(requestID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.req.Status.Terminal() {
		return fmt.Errorf("cannot cancel request %s in status %s: %w", requestID, state.req.Status, interfaces.ErrRequestTerminal)
	}
	return c.transitionLocked(ctx, state, interfaces.StatusCancelled)
}

// Status returns a snapshot of the request with live tallies. The
// recovered secret is included once the request completed.
func (c *Coordinator) Status(requestID interfaces.RequestID) (*Status, error) {
	state, err := c.state(requestID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.snapshot(), nil
}

// RequestsForLockbox returns snapshots of every known request for the
// lockbox, newest first.
func (c *Coordinator) RequestsForLockbox(lockboxID interfaces.LockboxID) []*Status {
	c.mu.Lock()
	states := make([]*requestState, 0, len(c.requests))
	for _, state := range c.requests {
		states = append(states, state)
	}
	c.mu.Unlock()

	var out []*Status
	for _, state := range states {
		state.mu.Lock()
		if state.req.LockboxID == lockboxID {
			out = append(out, state.snapshot())
		}
		state.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Request.RequestedAt.After(out[j].Request.RequestedAt)
	})
	return out
}

// Rebroadcast reissues the recovery request to every key holder that
// has not responded yet.
func (c *Coordinator) Rebroadcast(ctx context.Context, requestID interfaces.RequestID) error {
	state, err := c.state(requestID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.req.Status.Terminal() {
		return fmt.Errorf("cannot rebroadcast request %s in status %s: %w", requestID, state.req.Status, interfaces.ErrRequestTerminal)
	}
	var pending []interfaces.Identity
	for _, holder := range state.req.KeyHolders {
		if holder == c.keys.Identity() {
			continue
		}
		if _, responded := state.responses[holder]; !responded {
			pending = append(pending, holder)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	c.broadcastLocked(ctx, state, pending)
	c.log.Info("rebroadcast recovery request",
		"requestID", requestID, "holders", len(pending), "unreached", len(state.unreached))
	return nil
}

// Watch returns a channel of status updates for all requests. The
// channel closes when the context is cancelled. Slow consumers miss
// updates rather than blocking the state machine.
func (c *Coordinator) Watch(ctx context.Context) <-chan StatusUpdate {
	ch := make(chan StatusUpdate, 16)
	c.watchMu.Lock()
	c.watchers[ch] = struct{}{}
	c.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		c.watchMu.Lock()
		delete(c.watchers, ch)
		c.watchMu.Unlock()
		close(ch)
	}()
	return ch
}

// Restore rehydrates locally initiated requests and their responses
// from persistence after a restart. Terminal requests keep their
// status; secrets of completed requests are not recovered (they are
// never persisted) and require a fresh recovery.
func (c *Coordinator) Restore(ctx context.Context) error {
	keys, err := c.store.List(ctx, interfaces.NamespaceRequests, "")
	if err != nil {
		return fmt.Errorf("failed to list persisted requests: %w", err)
	}
	for _, key := range keys {
		raw, err := c.store.Get(ctx, interfaces.NamespaceRequests, key)
		if err != nil {
			return fmt.Errorf("failed to load request %s: %w", key, err)
		}
		var stored storedRequest
		if err := codec.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("failed to decode request %s: %w", key, err)
		}
		state := &requestState{
			req:       stored.Request,
			secretID:  stored.SecretID,
			responses: make(map[interfaces.Identity]*interfaces.RecoveryResponse),
			discarded: make(map[interfaces.Identity]bool),
		}

		respKeys, err := c.store.List(ctx, interfaces.NamespaceResponses, string(stored.Request.ID)+"/")
		if err != nil {
			return fmt.Errorf("failed to list responses for %s: %w", stored.Request.ID, err)
		}
		for _, respKey := range respKeys {
			raw, err := c.store.Get(ctx, interfaces.NamespaceResponses, respKey)
			if err != nil {
				return fmt.Errorf("failed to load response %s: %w", respKey, err)
			}
			var resp interfaces.RecoveryResponse
			if err := codec.Unmarshal(raw, &resp); err != nil {
				return fmt.Errorf("failed to decode response %s: %w", respKey, err)
			}
			state.responses[resp.Responder] = &resp
		}

		c.mu.Lock()
		c.requests[stored.Request.ID] = state
		c.mu.Unlock()
	}
	c.log.Info("restored recovery state", "requests", len(keys))
	return nil
}

func (c *Coordinator) state(requestID interfaces.RequestID) (*requestState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, interfaces.ErrRequestNotFound)
	}
	return state, nil
}

// broadcastLocked sends the request envelope to each holder and returns
// how many were reached. Failures are recorded in state.unreached.
func (c *Coordinator) broadcastLocked(ctx context.Context, state *requestState, holders []interfaces.Identity) int {
	state.unreached = nil
	reached := 0
	for _, holder := range holders {
		if holder == c.keys.Identity() {
			continue
		}
		env, err := c.codec.EncodeRecoveryRequest(c.keys, &state.req, state.secretID, holder)
		if err != nil {
			c.log.Error("failed to encode recovery request",
				"requestID", state.req.ID, "holder", holder, "err", err)
			state.unreached = append(state.unreached, holder)
			continue
		}
		if _, err := c.transport.Publish(ctx, env); err != nil {
			c.log.Warn("failed to reach key holder",
				"requestID", state.req.ID, "holder", holder, "err", err)
			state.unreached = append(state.unreached, holder)
			continue
		}
		reached++
	}
	return reached
}

// transitionLocked moves the request to a new status, persists it and
// notifies watchers.
func (c *Coordinator) transitionLocked(ctx context.Context, state *requestState, status interfaces.RequestStatus) error {
	state.req.Status = status
	if err := c.persistRequest(ctx, state); err != nil {
		return err
	}
	c.log.Info("recovery request transitioned",
		"requestID", state.req.ID,
		"lockboxID", state.req.LockboxID,
		"status", status)
	c.notifyLocked(state)
	return nil
}

func (c *Coordinator) persistRequest(ctx context.Context, state *requestState) error {
	raw, err := codec.Marshal(storedRequest{Request: state.req, SecretID: state.secretID})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	key := fmt.Sprintf("%s/%s", state.req.LockboxID, state.req.ID)
	if err := c.store.Put(ctx, interfaces.NamespaceRequests, key, raw); err != nil {
		return fmt.Errorf("failed to persist request: %w", err)
	}
	return nil
}

func (c *Coordinator) notifyLocked(state *requestState) {
	approvals, denials := state.tally()
	update := StatusUpdate{
		RequestID: state.req.ID,
		LockboxID: state.req.LockboxID,
		Status:    state.req.Status,
		Approvals: approvals,
		Denials:   denials,
	}
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for ch := range c.watchers {
		select {
		case ch <- update:
		default:
		}
	}
}

// ownShare loads the local identity's stored share of the secret, if
// any.
func (c *Coordinator) ownShare(ctx context.Context, secretID interfaces.SecretID) *interfaces.Share {
	keys, err := c.store.List(ctx, interfaces.NamespaceShares, secretID.String()+"/")
	if err != nil || len(keys) == 0 {
		return nil
	}
	raw, err := c.store.Get(ctx, interfaces.NamespaceShares, keys[0])
	if err != nil {
		return nil
	}
	var share interfaces.Share
	if err := codec.Unmarshal(raw, &share); err != nil {
		return nil
	}
	return &share
}

// tally counts live approvals that carry a usable share and live
// denials. Discarded responses count toward neither.
func (s *requestState) tally() (approvals, denials int) {
	for responder, resp := range s.responses {
		if s.discarded[responder] {
			continue
		}
		switch resp.Decision {
		case interfaces.DecisionApproved:
			if resp.Share != nil {
				approvals++
			}
		case interfaces.DecisionDenied:
			denials++
		}
	}
	return approvals, denials
}

func (s *requestState) snapshot() *Status {
	approvals, denials := s.tally()
	out := &Status{
		Request:   s.req,
		SecretID:  s.secretID,
		Approvals: approvals,
		Denials:   denials,
	}
	if s.req.Status == interfaces.StatusCompleted && s.secret != nil {
		out.Secret = append([]byte(nil), s.secret...)
	}
	return out
}
