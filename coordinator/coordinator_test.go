package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardvault/recovery-backend/codec"
	"github.com/stewardvault/recovery-backend/cryptoutils"
	"github.com/stewardvault/recovery-backend/interfaces"
	"github.com/stewardvault/recovery-backend/sharing"
	"github.com/stewardvault/recovery-backend/storage"
	"github.com/stewardvault/recovery-backend/transport"
)

type fixture struct {
	owner    *cryptoutils.IdentityKey
	stewards []*cryptoutils.IdentityKey
	holders  []interfaces.Identity
	secret   []byte
	set      *interfaces.ShareSet

	transport *transport.MockTransport
	store     *storage.MemoryStore
	coord     *Coordinator
}

func newFixture(t *testing.T, holders, threshold int) *fixture {
	t.Helper()

	owner, err := cryptoutils.GenerateIdentityKey()
	require.NoError(t, err)

	f := &fixture{
		owner:     owner,
		secret:    make([]byte, 100),
		transport: transport.NewMockTransport(),
		store:     storage.NewMemoryStore(),
	}
	for i := range f.secret {
		f.secret[i] = byte(i * 7)
	}
	for i := 0; i < holders; i++ {
		key, err := cryptoutils.GenerateIdentityKey()
		require.NoError(t, err)
		f.stewards = append(f.stewards, key)
		f.holders = append(f.holders, key.Identity())
	}

	set, err := sharing.Split(f.secret, threshold, holders, "lockbox-1", owner.Identity())
	require.NoError(t, err)
	f.set = set

	f.coord = New(owner, codec.NewECIESCodec(), f.transport, f.store, nil)
	return f
}

func (f *fixture) initiate(t *testing.T, threshold int, ttl time.Duration) interfaces.RequestID {
	t.Helper()
	req, err := f.coord.InitiateRecovery(context.Background(), "lockbox-1", f.set.SecretID, f.holders, threshold, ttl)
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusAwaitingResponses, req.Status)
	return req.ID
}

func (f *fixture) approval(i int, at time.Time) *interfaces.RecoveryResponse {
	share := f.set.Shares[i]
	return &interfaces.RecoveryResponse{
		Responder:   f.holders[i],
		Decision:    interfaces.DecisionApproved,
		Share:       &share,
		RespondedAt: at,
	}
}

func (f *fixture) denial(i int, at time.Time) *interfaces.RecoveryResponse {
	return &interfaces.RecoveryResponse{
		Responder:   f.holders[i],
		Decision:    interfaces.DecisionDenied,
		RespondedAt: at,
	}
}

func (f *fixture) record(t *testing.T, id interfaces.RequestID, resp *interfaces.RecoveryResponse) {
	t.Helper()
	resp.RequestID = id
	require.NoError(t, f.coord.RecordResponse(context.Background(), id, resp))
}

func (f *fixture) status(t *testing.T, id interfaces.RequestID) *Status {
	t.Helper()
	status, err := f.coord.Status(id)
	require.NoError(t, err)
	return status
}

func TestInitiateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5, 3)

	_, err := f.coord.InitiateRecovery(ctx, "lockbox-1", f.set.SecretID, f.holders, 0, 0)
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameters, "threshold below 1")

	_, err = f.coord.InitiateRecovery(ctx, "lockbox-1", f.set.SecretID, f.holders[:2], 3, 0)
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameters, "too few holders for threshold")

	dup := []interfaces.Identity{f.holders[0], f.holders[0], f.holders[1]}
	_, err = f.coord.InitiateRecovery(ctx, "lockbox-1", f.set.SecretID, dup, 2, 0)
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameters, "duplicate holders")
}

func TestInitiateBroadcastsToAllHolders(t *testing.T) {
	f := newFixture(t, 5, 3)
	f.initiate(t, 3, 0)

	for i, holder := range f.holders {
		assert.Equal(t, 1, f.transport.MailboxSize(holder), "holder %d should have received the request", i)
	}
}

func TestInitiatePartialBroadcastFailureStillTransitions(t *testing.T) {
	f := newFixture(t, 5, 3)
	f.transport.FailRecipients = map[interfaces.Identity]bool{f.holders[1]: true}

	id := f.initiate(t, 3, 0)
	assert.Equal(t, interfaces.StatusAwaitingResponses, f.status(t, id).Request.Status)
	assert.Equal(t, 0, f.transport.MailboxSize(f.holders[1]))
}

func TestInitiateTotalBroadcastFailure(t *testing.T) {
	f := newFixture(t, 5, 3)
	f.transport.FailPublish = true

	_, err := f.coord.InitiateRecovery(context.Background(), "lockbox-1", f.set.SecretID, f.holders, 3, 0)
	assert.ErrorIs(t, err, interfaces.ErrRelayUnavailable)
}

func TestCompletesOnThirdApproval(t *testing.T) {
	f := newFixture(t, 5, 3)
	id := f.initiate(t, 3, 0)
	now := time.Now().UTC()

	f.record(t, id, f.denial(0, now))
	f.record(t, id, f.approval(1, now))
	f.record(t, id, f.denial(4, now))
	f.record(t, id, f.approval(2, now))
	status := f.status(t, id)
	assert.Equal(t, interfaces.StatusAwaitingResponses, status.Request.Status, "two approvals must not complete a threshold of three")
	assert.Equal(t, 2, status.Approvals)
	assert.Equal(t, 2, status.Denials)

	f.record(t, id, f.approval(3, now))
	status = f.status(t, id)
	assert.Equal(t, interfaces.StatusCompleted, status.Request.Status)
	assert.Equal(t, f.secret, status.Secret, "recovered secret must equal the original bytes")
}

func TestFailsOnThirdDenial(t *testing.T) {
	f := newFixture(t, 5, 3)
	id := f.initiate(t, 3, 0)
	now := time.Now().UTC()

	f.record(t, id, f.denial(0, now))
	f.record(t, id, f.approval(1, now))
	f.record(t, id, f.denial(2, now))
	assert.Equal(t, interfaces.StatusAwaitingResponses, f.status(t, id).Request.Status)

	// The third denial leaves only 2 possible approvals for a threshold
	// of 3.
	f.record(t, id, f.denial(3, now))
	status := f.status(t, id)
	assert.Equal(t, interfaces.StatusFailed, status.Request.Status)
	assert.Equal(t, 3, status.Denials)

	// Terminal: a late approval changes nothing.
	f.record(t, id, f.approval(4, now.Add(time.Second)))
	assert.Equal(t, interfaces.StatusFailed, f.status(t, id).Request.Status)
}

func TestRecordResponseIdempotent(t *testing.T) {
	f := newFixture(t, 5, 3)
	id := f.initiate(t, 3, 0)
	now := time.Now().UTC()

	resp := f.approval(0, now)
	f.record(t, id, resp)
	f.record(t, id, resp)
	f.record(t, id, f.approval(0, now))

	status := f.status(t, id)
	assert.Equal(t, 1, status.Approvals, "the same responder must count once")
	assert.Equal(t, interfaces.StatusAwaitingResponses, status.Request.Status)
}

func TestResponseTieBreak(t *testing.T) {
	f := newFixture(t, 5, 3)
	id := f.initiate(t, 3, 0)
	base := time.Now().UTC()

	// Latest respondedAt wins.
	f.record(t, id, f.approval(0, base))
	f.record(t, id, f.denial(0, base.Add(time.Second)))
	status := f.status(t, id)
	assert.Equal(t, 0, status.Approvals)
	assert.Equal(t, 1, status.Denials)

	// A stale earlier response is ignored.
	f.record(t, id, f.approval(0, base.Add(-time.Second)))
	status = f.status(t, id)
	assert.Equal(t, 0, status.Approvals)
	assert.Equal(t, 1, status.Denials)

	// Equal timestamps: the response processed last wins.
	f.record(t, id, f.approval(1, base))
	f.record(t, id, f.denial(1, base))
	status = f.status(t, id)
	assert.Equal(t, 0, status.Approvals)
	assert.Equal(t, 2, status.Denials)
}

func TestResponseFromNonHolderIgnored(t *testing.T) {
	f := newFixture(t, 5, 3)
	id := f.initiate(t, 3, 0)

	outsider, err := cryptoutils.GenerateIdentityKey()
	require.NoError(t, err)
	share := f.set.Shares[0]
	f.record(t, id, &interfaces.RecoveryResponse{
		Responder:   outsider.Identity(),
		Decision:    interfaces.DecisionApproved,
		Share:       &share,
		RespondedAt: time.Now().UTC(),
	})
	assert.Equal(t, 0, f.status(t, id).Approvals)
}

func TestExpiry(t *testing.T) {
	f := newFixture(t, 5, 3)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.coord.now = func() time.Time { return base }

	id := f.initiate(t, 3, time.Hour)
	f.record(t, id, f.approval(0, base))
	assert.Equal(t, interfaces.StatusAwaitingResponses, f.status(t, id).Request.Status)

	// Not yet due.
	f.coord.CheckExpiry(context.Background(), base.Add(30*time.Minute))
	assert.Equal(t, interfaces.StatusAwaitingResponses, f.status(t, id).Request.Status)

	f.coord.CheckExpiry(context.Background(), base.Add(2*time.Hour))
	assert.Equal(t, interfaces.StatusExpired, f.status(t, id).Request.Status)

	// Expired is frozen: further approvals are ignored without error.
	f.record(t, id, f.approval(1, base.Add(time.Minute)))
	f.record(t, id, f.approval(2, base.Add(time.Minute)))
	status := f.status(t, id)
	assert.Equal(t, interfaces.StatusExpired, status.Request.Status)
	assert.Equal(t, 1, status.Approvals)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5, 3)
	id := f.initiate(t, 3, 0)

	require.NoError(t, f.coord.Cancel(ctx, id))
	assert.Equal(t, interfaces.StatusCancelled, f.status(t, id).Request.Status)

	err := f.coord.Cancel(ctx, id)
	assert.ErrorIs(t, err, interfaces.ErrRequestTerminal)

	f.record(t, id, f.approval(0, time.Now().UTC()))
	assert.Equal(t, 0, f.status(t, id).Approvals)

	err = f.coord.Cancel(ctx, "no-such-request")
	assert.ErrorIs(t, err, interfaces.ErrRequestNotFound)
}

func TestCorruptedShareDiscardedAndRecoveredLater(t *testing.T) {
	f := newFixture(t, 5, 3)
	id := f.initiate(t, 3, 0)
	now := time.Now().UTC()

	f.record(t, id, f.approval(0, now))
	f.record(t, id, f.approval(1, now))

	// A forged payload with intact metadata: reconstruction fails but no
	// single share can be blamed with only threshold approvals.
	forged := f.approval(2, now)
	forged.Share.Payload = append([]byte(nil), forged.Share.Payload...)
	forged.Share.Payload[0] ^= 0xff
	f.record(t, id, forged)
	status := f.status(t, id)
	assert.Equal(t, interfaces.StatusAwaitingResponses, status.Request.Status, "a bad share must not fail the request")

	// One more genuine approval isolates the forgery and completes.
	f.record(t, id, f.approval(3, now.Add(time.Second)))
	status = f.status(t, id)
	assert.Equal(t, interfaces.StatusCompleted, status.Request.Status)
	assert.Equal(t, f.secret, status.Secret)
	assert.Equal(t, 3, status.Approvals, "the forged approval must be discarded from the tally")
}

func TestMismatchedSecretIDDiscarded(t *testing.T) {
	f := newFixture(t, 5, 3)
	id := f.initiate(t, 3, 0)
	now := time.Now().UTC()

	f.record(t, id, f.approval(0, now))
	f.record(t, id, f.approval(1, now))

	alienID, err := interfaces.NewSecretID()
	require.NoError(t, err, "Generating a secret id should not fail")
	alien := f.approval(2, now)
	alien.Share.SecretID = alienID
	f.record(t, id, alien)
	assert.Equal(t, interfaces.StatusAwaitingResponses, f.status(t, id).Request.Status)

	f.record(t, id, f.approval(4, now))
	status := f.status(t, id)
	assert.Equal(t, interfaces.StatusCompleted, status.Request.Status)
	assert.Equal(t, f.secret, status.Secret)
}

func TestAttemptReconstructDefensiveGate(t *testing.T) {
	f := newFixture(t, 5, 3)
	id := f.initiate(t, 3, 0)
	f.record(t, id, f.approval(0, time.Now().UTC()))

	_, err := f.coord.AttemptReconstruct(id)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)
}

func TestInitiatorContributesOwnShare(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5, 2)

	// The coordinator's identity holds share 0 and appears in the holder
	// list instead of steward 0.
	holders := append([]interfaces.Identity{f.owner.Identity()}, f.holders[1:]...)
	share := f.set.Shares[0]
	raw, err := codec.Marshal(&share)
	require.NoError(t, err)
	key := fmt.Sprintf("%s/%d", f.set.SecretID, share.Index)
	require.NoError(t, f.store.Put(ctx, interfaces.NamespaceShares, key, raw))

	req, err := f.coord.InitiateRecovery(ctx, "lockbox-1", f.set.SecretID, holders, 2, 0)
	require.NoError(t, err)
	status := f.status(t, req.ID)
	assert.Equal(t, 1, status.Approvals, "the initiator's own share counts immediately")

	f.record(t, req.ID, f.approval(1, time.Now().UTC()))
	status = f.status(t, req.ID)
	assert.Equal(t, interfaces.StatusCompleted, status.Request.Status)
	assert.Equal(t, f.secret, status.Secret)
}

func TestRebroadcastTargetsNonResponders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5, 3)
	id := f.initiate(t, 3, 0)

	f.record(t, id, f.approval(0, time.Now().UTC()))
	require.NoError(t, f.coord.Rebroadcast(ctx, id))

	assert.Equal(t, 1, f.transport.MailboxSize(f.holders[0]), "a responder must not be re-asked")
	for _, holder := range f.holders[1:] {
		assert.Equal(t, 2, f.transport.MailboxSize(holder))
	}
}

func TestWatchDeliversTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, 3, 2)

	updates := f.coord.Watch(ctx)
	id := f.initiate(t, 2, 0)
	now := time.Now().UTC()
	f.record(t, id, f.approval(0, now))
	f.record(t, id, f.approval(1, now))

	var last StatusUpdate
	for len(updates) > 0 {
		last = <-updates
	}
	assert.Equal(t, id, last.RequestID)
	assert.Equal(t, interfaces.StatusCompleted, last.Status)
	assert.Equal(t, 2, last.Approvals)
}

func TestRestoreRehydratesRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5, 3)
	id := f.initiate(t, 3, 0)
	now := time.Now().UTC()
	f.record(t, id, f.approval(0, now))
	f.record(t, id, f.denial(1, now))

	restored := New(f.owner, codec.NewECIESCodec(), f.transport, f.store, nil)
	require.NoError(t, restored.Restore(ctx))

	status, err := restored.Status(id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusAwaitingResponses, status.Request.Status)
	assert.Equal(t, 1, status.Approvals)
	assert.Equal(t, 1, status.Denials)

	// The rehydrated state machine keeps running.
	resp := f.approval(2, now)
	resp.RequestID = id
	require.NoError(t, restored.RecordResponse(ctx, id, resp))
	resp = f.approval(3, now)
	resp.RequestID = id
	require.NoError(t, restored.RecordResponse(ctx, id, resp))
	status, err = restored.Status(id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCompleted, status.Request.Status)
	assert.Equal(t, f.secret, status.Secret)
}

func TestRequestsForLockbox(t *testing.T) {
	f := newFixture(t, 5, 3)
	first := f.initiate(t, 3, 0)
	second := f.initiate(t, 3, 0)

	statuses := f.coord.RequestsForLockbox("lockbox-1")
	require.Len(t, statuses, 2)
	ids := []interfaces.RequestID{statuses[0].Request.ID, statuses[1].Request.ID}
	assert.Contains(t, ids, first)
	assert.Contains(t, ids, second)

	assert.Empty(t, f.coord.RequestsForLockbox("other-lockbox"))
}
