package transport

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardvault/recovery-backend/interfaces"
)

func testEnvelope(t *testing.T, recipient interfaces.Identity, payload string) *interfaces.Envelope {
	t.Helper()
	var sender interfaces.Identity
	sender[0] = 0x02
	sender[1] = 0x99
	return &interfaces.Envelope{
		Kind:      interfaces.KindShare,
		Sender:    sender,
		Recipient: recipient,
		Payload:   []byte(payload),
		Signature: []byte("sig"),
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func testRecipient() interfaces.Identity {
	var id interfaces.Identity
	id[0] = 0x03
	id[1] = 0x42
	return id
}

func TestMultiRelayPublishPartialFailure(t *testing.T) {
	healthy := NewMockTransport()
	broken := NewMockTransport()
	broken.FailPublish = true

	multi := NewMultiRelay([]interfaces.Transport{broken, healthy}, slog.Default())

	recipient := testRecipient()
	receipts, err := multi.Publish(context.Background(), testEnvelope(t, recipient, "a"))
	require.NoError(t, err, "Publish should succeed when one relay accepts")
	assert.Len(t, receipts, 1, "Only the healthy relay should produce a receipt")
	assert.Equal(t, 1, healthy.MailboxSize(recipient))
	assert.Equal(t, 0, broken.MailboxSize(recipient))
}

func TestMultiRelayPublishTotalFailure(t *testing.T) {
	a := NewMockTransport()
	a.FailPublish = true
	b := NewMockTransport()
	b.FailPublish = true

	multi := NewMultiRelay([]interfaces.Transport{a, b}, slog.Default())

	_, err := multi.Publish(context.Background(), testEnvelope(t, testRecipient(), "a"))
	assert.ErrorIs(t, err, interfaces.ErrRelayUnavailable, "Publish should fail when every relay fails")
}

func TestMultiRelayFetchDeduplicates(t *testing.T) {
	relayA := NewMockTransport()
	relayB := NewMockTransport()
	recipient := testRecipient()

	// The same envelope reaches both relays; a second distinct envelope
	// reaches only one. Relay A additionally re-delivers everything.
	env1 := testEnvelope(t, recipient, "one")
	env2 := testEnvelope(t, recipient, "two")

	relayA.Duplicates = 1
	_, err := relayA.Publish(context.Background(), env1)
	require.NoError(t, err)
	_, err = relayB.Publish(context.Background(), env1)
	require.NoError(t, err)
	_, err = relayB.Publish(context.Background(), env2)
	require.NoError(t, err)

	multi := NewMultiRelay([]interfaces.Transport{relayA, relayB}, slog.Default())
	envelopes, err := multi.Fetch(context.Background(), recipient)
	require.NoError(t, err)

	require.Len(t, envelopes, 2, "Duplicate deliveries should collapse to one envelope per identity")
	ids := map[interfaces.EnvelopeID]bool{env1.ID(): false, env2.ID(): false}
	for _, env := range envelopes {
		ids[env.ID()] = true
	}
	assert.True(t, ids[env1.ID()], "First envelope should be present")
	assert.True(t, ids[env2.ID()], "Second envelope should be present")
}

func TestMultiRelayFetchToleratesRelayFailure(t *testing.T) {
	healthy := NewMockTransport()
	recipient := testRecipient()
	env := testEnvelope(t, recipient, "payload")
	_, err := healthy.Publish(context.Background(), env)
	require.NoError(t, err)

	multi := NewMultiRelay([]interfaces.Transport{&failingTransport{}, healthy}, slog.Default())
	envelopes, err := multi.Fetch(context.Background(), recipient)
	require.NoError(t, err, "One failing relay should not fail the fetch")
	assert.Len(t, envelopes, 1)
}

func TestMultiRelaySubscribeDeduplicates(t *testing.T) {
	relayA := NewMockTransport()
	relayB := NewMockTransport()
	recipient := testRecipient()

	multi := NewMultiRelay([]interfaces.Transport{relayA, relayB}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := multi.Subscribe(ctx, recipient)
	require.NoError(t, err)

	env := testEnvelope(t, recipient, "streamed")
	_, err = relayA.Publish(context.Background(), env)
	require.NoError(t, err)
	_, err = relayB.Publish(context.Background(), env)
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, env.ID(), got.ID(), "Subscribed envelope should match the published one")
	case <-time.After(time.Second):
		t.Fatal("expected an envelope on the subscription channel")
	}

	// The duplicate from the second relay must not arrive.
	select {
	case got := <-ch:
		t.Fatalf("unexpected duplicate envelope %s", got.ID())
	case <-time.After(100 * time.Millisecond):
	}
}

// failingTransport always errors.
type failingTransport struct{}

func (f *failingTransport) Name() string { return "failing" }

func (f *failingTransport) Publish(ctx context.Context, env *interfaces.Envelope) ([]interfaces.PublishReceipt, error) {
	return nil, interfaces.ErrRelayUnavailable
}

func (f *failingTransport) Fetch(ctx context.Context, recipient interfaces.Identity) ([]*interfaces.Envelope, error) {
	return nil, interfaces.ErrRelayUnavailable
}

func (f *failingTransport) Subscribe(ctx context.Context, recipient interfaces.Identity) (<-chan *interfaces.Envelope, error) {
	return nil, interfaces.ErrRelayUnavailable
}
