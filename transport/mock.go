package transport

import (
	"context"
	"sync"
	"time"

	"github.com/stewardvault/recovery-backend/interfaces"
)

// MockTransport is an in-memory Transport test double. It keeps one
// mailbox per recipient and can simulate relay failure and at-least-once
// duplicate delivery.
type MockTransport struct {
	mu        sync.Mutex
	mailboxes map[interfaces.Identity][]*interfaces.Envelope
	subs      map[interfaces.Identity][]chan *interfaces.Envelope

	// FailPublish makes every Publish fail with ErrRelayUnavailable.
	FailPublish bool

	// FailRecipients makes Publish fail for specific recipients only,
	// simulating partial broadcast failure.
	FailRecipients map[interfaces.Identity]bool

	// Duplicates re-delivers every envelope this many extra times.
	Duplicates int

	name string
}

// NewMockTransport creates an empty in-memory transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		mailboxes: make(map[interfaces.Identity][]*interfaces.Envelope),
		subs:      make(map[interfaces.Identity][]chan *interfaces.Envelope),
		name:      "mock",
	}
}

// Name returns an identifier for logging.
func (m *MockTransport) Name() string {
	return m.name
}

// Publish appends the envelope (plus any configured duplicates) to the
// recipient's mailbox and pushes it to live subscribers.
func (m *MockTransport) Publish(ctx context.Context, env *interfaces.Envelope) ([]interfaces.PublishReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailPublish || m.FailRecipients[env.Recipient] {
		return nil, interfaces.ErrRelayUnavailable
	}

	deliveries := 1 + m.Duplicates
	for i := 0; i < deliveries; i++ {
		m.mailboxes[env.Recipient] = append(m.mailboxes[env.Recipient], env)
		for _, sub := range m.subs[env.Recipient] {
			select {
			case sub <- env:
			default:
			}
		}
	}

	return []interfaces.PublishReceipt{{
		EnvelopeID: env.ID(),
		Relay:      m.name,
		Recipient:  env.Recipient,
		ShareIndex: env.ShareIndex,
		AcceptedAt: time.Now().UTC(),
	}}, nil
}

// Fetch returns everything in the recipient's mailbox, duplicates and
// all. The mailbox is not drained: relays re-deliver.
func (m *MockTransport) Fetch(ctx context.Context, recipient interfaces.Identity) ([]*interfaces.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*interfaces.Envelope, len(m.mailboxes[recipient]))
	copy(out, m.mailboxes[recipient])
	return out, nil
}

// Subscribe returns a channel fed by future Publish calls.
func (m *MockTransport) Subscribe(ctx context.Context, recipient interfaces.Identity) (<-chan *interfaces.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *interfaces.Envelope, 64)
	m.subs[recipient] = append(m.subs[recipient], ch)

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[recipient]
		for i, sub := range subs {
			if sub == ch {
				m.subs[recipient] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}()

	return ch, nil
}

// MailboxSize reports how many envelopes (including duplicates) are
// queued for the recipient.
func (m *MockTransport) MailboxSize(recipient interfaces.Identity) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mailboxes[recipient])
}
