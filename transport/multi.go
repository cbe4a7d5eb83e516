package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/stewardvault/recovery-backend/interfaces"
)

// MultiRelay fans envelopes out to a set of independent relays. Each
// relay is an independent unit of work: publishing succeeds when at
// least one relay accepted the envelope, fetching merges results from
// every reachable relay and deduplicates by envelope identity.
type MultiRelay struct {
	relays []interfaces.Transport
	log    *slog.Logger
}

// NewMultiRelay creates a transport over the given relays.
func NewMultiRelay(relays []interfaces.Transport, log *slog.Logger) *MultiRelay {
	if log == nil {
		log = slog.Default()
	}
	return &MultiRelay{relays: relays, log: log}
}

// Name returns a combined identifier for logging.
func (m *MultiRelay) Name() string {
	names := make([]string, len(m.relays))
	for i, r := range m.relays {
		names[i] = r.Name()
	}
	return "multi:[" + strings.Join(names, ",") + "]"
}

// Publish sends the envelope to every relay concurrently. Per-relay
// failures are logged; the call fails only when no relay accepted the
// envelope.
func (m *MultiRelay) Publish(ctx context.Context, env *interfaces.Envelope) ([]interfaces.PublishReceipt, error) {
	start := time.Now()
	envID := env.ID().String()

	type result struct {
		relay    string
		receipts []interfaces.PublishReceipt
		err      error
	}

	results := make(chan result, len(m.relays))
	var wg sync.WaitGroup
	for _, relay := range m.relays {
		wg.Add(1)
		go func(relay interfaces.Transport) {
			defer wg.Done()
			receipts, err := relay.Publish(ctx, env)
			results <- result{relay: relay.Name(), receipts: receipts, err: err}
		}(relay)
	}
	wg.Wait()
	close(results)

	var receipts []interfaces.PublishReceipt
	var failures []string
	for res := range results {
		if res.err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", res.relay, res.err))
			m.log.Debug("failed to publish to relay",
				slog.String("relay", res.relay),
				slog.String("envelope_id", envID),
				slog.Any("error", res.err))
			continue
		}
		receipts = append(receipts, res.receipts...)
	}

	if len(receipts) == 0 {
		m.log.Error("all relays failed to accept envelope",
			slog.String("envelope_id", envID),
			slog.Int("failed_relays", len(failures)),
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("%w: all relays failed to accept %s: %v",
			interfaces.ErrRelayUnavailable, envID, failures)
	}

	m.log.Info("published envelope",
		slog.String("envelope_id", envID),
		slog.Int("accepted_relays", len(receipts)),
		slog.Int("failed_relays", len(failures)),
		slog.Duration("duration", time.Since(start)))

	return receipts, nil
}

// Fetch queries every relay concurrently and merges the results,
// deduplicated by envelope identity. A relay failure costs only that
// relay's envelopes; the call fails only when every relay failed.
func (m *MultiRelay) Fetch(ctx context.Context, recipient interfaces.Identity) ([]*interfaces.Envelope, error) {
	start := time.Now()

	type result struct {
		relay     string
		envelopes []*interfaces.Envelope
		err       error
	}

	results := make(chan result, len(m.relays))
	var wg sync.WaitGroup
	for _, relay := range m.relays {
		wg.Add(1)
		go func(relay interfaces.Transport) {
			defer wg.Done()
			envelopes, err := relay.Fetch(ctx, recipient)
			results <- result{relay: relay.Name(), envelopes: envelopes, err: err}
		}(relay)
	}
	wg.Wait()
	close(results)

	seen := make(map[interfaces.EnvelopeID]struct{})
	var merged []*interfaces.Envelope
	failed := 0
	for res := range results {
		if res.err != nil {
			failed++
			m.log.Debug("failed to fetch from relay",
				slog.String("relay", res.relay),
				slog.Any("error", res.err))
			continue
		}
		for _, env := range res.envelopes {
			id := env.ID()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			merged = append(merged, env)
		}
	}

	if failed == len(m.relays) && len(m.relays) > 0 {
		return nil, fmt.Errorf("%w: all relays failed to fetch for %s",
			interfaces.ErrRelayUnavailable, recipient)
	}

	m.log.Debug("fetched envelopes",
		slog.String("recipient", recipient.String()),
		slog.Int("envelopes", len(merged)),
		slog.Int("failed_relays", failed),
		slog.Duration("duration", time.Since(start)))

	return merged, nil
}

// Subscribe merges the per-relay streams into one deduplicated channel.
func (m *MultiRelay) Subscribe(ctx context.Context, recipient interfaces.Identity) (<-chan *interfaces.Envelope, error) {
	out := make(chan *interfaces.Envelope, 64)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[interfaces.EnvelopeID]struct{})

	subscribed := 0
	for _, relay := range m.relays {
		ch, err := relay.Subscribe(ctx, recipient)
		if err != nil {
			m.log.Warn("failed to subscribe to relay",
				slog.String("relay", relay.Name()),
				slog.Any("error", err))
			continue
		}
		subscribed++

		wg.Add(1)
		go func() {
			defer wg.Done()
			for env := range ch {
				id := env.ID()
				mu.Lock()
				_, dup := seen[id]
				if !dup {
					seen[id] = struct{}{}
				}
				mu.Unlock()
				if dup {
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	if subscribed == 0 && len(m.relays) > 0 {
		close(out)
		return nil, fmt.Errorf("%w: no relay accepted the subscription", interfaces.ErrRelayUnavailable)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}
