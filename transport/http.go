package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stewardvault/recovery-backend/codec"
	"github.com/stewardvault/recovery-backend/interfaces"
)

// HTTPRelay is a client for one HTTP mailbox relay. Envelopes are POSTed
// as CBOR and fetched per recipient. Transient failures are retried with
// bounded exponential backoff; after the budget is exhausted the relay
// reports ErrRelayUnavailable and the multi-relay layer moves on.
type HTTPRelay struct {
	baseURL      string
	client       *http.Client
	log          *slog.Logger
	maxAttempts  int
	initialDelay time.Duration
	pollInterval time.Duration
}

// NewHTTPRelay creates a client for the relay at baseURL.
func NewHTTPRelay(baseURL string, log *slog.Logger) (*HTTPRelay, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid relay URL %q", baseURL)
	}

	if log == nil {
		log = slog.Default()
	}

	return &HTTPRelay{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		client:       &http.Client{Timeout: 30 * time.Second},
		log:          log,
		maxAttempts:  4,
		initialDelay: 250 * time.Millisecond,
		pollInterval: 5 * time.Second,
	}, nil
}

// Name returns the relay URL for logging.
func (r *HTTPRelay) Name() string {
	return r.baseURL
}

// Publish delivers the envelope to the relay's mailbox endpoint.
func (r *HTTPRelay) Publish(ctx context.Context, env *interfaces.Envelope) ([]interfaces.PublishReceipt, error) {
	body, err := codec.Marshal(env)
	if err != nil {
		return nil, err
	}

	err = r.withRetry(ctx, "publish", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/envelopes", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/cbor")

		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrRelayUnavailable, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		return statusToError(resp.StatusCode)
	})
	if err != nil {
		return nil, err
	}

	return []interfaces.PublishReceipt{{
		EnvelopeID: env.ID(),
		Relay:      r.baseURL,
		Recipient:  env.Recipient,
		ShareIndex: env.ShareIndex,
		AcceptedAt: time.Now().UTC(),
	}}, nil
}

// Fetch retrieves envelopes addressed to the recipient.
func (r *HTTPRelay) Fetch(ctx context.Context, recipient interfaces.Identity) ([]*interfaces.Envelope, error) {
	var envelopes []*interfaces.Envelope

	err := r.withRetry(ctx, "fetch", func() error {
		target := fmt.Sprintf("%s/api/envelopes?recipient=%s", r.baseURL, recipient)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/cbor")

		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrRelayUnavailable, err)
		}
		defer resp.Body.Close()

		if err := statusToError(resp.StatusCode); err != nil {
			return err
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrRelayUnavailable, err)
		}

		envelopes = envelopes[:0]
		return codec.Unmarshal(body, &envelopes)
	})
	if err != nil {
		return nil, err
	}

	return envelopes, nil
}

// Subscribe polls the relay mailbox and forwards envelopes. Fetch errors
// are logged and the poll continues; the channel closes when the context
// is cancelled.
func (r *HTTPRelay) Subscribe(ctx context.Context, recipient interfaces.Identity) (<-chan *interfaces.Envelope, error) {
	out := make(chan *interfaces.Envelope, 64)

	go func() {
		defer close(out)
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()

		seen := make(map[interfaces.EnvelopeID]struct{})
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			envelopes, err := r.Fetch(ctx, recipient)
			if err != nil {
				r.log.Debug("relay poll failed",
					slog.String("relay", r.baseURL),
					slog.Any("error", err))
				continue
			}

			for _, env := range envelopes {
				id := env.ID()
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// withRetry runs op with bounded exponential backoff on transient
// failure. Non-transient errors abort immediately.
func (r *HTTPRelay) withRetry(ctx context.Context, opName string, op func() error) error {
	delay := r.initialDelay
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}

		if attempt < r.maxAttempts {
			r.log.Debug("retrying relay operation",
				slog.String("relay", r.baseURL),
				slog.String("op", opName),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return lastErr
}

func statusToError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: relay returned status %d", interfaces.ErrRelayUnavailable, code)
	default:
		return fmt.Errorf("relay rejected request with status %d", code)
	}
}

func isTransient(err error) bool {
	return errors.Is(err, interfaces.ErrRelayUnavailable)
}
