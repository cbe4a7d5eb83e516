package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/stewardvault/recovery-backend/codec"
	"github.com/stewardvault/recovery-backend/interfaces"
)

// pubsubTopicPrefix namespaces envelope topics on the IPFS pubsub mesh.
const pubsubTopicPrefix = "stewardvault/envelopes/"

// IPFSRelay delivers envelopes over IPFS pubsub, one topic per recipient
// identity. Pubsub has no message history, so Fetch drains envelopes
// buffered since the recipient's reader was started; a node that wants
// its backlog must also be configured with at least one mailbox relay.
type IPFSRelay struct {
	sh  *shell.Shell
	log *slog.Logger

	mu      sync.Mutex
	readers map[interfaces.Identity]*pubsubReader
}

type pubsubReader struct {
	sub    *shell.PubSubSubscription
	buf    chan *interfaces.Envelope
	cancel context.CancelFunc
}

// NewIPFSRelay creates a relay talking to the IPFS daemon API at apiURL
// (for example "localhost:5001").
func NewIPFSRelay(apiURL string, log *slog.Logger) (*IPFSRelay, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("ipfs relay requires an API address")
	}
	if log == nil {
		log = slog.Default()
	}

	return &IPFSRelay{
		sh:      shell.NewShell(apiURL),
		log:     log,
		readers: make(map[interfaces.Identity]*pubsubReader),
	}, nil
}

// Name returns an identifier for logging.
func (r *IPFSRelay) Name() string {
	return "ipfs-pubsub"
}

func topicFor(recipient interfaces.Identity) string {
	return pubsubTopicPrefix + recipient.String()
}

// Publish broadcasts the envelope on the recipient's topic.
func (r *IPFSRelay) Publish(ctx context.Context, env *interfaces.Envelope) ([]interfaces.PublishReceipt, error) {
	data, err := codec.Marshal(env)
	if err != nil {
		return nil, err
	}

	// The pubsub API takes string payloads; CBOR bytes go through base64.
	if err := r.sh.PubSubPublish(topicFor(env.Recipient), base64.StdEncoding.EncodeToString(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrRelayUnavailable, err)
	}

	return []interfaces.PublishReceipt{{
		EnvelopeID: env.ID(),
		Relay:      r.Name(),
		Recipient:  env.Recipient,
		ShareIndex: env.ShareIndex,
		AcceptedAt: time.Now().UTC(),
	}}, nil
}

// Fetch drains envelopes buffered for the recipient since its reader was
// started. The first call starts the reader and typically returns empty.
func (r *IPFSRelay) Fetch(ctx context.Context, recipient interfaces.Identity) ([]*interfaces.Envelope, error) {
	reader, err := r.readerFor(recipient)
	if err != nil {
		return nil, err
	}

	var envelopes []*interfaces.Envelope
	for {
		select {
		case env := <-reader.buf:
			envelopes = append(envelopes, env)
		default:
			return envelopes, nil
		}
	}
}

// Subscribe streams envelopes for the recipient as pubsub delivers them.
func (r *IPFSRelay) Subscribe(ctx context.Context, recipient interfaces.Identity) (<-chan *interfaces.Envelope, error) {
	reader, err := r.readerFor(recipient)
	if err != nil {
		return nil, err
	}

	out := make(chan *interfaces.Envelope, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-reader.buf:
				if !ok {
					return
				}
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

// Close cancels all pubsub readers.
func (r *IPFSRelay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, reader := range r.readers {
		reader.cancel()
		reader.sub.Cancel()
		delete(r.readers, id)
	}
}

func (r *IPFSRelay) readerFor(recipient interfaces.Identity) (*pubsubReader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reader, ok := r.readers[recipient]; ok {
		return reader, nil
	}

	sub, err := r.sh.PubSubSubscribe(topicFor(recipient))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrRelayUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	reader := &pubsubReader{
		sub:    sub,
		buf:    make(chan *interfaces.Envelope, 256),
		cancel: cancel,
	}
	r.readers[recipient] = reader

	go r.readLoop(ctx, reader)
	return reader, nil
}

func (r *IPFSRelay) readLoop(ctx context.Context, reader *pubsubReader) {
	for {
		msg, err := reader.sub.Next()
		if err != nil {
			if ctx.Err() == nil {
				r.log.Debug("ipfs pubsub read failed", slog.Any("error", err))
			}
			return
		}

		raw, err := base64.StdEncoding.DecodeString(string(msg.Data))
		if err != nil {
			r.log.Debug("dropping non-base64 pubsub message")
			continue
		}

		var env interfaces.Envelope
		if err := codec.Unmarshal(raw, &env); err != nil {
			r.log.Debug("dropping undecodable pubsub message", slog.Any("error", err))
			continue
		}

		select {
		case reader.buf <- &env:
		default:
			// Buffer full: drop oldest-first pressure by discarding the
			// new message; the mailbox relays carry the backlog.
			r.log.Warn("ipfs pubsub buffer full, dropping envelope",
				slog.String("envelope_id", env.ID().String()))
		}
	}
}
