package transport

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/stewardvault/recovery-backend/interfaces"
)

// FromEndpoints builds a MultiRelay from the caller-supplied endpoint
// list. Disabled endpoints are skipped. Supported schemes:
//
//   - http:// and https:// - mailbox relay
//   - ipfs:// - IPFS daemon API, envelopes over pubsub
func FromEndpoints(endpoints []interfaces.RelayEndpoint, log *slog.Logger) (*MultiRelay, error) {
	if log == nil {
		log = slog.Default()
	}

	var relays []interfaces.Transport
	for _, ep := range endpoints {
		if !ep.Enabled {
			log.Debug("skipping disabled relay", slog.String("url", ep.URL))
			continue
		}
		if err := ep.Validate(); err != nil {
			return nil, err
		}

		relay, err := relayFor(ep, log)
		if err != nil {
			return nil, err
		}
		relays = append(relays, relay)
	}

	if len(relays) == 0 {
		return nil, fmt.Errorf("no enabled relay endpoints configured")
	}

	return NewMultiRelay(relays, log), nil
}

func relayFor(ep interfaces.RelayEndpoint, log *slog.Logger) (interfaces.Transport, error) {
	parsed, err := url.Parse(ep.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL %q: %w", ep.URL, err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return NewHTTPRelay(ep.URL, log)
	case "ipfs":
		return NewIPFSRelay(parsed.Host, log)
	default:
		return nil, fmt.Errorf("unsupported relay scheme %q", parsed.Scheme)
	}
}
