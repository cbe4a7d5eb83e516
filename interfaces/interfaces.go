package interfaces

import "context"

// Transport moves opaque envelopes to and from relay endpoints. Delivery
// is at-least-once and unordered; consumers deduplicate by envelope ID.
// Implementations retry transient I/O errors with bounded backoff and
// treat each relay as an independent unit of work.
type Transport interface {
	// Publish sends the envelope to every reachable relay and returns one
	// receipt per successful delivery. Publishing succeeds if at least
	// one relay accepted the envelope.
	Publish(ctx context.Context, env *Envelope) ([]PublishReceipt, error)

	// Fetch retrieves envelopes addressed to the recipient from all
	// reachable relays, deduplicated by envelope ID.
	Fetch(ctx context.Context, recipient Identity) ([]*Envelope, error)

	// Subscribe streams envelopes addressed to the recipient as relays
	// deliver them. The channel closes when the context is cancelled.
	Subscribe(ctx context.Context, recipient Identity) (<-chan *Envelope, error)

	// Name returns an identifier for logging.
	Name() string
}

// Persistence is the key-value store the core keeps its records in. The
// storage format is owned by the caller; the core reads and writes CBOR
// blobs under namespaced keys and lists by key prefix (records that
// belong to a lockbox are keyed "<lockboxID>/<id>").
type Persistence interface {
	// Get retrieves the value stored under (namespace, key).
	// Returns ErrRecordNotFound if absent.
	Get(ctx context.Context, namespace, key string) ([]byte, error)

	// Put stores the value under (namespace, key), replacing any
	// existing value.
	Put(ctx context.Context, namespace, key string, value []byte) error

	// Delete removes the value under (namespace, key). Deleting a
	// missing key is not an error.
	Delete(ctx context.Context, namespace, key string) error

	// List returns the keys in the namespace that start with prefix.
	List(ctx context.Context, namespace, prefix string) ([]string, error)

	// Name returns an identifier for logging.
	Name() string
}

// Persistence namespaces used by the core. Callers that share a store
// with other data must keep these prefixes reserved.
const (
	NamespaceShareSets = "sharesets" // ShareSetRecord, key "<lockboxID>/<secretID>"
	NamespaceShares    = "shares"    // Share (own received shares), key "<secretID>/<index>"
	NamespaceRequests  = "requests"  // RecoveryRequest, key "<lockboxID>/<requestID>"
	NamespaceResponses = "responses" // RecoveryResponse, key "<requestID>/<responder>"
	NamespaceInbound   = "inbound"   // RecoveryRequest received as key holder, key "<requestID>"
)
