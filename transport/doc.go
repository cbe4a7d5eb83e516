// Package transport moves encrypted envelopes between the node and a
// set of independent relay endpoints.
//
// No single relay is trusted or authoritative: MultiRelay fans every
// publish out to all enabled endpoints and merges fetches from all of
// them, deduplicating by envelope identity, because relays deliver
// at-least-once and in no particular order. A relay failing costs only
// that relay's copies; an operation fails only when every relay failed.
//
// Two concrete relays are provided. HTTPRelay talks to a mailbox relay
// over HTTP with CBOR bodies and retries transient failures with bounded
// exponential backoff. IPFSRelay broadcasts envelopes over IPFS pubsub,
// one topic per recipient identity.
//
// FromEndpoints builds the multi-relay from the caller-supplied endpoint
// list (URL, enabled flag, trust flag); the list is read-only
// configuration shared by all operations. DiscoverRelays resolves
// additional endpoints from DNS SRV records.
//
// MockTransport is the in-memory test double, able to simulate partial
// broadcast failure and duplicate delivery.
package transport
