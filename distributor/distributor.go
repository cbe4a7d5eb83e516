// Package distributor assigns the shares of a split secret to steward
// identities, publishes them through the relay transport, and collects
// shares addressed to the local identity into persistence.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/stewardvault/recovery-backend/codec"
	"github.com/stewardvault/recovery-backend/cryptoutils"
	"github.com/stewardvault/recovery-backend/interfaces"
)

// Distributor publishes share sets to stewards and ingests shares held
// for others. The share index to steward mapping is fixed at publish
// time and recorded alongside the set.
type Distributor struct {
	keys      *cryptoutils.IdentityKey
	codec     codec.Codec
	transport interfaces.Transport
	store     interfaces.Persistence
	log       *slog.Logger
}

// New creates a distributor bound to the local identity.
func New(keys *cryptoutils.IdentityKey, c codec.Codec, transport interfaces.Transport, store interfaces.Persistence, log *slog.Logger) *Distributor {
	if log == nil {
		log = slog.Default()
	}
	return &Distributor{
		keys:      keys,
		codec:     c,
		transport: transport,
		store:     store,
		log:       log,
	}
}

// Publish sends one share to each peer, share i to peers[i]. Every peer
// must be distinct and the owner may not hold a share of its own secret.
// The assignment is persisted as a ShareSetRecord once all shares have
// been accepted by at least one relay.
func (d *Distributor) Publish(ctx context.Context, set *interfaces.ShareSet, peers []interfaces.Identity) ([]interfaces.PublishReceipt, error) {
	if set == nil || len(set.Shares) == 0 {
		return nil, fmt.Errorf("%w: empty share set", interfaces.ErrInvalidParameters)
	}
	if len(peers) != len(set.Shares) {
		return nil, fmt.Errorf("%w: %d peers for %d shares", interfaces.ErrInvalidParameters, len(peers), len(set.Shares))
	}
	seen := make(map[interfaces.Identity]struct{}, len(peers))
	for _, peer := range peers {
		if peer == set.Owner {
			return nil, fmt.Errorf("%w: owner cannot hold a share of its own secret", interfaces.ErrInvalidParameters)
		}
		if _, dup := seen[peer]; dup {
			return nil, fmt.Errorf("%w: duplicate peer %s", interfaces.ErrInvalidParameters, peer)
		}
		seen[peer] = struct{}{}
	}

	assignments := make(map[int]interfaces.Identity, len(peers))
	var receipts []interfaces.PublishReceipt
	var publishErrs []error
	for i := range set.Shares {
		share := set.Shares[i]
		share.Peers = peers
		recipient := peers[i]

		env, err := d.codec.EncodeShare(d.keys, &share, recipient)
		if err != nil {
			return receipts, fmt.Errorf("failed to encode share %d: %w", share.Index, err)
		}
		accepted, err := d.transport.Publish(ctx, env)
		if err != nil {
			publishErrs = append(publishErrs, fmt.Errorf("share %d to %s: %w", share.Index, recipient, err))
			continue
		}
		receipts = append(receipts, accepted...)
		assignments[share.Index] = recipient
	}
	if len(publishErrs) > 0 {
		return receipts, fmt.Errorf("share distribution incomplete: %w", errors.Join(publishErrs...))
	}

	record := set.Record(assignments, time.Now().UTC())
	raw, err := codec.Marshal(record)
	if err != nil {
		return receipts, fmt.Errorf("failed to encode share set record: %w", err)
	}
	key := fmt.Sprintf("%s/%s", set.LockboxID, set.SecretID)
	if err := d.store.Put(ctx, interfaces.NamespaceShareSets, key, raw); err != nil {
		return receipts, fmt.Errorf("failed to persist share set record: %w", err)
	}

	d.log.Info("distributed share set",
		"secretID", set.SecretID,
		"lockboxID", set.LockboxID,
		"shares", len(set.Shares),
		"receipts", len(receipts))
	return receipts, nil
}

// FetchOwnShares scans the relays for share envelopes addressed to the
// local identity, persists every new share and returns the newly stored
// ones. Envelopes that fail to decode are dropped with a log line.
// Repeated calls are idempotent.
func (d *Distributor) FetchOwnShares(ctx context.Context) ([]interfaces.Share, error) {
	envs, err := d.transport.Fetch(ctx, d.keys.Identity())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch envelopes: %w", err)
	}

	var stored []interfaces.Share
	batch := make(map[string]struct{})
	for _, env := range envs {
		if env.Kind != interfaces.KindShare {
			continue
		}
		share, err := d.codec.DecodeShare(d.keys, env)
		if err != nil {
			d.log.Warn("dropping undecodable share envelope",
				"envelopeID", env.ID(),
				"sender", env.Sender,
				"err", err)
			continue
		}

		key := shareKey(share.SecretID, share.Index)
		if _, dup := batch[key]; dup {
			continue
		}
		batch[key] = struct{}{}
		if _, err := d.store.Get(ctx, interfaces.NamespaceShares, key); err == nil {
			continue
		} else if !errors.Is(err, interfaces.ErrRecordNotFound) {
			return stored, fmt.Errorf("failed to check stored share: %w", err)
		}

		raw, err := codec.Marshal(share)
		if err != nil {
			return stored, fmt.Errorf("failed to encode share: %w", err)
		}
		if err := d.store.Put(ctx, interfaces.NamespaceShares, key, raw); err != nil {
			return stored, fmt.Errorf("failed to persist share: %w", err)
		}
		d.log.Info("stored share",
			"secretID", share.SecretID,
			"lockboxID", share.LockboxID,
			"index", share.Index,
			"sender", env.Sender)
		stored = append(stored, *share)
	}
	return stored, nil
}

// SharesForSecret returns the locally held shares of one secret, ordered
// by index.
func (d *Distributor) SharesForSecret(ctx context.Context, secretID interfaces.SecretID) ([]interfaces.Share, error) {
	keys, err := d.store.List(ctx, interfaces.NamespaceShares, secretID.String()+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}

	shares := make([]interfaces.Share, 0, len(keys))
	for _, key := range keys {
		raw, err := d.store.Get(ctx, interfaces.NamespaceShares, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load share %s: %w", key, err)
		}
		var share interfaces.Share
		if err := codec.Unmarshal(raw, &share); err != nil {
			return nil, fmt.Errorf("failed to decode share %s: %w", key, err)
		}
		shares = append(shares, share)
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].Index < shares[j].Index })
	return shares, nil
}

// ShareSetRecord loads the persisted assignment record of a distributed
// set.
func (d *Distributor) ShareSetRecord(ctx context.Context, lockboxID interfaces.LockboxID, secretID interfaces.SecretID) (*interfaces.ShareSetRecord, error) {
	key := fmt.Sprintf("%s/%s", lockboxID, secretID)
	raw, err := d.store.Get(ctx, interfaces.NamespaceShareSets, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load share set record: %w", err)
	}
	var record interfaces.ShareSetRecord
	if err := codec.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode share set record: %w", err)
	}
	return &record, nil
}

func shareKey(secretID interfaces.SecretID, index int) string {
	return fmt.Sprintf("%s/%d", secretID, index)
}
