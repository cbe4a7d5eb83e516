// Package nodecommon wires the shared node stack (identity, storage,
// relays, coordinator, distributor) for the lockboxd and steward
// binaries.
package nodecommon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/stewardvault/recovery-backend/cmd/flags"
	"github.com/stewardvault/recovery-backend/codec"
	"github.com/stewardvault/recovery-backend/coordinator"
	"github.com/stewardvault/recovery-backend/cryptoutils"
	"github.com/stewardvault/recovery-backend/distributor"
	"github.com/stewardvault/recovery-backend/interfaces"
	"github.com/stewardvault/recovery-backend/storage"
	"github.com/stewardvault/recovery-backend/transport"
)

// Node is a fully wired participant: it can back up secrets, hold
// shares for others and run recoveries.
type Node struct {
	Keys        *cryptoutils.IdentityKey
	Store       interfaces.Persistence
	Transport   interfaces.Transport
	Coordinator *coordinator.Coordinator
	Distributor *distributor.Distributor
	Log         *slog.Logger
}

// Bootstrap builds a node from the common flags: it loads (or creates)
// the identity keystore, opens the storage backend, assembles the relay
// transport from config plus optional DNS discovery, and restores
// persisted recovery state.
func Bootstrap(ctx context.Context, cCtx *cli.Context, log *slog.Logger) (*Node, error) {
	keys, err := loadOrCreateIdentity(cCtx.String(flags.KeystoreFlag.Name), cCtx.String(flags.PassphraseFlag.Name), log)
	if err != nil {
		return nil, err
	}
	log.Info("identity loaded", "identity", keys.Identity())

	store, err := storage.FromURI(cCtx.String(flags.StorageFlag.Name), log)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	cfg, err := flags.LoadConfig(cCtx.String(flags.ConfigFlag.Name))
	if err != nil {
		return nil, err
	}
	endpoints := cfg.Relays
	if cfg.Discovery.Domain != "" {
		discovered, err := transport.DiscoverRelays(cfg.Discovery.Domain, cfg.Discovery.Resolver)
		if err != nil {
			log.Warn("relay discovery failed", "domain", cfg.Discovery.Domain, "err", err)
		} else {
			log.Info("discovered relays", "domain", cfg.Discovery.Domain, "count", len(discovered))
			endpoints = append(endpoints, discovered...)
		}
	}
	relays, err := transport.FromEndpoints(endpoints, log)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble relay transport: %w", err)
	}

	c := codec.NewECIESCodec()
	coord := coordinator.New(keys, c, relays, store, log)
	if err := coord.Restore(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore recovery state: %w", err)
	}

	return &Node{
		Keys:        keys,
		Store:       store,
		Transport:   relays,
		Coordinator: coord,
		Distributor: distributor.New(keys, c, relays, store, log),
		Log:         log,
	}, nil
}

// loadOrCreateIdentity opens the keystore, generating a fresh identity
// on first run.
func loadOrCreateIdentity(path, passphrase string, log *slog.Logger) (*cryptoutils.IdentityKey, error) {
	if passphrase == "" {
		return nil, errors.New("keystore passphrase is required (set STEWARDVAULT_PASSPHRASE)")
	}

	keys, err := cryptoutils.LoadIdentityKey(path, []byte(passphrase))
	if err == nil {
		return keys, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load keystore %s: %w", path, err)
	}

	log.Info("keystore not found, generating new identity", "path", path)
	keys, err = cryptoutils.GenerateIdentityKey()
	if err != nil {
		return nil, err
	}
	if err := cryptoutils.SaveIdentityKey(path, keys, []byte(passphrase)); err != nil {
		return nil, fmt.Errorf("failed to save keystore %s: %w", path, err)
	}
	return keys, nil
}
