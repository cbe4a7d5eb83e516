package storage

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardvault/recovery-backend/interfaces"
)

func runPersistenceTests(t *testing.T, store interfaces.Persistence) {
	ctx := context.Background()

	// Missing records.
	_, err := store.Get(ctx, interfaces.NamespaceShares, "missing/1")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)

	// Roundtrip.
	err = store.Put(ctx, interfaces.NamespaceShares, "aabb/1", []byte("share one"))
	require.NoError(t, err)
	value, err := store.Get(ctx, interfaces.NamespaceShares, "aabb/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("share one"), value)

	// Overwrite.
	err = store.Put(ctx, interfaces.NamespaceShares, "aabb/1", []byte("share one v2"))
	require.NoError(t, err)
	value, err = store.Get(ctx, interfaces.NamespaceShares, "aabb/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("share one v2"), value)

	// Namespaces are isolated.
	_, err = store.Get(ctx, interfaces.NamespaceRequests, "aabb/1")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)

	// List with prefix.
	require.NoError(t, store.Put(ctx, interfaces.NamespaceShares, "aabb/2", []byte("share two")))
	require.NoError(t, store.Put(ctx, interfaces.NamespaceShares, "ccdd/1", []byte("other lockbox")))
	keys, err := store.List(ctx, interfaces.NamespaceShares, "aabb/")
	require.NoError(t, err)
	assert.Equal(t, []string{"aabb/1", "aabb/2"}, keys)
	keys, err = store.List(ctx, interfaces.NamespaceShares, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"aabb/1", "aabb/2", "ccdd/1"}, keys)

	// Delete.
	require.NoError(t, store.Delete(ctx, interfaces.NamespaceShares, "aabb/1"))
	_, err = store.Get(ctx, interfaces.NamespaceShares, "aabb/1")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)

	// Deleting a missing record is a no-op.
	assert.NoError(t, store.Delete(ctx, interfaces.NamespaceShares, "aabb/1"))
}

func TestMemoryStore(t *testing.T) {
	runPersistenceTests(t, NewMemoryStore())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	original := []byte("immutable")
	require.NoError(t, store.Put(ctx, interfaces.NamespaceShares, "k", original))
	original[0] = 'X'

	value, err := store.Get(ctx, interfaces.NamespaceShares, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), value)

	value[0] = 'Y'
	again, err := store.Get(ctx, interfaces.NamespaceShares, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), again)
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), slog.Default())
	require.NoError(t, err)
	runPersistenceTests(t, store)
}

func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), slog.Default())
	require.NoError(t, err)

	err = store.Put(ctx, interfaces.NamespaceShares, "../../etc/passwd", []byte("nope"))
	assert.Error(t, err)
	_, err = store.Get(ctx, interfaces.NamespaceShares, "../escape")
	assert.Error(t, err)
}

func TestFactorySchemes(t *testing.T) {
	log := slog.Default()

	store, err := FromURI("mem://", log)
	require.NoError(t, err)
	assert.Equal(t, "memory", store.Name())

	store, err = FromURI("file://"+t.TempDir(), log)
	require.NoError(t, err)
	assert.Contains(t, store.Name(), "file:")

	_, err = FromURI("redis://localhost", log)
	assert.Error(t, err)

	_, err = FromURI("vault://vault.local:8200", log)
	assert.Error(t, err) // missing mount path
}
