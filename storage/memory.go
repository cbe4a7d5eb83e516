package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/stewardvault/recovery-backend/interfaces"
)

// MemoryStore is an in-memory Persistence implementation, used for tests
// and ephemeral nodes.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Name returns an identifier for logging.
func (s *MemoryStore) Name() string {
	return "memory"
}

func memKey(namespace, key string) string {
	return namespace + "\x00" + key
}

// Get retrieves the value stored under (namespace, key).
func (s *MemoryStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[memKey(namespace, key)]
	if !ok {
		return nil, interfaces.ErrRecordNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Put stores the value under (namespace, key).
func (s *MemoryStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[memKey(namespace, key)] = stored
	return nil
}

// Delete removes the value under (namespace, key).
func (s *MemoryStore) Delete(ctx context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, memKey(namespace, key))
	return nil
}

// List returns the keys in the namespace with the given prefix, sorted.
func (s *MemoryStore) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nsPrefix := namespace + "\x00"
	var keys []string
	for stored := range s.data {
		if !strings.HasPrefix(stored, nsPrefix) {
			continue
		}
		key := strings.TrimPrefix(stored, nsPrefix)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
