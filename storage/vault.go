package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/hashicorp/vault/api"

	"github.com/stewardvault/recovery-backend/interfaces"
)

// VaultStore is a Persistence implementation over HashiCorp Vault's KV
// version 2 secrets engine. Record bytes are stored base64-encoded under
// a single "value" field at "<dataPath>/<namespace>/<key>".
type VaultStore struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultStore creates a Vault-backed store. The token must have read,
// write, delete and list capability on the data path.
func NewVaultStore(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultStore, error) {
	if log == nil {
		log = slog.Default()
	}

	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &VaultStore{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		log:       log,
	}, nil
}

// Name returns an identifier for logging.
func (s *VaultStore) Name() string {
	return "vault:" + s.mountPath
}

func (s *VaultStore) secretPath(namespace, key string) string {
	return path.Join(s.dataPath, namespace, key)
}

// Get retrieves the value stored under (namespace, key).
func (s *VaultStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	secret, err := s.client.KVv2(s.mountPath).Get(ctx, s.secretPath(namespace, key))
	if err != nil {
		if strings.Contains(err.Error(), "secret not found") {
			return nil, interfaces.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get vault secret: %w", err)
	}

	encoded, ok := secret.Data["value"].(string)
	if !ok {
		return nil, fmt.Errorf("vault secret at %s has no value field", s.secretPath(namespace, key))
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode vault secret: %w", err)
	}
	return data, nil
}

// Put stores the value under (namespace, key).
func (s *VaultStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.client.KVv2(s.mountPath).Put(ctx, s.secretPath(namespace, key), map[string]interface{}{
		"value": base64.StdEncoding.EncodeToString(value),
	})
	if err != nil {
		return fmt.Errorf("failed to put vault secret: %w", err)
	}
	return nil
}

// Delete removes the value under (namespace, key).
func (s *VaultStore) Delete(ctx context.Context, namespace, key string) error {
	if err := s.client.KVv2(s.mountPath).DeleteMetadata(ctx, s.secretPath(namespace, key)); err != nil {
		return fmt.Errorf("failed to delete vault secret: %w", err)
	}
	return nil
}

// List returns the keys in the namespace with the given prefix. Vault
// lists one directory level at a time, so nested "<lockboxID>/<id>" keys
// are walked recursively.
func (s *VaultStore) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	var keys []string
	if err := s.listDir(ctx, namespace, "", prefix, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *VaultStore) listDir(ctx context.Context, namespace, dir, prefix string, keys *[]string) error {
	listPath := path.Join(s.mountPath, "metadata", s.dataPath, namespace, dir)
	secret, err := s.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return fmt.Errorf("failed to list vault path %s: %w", listPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil
	}

	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil
	}

	for _, entry := range raw {
		name, ok := entry.(string)
		if !ok {
			continue
		}
		if strings.HasSuffix(name, "/") {
			if err := s.listDir(ctx, namespace, path.Join(dir, strings.TrimSuffix(name, "/")), prefix, keys); err != nil {
				return err
			}
			continue
		}
		key := path.Join(dir, name)
		if strings.HasPrefix(key, prefix) {
			*keys = append(*keys, key)
		}
	}
	return nil
}
