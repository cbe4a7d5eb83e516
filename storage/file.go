package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stewardvault/recovery-backend/interfaces"
)

// FileStore is a Persistence implementation over the local file system.
// Each namespace is a directory under the base; keys may contain one
// path separator ("<lockboxID>/<id>") and map to nested files.
type FileStore struct {
	baseDir string
	log     *slog.Logger
}

// NewFileStore creates a file store rooted at baseDir, creating the
// directory if needed.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &FileStore{baseDir: baseDir, log: log}, nil
}

// Name returns an identifier for logging.
func (s *FileStore) Name() string {
	return "file:" + s.baseDir
}

func (s *FileStore) path(namespace, key string) (string, error) {
	if err := validateKey(namespace); err != nil {
		return "", err
	}
	cleaned := filepath.Join(s.baseDir, namespace, filepath.FromSlash(key))
	if !strings.HasPrefix(cleaned, filepath.Join(s.baseDir, namespace)) {
		return "", fmt.Errorf("key %q escapes the namespace directory", key)
	}
	return cleaned, nil
}

func validateKey(part string) error {
	if part == "" || strings.Contains(part, "..") {
		return fmt.Errorf("invalid storage key component %q", part)
	}
	return nil
}

// Get retrieves the value stored under (namespace, key).
func (s *FileStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	path, err := s.path(namespace, key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return data, nil
}

// Put stores the value under (namespace, key). The write goes through a
// temporary file and rename so readers never observe a partial record.
func (s *FileStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	path, err := s.path(namespace, key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close record: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

// Delete removes the value under (namespace, key).
func (s *FileStore) Delete(ctx context.Context, namespace, key string) error {
	path, err := s.path(namespace, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// List returns the keys in the namespace with the given prefix, sorted.
func (s *FileStore) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	if err := validateKey(namespace); err != nil {
		return nil, err
	}

	root := filepath.Join(s.baseDir, namespace)
	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list namespace %s: %w", namespace, err)
	}

	sort.Strings(keys)
	return keys, nil
}
