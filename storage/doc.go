// Package storage provides persistence backends for share sets, shares,
// recovery requests and responses.
//
// All backends implement the interfaces.Persistence contract: namespaced
// key-value records with list support over key prefixes. Backends:
//
//   - MemoryStore: process-local map, used by tests and ephemeral nodes
//   - FileStore: local directory tree, one file per record
//   - S3Store: AWS S3 or any S3-compatible object store
//   - VaultStore: HashiCorp Vault KV v2 secrets engine
//
// FromURI dispatches on the URI scheme so daemons can select a backend
// through configuration alone.
package storage
