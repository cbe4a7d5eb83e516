package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/stewardvault/recovery-backend/interfaces"
)

// FromURI creates a Persistence backend from a location URI.
//
// Supported schemes:
//
//   - mem:// - in-memory, for tests and ephemeral nodes
//   - file:///var/lib/stewardvault - local file system
//   - s3://access:secret@bucket/prefix?region=us-west-2&endpoint=... - S3
//   - vault://vault.example.com:8200/secret/stewardvault?token=... - Vault KV v2
func FromURI(uri string, log *slog.Logger) (interfaces.Persistence, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid storage URI %q: %w", uri, err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "mem":
		return NewMemoryStore(), nil

	case "file":
		return NewFileStore(parsed.Path, log)

	case "s3":
		var accessKey, secretKey string
		if parsed.User != nil {
			accessKey = parsed.User.Username()
			secretKey, _ = parsed.User.Password()
		}
		return NewS3Store(
			parsed.Host,
			strings.TrimPrefix(parsed.Path, "/"),
			parsed.Query().Get("region"),
			parsed.Query().Get("endpoint"),
			accessKey, secretKey, log)

	case "vault":
		segments := strings.SplitN(strings.Trim(parsed.Path, "/"), "/", 2)
		if len(segments) == 0 || segments[0] == "" {
			return nil, fmt.Errorf("vault URI %q is missing a mount path", uri)
		}
		dataPath := ""
		if len(segments) == 2 {
			dataPath = segments[1]
		}
		scheme := "https"
		if parsed.Query().Get("insecure") == "true" {
			scheme = "http"
		}
		return NewVaultStore(
			fmt.Sprintf("%s://%s", scheme, parsed.Host),
			segments[0], dataPath,
			parsed.Query().Get("token"), log)

	default:
		return nil, fmt.Errorf("unsupported storage scheme %q", parsed.Scheme)
	}
}
