package secrets

import "context"

// SecretsProvider resolves secrets referenced by flows (via "$env:NAME" /
// secrets.* template lookups) from a storage backend.
type SecretsProvider interface {
	GetSecret(ctx context.Context, key string) (string, error)
	Close() error
	Type() string
}
