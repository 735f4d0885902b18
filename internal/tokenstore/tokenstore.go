// Package tokenstore persists per-shop installation access tokens.
//
// The store is a dumb keyed map from shop domain to opaque bearer token.
// Installs overwrite unconditionally so re-running the OAuth flow rotates
// the token. Three implementations exist: a JSON file store (the default
// single-node deployment), an in-memory store for tests and demo mode,
// and a PostgreSQL store for deployments with a database.
package tokenstore

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when a shop has no stored token.
var ErrNotFound = errors.New("no token stored for shop")

// Store persists shop access tokens.
type Store interface {
	// Get returns the token for a shop, or ErrNotFound.
	Get(ctx context.Context, shop string) (string, error)
	// Put stores the token for a shop, overwriting any prior value.
	Put(ctx context.Context, shop, token string) error
}

// NormalizeShop canonicalizes a shop domain for use as a store key.
// Callers normalize before lookup/write; the stores themselves do not.
func NormalizeShop(shop string) string {
	return strings.ToLower(strings.TrimSpace(shop))
}
