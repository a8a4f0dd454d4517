// Package kv is the store behind the session resume cache: a flat
// key-value surface with per-entry expiry. A snapshot written when a
// client disconnects is only worth keeping for as long as the client
// is allowed to resume it, so expiry lives in the store rather than in
// every caller.
//
// Two implementations ship: an in-memory map for tests and single-node
// default deployments, and a BadgerDB-backed store for servers that
// want snapshots to survive a restart.
package kv

import (
	"context"
	"errors"
	"iter"
	"time"
)

// ErrNotFound is returned when a key is absent or its entry expired.
var ErrNotFound = errors.New("kv: not found")

// Store is a key-value store with per-entry expiry.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous entry. A
	// non-zero ttl expires the entry after that duration; zero keeps
	// it until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys iterates the live (non-expired) keys under prefix in
	// lexicographic order.
	Keys(ctx context.Context, prefix string) iter.Seq2[string, error]

	// Close releases the store's resources.
	Close() error
}
