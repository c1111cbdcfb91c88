// Package storage provides the durable key-value tier used as the offline
// mirror for session, catalog, cart, and progress state.
//
// Entries are plain JSON blobs under fixed string keys; schema changes are
// handled by a version suffix embedded in the key name, owned by each store.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoKey indicates the key has never been written or was deleted.
var ErrNoKey = errors.New("storage: key not found")

// KV is the durable key-value contract. Implementations must be safe for
// concurrent use.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// GetJSON reads and unmarshals the value at key into out.
// Returns (false, nil) on a missing key.
func GetJSON(ctx context.Context, kv KV, key string, out any) (bool, error) {
	b, err := kv.Get(ctx, key)
	if errors.Is(err, ErrNoKey) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("storage: decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and writes it at key.
func SetJSON(ctx context.Context, kv KV, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %q: %w", key, err)
	}
	return kv.Set(ctx, key, b)
}
