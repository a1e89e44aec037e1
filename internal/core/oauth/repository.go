package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Keys under which auth state is persisted
const (
	SessionKey = "session"
	PendingKey = "oauth_pending"
)

// Store is durable key/value storage for the session and the pending flow.
// Get and Take return ErrKeyNotFound for a missing key. Take reads and
// deletes in one step where the backend supports it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Take(ctx context.Context, key string) ([]byte, error)
}

func putJSON(ctx context.Context, store Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := store.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// clearAll removes both keys. Errors are joined; a missing key is not one.
func clearAll(ctx context.Context, store Store) error {
	var errs []error
	for _, key := range []string{SessionKey, PendingKey} {
		if err := store.Delete(ctx, key); err != nil && !errors.Is(err, ErrKeyNotFound) {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
