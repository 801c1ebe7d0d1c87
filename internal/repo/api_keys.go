package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"medshare/internal/domain"
	"medshare/internal/store"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.CallerID == "" {
		return errors.New("caller_id required")
	}
	if !key.Role.Valid() {
		return errors.New("valid role required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	return store.RunTransaction(ctx, r.Store, store.RetryPolicy{MaxAttempts: 1}, func(tx *store.Tx) error {
		return tx.Create(domain.CollectionAPIKeys, key.ID, key, key.CreatedAt)
	})
}

// GetAPIKeyByHash returns an active API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	docs, err := r.Store.Query(ctx, domain.CollectionAPIKeys, store.Query{Equals: map[string]string{"key_hash": hash}, Limit: 1})
	if err != nil {
		return domain.APIKey{}, err
	}
	if len(docs) == 0 {
		return domain.APIKey{}, ErrNotFound
	}
	var key domain.APIKey
	if err := docs[0].Decode(&key); err != nil {
		return domain.APIKey{}, err
	}
	if key.RevokedAt != nil {
		return domain.APIKey{}, ErrNotFound
	}
	return key, nil
}

// ListAPIKeys returns API keys, optionally filtered by caller ID.
func (r Repo) ListAPIKeys(ctx context.Context, callerID string, limit int, cursor string) (Page[domain.APIKey], error) {
	q := store.Query{Equals: map[string]string{}, Limit: limit}
	setIf(q.Equals, "caller_id", callerID)
	return list[domain.APIKey](ctx, r.Store, domain.CollectionAPIKeys, q, cursor)
}

// RevokeAPIKey marks a key revoked; revoked keys no longer authenticate.
func (r Repo) RevokeAPIKey(ctx context.Context, id string, at time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	return store.RunTransaction(ctx, r.Store, store.DefaultRetryPolicy(), func(tx *store.Tx) error {
		var key domain.APIKey
		if _, err := tx.GetInto(domain.CollectionAPIKeys, id, &key); err != nil {
			return err
		}
		if key.RevokedAt != nil {
			return nil
		}
		ts := at.UTC()
		key.RevokedAt = &ts
		return tx.Put(domain.CollectionAPIKeys, id, key, ts)
	})
}
