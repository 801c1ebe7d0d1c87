package identity

import (
	"context"
	"errors"
	"strings"

	"medshare/internal/domain"
	"medshare/internal/repo"
)

type KeyLookup interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error)
}

// APIKey verifies X-Api-Key credentials against stored key hashes.
type APIKey struct {
	Keys KeyLookup
}

func (v APIKey) Verify(ctx context.Context, cred Credential) (domain.Caller, error) {
	key := strings.TrimSpace(cred.APIKey)
	if key == "" || v.Keys == nil {
		return domain.Caller{}, ErrSkip
	}
	k, err := v.Keys.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Caller{}, invalid(SourceAPIKey, errors.New("unknown or revoked key"))
	}
	if err != nil {
		return domain.Caller{}, err
	}
	caller := domain.Caller{ID: k.CallerID, Role: k.Role, Name: k.Name, Source: SourceAPIKey}
	if err := checkCaller(caller); err != nil {
		return domain.Caller{}, invalid(SourceAPIKey, err)
	}
	return caller, nil
}
