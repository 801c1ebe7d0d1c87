// Package identity turns request credentials into a verified domain.Caller.
// The engine trusts a Caller completely, so nothing else may build one from
// client input.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"medshare/internal/domain"
)

var (
	// ErrUnauthenticated means credentials were missing or did not verify.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrSkip is returned by a Verifier that does not handle the credential.
	ErrSkip = errors.New("credential not handled")
)

// Credential is what a client presented. At most one field is normally set.
type Credential struct {
	Bearer string
	APIKey string
}

func (c Credential) Empty() bool {
	return strings.TrimSpace(c.Bearer) == "" && strings.TrimSpace(c.APIKey) == ""
}

type Verifier interface {
	Verify(ctx context.Context, cred Credential) (domain.Caller, error)
}

// Chain asks each verifier in turn. The first one that does not skip decides.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, cred Credential) (domain.Caller, error) {
	if cred.Empty() {
		return domain.Caller{}, fmt.Errorf("%w: authentication required", ErrUnauthenticated)
	}
	for _, v := range c {
		caller, err := v.Verify(ctx, cred)
		if errors.Is(err, ErrSkip) {
			continue
		}
		if err != nil {
			return domain.Caller{}, err
		}
		return caller, nil
	}
	return domain.Caller{}, fmt.Errorf("%w: no verifier accepts these credentials", ErrUnauthenticated)
}

func invalid(source string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnauthenticated, source, err)
}

func checkCaller(c domain.Caller) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("subject required")
	}
	if !c.Role.Valid() {
		return fmt.Errorf("unknown role %q", c.Role)
	}
	return nil
}
