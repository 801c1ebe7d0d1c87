package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"medshare/internal/domain"
)

const (
	SourceJWT      = "jwt"
	SourceAPIKey   = "api_key"
	SourceFirebase = "firebase"
)

type jwtClaims struct {
	jwt.RegisteredClaims
	Role domain.Role `json:"role"`
	Name string      `json:"name,omitempty"`
}

// JWT verifies HS256 bearer tokens signed with Secret. Tokens signed with
// any other algorithm are skipped so an upstream provider can take them.
type JWT struct {
	Secret string
}

func (v JWT) Verify(_ context.Context, cred Credential) (domain.Caller, error) {
	token := strings.TrimSpace(cred.Bearer)
	if token == "" || strings.TrimSpace(v.Secret) == "" {
		return domain.Caller{}, ErrSkip
	}
	unverified, _, err := jwt.NewParser().ParseUnverified(token, &jwtClaims{})
	if err != nil {
		return domain.Caller{}, invalid(SourceJWT, err)
	}
	if unverified.Method.Alg() != jwt.SigningMethodHS256.Alg() {
		return domain.Caller{}, ErrSkip
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(v.Secret), nil
	})
	if err != nil {
		return domain.Caller{}, invalid(SourceJWT, err)
	}
	if !parsed.Valid {
		return domain.Caller{}, invalid(SourceJWT, errors.New("invalid token"))
	}
	caller := domain.Caller{ID: claims.Subject, Role: claims.Role, Name: claims.Name, Source: SourceJWT}
	if err := checkCaller(caller); err != nil {
		return domain.Caller{}, invalid(SourceJWT, err)
	}
	return caller, nil
}

// Mint signs a token for caller that expires after ttl.
func Mint(secret string, caller domain.Caller, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if err := checkCaller(caller); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "medshare",
		},
		Role: caller.Role,
		Name: caller.Name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
