package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"

	"medshare/internal/domain"
	"medshare/internal/identity"
)

type AuthConfig struct {
	JWTSecret string
	DevLogin  bool
}

type callerKey struct{}

func withCaller(ctx context.Context, c domain.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the verified caller attached by the auth
// middleware.
func CallerFromContext(ctx context.Context) (domain.Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(domain.Caller)
	return c, ok
}

func callerFromRequest(ctx context.Context) (domain.Caller, huma.StatusError) {
	if c, ok := CallerFromContext(ctx); ok && c.ID != "" {
		return c, nil
	}
	return domain.Caller{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware verifies credentials for every route under basePath
// except health and dev login. Browsers cannot set headers on a websocket
// handshake, so the feed also accepts ?token=.
func newAuthMiddleware(basePath string, verifier identity.Verifier, log zerolog.Logger) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
		path.Join(basePath, "openapi.json"):   true,
	}
	wsPath := path.Join(basePath, "ws")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			var cred identity.Credential
			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				cred.Bearer = token
			}
			cred.APIKey = strings.TrimSpace(req.Header.Get("X-Api-Key"))
			if req.URL.Path == wsPath && cred.Empty() {
				cred.Bearer = strings.TrimSpace(req.URL.Query().Get("token"))
			}
			if cred.Empty() {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if verifier == nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "no identity provider configured", nil))
				return
			}
			caller, err := verifier.Verify(req.Context(), cred)
			if err != nil {
				if !errors.Is(err, identity.ErrUnauthenticated) {
					log.Error().Err(err).Msg("credential verification failed")
					respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
					return
				}
				log.Debug().Err(err).Str("path", req.URL.Path).Msg("rejected credentials")
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withCaller(req.Context(), caller)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
