package identity

import (
	"context"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"medshare/internal/domain"
)

type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	RoleClaim       string
}

type idTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// Firebase verifies Firebase ID tokens. The role comes from a custom claim
// set on the account by an administrator.
type Firebase struct {
	tokens    idTokenVerifier
	roleClaim string
}

func NewFirebase(ctx context.Context, cfg FirebaseConfig) (*Firebase, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase auth: %w", err)
	}
	return &Firebase{tokens: client, roleClaim: roleClaim(cfg.RoleClaim)}, nil
}

func roleClaim(name string) string {
	if strings.TrimSpace(name) == "" {
		return "role"
	}
	return name
}

func (v *Firebase) Verify(ctx context.Context, cred Credential) (domain.Caller, error) {
	token := strings.TrimSpace(cred.Bearer)
	if token == "" {
		return domain.Caller{}, ErrSkip
	}
	t, err := v.tokens.VerifyIDToken(ctx, token)
	if err != nil {
		return domain.Caller{}, invalid(SourceFirebase, err)
	}
	role, _ := t.Claims[v.roleClaim].(string)
	name, _ := t.Claims["name"].(string)
	caller := domain.Caller{ID: t.UID, Role: domain.Role(role), Name: name, Source: SourceFirebase}
	if err := checkCaller(caller); err != nil {
		return domain.Caller{}, invalid(SourceFirebase, err)
	}
	return caller, nil
}
