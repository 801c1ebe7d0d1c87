// Package app assembles the store, engine, identity chain and notifiers from
// a loaded Config. Both the CLI and the HTTP server start here.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"medshare/internal/config"
	"medshare/internal/db"
	"medshare/internal/engine"
	"medshare/internal/identity"
	"medshare/internal/notify"
	"medshare/internal/repo"
	"medshare/internal/store"
	"medshare/internal/store/mongostore"
	"medshare/internal/store/sqlitestore"
)

type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Store    store.Store
	Engine   engine.Engine
	Identity identity.Chain
	Hub      *notify.Hub
	Redis    *notify.Redis
}

// Open builds an App. The caller owns it and must Close it.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	s, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log, Store: s}

	var notifiers notify.Multi
	if cfg.Notify.WebSocket {
		a.Hub = notify.NewHub(log.With().Str("component", "hub").Logger())
	}
	if cfg.Notify.Redis.Enabled {
		var local notify.Notifier = notify.Nop{}
		if a.Hub != nil {
			local = a.Hub
		}
		a.Redis, err = notify.NewRedis(ctx, notify.RedisConfig{
			Addr:     cfg.Notify.Redis.Addr,
			Password: cfg.Notify.Redis.Password,
			DB:       cfg.Notify.Redis.DB,
			Channel:  cfg.Notify.Redis.Channel,
		}, local, log.With().Str("component", "redis").Logger())
		if err != nil {
			s.Close()
			return nil, err
		}
		// the hub hears about changes through the subscription
		notifiers = append(notifiers, a.Redis)
	} else if a.Hub != nil {
		notifiers = append(notifiers, a.Hub)
	}

	a.Engine = engine.New(s, cfg)
	a.Engine.Log = log.With().Str("component", "engine").Logger()
	if len(notifiers) > 0 {
		a.Engine.Notifier = notifiers
	}

	a.Identity, err = Verifiers(ctx, cfg.Auth, a.Engine.Repo)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// OpenStore opens the configured backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return sqlitestore.Open(ctx, db.Config{Workspace: cfg.SQLite.Workspace, BusyTimeoutMS: cfg.SQLite.BusyTimeoutMS})
	case "mongo":
		return mongostore.Open(ctx, mongostore.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database, Timeout: cfg.Mongo.Timeout})
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// Verifiers builds the identity chain: local JWTs first, then API keys, then
// Firebase ID tokens.
func Verifiers(ctx context.Context, cfg config.AuthConfig, r repo.Repo) (identity.Chain, error) {
	var chain identity.Chain
	if cfg.JWTSecret != "" {
		chain = append(chain, identity.JWT{Secret: cfg.JWTSecret})
	}
	if cfg.APIKeys {
		chain = append(chain, identity.APIKey{Keys: r})
	}
	if cfg.Firebase.Enabled {
		fb, err := identity.NewFirebase(ctx, identity.FirebaseConfig{
			ProjectID:       cfg.Firebase.ProjectID,
			CredentialsFile: cfg.Firebase.CredentialsFile,
			RoleClaim:       cfg.Firebase.RoleClaim,
		})
		if err != nil {
			return nil, err
		}
		chain = append(chain, fb)
	}
	return chain, nil
}
