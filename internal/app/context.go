package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"charter/internal/config"
	"charter/internal/events"
	"charter/internal/repo"
)

// ResolveConfig loads the effective registry config: the file config if
// present, the DB copy for limits, seeding the DB on first use. The file owns
// process-level settings (owner, auth, membership URL, webhooks); the DB row
// owns the owner-mutable limits.
func ResolveConfig(ctx context.Context, workspace, ownerOverride string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		owner := ownerOverride
		if owner == "" {
			owner = "local-owner"
		}
		cfg = config.Default(owner)
	}
	stored, err := r.GetRegistryConfig(ctx)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		if err := seedRegistry(ctx, r, cfg); err != nil {
			return nil, fmt.Errorf("seed registry config: %w", err)
		}
		return cfg, nil
	}
	cfg.Limits = stored.Limits
	return cfg, nil
}

func seedRegistry(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertRegistryConfigTx(ctx, tx, cfg); err != nil {
		return err
	}
	w := events.Writer{DB: r.DB, Now: time.Now}
	if err := w.Append(ctx, tx, "registry.init", "config", "", cfg.Registry.OwnerID, events.EventPayload{
		"limits": cfg.Limits,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
