// Package backend picks the Store implementation named by STORE.BACKEND.
package backend

import (
	"fmt"

	"clickbloom-license/pkg/config"
	"clickbloom-license/pkg/db"
	"clickbloom-license/pkg/health"
	"clickbloom-license/services/license"
	"clickbloom-license/services/license/docstore"
	"clickbloom-license/services/license/sqlstore"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("license.backend", fx.Provide(New))

type Params struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
}

type Result struct {
	fx.Out
	Store  license.Store
	Pinger health.Pinger
}

func New(p Params) (Result, error) {
	store, err := Open(p.Lifecycle, p.Config)
	if err != nil {
		return Result{}, err
	}
	return Result{Store: store, Pinger: store}, nil
}

// Open constructs the configured backend. The relational schema is migrated
// before the store is returned.
func Open(lc fx.Lifecycle, cfg *config.Config) (license.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendDocument:
		zap.L().Info("using document store", zap.String("path", cfg.Store.DocumentPath))
		return docstore.New(cfg.Store.DocumentPath)

	case config.BackendRelational:
		gdb, err := db.New(lc, cfg)
		if err != nil {
			return nil, err
		}
		if err := sqlstore.Migrate(gdb); err != nil {
			return nil, fmt.Errorf("migrate license schema: %w", err)
		}
		zap.L().Info("using relational store", zap.String("type", cfg.Database.Type))
		return sqlstore.New(gdb), nil

	default:
		return nil, fmt.Errorf("unknown STORE.BACKEND %q", cfg.Store.Backend)
	}
}
