// internal/store/postgres/module.go wires the store layer and runs schema
// migrations once at startup, before anything else touches the pool.
package postgres

import (
	"context"

	"go.uber.org/fx"

	"github.com/mlsds/delivery-service/config"
)

var Module = fx.Module("postgres",
	fx.Provide(
		provideStore,
		NewDeviceRepo,
		NewKeyPackageRepo,
		NewConversationRepo,
		NewMessageRepo,
		NewEnvelopeRepo,
		NewWelcomeRepo,
		NewIdempotencyRepo,
		NewReportRepo,
		NewAdminActionRepo,
		NewEventRepo,
	),
	fx.Invoke(registerLifecycle),
)

func provideStore(cfg *config.Config) (*Store, error) {
	return Open(context.Background(), cfg.Postgres.DSN, cfg.Postgres.MaxConns)
}

func registerLifecycle(lc fx.Lifecycle, store *Store, cfg *config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return Migrate(ctx, cfg.Postgres.DSN)
		},
		OnStop: func(ctx context.Context) error {
			store.Close()
			return nil
		},
	})
}
