package service

import (
	"context"
	"time"

	"go.uber.org/fx"

	"github.com/mlsds/delivery-service/config"
	"github.com/mlsds/delivery-service/internal/client/identity"
	"github.com/mlsds/delivery-service/internal/client/pushnotifier"
	"github.com/mlsds/delivery-service/internal/domain/registry"
	"github.com/mlsds/delivery-service/internal/store/postgres"
)

var Module = fx.Module("service",
	fx.Provide(
		NewDeliveryService,
		fx.Annotate(
			func(s *DeliveryService) Deliverer { return s },
			fx.As(new(Deliverer)),
		),

		provideIdentityResolver,
		provideAuthGate,
		fx.Annotate(
			func(g *AuthGate) Auther { return g },
			fx.As(new(Auther)),
		),

		provideIdempotent,

		provideKeyPackageMailbox,
		provideDeviceRegistry,
		NewReportInbox,
		NewEnvelopeFanout,
		provideEventStream,
		provideConversationRegistry,
		provideMessageLog,
		provideRecoveryOrchestrator,
		provideJanitor,
		providePushNotifier,
	),

	fx.Invoke(registerJanitor),
)

func provideIdentityResolver(cfg *config.Config) *identity.Resolver {
	ic := cfg.Identity
	return identity.New(ic.BaseURL, ic.Timeout, ic.CacheSize, ic.CacheTTL)
}

func provideAuthGate(cfg *config.Config, resolver *identity.Resolver) *AuthGate {
	return NewAuthGate(resolver, cfg.EnforceAudience, cfg.EnforceMethod, cfg.EnforceNonce, cfg.Identity.ServiceAudience)
}

func provideIdempotent(cfg *config.Config, repo *postgres.IdempotencyRepo) *Idempotent {
	return NewIdempotent(repo, cfg.IdempotencyTTL)
}

func provideKeyPackageMailbox(repo *postgres.KeyPackageRepo, deviceRepo *postgres.DeviceRepo, cfg *config.Config) *KeyPackageMailbox {
	return NewKeyPackageMailbox(repo, deviceRepo, cfg.MaxKeyPackagesPerDevice)
}

func provideDeviceRegistry(repo *postgres.DeviceRepo, notifier pushnotifier.Notifier, cfg *config.Config) *DeviceRegistry {
	return NewDeviceRegistry(repo, notifier, cfg.MaxDevicesPerPrincipal)
}

func provideEventStream(hub registry.Hubber, repo *postgres.EventRepo, cfg *config.Config) *EventStream {
	return NewEventStream(hub, repo, cfg.EventBufferSize)
}

func provideConversationRegistry(
	store *postgres.Store,
	convRepo *postgres.ConversationRepo,
	msgRepo *postgres.MessageRepo,
	kpRepo *postgres.KeyPackageRepo,
	welcomeRepo *postgres.WelcomeRepo,
	adminRepo *postgres.AdminActionRepo,
	fanout *EnvelopeFanout,
	stream *EventStream,
	cfg *config.Config,
) *ConversationRegistry {
	return NewConversationRegistry(store, convRepo, msgRepo, kpRepo, welcomeRepo, adminRepo, fanout, stream, cfg.RetentionWindow)
}

func provideMessageLog(store *postgres.Store, convRepo *postgres.ConversationRepo, msgRepo *postgres.MessageRepo, fanout *EnvelopeFanout, cfg *config.Config) *MessageLog {
	return NewMessageLog(store, convRepo, msgRepo, fanout, cfg.RetentionWindow)
}

func provideRecoveryOrchestrator(store *postgres.Store, convRepo *postgres.ConversationRepo, msgRepo *postgres.MessageRepo, welcomeRepo *postgres.WelcomeRepo, fanout *EnvelopeFanout, stream *EventStream, cfg *config.Config) *RecoveryOrchestrator {
	return NewRecoveryOrchestrator(store, convRepo, msgRepo, welcomeRepo, fanout, stream, cfg.RetentionWindow)
}

func provideJanitor(kpRepo *postgres.KeyPackageRepo, msgRepo *postgres.MessageRepo, welcomeRepo *postgres.WelcomeRepo, idempRepo *postgres.IdempotencyRepo, eventRepo *postgres.EventRepo, fanout *EnvelopeFanout) *Janitor {
	return NewJanitor(kpRepo, msgRepo, welcomeRepo, idempRepo, eventRepo, fanout)
}

func providePushNotifier(cfg *config.Config) pushnotifier.Notifier {
	if !cfg.ExternalPushEnabled {
		return pushnotifier.NoOp{}
	}
	// A real deployment supplies an AMQP message.Publisher via the amqp
	// handler module; absent that wiring this falls back to NoOp rather
	// than fail startup, since push delivery is a best-effort side channel.
	return pushnotifier.NoOp{}
}

func registerJanitor(lc fx.Lifecycle, j *Janitor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return j.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			done := make(chan struct{})
			go func() { j.Stop(); close(done) }()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
			}
			return nil
		},
	})
}
