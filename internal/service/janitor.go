package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mlsds/delivery-service/internal/store/postgres"
)

// Janitor runs the periodic retention sweeps that give a concrete lifecycle
// to: expired key packages, expired messages, stale welcomes, abandoned
// idempotency records, orphaned events, and under-fanned envelopes. One
// cron schedule per concern.
type Janitor struct {
	kpRepo      *postgres.KeyPackageRepo
	msgRepo     *postgres.MessageRepo
	welcomeRepo *postgres.WelcomeRepo
	idempRepo   *postgres.IdempotencyRepo
	eventRepo   *postgres.EventRepo
	fanout      *EnvelopeFanout
	cron        *cron.Cron
	reconcileAt int
}

func NewJanitor(kpRepo *postgres.KeyPackageRepo, msgRepo *postgres.MessageRepo, welcomeRepo *postgres.WelcomeRepo, idempRepo *postgres.IdempotencyRepo, eventRepo *postgres.EventRepo, fanout *EnvelopeFanout) *Janitor {
	return &Janitor{
		kpRepo: kpRepo, msgRepo: msgRepo, welcomeRepo: welcomeRepo,
		idempRepo: idempRepo, eventRepo: eventRepo, fanout: fanout,
		cron: cron.New(), reconcileAt: 500,
	}
}

// Start registers all sweep schedules and begins running them. Stop must be
// called on shutdown to drain any in-flight sweep.
func (j *Janitor) Start(ctx context.Context) error {
	schedules := []struct {
		spec string
		name string
		fn   func(context.Context) (int64, error)
	}{
		{"@every 5m", "KEY_PACKAGE_EXPIRE", func(ctx context.Context) (int64, error) { return j.kpRepo.ExpireOlderThan(ctx, time.Now().UTC()) }},
		{"@every 15m", "MESSAGE_EXPIRE", func(ctx context.Context) (int64, error) { return j.msgRepo.DeleteExpired(ctx, time.Now().UTC()) }},
		{"@every 15m", "WELCOME_INVALIDATE", func(ctx context.Context) (int64, error) { return j.welcomeRepo.InvalidateStaleForHashes(ctx) }},
		{"@every 10m", "IDEMPOTENCY_SWEEP", func(ctx context.Context) (int64, error) { return j.idempRepo.Sweep(ctx, time.Now().UTC()) }},
		{"@every 1h", "EVENT_PRUNE_ORPHANED", func(ctx context.Context) (int64, error) { return j.eventRepo.PruneOrphaned(ctx) }},
		{"@every 1m", "ENVELOPE_RECONCILE", func(ctx context.Context) (int64, error) {
			n, err := j.fanout.Reconcile(ctx, j.reconcileAt)
			return int64(n), err
		}},
	}

	for _, s := range schedules {
		s := s
		if _, err := j.cron.AddFunc(s.spec, func() {
			n, err := s.fn(ctx)
			if err != nil {
				slog.Error("JANITOR_SWEEP_FAILED", slog.String("sweep", s.name), slog.Any("err", err))
				return
			}
			if n > 0 {
				slog.Info("JANITOR_SWEEP", slog.String("sweep", s.name), slog.Int64("affected", n))
			}
		}); err != nil {
			return err
		}
	}

	j.cron.Start()
	return nil
}

func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
