package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/config"
	"github.com/JakeFAU/leadscout/internal/resilience"
	"github.com/JakeFAU/leadscout/internal/scheduler"
)

// DrainPending runs one delivery pass over the pending queue in stores using
// the configured delivery backend.
func DrainPending(ctx context.Context, cfg *config.Config, stores *Stores, logger *zap.Logger) (resilience.DrainReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, stores: stores}
	defer func() {
		if app.publisher != nil {
			if err := app.publisher.Close(); err != nil {
				logger.Warn("publisher close failed", zap.Error(err))
			}
		}
		if app.pubsubClient != nil {
			if err := app.pubsubClient.Close(); err != nil {
				logger.Warn("pubsub client close failed", zap.Error(err))
			}
		}
	}()

	deliverer, err := setupDelivery(ctx, app)
	if err != nil {
		return resilience.DrainReport{}, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return resilience.DrainReport{}, err
	}
	sched, err := scheduler.New(scheduler.Config{
		Schedule: cfg.Scheduler.DrainSchedule,
		Timeout:  config.Seconds(cfg.Jobs.DeliveryTimeoutSeconds),
		Location: loc,
	}, stores.Pending, deliverer, logger.Named("scheduler"))
	if err != nil {
		return resilience.DrainReport{}, fmt.Errorf("scheduler init failed: %w", err)
	}
	return sched.Drain(ctx)
}
