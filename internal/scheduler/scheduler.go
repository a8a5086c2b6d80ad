// Package scheduler retries queued deliveries on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/resilience"
)

const (
	defaultSchedule = "@every 5m"
	defaultTimeout  = 2 * time.Minute
)

// Pending is the queue the scheduler drains.
type Pending interface {
	Drain(ctx context.Context, deliver resilience.DeliverFunc) (resilience.DrainReport, error)
}

// Config controls the drain schedule.
type Config struct {
	// Schedule is a standard cron expression or descriptor such as "@every 5m".
	Schedule string
	// Timeout bounds one drain pass.
	Timeout time.Duration
	// Location is the time zone cron expressions are evaluated in.
	Location *time.Location
}

// Scheduler drains pending deliveries at start-up and then on Schedule.
type Scheduler struct {
	cron      *cron.Cron
	pending   Pending
	deliverer harvest.Deliverer
	timeout   time.Duration
	logger    *zap.Logger
}

// New validates the schedule and registers the drain job. Nothing runs until Start.
func New(cfg Config, pending Pending, deliverer harvest.Deliverer, logger *zap.Logger) (*Scheduler, error) {
	if pending == nil || deliverer == nil {
		return nil, errors.New("scheduler: pending queue and deliverer are required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clog := cronLogger{logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		pending:   pending,
		deliverer: deliverer,
		timeout:   cfg.Timeout,
		logger:    logger,
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("scheduler: parse %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start drains once synchronously and then starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.Drain(ctx); err != nil && ctx.Err() != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running drain or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Drain runs one pass over the pending queue.
func (s *Scheduler) Drain(ctx context.Context) (resilience.DrainReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	report, err := s.pending.Drain(ctx, func(ctx context.Context, p harvest.PendingDelivery) error {
		return s.deliverer.Deliver(ctx, p.AccountID, p.ArtifactPath, p.Meta)
	})
	fields := []zap.Field{
		zap.Int("delivered", report.Delivered),
		zap.Int("discarded", report.Discarded),
		zap.Int("failed", report.Failed),
	}
	if err != nil {
		s.logger.Warn("pending drain incomplete", append(fields, zap.Error(err))...)
		return report, err
	}
	if report != (resilience.DrainReport{}) {
		s.logger.Info("pending drain finished", fields...)
	}
	return report, nil
}

func (s *Scheduler) tick() {
	_, _ = s.Drain(context.Background())
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
