package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/xenking/proposal-discounts/internal/domain/engine"
	redisstore "github.com/xenking/proposal-discounts/internal/storage/redis"
)

// Sweeper runs one pass of time-based transitions.
type Sweeper interface {
	Sweep(ctx context.Context) (engine.SweepResult, error)
}

// Guard admits at most one sweep at a time across replicas. It returns
// ok=false when another replica holds the sweep.
type Guard func(ctx context.Context) (release func(), ok bool, err error)

// redisGuard takes a Redis lease for every sweep.
func redisGuard(l *redisstore.Locker, ttl time.Duration, lg *zap.Logger) Guard {
	return func(ctx context.Context) (func(), bool, error) {
		lease, err := l.Acquire(ctx, "sweep", ttl)
		if errors.Is(err, redisstore.ErrNotAcquired) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return func() {
			// The sweep context may already be cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := lease.Release(ctx); err != nil {
				lg.Warn("Release sweep lock", zap.Error(err))
			}
		}, true, nil
	}
}

// Scheduler runs the sweep on a cron schedule.
type Scheduler struct {
	spec    string
	sweeper Sweeper
	guard   Guard
	timeout time.Duration
	lg      *zap.Logger
}

// NewScheduler validates spec and returns a Scheduler. A nil guard runs
// every tick.
func NewScheduler(lg *zap.Logger, spec string, timeout time.Duration, s Sweeper, guard Guard) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, errors.Wrapf(err, "parse schedule %q", spec)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Scheduler{spec: spec, sweeper: s, guard: guard, timeout: timeout, lg: lg}, nil
}

// Run blocks until ctx is done, then waits for a running sweep to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLogger(cronLogger{s.lg}),
		cron.WithChain(cron.Recover(cronLogger{s.lg}), cron.SkipIfStillRunning(cronLogger{s.lg})),
	)
	if _, err := c.AddFunc(s.spec, func() { s.runOnce(ctx) }); err != nil {
		return errors.Wrap(err, "add sweep job")
	}

	s.lg.Info("Sweep scheduled", zap.String("schedule", s.spec))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.guard != nil {
		release, ok, err := s.guard(ctx)
		if err != nil {
			s.lg.Error("Acquire sweep lock", zap.Error(err))
			return
		}
		if !ok {
			s.lg.Debug("Sweep held by another replica")
			return
		}
		defer release()
	}

	start := time.Now()
	res, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.lg.Error("Sweep failed", zap.Error(err))
		return
	}
	s.lg.Info("Sweep done",
		zap.Int("escalated", res.Escalated),
		zap.Int("expired", res.Expired),
		zap.Int("released_reservations", res.ReleasedReservations),
		zap.Duration("duration", time.Since(start)),
	)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	lg *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.lg.Debug(msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.lg.Error(msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(kv []any) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, zap.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
