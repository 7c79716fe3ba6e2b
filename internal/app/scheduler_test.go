package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xenking/proposal-discounts/internal/domain/approval"
	"github.com/xenking/proposal-discounts/internal/domain/engine"
)

type sweeperFunc func(ctx context.Context) (engine.SweepResult, error)

func (f sweeperFunc) Sweep(ctx context.Context) (engine.SweepResult, error) { return f(ctx) }

func TestScheduler_RunOnce(t *testing.T) {
	result := engine.SweepResult{
		SweepResult:          approval.SweepResult{Escalated: 2, Expired: 1},
		ReleasedReservations: 3,
	}

	tests := []struct {
		name      string
		guard     func(released *atomic.Bool) Guard
		sweepErr  error
		swept     bool
		released  bool
		logged    string
		logFields map[string]any
	}{
		{
			name:      "NoGuard",
			swept:     true,
			logged:    "Sweep done",
			logFields: map[string]any{"escalated": int64(2), "expired": int64(1), "released_reservations": int64(3)},
		},
		{
			name: "GuardAcquired",
			guard: func(released *atomic.Bool) Guard {
				return func(context.Context) (func(), bool, error) {
					return func() { released.Store(true) }, true, nil
				}
			},
			swept:    true,
			released: true,
			logged:   "Sweep done",
		},
		{
			name: "GuardBusy",
			guard: func(*atomic.Bool) Guard {
				return func(context.Context) (func(), bool, error) { return nil, false, nil }
			},
			logged: "Sweep held by another replica",
		},
		{
			name: "GuardError",
			guard: func(*atomic.Bool) Guard {
				return func(context.Context) (func(), bool, error) { return nil, false, errors.New("redis down") }
			},
			logged: "Acquire sweep lock",
		},
		{
			name:     "SweepError",
			sweepErr: errors.New("db down"),
			swept:    true,
			logged:   "Sweep failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			var swept, released atomic.Bool
			var guard Guard
			if tt.guard != nil {
				guard = tt.guard(&released)
			}
			s, err := NewScheduler(zap.New(core), "@every 1m", time.Second, sweeperFunc(func(context.Context) (engine.SweepResult, error) {
				swept.Store(true)
				return result, tt.sweepErr
			}), guard)
			require.NoError(t, err)

			s.runOnce(context.Background())

			assert.Equal(t, tt.swept, swept.Load())
			assert.Equal(t, tt.released, released.Load())
			entries := logs.FilterMessage(tt.logged).All()
			require.Len(t, entries, 1)
			for k, v := range tt.logFields {
				assert.Equal(t, v, entries[0].ContextMap()[k])
			}
		})
	}
}

func TestScheduler_Run(t *testing.T) {
	var runs atomic.Int32
	s, err := NewScheduler(zap.NewNop(), "@every 1s", time.Second, sweeperFunc(func(context.Context) (engine.SweepResult, error) {
		runs.Add(1)
		return engine.SweepResult{}, nil
	}), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestNewScheduler_InvalidSpec(t *testing.T) {
	_, err := NewScheduler(zap.NewNop(), "whenever", time.Second, nil, nil)
	require.Error(t, err)
}
