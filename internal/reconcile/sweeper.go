package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-pawtag/internal/lock"
	"github.com/noah-isme/backend-pawtag/internal/obs"
	"github.com/noah-isme/backend-pawtag/internal/payment"
	"github.com/noah-isme/backend-pawtag/internal/store"
)

const lockKey = "reconcile:sweep"

// PendingLister supplies the stale-pending payments worth polling.
type PendingLister interface {
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]store.Payment, error)
}

// Sweeper periodically polls the gateway for payments that have sat pending
// longer than MinAge. A Redis lock keeps at most one sweep running across all
// processes; every payment converges through the shared finalizer.
type Sweeper struct {
	Payments   PendingLister
	Reconciler *payment.Reconciler
	Locker     lock.Locker
	Interval   time.Duration
	MinAge     time.Duration
	BatchSize  int
	Log        zerolog.Logger
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if s == nil || s.Payments == nil || s.Reconciler == nil {
		return errors.New("reconcile sweeper not configured")
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.Log.Error().Err(err).Msg("reconciliation sweep failed")
			}
		}
	}
}

// SweepOnce runs a single sweep pass, skipping silently when another process
// holds the sweep lock.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	acquired, release, err := s.Locker.TryLock(ctx, lockKey, s.lockTTL())
	if err != nil {
		s.count("lock_error")
		return err
	}
	if !acquired {
		s.count("skipped")
		return nil
	}
	defer release()

	minAge := s.MinAge
	if minAge <= 0 {
		minAge = 10 * time.Minute
	}
	batch := s.BatchSize
	if batch <= 0 {
		batch = 100
	}

	pending, err := s.Payments.ListStalePending(ctx, time.Now().Add(-minAge), batch)
	if err != nil {
		s.count("list_error")
		return err
	}
	if len(pending) == 0 {
		s.count("empty")
		return nil
	}

	var failures int
	for i := range pending {
		p := pending[i]
		if _, err := s.Reconciler.ReconcilePending(ctx, &p, "sweep"); err != nil {
			failures++
			s.Log.Warn().Err(err).Str("payment_id", p.ID).Msg("sweep reconciliation failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	s.Log.Info().Int("checked", len(pending)).Int("failures", failures).Msg("reconciliation sweep finished")
	if failures > 0 {
		s.count("partial")
	} else {
		s.count("ok")
	}
	return nil
}

func (s *Sweeper) lockTTL() time.Duration {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return interval
}

func (s *Sweeper) count(result string) {
	if obs.ReconcileSweepTotal == nil {
		return
	}
	obs.ReconcileSweepTotal.WithLabelValues(result).Inc()
}
