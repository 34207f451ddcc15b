// Package sweeper times out reports whose validation never produced a
// verdict. A report stuck in Transmitted or Ongoing for more than the
// deadline is moved to TimeoutError and its submitter notified.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"regbackend/domain"
	"regbackend/notify"
	"regbackend/store"
)

type Sweeper struct {
	reports  store.ReportStore
	notifier notify.Notifier
	interval time.Duration
	deadline time.Duration
	now      func() time.Time

	// OnSweep, when set, observes every sweep (metrics hook).
	OnSweep func(start time.Time, err error)
}

func New(reports store.ReportStore, notifier notify.Notifier) *Sweeper {
	return &Sweeper{
		reports:  reports,
		notifier: notifier,
		interval: time.Hour,
		deadline: 24 * time.Hour,
		now:      time.Now,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled. One failed sweep is
// logged and the next tick proceeds.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	slog.Info("timeout sweeper started", "interval", s.interval, "deadline", s.deadline)
	for {
		select {
		case <-ctx.Done():
			slog.Info("timeout sweeper stopped")
			return ctx.Err()
		case <-t.C:
			start := time.Now()
			n, err := s.Sweep(ctx)
			if s.OnSweep != nil {
				s.OnSweep(start, err)
			}
			if err != nil {
				slog.Error("sweep failed", "err", err)
			} else if n > 0 {
				slog.Info("swept stuck reports", "count", n)
			}
		}
	}
}

// Sweep times out every report whose validation started before now-deadline.
// Returns how many reports were moved to TimeoutError. A failure on one
// report does not stop the rest of the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.deadline)
	stuck, err := s.reports.ListStuck(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, r := range stuck {
		updated, ok, err := s.reports.Update(ctx, r.ID, func(rep *domain.Report) error {
			return rep.RecordTimeoutError()
		})
		if err != nil {
			if domain.IsStateError(err) {
				// Completed between the listing and this write; leave it be.
				continue
			}
			slog.Error("timeout transition failed", "report", r.ID, "err", err)
			continue
		}
		if !ok {
			continue
		}
		swept++
		slog.Warn("report validation timed out",
			"report", updated.ID,
			"entity", updated.EntityID,
			"started", updated.ValidationStartedDate)
		if s.notifier != nil {
			if nerr := s.notifier.NotifyTimeout(ctx, updated); nerr != nil {
				slog.Warn("timeout notification failed", "report", updated.ID, "err", nerr)
			}
		}
	}
	return swept, nil
}
