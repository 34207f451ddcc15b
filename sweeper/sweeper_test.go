package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"regbackend/domain"
	"regbackend/store"
)

type recordingNotifier struct {
	mu       sync.Mutex
	timeouts []string
}

func (n *recordingNotifier) NotifyStatus(_ context.Context, _ *domain.Report) error { return nil }

func (n *recordingNotifier) NotifyTimeout(_ context.Context, r *domain.Report) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.timeouts = append(n.timeouts, r.ID)
	return nil
}

func seedStarted(t *testing.T, s *store.InMemoryReportStore, id string, startedAgo time.Duration) {
	t.Helper()
	ctx := context.Background()
	r, err := domain.NewReport(id, 1001, "u-1", "report.xlsx", "report-uploads/"+id+"/report.xlsx", 512, "Quarterly", "Q_"+id)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	started := time.Now().UTC().Add(-startedAgo)
	if _, _, err := s.Update(ctx, id, func(rep *domain.Report) error {
		if err := rep.StartValidation("val-" + id); err != nil {
			return err
		}
		rep.ValidationStartedDate = &started
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSweepTimesOutStuckReports(t *testing.T) {
	ctx := context.Background()
	reports := store.NewInMemoryReportStore()
	notifier := &recordingNotifier{}

	seedStarted(t, reports, "r-stale", 25*time.Hour)
	seedStarted(t, reports, "r-fresh", 1*time.Hour)

	sw := New(reports, notifier)
	n, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept %d reports", n)
	}

	stale, _, _ := reports.Get(ctx, "r-stale")
	if stale.Status != domain.ValidationStatusTimeoutError {
		t.Fatalf("stale status = %s", stale.Status)
	}
	if stale.ErrorDescription != domain.TimeoutErrorDescription {
		t.Fatalf("timeout message = %q", stale.ErrorDescription)
	}
	if stale.ValidationCompletedDate == nil {
		t.Fatalf("completion date not set")
	}

	fresh, _, _ := reports.Get(ctx, "r-fresh")
	if fresh.Status != domain.ValidationStatusTransmitted {
		t.Fatalf("fresh report touched: %s", fresh.Status)
	}

	if len(notifier.timeouts) != 1 || notifier.timeouts[0] != "r-stale" {
		t.Fatalf("timeout notifications = %v", notifier.timeouts)
	}
}

func TestSweepUsesInjectedClock(t *testing.T) {
	ctx := context.Background()
	reports := store.NewInMemoryReportStore()

	seedStarted(t, reports, "r-1", 2*time.Hour)

	sw := New(reports, &recordingNotifier{})
	// Pretend a day has passed since the report started validating.
	sw.now = func() time.Time { return time.Now().Add(23 * time.Hour) }

	n, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept %d reports", n)
	}
}

func TestSweepSkipsJustCompletedReport(t *testing.T) {
	ctx := context.Background()
	reports := store.NewInMemoryReportStore()
	notifier := &recordingNotifier{}

	seedStarted(t, reports, "r-1", 25*time.Hour)
	// The worker finishes after the sweeper's listing would have seen the
	// report as stuck; the guard must reject the late timeout.
	if _, _, err := reports.Update(ctx, "r-1", func(r *domain.Report) error {
		if err := r.UpdateToOngoing(); err != nil {
			return err
		}
		return r.CompleteValidationSuccessfully("key")
	}); err != nil {
		t.Fatal(err)
	}

	sw := New(reports, notifier)
	n, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("swept %d reports", n)
	}
	r, _, _ := reports.Get(ctx, "r-1")
	if r.Status != domain.ValidationStatusSuccessful {
		t.Fatalf("completed report overwritten: %s", r.Status)
	}
	if len(notifier.timeouts) != 0 {
		t.Fatalf("unexpected timeout notifications: %v", notifier.timeouts)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	reports := store.NewInMemoryReportStore()
	sw := New(reports, &recordingNotifier{})
	sw.interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
}
