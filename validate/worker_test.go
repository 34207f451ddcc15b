package validate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"regbackend/domain"
	"regbackend/engine"
	"regbackend/store"
	"regbackend/streamq"
)

type workerFixture struct {
	reports  *store.InMemoryReportStore
	results  *store.InMemoryValidationResultStore
	files    *fakeFiles
	notifier *fakeNotifier
	worker   *Worker
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	f := &workerFixture{
		reports:  store.NewInMemoryReportStore(),
		results:  store.NewInMemoryValidationResultStore(),
		files:    newFakeFiles(),
		notifier: &fakeNotifier{},
	}
	f.worker = NewWorker(f.reports, f.results, f.files, engine.NewStubEngine(), f.notifier, nil)
	f.worker.retryBase = time.Millisecond
	f.worker.retryCap = 2 * time.Millisecond
	return f
}

// submitReport seeds a report in Transmitted with its file in storage and
// returns the JSON job payload the service would have enqueued.
func (f *workerFixture) submitReport(t *testing.T, id, period string) []byte {
	t.Helper()
	ctx := context.Background()
	fileKey := f.files.ObjectKeyForUpload(id, "report.xlsx")
	f.files.objects[fileKey] = []byte("workbook bytes")

	r, err := domain.NewReport(id, 1001, "u-1", "report.xlsx", fileKey, 14, "Quarterly", period)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.reports.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	r, _, err = f.reports.Update(ctx, id, func(rep *domain.Report) error {
		return rep.StartValidation("val-" + id)
	})
	if err != nil {
		t.Fatal(err)
	}
	payload, err := json.Marshal(domain.JobForReport(r))
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func (f *workerFixture) report(t *testing.T, id string) *domain.Report {
	t.Helper()
	r, ok, err := f.reports.Get(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("report %s: ok=%v err=%v", id, ok, err)
	}
	return r
}

func TestWorkerSuccessfulValidation(t *testing.T) {
	f := newWorkerFixture(t)
	payload := f.submitReport(t, "r-1", "Q1_2025")

	if err := f.worker.Process(context.Background(), payload); err != nil {
		t.Fatalf("Process: %v", err)
	}

	r := f.report(t, "r-1")
	if r.Status != domain.ValidationStatusSuccessful {
		t.Fatalf("status = %s", r.Status)
	}
	if r.ValidationCompletedDate == nil {
		t.Fatalf("completed date not set")
	}
	if r.ValidationResultFileKey == "" || !f.files.has(r.ValidationResultFileKey) {
		t.Fatalf("result workbook not stored, key %q", r.ValidationResultFileKey)
	}

	vr, ok, err := f.results.GetByReportID(context.Background(), "r-1")
	if err != nil || !ok {
		t.Fatalf("result row: ok=%v err=%v", ok, err)
	}
	if vr.IsValid == nil || !*vr.IsValid || vr.CompletedDate == nil {
		t.Fatalf("result row not completed valid")
	}
	if vr.WarningsJSON == "" {
		t.Fatalf("Q1 verdict should carry warnings")
	}

	if !f.notifier.statusSeen(domain.ValidationStatusOngoing) || !f.notifier.statusSeen(domain.ValidationStatusSuccessful) {
		t.Fatalf("missing status notifications: %v", f.notifier.statuses)
	}
}

func TestWorkerValidationErrors(t *testing.T) {
	f := newWorkerFixture(t)
	payload := f.submitReport(t, "r-2", "Q2_2025")

	if err := f.worker.Process(context.Background(), payload); err != nil {
		t.Fatalf("Process: %v", err)
	}

	r := f.report(t, "r-2")
	if r.Status != domain.ValidationStatusValidationErrors {
		t.Fatalf("status = %s", r.Status)
	}
	if r.ErrorDescription != "Validation found 2 errors" {
		t.Fatalf("summary = %q", r.ErrorDescription)
	}

	vr, _, _ := f.results.GetByReportID(context.Background(), "r-2")
	if vr.IsValid == nil || *vr.IsValid {
		t.Fatalf("result row should be invalid")
	}
	if vr.ErrorsJSON == "" {
		t.Fatalf("errors JSON missing")
	}
}

func TestWorkerDownloadFailureExhaustsRetries(t *testing.T) {
	f := newWorkerFixture(t)
	payload := f.submitReport(t, "r-3", "Q1_2025")
	f.files.failGets = 100 // never recovers

	err := f.worker.Process(context.Background(), payload)
	if !streamq.IsTerminal(err) {
		t.Fatalf("exhausted retries must ack terminally, got %v", err)
	}

	r := f.report(t, "r-3")
	if r.Status != domain.ValidationStatusTechnicalError {
		t.Fatalf("status = %s", r.Status)
	}
	if r.ErrorDescription == "" {
		t.Fatalf("technical error description missing")
	}

	vr, ok, _ := f.results.GetByReportID(context.Background(), "r-3")
	if !ok || vr.CompletedDate == nil || vr.TechnicalErrorMessage == "" {
		t.Fatalf("result row not closed with technical error")
	}
	if vr.IsValid == nil || *vr.IsValid {
		t.Fatalf("technical error result must be invalid")
	}
}

func TestWorkerTransientDownloadFailureRecovers(t *testing.T) {
	f := newWorkerFixture(t)
	payload := f.submitReport(t, "r-4", "Q1_2025")
	f.files.failGets = 2 // third attempt succeeds

	if err := f.worker.Process(context.Background(), payload); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := f.report(t, "r-4").Status; got != domain.ValidationStatusSuccessful {
		t.Fatalf("status = %s", got)
	}
}

func TestWorkerRedeliveryAfterCompletionIsDropped(t *testing.T) {
	f := newWorkerFixture(t)
	payload := f.submitReport(t, "r-5", "Q1_2025")

	if err := f.worker.Process(context.Background(), payload); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	completed := f.report(t, "r-5").ValidationCompletedDate

	err := f.worker.Process(context.Background(), payload)
	if !streamq.IsTerminal(err) {
		t.Fatalf("redelivery must ack terminally, got %v", err)
	}

	r := f.report(t, "r-5")
	if r.Status != domain.ValidationStatusSuccessful {
		t.Fatalf("redelivery changed status to %s", r.Status)
	}
	if !r.ValidationCompletedDate.Equal(*completed) {
		t.Fatalf("redelivery moved the completion date")
	}
}

func TestWorkerUnknownReportDropped(t *testing.T) {
	f := newWorkerFixture(t)
	payload, _ := json.Marshal(domain.ValidationJob{
		ReportID:       "ghost",
		FileStorageKey: "report-uploads/ghost/report.xlsx",
	})
	if err := f.worker.Process(context.Background(), payload); !streamq.IsTerminal(err) {
		t.Fatalf("unknown report must ack terminally, got %v", err)
	}
}

func TestWorkerMalformedPayloadDropped(t *testing.T) {
	f := newWorkerFixture(t)
	if err := f.worker.Process(context.Background(), []byte("{not json")); !streamq.IsTerminal(err) {
		t.Fatalf("malformed payload must ack terminally")
	}
	if err := f.worker.Process(context.Background(), []byte(`{"reportId":""}`)); !streamq.IsTerminal(err) {
		t.Fatalf("invalid job must ack terminally")
	}
}

func TestWorkerVerdictDiscardedWhenSweeperWins(t *testing.T) {
	f := newWorkerFixture(t)
	payload := f.submitReport(t, "r-6", "Q1_2025")

	// Sweeper times the report out between delivery and processing.
	if _, _, err := f.reports.Update(context.Background(), "r-6", func(r *domain.Report) error {
		return r.RecordTimeoutError()
	}); err != nil {
		t.Fatal(err)
	}

	err := f.worker.Process(context.Background(), payload)
	if !streamq.IsTerminal(err) {
		t.Fatalf("settled report must ack terminally, got %v", err)
	}
	if got := f.report(t, "r-6").Status; got != domain.ValidationStatusTimeoutError {
		t.Fatalf("timeout verdict overwritten: %s", got)
	}
}
