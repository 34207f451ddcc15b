package domain

import (
	"testing"
	"time"
)

func newTestReport(t *testing.T) *Report {
	t.Helper()
	r, err := NewReport("r-1", 1001, "u-1", "report.xlsx", "report-uploads/r-1/report.xlsx", 2048, "Quarterly", "Q1_2025")
	if err != nil {
		t.Fatalf("NewReport returned error: %v", err)
	}
	return r
}

func TestNewReportValidation(t *testing.T) {
	cases := []struct {
		name     string
		entityID int64
		userID   string
		fileName string
		fileSize int64
	}{
		{"zero entity", 0, "u-1", "report.xlsx", 10},
		{"negative entity", -5, "u-1", "report.xlsx", 10},
		{"empty user", 1001, "  ", "report.xlsx", 10},
		{"empty file name", 1001, "u-1", "", 10},
		{"zero file size", 1001, "u-1", "report.xlsx", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewReport("r-1", tc.entityID, tc.userID, tc.fileName, "key", tc.fileSize, "Quarterly", "Q1_2025")
			if err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestStartValidationSetsStartedDateOnce(t *testing.T) {
	r := newTestReport(t)
	if r.ValidationStartedDate != nil {
		t.Fatalf("started date must be nil in working status")
	}

	if err := r.StartValidation("val-123"); err != nil {
		t.Fatalf("StartValidation returned error: %v", err)
	}
	if r.Status != ValidationStatusTransmitted {
		t.Fatalf("expected transmitted, got %s", r.Status)
	}
	if r.ValidationStartedDate == nil {
		t.Fatalf("started date not set")
	}
	if r.UniqueValidationID != "val-123" {
		t.Fatalf("unexpected validation id %q", r.UniqueValidationID)
	}

	started := *r.ValidationStartedDate
	err := r.StartValidation("val-456")
	if err == nil {
		t.Fatalf("second StartValidation must fail")
	}
	if !IsStateError(err) {
		t.Fatalf("expected state error, got %v", err)
	}
	if r.UniqueValidationID != "val-123" {
		t.Fatalf("validation id changed by failed call: %q", r.UniqueValidationID)
	}
	if !r.ValidationStartedDate.Equal(started) {
		t.Fatalf("started date changed by failed call")
	}
}

func TestUpdateToOngoingToleratesRedelivery(t *testing.T) {
	r := newTestReport(t)
	if err := r.UpdateToOngoing(); err == nil {
		t.Fatalf("UpdateToOngoing from working must fail")
	}
	if err := r.StartValidation("val-1"); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateToOngoing(); err != nil {
		t.Fatalf("UpdateToOngoing returned error: %v", err)
	}
	// Redelivered job calls it again.
	if err := r.UpdateToOngoing(); err != nil {
		t.Fatalf("repeat UpdateToOngoing must be a no-op, got %v", err)
	}
	if r.Status != ValidationStatusOngoing {
		t.Fatalf("unexpected status %s", r.Status)
	}
}

func TestCompleteValidationSetsCompletedDateOnce(t *testing.T) {
	r := newTestReport(t)
	mustStartOngoing(t, r)

	if err := r.CompleteValidationSuccessfully("report-results/r-1/result.xlsx"); err != nil {
		t.Fatalf("CompleteValidationSuccessfully returned error: %v", err)
	}
	if r.Status != ValidationStatusSuccessful {
		t.Fatalf("unexpected status %s", r.Status)
	}
	if r.ValidationCompletedDate == nil {
		t.Fatalf("completed date not set")
	}
	if r.ValidationResultFileKey == "" {
		t.Fatalf("result file key not set")
	}

	if err := r.CompleteValidationSuccessfully("other"); !IsStateError(err) {
		t.Fatalf("second completion must be a state error, got %v", err)
	}
}

func TestCompleteValidationWithErrors(t *testing.T) {
	r := newTestReport(t)
	mustStartOngoing(t, r)

	if err := r.CompleteValidationWithErrors("Validation found 2 errors", "report-results/r-1/result.xlsx"); err != nil {
		t.Fatal(err)
	}
	if r.Status != ValidationStatusValidationErrors {
		t.Fatalf("unexpected status %s", r.Status)
	}
	if r.ErrorDescription != "Validation found 2 errors" {
		t.Fatalf("unexpected description %q", r.ErrorDescription)
	}
	if r.ValidationCompletedDate == nil {
		t.Fatalf("completed date not set")
	}
}

func TestRecordTechnicalErrorFromNonTerminal(t *testing.T) {
	r := newTestReport(t)
	if err := r.RecordTechnicalError("download failed"); err != nil {
		t.Fatalf("technical error from working should be allowed: %v", err)
	}
	if r.Status != ValidationStatusTechnicalError {
		t.Fatalf("unexpected status %s", r.Status)
	}
	if err := r.RecordTechnicalError("again"); !IsStateError(err) {
		t.Fatalf("technical error from terminal must fail, got %v", err)
	}
}

func TestRecordTimeoutErrorGuard(t *testing.T) {
	r := newTestReport(t)
	mustStartOngoing(t, r)
	if err := r.CompleteValidationSuccessfully("key"); err != nil {
		t.Fatal(err)
	}

	// Sweeper racing a just-completed job.
	err := r.RecordTimeoutError()
	if !IsStateError(err) {
		t.Fatalf("timeout on successful report must be rejected, got %v", err)
	}
	if r.Status != ValidationStatusSuccessful {
		t.Fatalf("status corrupted to %s", r.Status)
	}
}

func TestRecordTimeoutErrorFromOngoing(t *testing.T) {
	r := newTestReport(t)
	mustStartOngoing(t, r)
	if err := r.RecordTimeoutError(); err != nil {
		t.Fatal(err)
	}
	if r.Status != ValidationStatusTimeoutError {
		t.Fatalf("unexpected status %s", r.Status)
	}
	if r.ErrorDescription != TimeoutErrorDescription {
		t.Fatalf("unexpected description %q", r.ErrorDescription)
	}
	if r.ValidationCompletedDate == nil {
		t.Fatalf("completed date not set")
	}
}

func TestContestByUKNFOnlyFromTerminal(t *testing.T) {
	r := newTestReport(t)
	if err := r.ContestByUKNF("reviewer-1", "numbers off"); !IsStateError(err) {
		t.Fatalf("contest from working must fail, got %v", err)
	}

	mustStartOngoing(t, r)
	if err := r.CompleteValidationSuccessfully("key"); err != nil {
		t.Fatal(err)
	}
	if err := r.ContestByUKNF("reviewer-1", "numbers off"); err != nil {
		t.Fatalf("contest from terminal returned error: %v", err)
	}
	if r.Status != ValidationStatusContestedByUKNF {
		t.Fatalf("unexpected status %s", r.Status)
	}
	if r.ContestedByUserID != "reviewer-1" || r.ContestedDate == nil {
		t.Fatalf("contest fields not recorded")
	}
}

func TestArchiveDoesNotTouchStatus(t *testing.T) {
	r := newTestReport(t)
	mustStartOngoing(t, r)
	r.Archive()
	if !r.IsArchived {
		t.Fatalf("expected archived")
	}
	if r.Status != ValidationStatusOngoing {
		t.Fatalf("archive changed status to %s", r.Status)
	}
	r.Unarchive()
	if r.IsArchived {
		t.Fatalf("expected unarchived")
	}
}

func TestValidationResultCompleteOnce(t *testing.T) {
	v, err := NewValidationResult("vr-1", "r-1", "val-1")
	if err != nil {
		t.Fatal(err)
	}
	if v.IsValid != nil {
		t.Fatalf("IsValid must be unset on creation")
	}
	if err := v.Complete(true, "", `[{"code":"W1"}]`, "key", ""); err != nil {
		t.Fatal(err)
	}
	if v.IsValid == nil || !*v.IsValid {
		t.Fatalf("verdict not recorded")
	}
	if v.CompletedDate == nil {
		t.Fatalf("completed date not set")
	}
	if err := v.Complete(false, "", "", "", ""); err == nil {
		t.Fatalf("second completion must fail")
	}
}

func TestValidationResultMarkTechnicalError(t *testing.T) {
	v, err := NewValidationResult("vr-1", "r-1", "val-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := v.MarkTechnicalError("download failed after 3 attempts"); err != nil {
		t.Fatal(err)
	}
	if v.CompletedDate == nil {
		t.Fatalf("completed date not set")
	}
	if v.IsValid == nil || *v.IsValid {
		t.Fatalf("technical error must record an invalid verdict")
	}
	if err := v.MarkTechnicalError("again"); err == nil {
		t.Fatalf("second mark must fail")
	}
}

func mustStartOngoing(t *testing.T, r *Report) {
	t.Helper()
	if err := r.StartValidation("val-" + time.Now().Format("150405.000")); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateToOngoing(); err != nil {
		t.Fatal(err)
	}
}
