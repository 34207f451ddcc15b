package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type ValidationStatus string

const (
	ValidationStatusWorking          ValidationStatus = "working"
	ValidationStatusTransmitted      ValidationStatus = "transmitted"
	ValidationStatusOngoing          ValidationStatus = "ongoing"
	ValidationStatusSuccessful       ValidationStatus = "successful"
	ValidationStatusValidationErrors ValidationStatus = "validation_errors"
	ValidationStatusTechnicalError   ValidationStatus = "technical_error"
	ValidationStatusTimeoutError     ValidationStatus = "timeout_error"
	ValidationStatusContestedByUKNF  ValidationStatus = "contested_by_uknf"
)

// TimeoutErrorDescription is the fixed description recorded by the timeout sweeper.
const TimeoutErrorDescription = "Validation process exceeded 24-hour timeout"

// IsTerminal reports whether no automated transition leaves this status.
// Only the manual contest override can move a report out of a terminal status.
func (s ValidationStatus) IsTerminal() bool {
	switch s {
	case ValidationStatusSuccessful,
		ValidationStatusValidationErrors,
		ValidationStatusTechnicalError,
		ValidationStatusTimeoutError:
		return true
	}
	return false
}

// StateError signals a transition attempted from the wrong status. It indicates
// either a duplicate job delivery or a scheduling bug, so callers must log it
// loudly instead of retrying: retrying cannot change the report's status.
type StateError struct {
	Op     string
	Status ValidationStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: invalid state transition from %q", e.Op, e.Status)
}

func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// Report is a regulatory filing submitted by a supervised entity. Once submitted
// it is owned by the validation pipeline; its status only changes through the
// guarded transition methods below, never by direct field writes.
type Report struct {
	ID       string `json:"id"`
	EntityID int64  `json:"entityId"`
	UserID   string `json:"userId"`

	FileName       string `json:"fileName"`
	FileStorageKey string `json:"-"`
	FileSize       int64  `json:"fileSize"`

	ReportType      string `json:"reportType"`
	ReportingPeriod string `json:"reportingPeriod"`

	Status             ValidationStatus `json:"status"`
	UniqueValidationID string           `json:"validationId,omitempty"`

	IsArchived             bool   `json:"isArchived"`
	IsCorrectionOfReportID string `json:"isCorrectionOfReportId,omitempty"`

	SubmittedDate           time.Time  `json:"submittedDate"`
	ValidationStartedDate   *time.Time `json:"validationStartedDate,omitempty"`
	ValidationCompletedDate *time.Time `json:"validationCompletedDate,omitempty"`

	ValidationResultFileKey string `json:"-"`
	ErrorDescription        string `json:"errorDescription,omitempty"`

	ContestedByUserID    string     `json:"contestedByUserId,omitempty"`
	ContestedDescription string     `json:"contestedDescription,omitempty"`
	ContestedDate        *time.Time `json:"contestedDate,omitempty"`
}

func NewReport(id string, entityID int64, userID, fileName, fileStorageKey string, fileSize int64, reportType, reportingPeriod string) (*Report, error) {
	if err := validateReportData(id, entityID, userID, fileName, fileStorageKey, fileSize, reportType, reportingPeriod); err != nil {
		return nil, err
	}
	return &Report{
		ID:              strings.TrimSpace(id),
		EntityID:        entityID,
		UserID:          strings.TrimSpace(userID),
		FileName:        strings.TrimSpace(fileName),
		FileStorageKey:  strings.TrimSpace(fileStorageKey),
		FileSize:        fileSize,
		ReportType:      strings.TrimSpace(reportType),
		ReportingPeriod: strings.TrimSpace(reportingPeriod),
		Status:          ValidationStatusWorking,
		SubmittedDate:   time.Now().UTC(),
	}, nil
}

// NewCorrectionReport creates a corrective resubmission linked to the original report.
func NewCorrectionReport(id string, entityID int64, userID, fileName, fileStorageKey string, fileSize int64, reportType, reportingPeriod, originalReportID string) (*Report, error) {
	originalReportID = strings.TrimSpace(originalReportID)
	if originalReportID == "" {
		return nil, errors.New("original report id is required")
	}
	r, err := NewReport(id, entityID, userID, fileName, fileStorageKey, fileSize, reportType, reportingPeriod)
	if err != nil {
		return nil, err
	}
	r.IsCorrectionOfReportID = originalReportID
	return r, nil
}

// StartValidation moves the report from Working to Transmitted and records the
// correlation token. The Working guard is what makes duplicate job delivery safe:
// a redelivered submission cannot re-trigger transmission.
func (r *Report) StartValidation(validationID string) error {
	if r.Status != ValidationStatusWorking {
		return &StateError{Op: "start validation", Status: r.Status}
	}
	validationID = strings.TrimSpace(validationID)
	if validationID == "" {
		return errors.New("validation id is required")
	}
	now := time.Now().UTC()
	r.Status = ValidationStatusTransmitted
	r.UniqueValidationID = validationID
	r.ValidationStartedDate = &now
	return nil
}

// UpdateToOngoing is the consumer's first transition. Already-Ongoing is a no-op
// so that a redelivered job does not fail before its terminal short-circuit.
func (r *Report) UpdateToOngoing() error {
	if r.Status == ValidationStatusOngoing {
		return nil
	}
	if r.Status != ValidationStatusTransmitted {
		return &StateError{Op: "update to ongoing", Status: r.Status}
	}
	r.Status = ValidationStatusOngoing
	return nil
}

func (r *Report) CompleteValidationSuccessfully(resultFileKey string) error {
	if r.Status != ValidationStatusOngoing {
		return &StateError{Op: "complete validation", Status: r.Status}
	}
	now := time.Now().UTC()
	r.Status = ValidationStatusSuccessful
	r.ValidationResultFileKey = strings.TrimSpace(resultFileKey)
	r.ValidationCompletedDate = &now
	return nil
}

func (r *Report) CompleteValidationWithErrors(errorSummary, resultFileKey string) error {
	if r.Status != ValidationStatusOngoing {
		return &StateError{Op: "complete validation with errors", Status: r.Status}
	}
	errorSummary = strings.TrimSpace(errorSummary)
	if errorSummary == "" {
		return errors.New("error summary is required")
	}
	now := time.Now().UTC()
	r.Status = ValidationStatusValidationErrors
	r.ErrorDescription = errorSummary
	r.ValidationResultFileKey = strings.TrimSpace(resultFileKey)
	r.ValidationCompletedDate = &now
	return nil
}

// RecordTechnicalError marks a pipeline failure. Allowed from any non-terminal
// status: a download failure can hit in Transmitted, an engine crash in Ongoing.
func (r *Report) RecordTechnicalError(description string) error {
	if r.Status.IsTerminal() || r.Status == ValidationStatusContestedByUKNF {
		return &StateError{Op: "record technical error", Status: r.Status}
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return errors.New("error description is required")
	}
	now := time.Now().UTC()
	r.Status = ValidationStatusTechnicalError
	r.ErrorDescription = description
	r.ValidationCompletedDate = &now
	return nil
}

// RecordTimeoutError is invoked only by the timeout sweeper. The Transmitted/Ongoing
// guard is the correctness mechanism for the sweeper racing a just-completed job:
// a report that reached a terminal status between selection and update is rejected here.
func (r *Report) RecordTimeoutError() error {
	if r.Status != ValidationStatusTransmitted && r.Status != ValidationStatusOngoing {
		return &StateError{Op: "record timeout error", Status: r.Status}
	}
	now := time.Now().UTC()
	r.Status = ValidationStatusTimeoutError
	r.ErrorDescription = TimeoutErrorDescription
	r.ValidationCompletedDate = &now
	return nil
}

// ContestByUKNF is the manual override applied by a reviewer outside the
// automated pipeline. Only terminal outcomes can be contested.
func (r *Report) ContestByUKNF(reviewerUserID, description string) error {
	if !r.Status.IsTerminal() {
		return &StateError{Op: "contest by uknf", Status: r.Status}
	}
	reviewerUserID = strings.TrimSpace(reviewerUserID)
	description = strings.TrimSpace(description)
	if reviewerUserID == "" {
		return errors.New("reviewer user id is required")
	}
	if description == "" {
		return errors.New("contest description is required")
	}
	now := time.Now().UTC()
	r.Status = ValidationStatusContestedByUKNF
	r.ContestedByUserID = reviewerUserID
	r.ContestedDescription = description
	r.ContestedDate = &now
	return nil
}

// Archive and Unarchive toggle the soft-delete flag only; they never touch Status.
func (r *Report) Archive()   { r.IsArchived = true }
func (r *Report) Unarchive() { r.IsArchived = false }

func validateReportData(id string, entityID int64, userID, fileName, fileStorageKey string, fileSize int64, reportType, reportingPeriod string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("report id is required")
	}
	if entityID <= 0 {
		return errors.New("entity id must be positive")
	}
	if strings.TrimSpace(userID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(fileName) == "" {
		return errors.New("file name is required")
	}
	if strings.TrimSpace(fileStorageKey) == "" {
		return errors.New("file storage key is required")
	}
	if fileSize <= 0 {
		return errors.New("file size must be positive")
	}
	if strings.TrimSpace(reportType) == "" {
		return errors.New("report type is required")
	}
	if strings.TrimSpace(reportingPeriod) == "" {
		return errors.New("reporting period is required")
	}
	return nil
}
