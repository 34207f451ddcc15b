package domain

import (
	"errors"
	"strings"
	"time"
)

// ValidationResult is the detailed outcome record for one validation attempt,
// correlated 1:1 with the report's current UniqueValidationID. It is created the
// moment the consumer starts processing and completed exactly once; redelivery
// protection lives in the Report guards, not here.
type ValidationResult struct {
	ID           string `json:"id"`
	ReportID     string `json:"reportId"`
	ValidationID string `json:"validationId"`

	// IsValid stays nil until the engine verdict is recorded.
	IsValid               *bool  `json:"isValid,omitempty"`
	ErrorsJSON            string `json:"errorsJson,omitempty"`
	WarningsJSON          string `json:"warningsJson,omitempty"`
	ResultFileStorageKey  string `json:"-"`
	ExtractedMetadataJSON string `json:"extractedMetadataJson,omitempty"`
	TechnicalErrorMessage string `json:"technicalErrorMessage,omitempty"`

	CreatedDate   time.Time  `json:"createdDate"`
	CompletedDate *time.Time `json:"completedDate,omitempty"`
}

func NewValidationResult(id, reportID, validationID string) (*ValidationResult, error) {
	id = strings.TrimSpace(id)
	reportID = strings.TrimSpace(reportID)
	validationID = strings.TrimSpace(validationID)
	if id == "" || reportID == "" {
		return nil, errors.New("validation result id and report id are required")
	}
	if validationID == "" {
		return nil, errors.New("validation id is required")
	}
	return &ValidationResult{
		ID:           id,
		ReportID:     reportID,
		ValidationID: validationID,
		CreatedDate:  time.Now().UTC(),
	}, nil
}

// Complete records the engine verdict. Write-once: a second completion attempt
// means a redelivered job slipped past the report-level guards.
func (v *ValidationResult) Complete(isValid bool, errorsJSON, warningsJSON, resultFileKey, metadataJSON string) error {
	if v.CompletedDate != nil {
		return errors.New("validation result already completed")
	}
	now := time.Now().UTC()
	v.IsValid = &isValid
	v.ErrorsJSON = errorsJSON
	v.WarningsJSON = warningsJSON
	v.ResultFileStorageKey = strings.TrimSpace(resultFileKey)
	v.ExtractedMetadataJSON = metadataJSON
	v.CompletedDate = &now
	return nil
}

// MarkTechnicalError closes the result when the pipeline failed before a verdict,
// so no result is left without a completion date.
func (v *ValidationResult) MarkTechnicalError(message string) error {
	if v.CompletedDate != nil {
		return errors.New("validation result already completed")
	}
	now := time.Now().UTC()
	isValid := false
	v.IsValid = &isValid
	v.TechnicalErrorMessage = strings.TrimSpace(message)
	v.CompletedDate = &now
	return nil
}
