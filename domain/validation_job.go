package domain

import (
	"errors"
	"strings"
	"time"
)

// ValidationJob is the immutable queue message instructing the pipeline to
// validate one report. The queue delivers at least once; redelivery is tolerated
// by the Report state guards, so the job itself carries no dedup token.
type ValidationJob struct {
	ReportID        string    `json:"reportId"`
	EntityID        int64     `json:"entityId"`
	UserID          string    `json:"userId"`
	FileName        string    `json:"fileName"`
	FileStorageKey  string    `json:"fileStorageKey"`
	ReportType      string    `json:"reportType"`
	ReportingPeriod string    `json:"reportingPeriod"`
	SubmittedDate   time.Time `json:"submittedDate"`
}

func (j ValidationJob) Validate() error {
	if strings.TrimSpace(j.ReportID) == "" {
		return errors.New("job report id is empty")
	}
	if strings.TrimSpace(j.FileStorageKey) == "" {
		return errors.New("job file storage key is empty")
	}
	return nil
}

// JobForReport builds the queue message from a transmitted report.
func JobForReport(r *Report) ValidationJob {
	return ValidationJob{
		ReportID:        r.ID,
		EntityID:        r.EntityID,
		UserID:          r.UserID,
		FileName:        r.FileName,
		FileStorageKey:  r.FileStorageKey,
		ReportType:      r.ReportType,
		ReportingPeriod: r.ReportingPeriod,
		SubmittedDate:   r.SubmittedDate,
	}
}
