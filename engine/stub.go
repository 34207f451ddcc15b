package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// StubEngine is a deterministic engine for environments without a real
// validation backend. The verdict depends only on the reporting period:
//
//	Q1_*  -> valid, one warning
//	Q2_*  -> invalid, two errors
//	other -> valid, no findings
type StubEngine struct{}

func NewStubEngine() *StubEngine { return &StubEngine{} }

func (e *StubEngine) Validate(ctx context.Context, content io.Reader, reportType, reportingPeriod string) (*Verdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := io.Copy(io.Discard, content)
	if err != nil {
		return nil, fmt.Errorf("read report content: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("report content is empty")
	}

	v := &Verdict{
		IsValid: true,
		ExtractedMetadata: map[string]string{
			"reportType":      reportType,
			"reportingPeriod": reportingPeriod,
			"fileSizeBytes":   fmt.Sprintf("%d", n),
		},
	}
	switch {
	case strings.HasPrefix(reportingPeriod, "Q1"):
		v.Warnings = append(v.Warnings, Finding{
			Code:        "WARN001",
			Description: "Reported totals differ from prior period by more than 20%",
			Location:    "Sheet1!D12",
		})
	case strings.HasPrefix(reportingPeriod, "Q2"):
		v.IsValid = false
		v.Errors = append(v.Errors,
			Finding{
				Code:                "ERR001",
				Description:         "Required field 'EntityCode' is missing",
				Location:            "Sheet1!B2",
				SuggestedCorrection: "Fill in the supervised entity code",
			},
			Finding{
				Code:                "ERR002",
				Description:         "Value in column 'TotalAssets' is not a number",
				Location:            "Sheet1!C7",
				SuggestedCorrection: "Use a numeric value without thousand separators",
			},
		)
	}

	art, err := renderResultWorkbook(reportType, reportingPeriod, v)
	if err != nil {
		return nil, err
	}
	v.ResultArtifact = art

	slog.Info("stub engine verdict",
		"report_type", reportType,
		"reporting_period", reportingPeriod,
		"is_valid", v.IsValid,
		"errors", len(v.Errors),
		"warnings", len(v.Warnings))
	return v, nil
}
