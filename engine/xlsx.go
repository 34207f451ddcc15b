package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXEngine performs structural validation of xlsx report files: the
// workbook must open, the first sheet must have a non-empty header row, and
// every data row must fill the first (key) column. Missing trailing cells
// produce warnings rather than errors.
type XLSXEngine struct {
	// MaxRows caps how many data rows are scanned; 0 means no cap.
	MaxRows int
}

func NewXLSXEngine() *XLSXEngine { return &XLSXEngine{} }

func (e *XLSXEngine) Validate(ctx context.Context, content io.Reader, reportType, reportingPeriod string) (*Verdict, error) {
	f, err := excelize.OpenReader(content)
	if err != nil {
		// Not an xlsx at all: a verdict, not an engine failure.
		return e.failedVerdict(reportType, reportingPeriod, Finding{
			Code:                "ERR_FORMAT",
			Description:         fmt.Sprintf("File is not a readable xlsx workbook: %v", err),
			SuggestedCorrection: "Export the report again as .xlsx and resubmit",
		})
	}
	defer func() { _ = f.Close() }()

	v := &Verdict{
		IsValid: true,
		ExtractedMetadata: map[string]string{
			"reportType":      reportType,
			"reportingPeriod": reportingPeriod,
		},
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return e.failedVerdict(reportType, reportingPeriod, Finding{
			Code:        "ERR_EMPTY",
			Description: "Workbook contains no sheets",
		})
	}
	sheet := sheets[0]
	v.ExtractedMetadata["sheetCount"] = fmt.Sprintf("%d", len(sheets))
	v.ExtractedMetadata["firstSheet"] = sheet

	rowsIter, err := f.Rows(sheet)
	if err != nil {
		return nil, fmt.Errorf("iterate sheet %q: %w", sheet, err)
	}
	defer func() { _ = rowsIter.Close() }()

	var (
		headers []string
		rowIdx  int
		dataCnt int
	)
	for rowsIter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rowIdx++
		cols, err := rowsIter.Columns()
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", rowIdx, err)
		}
		if rowIdx == 1 {
			headers = cols
			for i, h := range headers {
				if strings.TrimSpace(h) == "" {
					v.Warnings = append(v.Warnings, Finding{
						Code:        "WARN_HEADER",
						Description: fmt.Sprintf("Header cell %d is empty", i+1),
						Location:    fmt.Sprintf("%s!%s1", sheet, columnName(i+1)),
					})
				}
			}
			continue
		}
		if e.MaxRows > 0 && dataCnt >= e.MaxRows {
			break
		}
		dataCnt++
		if len(cols) == 0 || strings.TrimSpace(cols[0]) == "" {
			v.Errors = append(v.Errors, Finding{
				Code:                "ERR_KEY",
				Description:         "Key column is empty",
				Location:            fmt.Sprintf("%s!A%d", sheet, rowIdx),
				SuggestedCorrection: "Every data row must carry an identifier in the first column",
			})
			continue
		}
		if len(cols) < len(headers) {
			v.Warnings = append(v.Warnings, Finding{
				Code:        "WARN_SHORT_ROW",
				Description: fmt.Sprintf("Row has %d of %d columns", len(cols), len(headers)),
				Location:    fmt.Sprintf("%s!A%d", sheet, rowIdx),
			})
		}
	}

	if len(headers) == 0 {
		v.Errors = append(v.Errors, Finding{
			Code:        "ERR_EMPTY",
			Description: "First sheet has no header row",
			Location:    sheet + "!A1",
		})
	}
	v.ExtractedMetadata["dataRows"] = fmt.Sprintf("%d", dataCnt)
	v.IsValid = len(v.Errors) == 0

	art, err := renderResultWorkbook(reportType, reportingPeriod, v)
	if err != nil {
		return nil, err
	}
	v.ResultArtifact = art
	return v, nil
}

func (e *XLSXEngine) failedVerdict(reportType, reportingPeriod string, findings ...Finding) (*Verdict, error) {
	v := &Verdict{
		IsValid: false,
		Errors:  findings,
		ExtractedMetadata: map[string]string{
			"reportType":      reportType,
			"reportingPeriod": reportingPeriod,
		},
	}
	art, err := renderResultWorkbook(reportType, reportingPeriod, v)
	if err != nil {
		return nil, err
	}
	v.ResultArtifact = art
	return v, nil
}

func columnName(n int) string {
	name, err := excelize.ColumnNumberToName(n)
	if err != nil {
		return "A"
	}
	return name
}
