package engine

import (
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"
)

// renderResultWorkbook builds the downloadable result file for a verdict:
// a summary sheet plus one sheet each for errors and warnings.
func renderResultWorkbook(reportType, reportingPeriod string, v *Verdict) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	// Reuse the default sheet as the summary to keep sheet order stable.
	summary := f.GetSheetName(0)
	if summary == "" {
		summary = "Sheet1"
	}
	_ = f.SetSheetName(summary, "Summary")
	f.NewSheet("Errors")
	f.NewSheet("Warnings")
	f.SetActiveSheet(0)

	redStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFC7CE"}},
		Font: &excelize.Font{Color: "9C0006"},
	})

	status := "PASSED"
	if !v.IsValid {
		status = "FAILED"
	}
	summaryRows := [][]interface{}{
		{"Report type", reportType},
		{"Reporting period", reportingPeriod},
		{"Result", status},
		{"Errors", len(v.Errors)},
		{"Warnings", len(v.Warnings)},
	}
	keys := make([]string, 0, len(v.ExtractedMetadata))
	for k := range v.ExtractedMetadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		summaryRows = append(summaryRows, []interface{}{k, v.ExtractedMetadata[k]})
	}
	for i, row := range summaryRows {
		if err := f.SetSheetRow("Summary", fmt.Sprintf("A%d", i+1), &row); err != nil {
			return nil, err
		}
	}

	if err := writeFindingSheet(f, "Errors", v.Errors, "No errors", redStyle); err != nil {
		return nil, err
	}
	if err := writeFindingSheet(f, "Warnings", v.Warnings, "No warnings", 0); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("render result workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeFindingSheet(f *excelize.File, sheet string, findings []Finding, emptyMsg string, style int) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	if len(findings) == 0 {
		if err := sw.SetRow("A1", []interface{}{emptyMsg}); err != nil {
			return err
		}
		return sw.Flush()
	}
	header := []interface{}{"Code", "Description", "Location", "Suggested correction"}
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}
	for i, fd := range findings {
		row := []interface{}{fd.Code, fd.Description, fd.Location, fd.SuggestedCorrection}
		if style != 0 {
			for j, v := range row {
				row[j] = excelize.Cell{StyleID: style, Value: v}
			}
		}
		if err := sw.SetRow(fmt.Sprintf("A%d", i+2), row); err != nil {
			return err
		}
	}
	return sw.Flush()
}
