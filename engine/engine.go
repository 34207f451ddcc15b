package engine

import (
	"context"
	"io"
)

// Finding is a single validation error or warning produced by an engine.
type Finding struct {
	Code                string `json:"code"`
	Description         string `json:"description"`
	Location            string `json:"location,omitempty"`
	SuggestedCorrection string `json:"suggestedCorrection,omitempty"`
}

// Verdict is the outcome of running an engine against one report file.
// ResultArtifact holds the rendered result workbook; ExtractedMetadata
// carries values the engine pulled out of the file (entity code, period).
type Verdict struct {
	IsValid           bool
	Errors            []Finding
	Warnings          []Finding
	ResultArtifact    []byte
	ExtractedMetadata map[string]string
}

// Engine checks one report file and renders a verdict. Implementations must
// be safe for concurrent use; the worker calls Validate from multiple
// goroutines.
type Engine interface {
	Validate(ctx context.Context, content io.Reader, reportType, reportingPeriod string) (*Verdict, error)
}
