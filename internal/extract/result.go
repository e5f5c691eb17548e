package extract

import (
	"github.com/local/docextract/internal/deps"
)

// OCR method values recorded in metadata.
const (
	MethodDirect         = "direct"
	MethodPDFToImage     = "pdf-to-image"
	MethodDirectFallback = "direct_fallback"
	MethodDisabled       = "disabled"
)

// Fallback confidence constants.
const (
	confidenceDirect   = 1.0
	confidenceFallback = 0.25
	confidenceNone     = 0.0
)

// Options carries per-task extraction options.
type Options struct {
	Language string `json:"language,omitempty"`
	MaxPages int    `json:"maxPages,omitempty"`
}

// PageEntry is one processed page in the result summary.
type PageEntry struct {
	PageNumber int     `json:"pageNumber"`
	PageText   string  `json:"pageText"`
	Confidence float64 `json:"confidence,omitempty"`
	WorkerID   string  `json:"workerId,omitempty"`
	DurationMs int64   `json:"durationMs,omitempty"`
}

// Metadata is the document-level result metadata. Every field is always
// populated; there are no optional extensions.
type Metadata struct {
	PageCount           int         `json:"pageCount"`
	OriginalPageCount   int         `json:"originalPageCount"`
	ProcessedPages      int         `json:"processedPages"`
	ProcessingTimeMs    int64       `json:"processingTime"`
	ConversionTimeMs    int64       `json:"conversionTime"`
	OcrTimeMs           int64       `json:"ocrTime"`
	Language            string      `json:"language"`
	IsScannedPDF        bool        `json:"isScannedPdf"`
	OcrMethod           string      `json:"ocrMethod"`
	TextDensity         float64     `json:"textDensity"`
	AverageWordsPerPage float64     `json:"averageWordsPerPage"`
	DetectionReason     string      `json:"detectionReason"`
	TempFilesCreated    int         `json:"tempFilesCreated"`
	ConversionSupported bool        `json:"conversionSupported"`
	FallbackUsed        bool        `json:"fallbackUsed"`
	ConversionDisabled  bool        `json:"conversionDisabled"`
	ErrorClass          string      `json:"errorClass,omitempty"`
	SystemDependencies  deps.Report `json:"systemDependencies"`
}

// Result is the document emitted by a completed extraction.
type Result struct {
	Text       string      `json:"extractedText"`
	Confidence float64     `json:"confidence"`
	Summary    []PageEntry `json:"summary"`
	Metadata   Metadata    `json:"metadata"`
}
