// Package export renders annotation reports for an attachment and converts
// them to PDF or DOCX.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatHTML Format = "html"
)

// Request contains parameters for an export operation
type Request struct {
	LibraryKey      string
	ItemKey         string
	Format          Format
	IncludeComments bool
	// TagColors maps tag names to highlight colors for the report legend.
	TagColors map[string]string
}

// Annotation is one row of the report, already flattened from the stored
// item shape.
type Annotation struct {
	Key       string
	Type      string
	Text      string
	Comment   string
	Color     string
	PageLabel string
	SortIndex string
	Tags      []string
	Modified  time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrContentUnavailable indicates the attachment or its annotations could
	// not be loaded for export.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
