// Package export renders approved stories to HTML and PDF.
package export

import (
	"errors"
	"time"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "", FormatHTML:
		return FormatHTML, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Story is everything the templates need from an approved draft and its brief.
type Story struct {
	DraftID     string
	Title       string
	TopicKey    string
	AgeGroup    string
	KeyMessage  string
	CopingTools []string
	Pages       []Page
	ApprovedBy  string
	ApprovedAt  time.Time
}

type Page struct {
	Number      int
	Text        string
	ImagePrompt string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("export format unsupported")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
