package export

import (
	"context"
	"fmt"
)

type pdfRenderer func(ctx context.Context, html string, story Story) (*Result, error)

// Service provides story export functionality
type Service struct {
	renderPDF pdfRenderer
}

func NewService() *Service {
	return &Service{renderPDF: printStoryPDF}
}

// Export renders story in the requested format.
func (s *Service) Export(ctx context.Context, story Story, format Format) (*Result, error) {
	html, err := RenderStoryHTML(story)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: storyFilename(story) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return s.renderPDF(ctx, html, story)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
