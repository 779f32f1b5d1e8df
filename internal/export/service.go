package export

import (
	"context"
	"fmt"
	"html/template"
	"time"
)

type Service struct {
	source Source
	now    func() time.Time
}

func NewService(source Source) *Service {
	return &Service{source: source, now: time.Now}
}

// Export renders the requested document in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Format == "" {
		req.Format = FormatHTML
	}
	if _, err := ParseFormat(string(req.Format)); err != nil {
		return nil, err
	}
	content, err := s.source.Content(ctx, req.DocID, req.Version)
	if err != nil {
		return nil, fmt.Errorf("load content of %s: %w", req.DocID, err)
	}
	base := sanitizeFilename(req.DocID)

	if req.Format == FormatMarkdown {
		return &Result{
			Data:     []byte(ContentToMarkdown(req.DocID, content.Root)),
			Filename: base + ".md",
			MimeType: "text/markdown; charset=utf-8",
		}, nil
	}

	html, err := RenderDocumentHTML(TemplateData{
		Title:       req.DocID,
		Version:     req.Version,
		Clock:       content.Clock,
		ContentHTML: template.HTML(ContentToHTML(content.Root)),
		ExportedAt:  s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(ctx, html, base)
	case FormatDOCX:
		return exportDOCX(ctx, html, base)
	default:
		return &Result{
			Data:     []byte(html),
			Filename: base + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	}
}
