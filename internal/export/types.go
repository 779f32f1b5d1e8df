// Package export renders the materialized content of a document as HTML,
// Markdown, PDF or DOCX.
package export

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Format string

const (
	FormatHTML     Format = "html"
	FormatMarkdown Format = "md"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
)

// ParseFormat accepts a format name or a common alias, case-insensitively.
// The empty string selects HTML.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "html", "htm":
		return FormatHTML, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	case "pdf":
		return FormatPDF, nil
	case "docx", "word":
		return FormatDOCX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// Request selects a document and, when Version is set, one of its snapshot
// commits instead of the live state.
type Request struct {
	DocID   string
	Version string
	Format  Format
}

// Content is the JSON view of a document: root container name to value.
// Clock is the log clock of a snapshot and zero for live state.
type Content struct {
	DocID string
	Clock int64
	Root  map[string]any
}

type Source interface {
	Content(ctx context.Context, docID, version string) (Content, error)
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates no chromium binary is installed.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates pandoc is not installed.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
