// Package parser extracts plain text from uploaded files.
//
// The file format is resolved once, at submission, into a Format value;
// every Format implements the same Extract capability. Supporting a new
// format means adding a Format and its extractor, nothing deeper in the
// ingestion pipeline.
package parser

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// Format is the tagged variant of supported file formats.
type Format int

const (
	FormatUnknown Format = iota
	FormatPDF
	FormatCSV
	FormatTXT
	FormatJSON
)

var formatNames = map[Format]string{
	FormatUnknown: "unknown",
	FormatPDF:     "pdf",
	FormatCSV:     "csv",
	FormatTXT:     "txt",
	FormatJSON:    "json",
}

func (f Format) String() string { return formatNames[f] }

// MimeType returns the canonical MIME type recorded for documents of f.
func (f Format) MimeType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatCSV:
		return "text/csv"
	case FormatTXT:
		return "text/plain"
	case FormatJSON:
		return "application/json"
	}
	return "application/octet-stream"
}

var mimeFormats = map[string]Format{
	"application/pdf":  FormatPDF,
	"text/csv":         FormatCSV,
	"application/csv":  FormatCSV,
	"text/plain":       FormatTXT,
	"text/markdown":    FormatTXT,
	"application/json": FormatJSON,
	"text/json":        FormatJSON,
}

var extFormats = map[string]Format{
	".pdf":  FormatPDF,
	".csv":  FormatCSV,
	".txt":  FormatTXT,
	".text": FormatTXT,
	".md":   FormatTXT,
	".json": FormatJSON,
}

// ErrUnsupportedFormat is wrapped by ParseError when no format matches.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// ParseError reports a file that is unreadable or of an unsupported format.
// It is never retried.
type ParseError struct {
	Format Format
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.Format, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", e.Format, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Resolve determines the Format from a MIME type, falling back to the file
// name extension when the MIME type is empty or generic.
func Resolve(mimeType, fileName string) (Format, error) {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		if f, ok := mimeFormats[strings.ToLower(mt)]; ok {
			return f, nil
		}
	}
	if f, ok := extFormats[strings.ToLower(filepath.Ext(fileName))]; ok {
		return f, nil
	}
	return FormatUnknown, &ParseError{
		Format: FormatUnknown,
		Reason: fmt.Sprintf("mime type %q, file %q", mimeType, fileName),
		Err:    ErrUnsupportedFormat,
	}
}

// Extractor turns raw file bytes into plain text.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
}

// Extract runs the extractor of f. Failures are always *ParseError.
func (f Format) Extract(ctx context.Context, data []byte) (string, error) {
	var ex Extractor
	switch f {
	case FormatPDF:
		ex = pdfExtractor{}
	case FormatCSV:
		ex = csvExtractor{}
	case FormatTXT:
		ex = textExtractor{}
	case FormatJSON:
		ex = jsonExtractor{}
	default:
		return "", &ParseError{Format: f, Reason: "no extractor", Err: ErrUnsupportedFormat}
	}

	if len(data) == 0 {
		return "", &ParseError{Format: f, Reason: "empty file"}
	}
	text, err := ex.Extract(ctx, data)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return "", err
		}
		return "", &ParseError{Format: f, Reason: "extraction failed", Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &ParseError{Format: f, Reason: "no extractable text"}
	}
	return text, nil
}

// ExtractText resolves the format from mimeType and extracts text.
func ExtractText(ctx context.Context, data []byte, mimeType string) (string, error) {
	f, err := Resolve(mimeType, "")
	if err != nil {
		return "", err
	}
	return f.Extract(ctx, data)
}
