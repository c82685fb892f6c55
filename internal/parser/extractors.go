package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"
	"golang.org/x/text/encoding/charmap"
)

// pageSeparator joins pages, rows and records so the chunker sees them as
// paragraph breaks.
const pageSeparator = "\n\n"

func joinDocuments(docs []schema.Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		if s := strings.TrimSpace(d.PageContent); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, pageSeparator)
}

type pdfExtractor struct{}

func (pdfExtractor) Extract(ctx context.Context, data []byte) (text string, err error) {
	// The PDF reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = &ParseError{Format: FormatPDF, Reason: fmt.Sprintf("malformed pdf: %v", r)}
		}
	}()
	docs, err := documentloaders.NewPDF(bytes.NewReader(data), int64(len(data))).Load(ctx)
	if err != nil {
		return "", err
	}
	return joinDocuments(docs), nil
}

type csvExtractor struct{}

func (csvExtractor) Extract(ctx context.Context, data []byte) (string, error) {
	docs, err := documentloaders.NewCSV(bytes.NewReader(decodeText(data))).Load(ctx)
	if err != nil {
		return "", err
	}
	return joinDocuments(docs), nil
}

type textExtractor struct{}

func (textExtractor) Extract(ctx context.Context, data []byte) (string, error) {
	docs, err := documentloaders.NewText(bytes.NewReader(decodeText(data))).Load(ctx)
	if err != nil {
		return "", err
	}
	return joinDocuments(docs), nil
}

// decodeText strips a UTF-8 BOM and decodes non-UTF-8 input as Windows-1252.
func decodeText(data []byte) []byte {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return data
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return bytes.ToValidUTF8(data, []byte("�"))
	}
	return decoded
}

type jsonExtractor struct{}

// Extract flattens a JSON document into "path: value" lines.
func (jsonExtractor) Extract(_ context.Context, data []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(decodeText(data)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", &ParseError{Format: FormatJSON, Reason: "invalid json", Err: err}
	}
	var lines []string
	flattenJSON("", v, &lines)
	return strings.Join(lines, "\n"), nil
}

func flattenJSON(path string, v any, lines *[]string) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenJSON(joinPath(path, k), val[k], lines)
		}
	case []any:
		for i, item := range val {
			flattenJSON(fmt.Sprintf("%s[%d]", path, i), item, lines)
		}
	case nil:
	case string:
		if strings.TrimSpace(val) == "" {
			return
		}
		*lines = append(*lines, label(path, val))
	default:
		*lines = append(*lines, label(path, fmt.Sprint(val)))
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func label(path, value string) string {
	if path == "" {
		return value
	}
	return path + ": " + value
}
