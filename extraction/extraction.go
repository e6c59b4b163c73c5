// Package extraction turns files on disk into text elements. Three profiles
// exist, one per data class: Layout for reference documents, Narrative for
// prose and Tabular for structured operational data.
package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrUnsupportedFormat = errors.New("unsupported format")

// Element types emitted by the profiles.
const (
	ElementPage          = "page"
	ElementSection       = "section"
	ElementText          = "text"
	ElementStructuredRow = "structured_row"
)

type Element struct {
	Text        string
	ElementType string
	Page        *int
	RowIndex    *int
	Columns     []string
}

type Extractor interface {
	Extract(ctx context.Context, path string) ([]Element, error)
}

type Format string

const (
	FormatUnknown  Format = ""
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
	FormatPDF      Format = "pdf"
	FormatHTML     Format = "html"
	FormatDOCX     Format = "docx"
	FormatPPTX     Format = "pptx"
	FormatEML      Format = "eml"
	// Legacy OLE2 containers: .doc and Outlook .msg.
	FormatDOC     Format = "doc"
	FormatMSG     Format = "msg"
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatJSONL   Format = "jsonl"
	FormatLog     Format = "log"
	FormatXLSX    Format = "xlsx"
	FormatParquet Format = "parquet"
)

// DetectFormat infers a format from the path's extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".txt":
		return FormatText
	case ".pdf":
		return FormatPDF
	case ".html", ".htm":
		return FormatHTML
	case ".docx":
		return FormatDOCX
	case ".pptx":
		return FormatPPTX
	case ".eml":
		return FormatEML
	case ".doc":
		return FormatDOC
	case ".msg":
		return FormatMSG
	case ".csv":
		return FormatCSV
	case ".json":
		return FormatJSON
	case ".jsonl":
		return FormatJSONL
	case ".log":
		return FormatLog
	case ".xlsx":
		return FormatXLSX
	case ".parquet":
		return FormatParquet
	default:
		return FormatUnknown
	}
}

// readText reads a text file. Content with NUL bytes is binary and reported
// as ErrUnsupportedFormat.
func readText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return "", fmt.Errorf("%w: binary content in %s", ErrUnsupportedFormat, filepath.Base(path))
	}
	return normalizePlainText(strings.ToValidUTF8(string(data), "")), nil
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

func textElements(chunks []string, elementType string) []Element {
	elements := make([]Element, 0, len(chunks))
	for _, chunk := range chunks {
		elements = append(elements, Element{Text: chunk, ElementType: elementType})
	}
	return elements
}

func intPtr(v int) *int {
	return &v
}
