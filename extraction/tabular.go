package extraction

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/xuri/excelize/v2"
)

// Tabular turns structured files into one element per row, keeping the
// column list and row index.
type Tabular struct{}

func NewTabular() *Tabular {
	return &Tabular{}
}

func (t *Tabular) Extract(ctx context.Context, path string) ([]Element, error) {
	switch DetectFormat(path) {
	case FormatXLSX:
		return xlsxRows(ctx, path)
	case FormatParquet:
		return parquetRows(ctx, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read structured file: %w", err)
	}

	switch DetectFormat(path) {
	case FormatCSV:
		return csvRows(ctx, data)
	case FormatJSON:
		return jsonRows(data)
	case FormatJSONL:
		return jsonlRows(ctx, data)
	case FormatLog:
		return logRows(ctx, data)
	default:
		return nil, fmt.Errorf("tabular profile: %w: %s", ErrUnsupportedFormat, path)
	}
}

func csvRows(ctx context.Context, data []byte) ([]Element, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return headedRows(ctx, records, nil)
}

// headedRows treats the first record as the header row and appends one
// element per following record to elements.
func headedRows(ctx context.Context, records [][]string, elements []Element) ([]Element, error) {
	if len(records) == 0 {
		return elements, nil
	}

	headers := records[0]
	columns := make([]string, len(headers))
	for i, header := range headers {
		columns[i] = strings.TrimSpace(header)
	}

	for _, row := range records[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := len(elements)
		elements = append(elements, Element{
			Text:        formatRow(columns, row, idx),
			ElementType: ElementStructuredRow,
			RowIndex:    intPtr(idx),
			Columns:     columns,
		})
	}
	return elements, nil
}

// xlsxRows reads every sheet in workbook order. Each sheet's first row is
// its header; row indexes run across sheets.
func xlsxRows(ctx context.Context, path string) ([]Element, error) {
	book, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer book.Close()

	elements := make([]Element, 0)
	for _, sheet := range book.GetSheetList() {
		records, err := book.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		elements, err = headedRows(ctx, records, elements)
		if err != nil {
			return nil, err
		}
	}
	return elements, nil
}

const parquetBatchRows = 256

// parquetRows reads row groups in file order. Columns are the dotted leaf
// paths of the schema; repeated values are joined with ", ".
func parquetRows(ctx context.Context, path string) ([]Element, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat parquet: %w", err)
	}
	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("parse parquet: %w", err)
	}

	paths := pf.Schema().Columns()
	columns := make([]string, len(paths))
	for i, p := range paths {
		columns[i] = strings.Join(p, ".")
	}

	elements := make([]Element, 0, pf.NumRows())
	buf := make([]parquet.Row, parquetBatchRows)
	for _, group := range pf.RowGroups() {
		rows := group.Rows()
		for {
			if err := ctx.Err(); err != nil {
				rows.Close()
				return nil, err
			}
			n, readErr := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				idx := len(elements)
				elements = append(elements, Element{
					Text:        formatRow(columns, parquetValues(row, len(columns)), idx),
					ElementType: ElementStructuredRow,
					RowIndex:    intPtr(idx),
					Columns:     columns,
				})
			}
			if errors.Is(readErr, io.EOF) {
				break
			}
			if readErr != nil {
				rows.Close()
				return nil, fmt.Errorf("read parquet rows: %w", readErr)
			}
		}
		if err := rows.Close(); err != nil {
			return nil, fmt.Errorf("close parquet rows: %w", err)
		}
	}
	return elements, nil
}

func parquetValues(row parquet.Row, width int) []string {
	cells := make([][]string, width)
	for _, value := range row {
		col := value.Column()
		if col < 0 || col >= width || value.IsNull() {
			continue
		}
		cells[col] = append(cells[col], value.String())
	}
	out := make([]string, width)
	for i, cell := range cells {
		out[i] = strings.Join(cell, ", ")
	}
	return out
}

// formatRow renders a row as "Header: value" lines.
func formatRow(headers, row []string, idx int) string {
	builder := &strings.Builder{}
	fmt.Fprintf(builder, "Row %d", idx+1)

	limit := min(len(headers), len(row))
	for i := 0; i < limit; i++ {
		header := strings.TrimSpace(headers[i])
		if header == "" {
			header = fmt.Sprintf("Column %d", i+1)
		}
		fmt.Fprintf(builder, "\n%s: %s", header, strings.TrimSpace(row[i]))
	}

	for i := len(headers); i < len(row); i++ {
		fmt.Fprintf(builder, "\nExtra %d: %s", i+1, strings.TrimSpace(row[i]))
	}

	return builder.String()
}

func jsonRows(data []byte) ([]Element, error) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}

	var rows []any
	switch v := payload.(type) {
	case []any:
		rows = v
	default:
		rows = []any{v}
	}

	columns := collectColumns(rows)
	elements := make([]Element, 0, len(rows))
	for idx, row := range rows {
		text, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("encode json row %d: %w", idx, err)
		}
		elements = append(elements, Element{
			Text:        string(text),
			ElementType: ElementStructuredRow,
			RowIndex:    intPtr(idx),
			Columns:     columns,
		})
	}
	return elements, nil
}

func jsonlRows(ctx context.Context, data []byte) ([]Element, error) {
	rows := make([]any, 0)
	lines := make([]string, 0)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var row any
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, fmt.Errorf("parse jsonl line %d: %w", line, err)
		}
		rows = append(rows, row)
		lines = append(lines, text)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan jsonl: %w", err)
	}

	columns := collectColumns(rows)
	elements := make([]Element, 0, len(rows))
	for idx, text := range lines {
		elements = append(elements, Element{
			Text:        text,
			ElementType: ElementStructuredRow,
			RowIndex:    intPtr(idx),
			Columns:     columns,
		})
	}
	return elements, nil
}

// logRows treats the first line as whitespace-separated headers, like a
// space-delimited table. Lines with a different field count are skipped.
func logRows(ctx context.Context, data []byte) ([]Element, error) {
	lines := strings.Split(normalizePlainText(string(data)), "\n")
	var headers []string
	elements := make([]Element, 0, len(lines))
	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if headers == nil {
			headers = fields
			continue
		}
		if len(fields) != len(headers) {
			continue
		}
		idx := len(elements)
		elements = append(elements, Element{
			Text:        formatRow(headers, fields, idx),
			ElementType: ElementStructuredRow,
			RowIndex:    intPtr(idx),
			Columns:     headers,
		})
	}
	return elements, nil
}

func collectColumns(rows []any) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		object, ok := row.(map[string]any)
		if !ok {
			continue
		}
		for key := range object {
			seen[key] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for key := range seen {
		columns = append(columns, key)
	}
	sort.Strings(columns)
	return columns
}
