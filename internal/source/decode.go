package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Format names a feed file encoding.
type Format string

const (
	FormatCSV       Format = "csv"
	FormatJSON      Format = "json"
	FormatJSONLines Format = "jsonl"
	FormatXLSX      Format = "xlsx"
)

// ParseFormat accepts a configured format name. An empty name is inferred
// from the location's extension.
func ParseFormat(name, location string) (Format, error) {
	if name == "" {
		loc := strings.ToLower(location)
		if i := strings.IndexAny(loc, "?#"); i >= 0 {
			loc = loc[:i]
		}
		switch {
		case strings.HasSuffix(loc, ".csv"):
			return FormatCSV, nil
		case strings.HasSuffix(loc, ".jsonl"), strings.HasSuffix(loc, ".ndjson"):
			return FormatJSONLines, nil
		case strings.HasSuffix(loc, ".json"):
			return FormatJSON, nil
		case strings.HasSuffix(loc, ".xlsx"):
			return FormatXLSX, nil
		}
		return "", eris.Errorf("source: cannot infer format of %q", location)
	}
	switch f := Format(strings.ToLower(name)); f {
	case FormatCSV, FormatJSON, FormatJSONLines, FormatXLSX:
		return f, nil
	case "ndjson":
		return FormatJSONLines, nil
	default:
		return "", eris.Errorf("source: unknown feed format %q", name)
	}
}

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune            // default ','
	HasHeader  bool            // if true, first row is skipped but sent to HeaderCh
	HeaderCh   chan<- []string // optional: receives the header row
	Comment    rune            // comment character (0 = none)
	LazyQuotes bool
	TrimSpace  bool
}

// StreamCSV reads a CSV file and sends rows to a channel.
// Caller must consume the returned row channel. Errors are sent on the error channel.
// Both channels are closed when processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1

		first := true
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			if opts.TrimSpace {
				for i, field := range record {
					record[i] = strings.TrimSpace(field)
				}
			}

			if first && opts.HasHeader {
				first = false
				if opts.HeaderCh != nil {
					select {
					case opts.HeaderCh <- record:
					case <-ctx.Done():
						errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled sending header")
						return
					}
				}
				continue
			}
			first = false

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// DecodeCSV reads a headed CSV feed into one payload per row.
func DecodeCSV(ctx context.Context, r io.Reader) ([]map[string]any, error) {
	headerCh := make(chan []string, 1)
	rowCh, errCh := StreamCSV(ctx, r, CSVOptions{HasHeader: true, HeaderCh: headerCh, TrimSpace: true, LazyQuotes: true})

	var header []string
	var out []map[string]any
	for row := range rowCh {
		if header == nil {
			header = normalizeHeader(<-headerCh)
		}
		if p := rowPayload(header, row); len(p) > 0 {
			out = append(out, p)
		}
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeJSONArray decodes a JSON array streaming, sending each element to a channel.
// Expects input in the form [{...},{...}].
// Both channels are closed when processing completes.
func DecodeJSONArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)
		decoder.UseNumber()

		tok, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return
			}
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}

		delim, ok := tok.(json.Delim)
		if !ok || delim != '[' {
			errCh <- eris.Errorf("json: expected '[', got %v", tok)
			return
		}

		for decoder.More() {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}

			var item T
			if err := decoder.Decode(&item); err != nil {
				errCh <- eris.Wrap(err, "json: decode element")
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}
		}

		if _, err := decoder.Token(); err != nil && err != io.EOF {
			errCh <- eris.Wrap(err, "json: read closing token")
		}
	}()

	return outCh, errCh
}

// DecodeJSON reads a JSON array feed of objects.
func DecodeJSON(ctx context.Context, r io.Reader) ([]map[string]any, error) {
	itemCh, errCh := DecodeJSONArray[map[string]any](ctx, r)
	var out []map[string]any
	for item := range itemCh {
		if len(item) > 0 {
			out = append(out, normalizeNumbers(item))
		}
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeJSONLines reads one JSON object per line. Blank lines are skipped.
func DecodeJSONLines(ctx context.Context, r io.Reader) ([]map[string]any, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out []map[string]any
	line := 0
	for sc.Scan() {
		line++
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "jsonl: context cancelled")
		}
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var item map[string]any
		if err := dec.Decode(&item); err != nil {
			return nil, eris.Wrapf(err, "jsonl: decode line %d", line)
		}
		if len(item) > 0 {
			out = append(out, normalizeNumbers(item))
		}
	}
	return out, eris.Wrap(sc.Err(), "jsonl: scan")
}

// XLSXOptions configures the XLSX parser.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
	SkipRows   int    // number of rows to skip
}

// ReadXLSX reads an XLSX file and returns all rows as string slices.
func ReadXLSX(path string, opts XLSXOptions) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	for i, row := range sheet.Rows {
		if i < opts.SkipRows || row == nil {
			continue
		}
		rows = append(rows, rowToStrings(row))
	}
	return rows, nil
}

// DecodeXLSX reads a headed sheet into one payload per row.
func DecodeXLSX(path, sheetName string) ([]map[string]any, error) {
	rows, err := ReadXLSX(path, XLSXOptions{SheetName: sheetName})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	header := normalizeHeader(rows[0])
	var out []map[string]any
	for _, row := range rows[1:] {
		if p := rowPayload(header, row); len(p) > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = strings.TrimSpace(cell.String())
	}
	return cells
}

// normalizeHeader lowercases column names and joins words with underscores,
// so "First Name" and "first_name" land on the same payload key.
func normalizeHeader(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		c = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(c, "\ufeff")))
		out[i] = strings.Join(strings.FieldsFunc(c, func(r rune) bool {
			return r == ' ' || r == '-' || r == '_' || r == '.'
		}), "_")
	}
	return out
}

// rowPayload zips a row onto its header. Blank cells and unnamed columns
// are left out.
func rowPayload(header, row []string) map[string]any {
	p := make(map[string]any, len(row))
	for i, v := range row {
		if i >= len(header) || header[i] == "" || v == "" {
			continue
		}
		p[header[i]] = v
	}
	return p
}

// normalizeNumbers turns json.Number values into float64 so payloads hash
// and compare the same however they were decoded.
func normalizeNumbers(m map[string]any) map[string]any {
	for k, v := range m {
		if n, ok := v.(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				m[k] = f
			} else {
				m[k] = n.String()
			}
		}
	}
	return m
}
