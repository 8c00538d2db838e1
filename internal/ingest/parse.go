package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	cerrors "github.com/covarlab/covar/internal/errors"
	"github.com/covarlab/covar/pkg/types"
)

// keyHeader is the canonical participant-key column header. Dataset
// definitions may declare additional accepted aliases.
const keyHeader = "participant_id"

// utf8BOM is stripped from the head of CSV uploads; spreadsheet tools
// prepend it and it would otherwise corrupt the first header.
var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// Row is one data row of an upload file. Cells map the original header
// text to the raw cell, with the participant-key column lifted out into
// Key. A non-empty Malformed means the row could not be read; such rows
// carry no usable Key or Cells.
type Row struct {
	// Number is 1-based over data rows, in file order
	Number int

	// Key is the trimmed source-local participant key
	Key string

	// Cells maps header to raw cell text
	Cells map[string]string

	// Malformed is the structural defect, when the row has one
	Malformed string
}

// ParsedFile is one upload file read into header-keyed rows.
type ParsedFile struct {
	Headers []string
	Rows    []Row
}

// parseOptions configures one file parse. Zero values mean headers on
// row 1, the first sheet, and the canonical key header only.
type parseOptions struct {
	kind      types.SourceKind
	sheetName string
	headerRow int
	idAliases []string
}

// optionsFor derives parse options from the upload format and, when a
// dataset hint named one, the dataset's source configuration.
func optionsFor(format types.SourceKind, ds *types.DatasetDefinition) parseOptions {
	opts := parseOptions{kind: format, headerRow: 1}
	if ds == nil {
		return opts
	}
	opts.idAliases = ds.IDAliases
	if ds.Source.SheetName != "" {
		opts.sheetName = ds.Source.SheetName
	}
	if ds.Source.HeaderRow > 0 {
		opts.headerRow = ds.Source.HeaderRow
	}
	return opts
}

// parseFile reads an upload into header-keyed rows. A returned error is
// a file-level defect that rejects the whole batch: an unreadable
// container, a header row past the end of the file, or a header with no
// recognizable participant-key column (every row would be unkeyed).
// Row-level defects land on the individual rows instead.
func parseFile(content []byte, opts parseOptions) (*ParsedFile, error) {
	switch opts.kind {
	case types.SourceCSV:
		return parseCSV(content, opts)
	case types.SourceXLSX:
		return parseXLSX(content, opts)
	}
	return nil, cerrors.NewMalformedRow(0, fmt.Sprintf("unsupported upload format %q", opts.kind))
}

// parseCSV reads a CSV upload. Field counts are checked against the
// header strictly; encoding/csv itself skips fully blank lines.
func parseCSV(content []byte, opts parseOptions) (*ParsedFile, error) {
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(content, utf8BOM)))
	reader.FieldsPerRecord = -1

	headers, err := readCSVHeader(reader, opts.headerRow)
	if err != nil {
		return nil, err
	}
	keyIdx := keyColumn(headers, opts.idAliases)
	if keyIdx < 0 {
		return nil, noKeyColumn(opts.idAliases)
	}

	file := &ParsedFile{Headers: headers}
	number := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			number++
			file.Rows = append(file.Rows, Row{
				Number:    number,
				Malformed: fmt.Sprintf("unreadable record: %v", err),
			})
			continue
		}
		if blankRecord(record) {
			continue
		}
		number++
		file.Rows = append(file.Rows, buildRow(headers, keyIdx, record, number, true))
	}
	return file, nil
}

// readCSVHeader skips to the configured header row and returns it.
func readCSVHeader(reader *csv.Reader, headerRow int) ([]string, error) {
	if headerRow < 1 {
		headerRow = 1
	}
	var headers []string
	for i := 0; i < headerRow; i++ {
		record, err := reader.Read()
		if err == io.EOF {
			return nil, cerrors.NewMalformedRow(0,
				fmt.Sprintf("header row %d is past the end of the file", headerRow))
		}
		if err != nil {
			return nil, cerrors.NewMalformedRow(0, fmt.Sprintf("unreadable header: %v", err))
		}
		headers = record
	}
	return headers, nil
}

// parseXLSX reads an XLSX upload with excelize. Short rows are padded;
// spreadsheets legitimately omit trailing blank cells.
func parseXLSX(content []byte, opts parseOptions) (*ParsedFile, error) {
	workbook, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, cerrors.NewMalformedRow(0, fmt.Sprintf("unreadable workbook: %v", err))
	}
	defer workbook.Close()

	sheet := opts.sheetName
	if sheet == "" {
		sheet = workbook.GetSheetName(0)
	}
	all, err := workbook.GetRows(sheet)
	if err != nil {
		return nil, cerrors.NewMalformedRow(0, fmt.Sprintf("failed to read sheet %q: %v", sheet, err))
	}

	headerRow := opts.headerRow
	if headerRow < 1 {
		headerRow = 1
	}
	if len(all) < headerRow {
		return nil, cerrors.NewMalformedRow(0,
			fmt.Sprintf("header row %d is past the end of sheet %q", headerRow, sheet))
	}
	headers := all[headerRow-1]
	keyIdx := keyColumn(headers, opts.idAliases)
	if keyIdx < 0 {
		return nil, noKeyColumn(opts.idAliases)
	}

	file := &ParsedFile{Headers: headers}
	number := 0
	for _, record := range all[headerRow:] {
		if blankRecord(record) {
			continue
		}
		number++
		file.Rows = append(file.Rows, buildRow(headers, keyIdx, record, number, false))
	}
	return file, nil
}

// buildRow converts one record into a Row. strict enforces the header's
// field count (CSV); otherwise short records are padded with blanks.
// Columns with a blank header have nothing to validate against and are
// skipped.
func buildRow(headers []string, keyIdx int, record []string, number int, strict bool) Row {
	if strict && len(record) != len(headers) {
		return Row{
			Number:    number,
			Malformed: fmt.Sprintf("expected %d fields, got %d", len(headers), len(record)),
		}
	}
	if len(record) > len(headers) {
		return Row{
			Number:    number,
			Malformed: fmt.Sprintf("row has %d cells but the header has %d columns", len(record), len(headers)),
		}
	}

	row := Row{Number: number, Cells: make(map[string]string, len(headers))}
	for i, header := range headers {
		var cell string
		if i < len(record) {
			cell = record[i]
		}
		if i == keyIdx {
			row.Key = strings.TrimSpace(cell)
			continue
		}
		header = strings.TrimSpace(header)
		if header == "" {
			continue
		}
		row.Cells[header] = cell
	}

	if row.Key == "" {
		return Row{Number: number, Malformed: "blank participant key"}
	}
	return row
}

// keyColumn locates the participant-key column, matching the canonical
// header and the dataset aliases case-insensitively.
func keyColumn(headers, aliases []string) int {
	for i, header := range headers {
		h := strings.ToLower(strings.TrimSpace(header))
		if h == keyHeader {
			return i
		}
		for _, alias := range aliases {
			if h == strings.ToLower(strings.TrimSpace(alias)) {
				return i
			}
		}
	}
	return -1
}

// noKeyColumn is the file-level defect for a header without any
// participant-key column.
func noKeyColumn(aliases []string) error {
	accepted := append([]string{keyHeader}, aliases...)
	return cerrors.NewMalformedRow(0,
		fmt.Sprintf("no participant key column; accepted headers: %s", strings.Join(accepted, ", ")))
}

// blankRecord reports whether every cell of a record is blank. Blank
// rows are spreadsheet filler, not data rows, and are not numbered.
func blankRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
