package procurement

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/odyssey-erp/matflow/internal/workflow"
)

// ImportFormat names a supported MTF import file format.
type ImportFormat string

const (
	ImportCSV  ImportFormat = "csv"
	ImportXLSX ImportFormat = "xlsx"
)

// MaxImportRows bounds the number of data rows accepted in one file.
const MaxImportRows = 5000

var importColumns = []string{"project_id", "discipline_id", "item_id", "request_qty", "est_unit_price", "description"}

var requiredImportColumns = map[string]bool{"project_id": true, "discipline_id": true, "item_id": true, "request_qty": true}

// ImportFormatFromName derives the format from a file name extension.
func ImportFormatFromName(name string) (ImportFormat, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return ImportCSV, nil
	case ".xlsx":
		return ImportXLSX, nil
	}
	return "", workflow.Invalid("file", fmt.Sprintf("unsupported file type %q, expected .csv or .xlsx", filepath.Ext(name)))
}

// ImportRow is one parsed data row. Row is the 1-based row number in the
// file, header included.
type ImportRow struct {
	Row          int
	ProjectID    int64
	DisciplineID int64
	Line         MTFLineInput
}

// importRecord is one raw row with its 1-based position in the file.
type importRecord struct {
	line  int
	cells []string
}

// ParseMTFImport reads rows from a CSV or XLSX file. The first non-empty
// row must name the columns; column order is free.
func ParseMTFImport(r io.Reader, format ImportFormat) ([]ImportRow, error) {
	var (
		records []importRecord
		err     error
	)
	switch format {
	case ImportCSV:
		records, err = readCSV(r)
	case ImportXLSX:
		records, err = readXLSX(r)
	default:
		return nil, workflow.Invalid("format", fmt.Sprintf("unsupported import format %q", format))
	}
	if err != nil {
		return nil, err
	}
	return parseImportRecords(records)
}

func readCSV(r io.Reader) ([]importRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	var records []importRecord
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return nil, workflow.InvalidLine(perr.Line, "file", perr.Err.Error())
			}
			return nil, workflow.Invalid("file", err.Error())
		}
		line, _ := reader.FieldPos(0)
		records = append(records, importRecord{line: line, cells: rec})
	}
}

func readXLSX(r io.Reader) ([]importRecord, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, workflow.Invalid("file", "not a readable xlsx workbook")
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, workflow.Invalid("file", "workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, workflow.Invalid("file", err.Error())
	}
	records := make([]importRecord, len(rows))
	for i, row := range rows {
		records[i] = importRecord{line: i + 1, cells: row}
	}
	return records, nil
}

func parseImportRecords(records []importRecord) ([]ImportRow, error) {
	headerAt := -1
	for i, rec := range records {
		if !blankRecord(rec.cells) {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return nil, workflow.Invalid("file", "no header row")
	}
	header := records[headerAt]
	indexes := make(map[string]int, len(importColumns))
	for _, name := range importColumns {
		indexes[name] = -1
	}
	for i, raw := range header.cells {
		name := strings.ToLower(strings.TrimSpace(raw))
		if _, ok := indexes[name]; ok {
			indexes[name] = i
		}
	}
	for _, name := range importColumns {
		if requiredImportColumns[name] && indexes[name] < 0 {
			return nil, workflow.InvalidLine(header.line, name, "column is missing")
		}
	}

	var rows []ImportRow
	for _, rec := range records[headerAt+1:] {
		if blankRecord(rec.cells) {
			continue
		}
		if len(rows) == MaxImportRows {
			return nil, workflow.Invalid("file", fmt.Sprintf("more than %d rows", MaxImportRows))
		}
		row, err := parseImportRow(rec.line, rec.cells, indexes)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, workflow.Invalid("file", "no data rows")
	}
	return rows, nil
}

func parseImportRow(n int, rec []string, indexes map[string]int) (ImportRow, error) {
	cell := func(name string) string {
		i := indexes[name]
		if i < 0 || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	row := ImportRow{Row: n}
	var err error
	if row.ProjectID, err = parseImportID(n, "project_id", cell("project_id")); err != nil {
		return ImportRow{}, err
	}
	if row.DisciplineID, err = parseImportID(n, "discipline_id", cell("discipline_id")); err != nil {
		return ImportRow{}, err
	}
	if row.Line.ItemID, err = parseImportID(n, "item_id", cell("item_id")); err != nil {
		return ImportRow{}, err
	}
	qty, err := decimal.NewFromString(cell("request_qty"))
	if err != nil {
		return ImportRow{}, workflow.InvalidLine(n, "request_qty", "must be a number")
	}
	if !qty.IsPositive() {
		return ImportRow{}, workflow.InvalidLine(n, "request_qty", "must be greater than zero")
	}
	row.Line.RequestQty = qty
	if raw := cell("est_unit_price"); raw != "" {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return ImportRow{}, workflow.InvalidLine(n, "est_unit_price", "must be a number")
		}
		if price.IsNegative() {
			return ImportRow{}, workflow.InvalidLine(n, "est_unit_price", "must not be negative")
		}
		row.Line.EstUnitPrice = price
	}
	row.Line.Description = cell("description")
	return row, nil
}

func parseImportID(n int, field, raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, workflow.InvalidLine(n, field, "must be a positive integer")
	}
	return id, nil
}

func blankRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// importGroup is one MTF to create, with the file rows of its lines.
type importGroup struct {
	input CreateMTFInput
	rows  []int
}

// groupImportRows builds one MTF per (project, discipline) pair in order
// of first appearance.
func groupImportRows(rows []ImportRow, draft bool) []importGroup {
	type key struct{ project, discipline int64 }
	index := make(map[key]int)
	var groups []importGroup
	for _, r := range rows {
		k := key{r.ProjectID, r.DisciplineID}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, importGroup{input: CreateMTFInput{ProjectID: r.ProjectID, DisciplineID: r.DisciplineID, Draft: draft}})
		}
		groups[i].input.Lines = append(groups[i].input.Lines, r.Line)
		groups[i].rows = append(groups[i].rows, r.Row)
	}
	return groups
}

// ImportMTF creates one MTF per (project, discipline) found in the file.
// Every row is validated before anything is written and all documents are
// created in a single transaction; validation errors carry the file row.
func (s *Service) ImportMTF(ctx context.Context, actorID int64, r io.Reader, format ImportFormat, draft bool) ([]Document, error) {
	docs, err := s.importMTF(ctx, actorID, r, format, draft)
	s.recordOutcome(workflow.DocMTF, "import", err)
	return docs, err
}

func (s *Service) importMTF(ctx context.Context, actorID int64, r io.Reader, format ImportFormat, draft bool) ([]Document, error) {
	rows, err := ParseMTFImport(r, format)
	if err != nil {
		return nil, err
	}
	user, err := s.directory.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	groups := groupImportRows(rows, draft)
	docs := make([]Document, len(groups))
	for i, g := range groups {
		header, lines, err := s.prepareMTF(ctx, user, g.input)
		if err != nil {
			return nil, atFileRow(err, g.rows)
		}
		docs[i] = Document{Type: workflow.DocMTF, MTF: &header, MTFLines: lines}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for i := range docs {
			lines, err := s.insertMTF(ctx, tx, docs[i].MTF, docs[i].MTFLines, draft)
			if err != nil {
				return err
			}
			docs[i].MTFLines = lines
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		s.afterCommit(ctx, TransitionEvent{
			Type: workflow.DocMTF, DocID: d.MTF.ID, ProjectID: d.MTF.ProjectID, DisciplineID: d.MTF.DisciplineID, Action: createAction(draft),
			State: d.MTF.State, ActorID: actorID, CreatedBy: actorID,
		}, map[string]any{"lines": len(d.MTFLines), "source": string(format)})
	}
	return docs, nil
}

// atFileRow rewrites a line-indexed validation error to the file row it
// came from.
func atFileRow(err error, rows []int) error {
	var verr *workflow.ValidationError
	if !errors.As(err, &verr) || verr.Line <= 0 || verr.Line > len(rows) {
		return err
	}
	return workflow.InvalidLine(rows[verr.Line-1], verr.Field, verr.Reason)
}
