// Package ingestion imports tabular data as tracked entities. Rows may carry
// a history_date column, so archival data lands in history with its original
// timestamps instead of the import time.
package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/openatlas/trail/internal/domain"
	"github.com/openatlas/trail/internal/tracker"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	timeLayouts = []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02",
		"2006-01-02 15:04:05",
		"2006/01/02",
		"01/02/2006",
	}
)

// Service ingests tabular data into tracked entity types.
type Service struct {
	tracker *tracker.Tracker
}

// NewService creates a new ingestion service.
func NewService(t *tracker.Tracker) *Service {
	return &Service{tracker: t}
}

// Request describes the ingestion input.
type Request struct {
	EntityType string
	FileName   string
	Actor      *uuid.UUID
	Data       io.Reader
}

// RowError reports one rejected row.
type RowError struct {
	RowNumber int    `json:"rowNumber"`
	Message   string `json:"message"`
}

// Summary returns ingestion level metrics.
type Summary struct {
	TotalRows   int        `json:"totalRows"`
	ValidRows   int        `json:"validRows"`
	InvalidRows int        `json:"invalidRows"`
	Errors      []RowError `json:"errors,omitempty"`
}

type tableData struct {
	headers        []string
	rows           [][]string
	headerRowIndex int
}

// Ingest reads the uploaded file and saves one entity per valid row. A row
// whose unique field values match an existing entity updates it; every other
// row creates one. A history_date column backdates the resulting records; a
// history_comment column annotates them.
func (s *Service) Ingest(ctx context.Context, req Request) (Summary, error) {
	summary := Summary{Errors: []RowError{}}

	if strings.TrimSpace(req.EntityType) == "" {
		return summary, errors.New("entity type is required")
	}
	if req.Data == nil {
		return summary, errors.New("data reader is required")
	}
	entityType, err := s.tracker.Registry().TrackedType(req.EntityType)
	if err != nil {
		return summary, err
	}

	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return summary, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(payload) == 0 {
		return summary, errors.New("file is empty")
	}

	table, err := parseTable(req.FileName, payload)
	if err != nil {
		return summary, err
	}
	if len(table.headers) == 0 {
		return summary, errors.New("no header row detected")
	}

	summary.TotalRows = len(table.rows)

	for rowIdx, row := range table.rows {
		rowNumber := table.headerRowIndex + rowIdx + 2 // include header row (1-based)
		if err := s.ingestRow(ctx, entityType, table.headers, row, req.Actor); err != nil {
			summary.InvalidRows++
			summary.Errors = append(summary.Errors, RowError{RowNumber: rowNumber, Message: err.Error()})
			continue
		}
		summary.ValidRows++
	}
	return summary, nil
}

func (s *Service) ingestRow(ctx context.Context, entityType domain.EntityType, headers []string, row []string, actor *uuid.UUID) error {
	meta := domain.DefaultMeta()
	meta.Actor = actor
	meta.ActorOrigin = "import"

	properties := make(map[string]any)
	for colIdx, header := range headers {
		if colIdx >= len(row) {
			continue
		}
		raw := strings.TrimSpace(row[colIdx])
		if raw == "" {
			continue
		}

		switch header {
		case domain.HistoryFieldDate:
			ts, err := parseTimestamp(raw)
			if err != nil {
				return fmt.Errorf("column %s: %w", header, err)
			}
			meta.HistoryDate = &ts
			continue
		case domain.HistoryFieldComment:
			meta.Comment = raw
			continue
		}

		field, ok := entityType.Field(header)
		if !ok {
			// Column not part of the type; skip silently to avoid failing
			// the whole import.
			continue
		}
		coerced, err := coerceValue(field, raw)
		if err != nil {
			return fmt.Errorf("field %s: %w", header, err)
		}
		properties[field.Name] = coerced
	}

	for _, field := range entityType.Fields {
		if field.Required && !field.IsManyToMany() {
			if _, ok := properties[field.Name]; !ok {
				return fmt.Errorf("field %s is required", field.Name)
			}
		}
	}

	entity := domain.Entity{EntityType: entityType.Name, Properties: properties}
	if existing, ok, err := s.findExisting(ctx, entityType, properties); err != nil {
		return err
	} else if ok {
		entity.ID = existing.ID
	}

	_, err := s.tracker.Save(ctx, entity, meta)
	return err
}

// findExisting matches a row against a live entity by the type's unique
// field values.
func (s *Service) findExisting(ctx context.Context, entityType domain.EntityType, properties map[string]any) (domain.Entity, bool, error) {
	names := entityType.UniqueFieldNames()
	if len(names) == 0 {
		return domain.Entity{}, false, nil
	}
	key := make(map[string]any, len(names))
	for _, name := range names {
		value, ok := properties[name]
		if !ok || value == nil {
			return domain.Entity{}, false, nil
		}
		key[name] = value
	}

	existing, err := s.tracker.Stores().View().Entities.FindByProperties(ctx, entityType.Name, key)
	switch {
	case err == nil:
		return existing, true, nil
	case errors.Is(err, domain.ErrNotFound):
		return domain.Entity{}, false, nil
	default:
		return domain.Entity{}, false, err
	}
}

func parseTable(fileName string, payload []byte) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload)
	case ".xlsx":
		return parseExcel(payload)
	default:
		return tableData{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records)
}

func parseExcel(payload []byte) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows)
}

func normalizeTable(records [][]string) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	var headerRow []string
	var dataRows [][]string
	headerIndex := -1
	for idx, row := range records {
		if isEmptyRow(row) {
			continue
		}
		if headerRow == nil {
			headerRow = row
			headerIndex = idx
			continue
		}
		dataRows = append(dataRows, row)
	}
	if headerRow == nil {
		return tableData{}, errors.New("header row could not be detected")
	}

	headers := sanitizeHeaders(headerRow)
	for i := range dataRows {
		dataRows[i] = padRow(dataRows[i], len(headers))
	}

	filtered := dataRows[:0]
	for _, row := range dataRows {
		if !isEmptyRow(row) {
			filtered = append(filtered, row)
		}
	}

	return tableData{
		headers:        headers,
		rows:           filtered,
		headerRowIndex: headerIndex,
	}, nil
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)
	for idx, value := range raw {
		name := strings.TrimSpace(value)
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		name = strings.ReplaceAll(name, "-", "_")
		name = strings.Trim(name, "_")
		name = strings.ToLower(name)
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}
		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1
		headers[idx] = name
	}
	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

func coerceValue(field domain.FieldDefinition, raw string) (any, error) {
	switch field.Type {
	case domain.FieldTypeString:
		return raw, nil
	case domain.FieldTypeInteger, domain.FieldTypeEntityReference:
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return i, nil
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil && math.Mod(f, 1) == 0 {
			return int64(f), nil
		}
		return nil, fmt.Errorf("unable to coerce %q to integer", raw)
	case domain.FieldTypeFloat:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f, nil
		}
		return nil, fmt.Errorf("unable to coerce %q to float", raw)
	case domain.FieldTypeBoolean:
		value := strings.ToLower(strings.TrimSpace(raw))
		switch value {
		case "1", "yes", "y":
			return true, nil
		case "0", "no", "n":
			return false, nil
		}
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to boolean", raw)
		}
		return boolVal, nil
	case domain.FieldTypeTimestamp:
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to timestamp: %w", raw, err)
		}
		return ts, nil
	case domain.FieldTypeJSON, domain.FieldTypeGeometry:
		var out any
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("invalid json payload: %w", err)
		}
		return out, nil
	default:
		// Best effort interpretation for unknown types.
		return raw, nil
	}
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}
