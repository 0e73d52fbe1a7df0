// Package export renders an entity's lifeline as a downloadable table. The
// column set comes from the derived history schema, so exports always match
// what the engine records.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/openatlas/trail/internal/domain"
	"github.com/openatlas/trail/internal/tracker"
)

// Format selects the output encoding of an export.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat maps a request parameter to a Format, defaulting to CSV.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "csv":
		return FormatCSV, nil
	case "xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", raw)
	}
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// Extension returns the file extension for the format.
func (f Format) Extension() string {
	return string(f)
}

type Service struct {
	tracker *tracker.Tracker
}

func NewService(t *tracker.Tracker) *Service {
	return &Service{tracker: t}
}

// FileName builds the suggested download name for an entity's lifeline.
func (s *Service) FileName(entity domain.Entity, format Format) string {
	base := sanitizeFileComponent(entity.EntityType)
	return fmt.Sprintf("%s-%d-history.%s", base, entity.ID, format.Extension())
}

// WriteLifeline renders the entity's full history, oldest first, to w.
func (s *Service) WriteLifeline(ctx context.Context, entity domain.Entity, format Format, w io.Writer) error {
	accessor, err := s.tracker.HistoryFor(entity)
	if err != nil {
		return err
	}
	records, err := accessor.All(ctx)
	if err != nil {
		return err
	}
	// All returns newest first; exports read better oldest first.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	trackedType, err := s.tracker.Registry().TrackedType(entity.EntityType)
	if err != nil {
		return err
	}
	schema, err := s.tracker.Registry().HistorySchema(trackedType.Name)
	if err != nil {
		return err
	}
	headers := make([]string, 0, len(schema.Fields))
	for _, field := range schema.Fields {
		headers = append(headers, field.Name)
	}

	switch format {
	case FormatXLSX:
		return writeXLSX(headers, records, w)
	default:
		return writeCSV(headers, records, w)
	}
}

func writeCSV(headers []string, records []domain.HistoryRecord, w io.Writer) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	row := make([]string, len(headers))
	for _, record := range records {
		for i, header := range headers {
			row[i] = formatValue(recordValue(record, header))
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("write history row: %w", err)
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

func writeXLSX(headers []string, records []domain.HistoryRecord, w io.Writer) error {
	workbook := excelize.NewFile()
	defer workbook.Close()

	const sheet = "History"
	index, err := workbook.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	workbook.SetActiveSheet(index)
	if err := workbook.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("resolve header cell: %w", err)
		}
		if err := workbook.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("write header cell: %w", err)
		}
	}
	for rowIdx, record := range records {
		for col, header := range headers {
			cell, err := excelize.CoordinatesToCellName(col+1, rowIdx+2)
			if err != nil {
				return fmt.Errorf("resolve cell: %w", err)
			}
			if err := workbook.SetCellValue(sheet, cell, formatValue(recordValue(record, header))); err != nil {
				return fmt.Errorf("write cell: %w", err)
			}
		}
	}

	if err := workbook.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// recordValue reads a history schema column off a record, covering both the
// bookkeeping columns and the tracked type's own fields.
func recordValue(record domain.HistoryRecord, column string) any {
	switch column {
	case domain.HistoryFieldID:
		return record.HistoryID
	case domain.HistoryFieldEntityID:
		return record.EntityID
	case domain.HistoryFieldDate:
		return record.HistoryDate
	case domain.HistoryFieldType:
		return string(record.HistoryType)
	case domain.HistoryFieldRevertedTo:
		if record.RevertedToID == nil {
			return nil
		}
		return *record.RevertedToID
	case domain.HistoryFieldComment:
		return record.Comment
	case domain.HistoryFieldActor:
		if record.Actor == nil {
			return nil
		}
		return record.Actor.String()
	case domain.HistoryFieldActorOrigin:
		return record.ActorOrigin
	}
	if ids, ok := record.Relations[column]; ok {
		return ids
	}
	return record.Properties[column]
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case []int64:
		parts := make([]string, len(v))
		for i, id := range v {
			parts[i] = strconv.FormatInt(id, 10)
		}
		return strings.Join(parts, ",")
	case float32, float64, int, int32, uint, uint32, uint64:
		return fmt.Sprintf("%v", v)
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "entity"
	}
	return result
}
