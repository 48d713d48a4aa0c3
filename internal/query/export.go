package query

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"audittrail/internal/audit"
	"audittrail/internal/storage"
)

// Format selects the export encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// ParseFormat normalizes a caller-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSONL, "":
		return FormatJSONL, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType is the HTTP media type for the format.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/x-ndjson"
}

// exportBatch is the page size for the export scan. Results stream to the
// writer batch by batch; the full set is never held in memory.
const exportBatch = 500

// Export writes every matching record to w in the given format, oldest
// first. Returns the number of records written.
func (s *Service) Export(ctx context.Context, f storage.Filters, format Format, w io.Writer) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "audit.query.export",
		trace.WithAttributes(attribute.String("format", string(format))))
	defer span.End()

	var write func(*RecordView) error
	switch format {
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return 0, fmt.Errorf("write csv header: %w", err)
		}
		write = func(v *RecordView) error {
			if err := cw.Write(csvRow(v)); err != nil {
				return err
			}
			cw.Flush()
			return cw.Error()
		}
	case FormatJSONL:
		enc := json.NewEncoder(w)
		write = func(v *RecordView) error {
			return enc.Encode(v)
		}
	default:
		return 0, fmt.Errorf("unsupported export format %q", format)
	}

	sort := storage.Sort{Field: "occurred_at", Asc: true}

	var written int64
	for offset := 0; ; offset += exportBatch {
		records, _, err := s.store.Query(ctx, f, storage.Page{Limit: exportBatch, Offset: offset}, sort)
		if err != nil {
			return written, fmt.Errorf("export scan: %w", err)
		}
		for _, record := range records {
			v, err := s.view(record)
			if err != nil {
				return written, err
			}
			if err := write(v); err != nil {
				return written, fmt.Errorf("export write: %w", err)
			}
			written++
		}
		if len(records) < exportBatch {
			return written, nil
		}
	}
}

var csvHeader = []string{
	"id", "occurred_at", "event_type", "entity_name", "entity_id",
	"actor_id", "severity", "client_ip", "sequence", "integrity_intact",
	"previous_values", "new_values", "metadata",
}

func csvRow(v *RecordView) []string {
	return []string{
		v.ID,
		v.OccurredAt.UTC().Format(time.RFC3339Nano),
		string(v.EventType),
		v.EntityName,
		v.EntityID,
		v.ActorID,
		string(v.Severity),
		v.ClientIP,
		strconv.FormatInt(v.Sequence, 10),
		strconv.FormatBool(v.IntegrityIntact),
		valueJSON(v.PreviousValues),
		valueJSON(v.NewValues),
		valueJSON(v.Metadata),
	}
}

func valueJSON(v audit.Value) string {
	if v.IsZero() {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
