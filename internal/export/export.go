// Package export writes raw experiment events as CSV, JSON or Parquet.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gkobilansky/goatlab/internal/store"
	"github.com/parquet-go/parquet-go"
)

// Supported output formats.
const (
	FormatCSV     = "csv"
	FormatJSON    = "json"
	FormatParquet = "parquet"
)

// Row is the flat form of one event shared by every format.
type Row struct {
	EventID   string    `json:"event_id" parquet:"event_id,snappy"`
	Timestamp time.Time `json:"timestamp" parquet:"timestamp,snappy"`
	Type      string    `json:"event_type" parquet:"event_type,dict,snappy"`
	Variant   string    `json:"variant_id" parquet:"variant_id,dict,snappy"`
	SubjectID string    `json:"subject_id" parquet:"subject_id,snappy"`
	SessionID *string   `json:"session_id,omitempty" parquet:"session_id,optional,snappy"`
	GoalID    *string   `json:"goal_id,omitempty" parquet:"goal_id,optional,dict,snappy"`
	Value     float64   `json:"value" parquet:"value,snappy"`

	// Properties is JSON-encoded.
	Properties *string `json:"properties,omitempty" parquet:"properties,optional,snappy"`
}

var csvHeader = []string{"event_id", "timestamp", "event_type", "variant_id", "subject_id", "session_id", "goal_id", "value", "properties"}

// ParseFormat validates a format name.
func ParseFormat(s string) (string, error) {
	switch f := strings.ToLower(s); f {
	case FormatCSV, FormatJSON, FormatParquet:
		return f, nil
	default:
		return "", fmt.Errorf("invalid format: %s. Must be csv, json, or parquet", s)
	}
}

// Rows flattens events in timestamp order.
func Rows(events []*store.Event) ([]Row, error) {
	rows := make([]Row, 0, len(events))
	for _, e := range events {
		r := Row{
			EventID:   e.ID,
			Timestamp: e.Timestamp.UTC(),
			Type:      string(e.Type),
			Variant:   e.VariantID,
			SubjectID: e.SubjectID,
			SessionID: optional(e.SessionID),
			GoalID:    optional(e.GoalID),
			Value:     e.Value,
		}
		if len(e.Properties) > 0 {
			b, err := json.Marshal(e.Properties)
			if err != nil {
				return nil, fmt.Errorf("failed to encode properties of event %s: %w", e.ID, err)
			}
			s := string(b)
			r.Properties = &s
		}
		rows = append(rows, r)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })
	return rows, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Write encodes events to w in the given format.
func Write(w io.Writer, format string, events []*store.Event) error {
	rows, err := Rows(events)
	if err != nil {
		return err
	}
	switch format {
	case FormatCSV:
		return writeCSV(w, rows)
	case FormatJSON:
		return writeJSON(w, rows)
	case FormatParquet:
		return writeParquet(w, rows)
	default:
		return fmt.Errorf("invalid format: %s", format)
	}
}

func writeCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.EventID,
			r.Timestamp.Format(time.RFC3339Nano),
			r.Type,
			r.Variant,
			r.SubjectID,
			deref(r.SessionID),
			deref(r.GoalID),
			strconv.FormatFloat(r.Value, 'f', -1, 64),
			deref(r.Properties),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

type jsonExport struct {
	Events []Row `json:"events"`
}

func writeJSON(w io.Writer, rows []Row) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(jsonExport{Events: rows})
}

func writeParquet(w io.Writer, rows []Row) error {
	writer := parquet.NewGenericWriter[Row](w)
	if _, err := writer.Write(rows); err != nil {
		return fmt.Errorf("failed to write data to parquet file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finish parquet file: %w", err)
	}
	return nil
}
