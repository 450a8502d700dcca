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

	"formcraft/api/internal/store"
)

// Column is one exported field, in form order.
type Column struct {
	FieldID string
	Label   string
}

// Columns lists the exportable fields of a form. Page breaks carry no value
// and are skipped.
func Columns(fields []store.Field) []Column {
	out := make([]Column, 0, len(fields))
	for _, field := range fields {
		if field.Type == store.FieldPageBreak {
			continue
		}
		label := strings.TrimSpace(field.Label)
		if label == "" {
			label = field.ID
		}
		out = append(out, Column{FieldID: field.ID, Label: label})
	}
	return out
}

// Stringify renders a submitted value as a single cell.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "Yes"
		}
		return "No"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case []string:
		return strings.Join(v, "; ")
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, Stringify(item))
		}
		return strings.Join(parts, "; ")
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func WriteCSV(w io.Writer, fields []store.Field, subs []store.Submission) error {
	columns := Columns(fields)
	writer := csv.NewWriter(w)

	header := make([]string, 0, len(columns)+2)
	header = append(header, "Submitted At", "Type")
	for _, column := range columns {
		header = append(header, column.Label)
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, sub := range subs {
		row := make([]string, 0, len(header))
		row = append(row, formatTime(sub.SubmittedAt), string(sub.Type))
		for _, column := range columns {
			row = append(row, Stringify(sub.Values[column.FieldID]))
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

type jsonRecord struct {
	ID          string         `json:"id"`
	SubmittedAt string         `json:"submittedAt"`
	Type        string         `json:"type"`
	Values      map[string]any `json:"values"`
}

// WriteJSON writes submissions with values keyed by field label.
func WriteJSON(w io.Writer, fields []store.Field, subs []store.Submission) error {
	columns := Columns(fields)
	records := make([]jsonRecord, 0, len(subs))
	for _, sub := range subs {
		values := make(map[string]any, len(columns))
		for _, column := range columns {
			if value, ok := sub.Values[column.FieldID]; ok {
				values[column.Label] = value
			}
		}
		records = append(records, jsonRecord{
			ID:          sub.ID,
			SubmittedAt: formatTime(sub.SubmittedAt),
			Type:        string(sub.Type),
			Values:      values,
		})
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(records)
}

// sortedByTime returns subs ordered oldest first without touching the input.
func sortedByTime(subs []store.Submission) []store.Submission {
	out := append([]store.Submission(nil), subs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}
