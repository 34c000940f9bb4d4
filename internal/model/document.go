package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// TimeLayout is RFC3339 with a fixed nine-digit fraction. Formatted in UTC,
// strings of this layout sort lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DateLayout is used for calendar dates (entry and expiry).
const DateLayout = "2006-01-02"

// FormatTime renders t in TimeLayout, in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout (or any RFC3339) string.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// Document is the flat map form of a record.
type Document map[string]any

// DecodeDocument parses a JSON object.
func DecodeDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("document is null")
	}
	return doc, nil
}

// Encode renders the document as a JSON object. A nil document encodes as {}.
func (d Document) Encode() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

// ID returns the "id" field.
func (d Document) ID() string {
	return d.String("id")
}

// UpdatedAt returns the "updated_at" field, empty if absent.
func (d Document) UpdatedAt() string {
	return d.String("updated_at")
}

// Clone returns a shallow copy.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// String returns the field as a string. Non-string values are formatted;
// missing and nil values yield "".
func (d Document) String(key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

// Float returns the field as a float64. JSON, BSON and SQLite numeric types
// are accepted, as are numeric strings. Missing and nil values yield 0.
func (d Document) Float(key string) (float64, error) {
	v, ok := d[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("field %s: %w", key, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("field %s: unsupported numeric type %T", key, v)
}

// Object returns a nested object field. Missing and nil values yield an
// empty document.
func (d Document) Object(key string) (Document, error) {
	v, ok := d[key]
	if !ok || v == nil {
		return Document{}, nil
	}
	switch o := v.(type) {
	case Document:
		return o, nil
	case map[string]any:
		return Document(o), nil
	case string:
		// Config blobs may arrive still encoded.
		return DecodeDocument([]byte(o))
	}
	return nil, fmt.Errorf("field %s: expected object, got %T", key, v)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
