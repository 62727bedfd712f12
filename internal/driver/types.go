package driver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Row is one fetched record keyed by column name.
type Row = map[string]any

// TableRef identifies one extraction target.
type TableRef struct {
	Schema       string `json:"schema"`
	Name         string `json:"name"`
	DisplayValue string `json:"display_value,omitempty"`
}

// ParseTableRef parses "schema.table", splitting on the first dot.
// A value without a dot is placed in defaultSchema.
func ParseTableRef(value, defaultSchema string) (TableRef, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return TableRef{}, fmt.Errorf("table name cannot be empty")
	}

	schema, name, found := strings.Cut(value, ".")
	if !found {
		schema, name = defaultSchema, value
	}
	if schema == "" || name == "" {
		return TableRef{}, fmt.Errorf("invalid table reference %q: expected schema.table", value)
	}
	return TableRef{Schema: schema, Name: name, DisplayValue: schema + "." + name}, nil
}

// FullName returns the fully qualified table name (schema.table).
func (t TableRef) FullName() string {
	return t.Schema + "." + t.Name
}

// Equal reports whether both references name the same table.
func (t TableRef) Equal(o TableRef) bool {
	return t.FullName() == o.FullName()
}

// String returns the display value, falling back to the full name.
func (t TableRef) String() string {
	if t.DisplayValue != "" {
		return t.DisplayValue
	}
	return t.FullName()
}

// KeyDescriptor describes one column taking part in an index, or a plain
// column when produced by column introspection.
type KeyDescriptor struct {
	ColumnName       string `json:"column_name"`
	DataType         string `json:"data_type"`
	IndexName        string `json:"index_name,omitempty"`
	IndexColumnCount int    `json:"index_column_count"`
	IsUnique         bool   `json:"is_unique"`
	IsPrimary        bool   `json:"is_primary"`
}

// KeyColumns returns the column names of descriptors in order.
func KeyColumns(descriptors []KeyDescriptor) []string {
	if len(descriptors) == 0 {
		return nil
	}
	cols := make([]string, len(descriptors))
	for i, d := range descriptors {
		cols[i] = d.ColumnName
	}
	return cols
}

// KeyValue is one ordering-key column and its last-seen value.
type KeyValue struct {
	Column string
	Value  any
}

// ResumeState holds the last-seen ordering-key values of a table scan, in
// ordering-key order. The zero value is an empty state.
type ResumeState []KeyValue

// ResumeFromRow captures the values of keyCols from row.
func ResumeFromRow(keyCols []string, row Row) ResumeState {
	state := make(ResumeState, 0, len(keyCols))
	for _, col := range keyCols {
		state = append(state, KeyValue{Column: col, Value: NormalizeValue(row[col])})
	}
	return state
}

// IsEmpty reports whether no values are recorded.
func (s ResumeState) IsEmpty() bool {
	return len(s) == 0
}

// Columns returns the recorded column names in order.
func (s ResumeState) Columns() []string {
	cols := make([]string, len(s))
	for i, kv := range s {
		cols[i] = kv.Column
	}
	return cols
}

// Values returns the recorded values in order.
func (s ResumeState) Values() []any {
	vals := make([]any, len(s))
	for i, kv := range s {
		vals[i] = kv.Value
	}
	return vals
}

// Has reports whether column is part of the state.
func (s ResumeState) Has(column string) bool {
	for _, kv := range s {
		if kv.Column == column {
			return true
		}
	}
	return false
}

// Get returns the value recorded for column.
func (s ResumeState) Get(column string) (any, bool) {
	for _, kv := range s {
		if kv.Column == column {
			return kv.Value, true
		}
	}
	return nil, false
}

// MarshalJSON encodes the state as a JSON object preserving column order.
func (s ResumeState) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(kv.Column)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("encoding value of %s: %w", kv.Column, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object in document order. Numbers are kept as
// json.Number so large integer keys survive the round trip.
func (s *ResumeState) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*s = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("resume state must be a JSON object, got %v", tok)
	}

	state := ResumeState{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected resume state key %v", keyTok)
		}
		var val any
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("decoding value of %s: %w", key, err)
		}
		state = append(state, KeyValue{Column: key, Value: val})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = state
	return nil
}

// ValidateIdentifier checks that an identifier is safe to use in SQL.
// Used for configured column names, which are emitted unquoted.
//
// Valid identifiers:
// - Start with letter or underscore
// - Contain only letters, digits, underscores and $
// - Maximum length of 63 characters (PostgreSQL NAMEDATALEN - 1)
// - Not empty
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	if len(name) > 63 {
		return fmt.Errorf("identifier too long: %d characters (max 63)", len(name))
	}

	first := rune(name[0])
	if !isValidIdentifierStart(first) {
		return fmt.Errorf("identifier must start with letter or underscore: %q", name)
	}

	for i, r := range name {
		if i == 0 {
			continue
		}
		if !isValidIdentifierChar(r) {
			return fmt.Errorf("identifier contains invalid character %q at position %d: %q", r, i, name)
		}
	}

	return nil
}

func isValidIdentifierStart(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
}

func isValidIdentifierChar(r rune) bool {
	return isValidIdentifierStart(r) ||
		(r >= '0' && r <= '9') ||
		r == '$' // PostgreSQL allows $ in identifiers
}
