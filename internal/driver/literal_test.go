package driver

import (
	sqldriver "database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type numericValuer struct{ s string }

func (n numericValuer) Value() (sqldriver.Value, error) { return n.s, nil }

func TestFormatValue(t *testing.T) {
	ts := time.Date(1994, 9, 16, 10, 30, 0, 0, time.UTC)
	id := [16]byte{0x12, 0x3e, 0x45, 0x67, 0xe8, 0x9b, 0x12, 0xd3, 0xa4, 0x56, 0x42, 0x66, 0x14, 0x17, 0x40, 0x00}

	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"nil", nil, ""},
		{"string", "foo", "foo"},
		{"int", 42, "42"},
		{"int64", int64(-7), "-7"},
		{"float", 1.5, "1.5"},
		{"bool", true, "true"},
		{"json number", json.Number("12345678901234567890"), "12345678901234567890"},
		{"time", ts, "1994-09-16T10:30:00Z"},
		{"uuid bytes", id, "123e4567-e89b-12d3-a456-426614174000"},
		{"bytes", []byte("raw"), "raw"},
		{"valuer", numericValuer{"3.14159"}, "3.14159"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatValue(tt.input); got != tt.expected {
				t.Errorf("FormatValue(%v) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestQuoteLiteral(t *testing.T) {
	tests := []struct {
		input    any
		expected string
	}{
		{"foo", "'foo'"},
		{100, "'100'"},
		{"it's", "'it''s'"},
		{"", "''"},
	}

	for _, tt := range tests {
		if got := QuoteLiteral(tt.input); got != tt.expected {
			t.Errorf("QuoteLiteral(%v) = %s, want %s", tt.input, got, tt.expected)
		}
	}
}

func TestIsNumeric(t *testing.T) {
	for _, v := range []any{1, int32(2), int64(3), uint8(4), 1.5, float32(2.5), json.Number("10")} {
		if !IsNumeric(v) {
			t.Errorf("IsNumeric(%v) = false, want true", v)
		}
	}
	for _, v := range []any{nil, "10", true, time.Now(), json.Number("abc")} {
		if IsNumeric(v) {
			t.Errorf("IsNumeric(%v) = true, want false", v)
		}
	}
}

func TestCheckLiteral(t *testing.T) {
	safe := []any{"foo3", "1994-09-16", "2020-01-01T00:00:00Z", 42, "a-b-c"}
	for _, v := range safe {
		if err := CheckLiteral("col", v); err != nil {
			t.Errorf("CheckLiteral(%v) unexpected error: %v", v, err)
		}
	}

	err := CheckLiteral("col", "1' OR '1'='1")
	if !errors.Is(err, ErrUnsafeLiteral) {
		t.Errorf("expected ErrUnsafeLiteral for tautology, got %v", err)
	}
}
