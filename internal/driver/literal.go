package driver

import (
	sqldriver "database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	libinjection "github.com/corazawaf/libinjection-go"
	"github.com/google/uuid"
)

// ErrUnsafeLiteral is returned when a value rendered into SQL text looks like
// an injection payload. It is never retryable.
var ErrUnsafeLiteral = errors.New("unsafe SQL literal")

// UnsafeLiteralError reports which value failed the injection check.
type UnsafeLiteralError struct {
	Column      string
	Fingerprint string
}

func (e *UnsafeLiteralError) Error() string {
	return fmt.Sprintf("%s: value for %s matches injection fingerprint %q", ErrUnsafeLiteral, e.Column, e.Fingerprint)
}

func (e *UnsafeLiteralError) Unwrap() error {
	return ErrUnsafeLiteral
}

// NormalizeValue converts a scanned column value into a stable, JSON-friendly
// form suitable for checkpoints and literal rendering.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case [16]byte:
		return uuid.UUID(val).String()
	case []byte:
		return string(val)
	case sqldriver.Valuer:
		inner, err := val.Value()
		if err != nil {
			return fmt.Sprint(v)
		}
		if _, same := inner.(sqldriver.Valuer); same {
			return fmt.Sprint(inner)
		}
		return NormalizeValue(inner)
	case fmt.Stringer:
		return val.String()
	default:
		return v
	}
}

// FormatValue renders a value as the text that appears between literal quotes.
func FormatValue(v any) string {
	switch val := NormalizeValue(v).(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// QuoteLiteral renders v as a single-quoted SQL literal, doubling embedded quotes.
func QuoteLiteral(v any) string {
	return "'" + strings.ReplaceAll(FormatValue(v), "'", "''") + "'"
}

// IsNumeric reports whether v renders as a bare numeric literal.
func IsNumeric(v any) bool {
	switch val := NormalizeValue(v).(type) {
	case json.Number:
		_, err := val.Float64()
		return err == nil
	case nil:
		return false
	default:
		switch reflect.ValueOf(val).Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return true
		}
		return false
	}
}

// CheckLiteral runs the injection detector over a value destined for SQL text.
// Only values containing quote, comment or statement separator characters are
// inspected; anything else cannot leave the literal once quotes are doubled.
func CheckLiteral(column string, v any) error {
	s := FormatValue(v)
	if !strings.ContainsAny(s, `'\;`) && !strings.Contains(s, "--") && !strings.Contains(s, "/*") {
		return nil
	}
	if isSQLi, fingerprint := libinjection.IsSQLi(s); isSQLi {
		return &UnsafeLiteralError{Column: column, Fingerprint: string(fingerprint)}
	}
	return nil
}
