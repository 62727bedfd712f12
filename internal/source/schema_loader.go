package source

import (
	"context"
	"fmt"
	"strconv"

	"github.com/johndauphine/pgextract/internal/driver"
)

// SchemaLoader reads catalog metadata through a session using dialect SQL.
type SchemaLoader struct {
	q       Querier
	dialect driver.Dialect
}

// NewSchemaLoader creates a loader over q.
func NewSchemaLoader(q Querier, dialect driver.Dialect) *SchemaLoader {
	return &SchemaLoader{q: q, dialect: dialect}
}

// LoadKeys returns one descriptor per indexed column of t.
func (l *SchemaLoader) LoadKeys(ctx context.Context, t driver.TableRef) ([]driver.KeyDescriptor, error) {
	rows, err := l.q.Query(ctx, l.dialect.IndexKeysQuery(t))
	if err != nil {
		return nil, fmt.Errorf("loading keys for %s: %w", t.FullName(), err)
	}

	keys := make([]driver.KeyDescriptor, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, driver.KeyDescriptor{
			ColumnName:       asString(r["attname"]),
			DataType:         asString(r["data_type"]),
			IndexName:        asString(r["index_name"]),
			IndexColumnCount: asInt(r["indnatts"]),
			IsUnique:         asBool(r["indisunique"]),
			IsPrimary:        asBool(r["indisprimary"]),
		})
	}
	return keys, nil
}

// LoadColumns returns the columns of t in ordinal order.
func (l *SchemaLoader) LoadColumns(ctx context.Context, t driver.TableRef) ([]driver.KeyDescriptor, error) {
	rows, err := l.q.Query(ctx, l.dialect.ColumnsQuery(t))
	if err != nil {
		return nil, fmt.Errorf("loading columns for %s: %w", t.FullName(), err)
	}

	cols := make([]driver.KeyDescriptor, 0, len(rows))
	for _, r := range rows {
		cols = append(cols, driver.KeyDescriptor{
			ColumnName: asString(r["attname"]),
			DataType:   asString(r["data_type"]),
		})
	}
	return cols, nil
}

// OrderingKey resolves the ordering key of t: the selected index columns, or
// the first table column when the table has no usable index.
func (l *SchemaLoader) OrderingKey(ctx context.Context, t driver.TableRef) ([]string, error) {
	keys, err := l.LoadKeys(ctx, t)
	if err != nil {
		return nil, err
	}
	if selected := driver.SelectOrderingKey(keys); len(selected) > 0 {
		return driver.KeyColumns(selected), nil
	}

	cols, err := l.LoadColumns(ctx, t)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 || cols[0].ColumnName == "" {
		return nil, fmt.Errorf("%s: %w", t.FullName(), ErrNoOrderingKey)
	}
	return []string{cols[0].ColumnName}, nil
}

// ListTables returns every table and view outside the system schemas.
// Views are labelled in their display value.
func (l *SchemaLoader) ListTables(ctx context.Context) ([]driver.TableRef, error) {
	rows, err := l.q.Query(ctx, l.dialect.ListTablesQuery())
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}

	tables := make([]driver.TableRef, 0, len(rows))
	for _, r := range rows {
		ref := driver.TableRef{
			Schema: asString(r["table_schema"]),
			Name:   asString(r["table_name"]),
		}
		ref.DisplayValue = ref.FullName()
		if asString(r["table_type"]) == "VIEW" {
			ref.DisplayValue += " (VIEW)"
		}
		tables = append(tables, ref)
	}
	return tables, nil
}

// MaxValue returns the current maximum of column in t, or nil for an empty table.
func (l *SchemaLoader) MaxValue(ctx context.Context, t driver.TableRef, column string) (any, error) {
	rows, err := l.q.Query(ctx, l.dialect.MaxValueQuery(t, column))
	if err != nil {
		return nil, fmt.Errorf("reading max %s of %s: %w", column, t.FullName(), err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0]["max"], nil
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, _ := strconv.ParseBool(b)
		return parsed
	default:
		return false
	}
}
