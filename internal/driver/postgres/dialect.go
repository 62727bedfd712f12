package postgres

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/johndauphine/pgextract/internal/driver"
)

// Dialect implements driver.Dialect for PostgreSQL.
type Dialect struct{}

func (d *Dialect) DBType() string { return "postgres" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (d *Dialect) QualifyTable(schema, table string) string {
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return pgx.Identifier{schema, table}.Sanitize()
}

func (d *Dialect) ParameterPlaceholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

// ColumnList joins column names without quoting; ordering and resume
// columns come from the catalog or from validated configuration.
func (d *Dialect) ColumnList(cols []string) string {
	return strings.Join(cols, ",")
}

func (d *Dialect) DeclareCursor(name, query string) string {
	return fmt.Sprintf("DECLARE %s CURSOR FOR %s", name, query)
}

func (d *Dialect) FetchForward(name string, n int) string {
	return fmt.Sprintf("FETCH FORWARD %d FROM %s", n, name)
}

func (d *Dialect) CloseCursor(name string) string {
	return "CLOSE " + name
}

// regclass renders the table as a regclass literal for catalog lookups.
func (d *Dialect) regclass(t driver.TableRef) string {
	return driver.QuoteLiteral(d.QualifyTable(t.Schema, t.Name)) + "::regclass"
}

// IndexKeysQuery returns one row per indexed column. Rows are ordered by index
// creation and then by position within the index, so the first-seen index
// wins ties in key selection.
func (d *Dialect) IndexKeysQuery(t driver.TableRef) string {
	return `SELECT a.attname,
       format_type(a.atttypid, a.atttypmod) AS data_type,
       i.indexrelid::regclass::text AS index_name,
       i.indnatts,
       i.indisunique,
       i.indisprimary
FROM   pg_index i
       JOIN pg_attribute a ON a.attrelid = i.indrelid
       AND a.attnum = ANY(i.indkey)
WHERE  i.indrelid = ` + d.regclass(t) + `
ORDER BY i.indexrelid, array_position(i.indkey::int2[], a.attnum)`
}

func (d *Dialect) ColumnsQuery(t driver.TableRef) string {
	return `SELECT a.attname,
       format_type(a.atttypid, a.atttypmod) AS data_type
FROM   pg_attribute a
WHERE  a.attrelid = ` + d.regclass(t) + `
AND    a.attnum > 0
AND    NOT a.attisdropped
ORDER BY a.attnum`
}

func (d *Dialect) ListTablesQuery() string {
	return `SELECT table_schema, table_name, table_type
FROM   information_schema.tables
WHERE  table_schema NOT IN ('information_schema', 'pg_catalog')
ORDER BY table_schema, table_name`
}

func (d *Dialect) MaxValueQuery(t driver.TableRef, column string) string {
	return fmt.Sprintf("SELECT MAX(%s) AS max FROM %s", d.QuoteIdentifier(column), d.QualifyTable(t.Schema, t.Name))
}

// BuildDSN returns a postgres:// URL. User and password are query-escaped and
// the database is path-escaped. Options are added as sorted query parameters.
func (d *Dialect) BuildDSN(host string, port int, database, user, password string, opts map[string]any) string {
	params := url.Values{}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := fmt.Sprint(opts[k]); v != "" {
			params.Set(k, v)
		}
	}

	userInfo := url.QueryEscape(user)
	if password != "" {
		userInfo += ":" + url.QueryEscape(password)
	}

	return fmt.Sprintf("postgres://%s@%s:%d/%s?%s",
		userInfo, host, port, url.PathEscape(database), params.Encode())
}
