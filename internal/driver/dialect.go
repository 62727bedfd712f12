package driver

// Dialect describes the SQL text a database needs for cursor-based extraction.
// Implementations return statement text only; they never touch a connection.
type Dialect interface {
	// DBType returns the database type name (e.g., "postgres").
	DBType() string

	// QuoteIdentifier quotes a single identifier.
	QuoteIdentifier(name string) string

	// QualifyTable returns the quoted schema-qualified table name.
	QualifyTable(schema, table string) string

	// ParameterPlaceholder returns the bind placeholder for the 1-based index.
	ParameterPlaceholder(index int) string

	// ColumnList joins column names for ORDER BY and tuple comparisons.
	ColumnList(cols []string) string

	// DeclareCursor wraps query in a server-side cursor declaration.
	DeclareCursor(name, query string) string

	// FetchForward fetches up to n rows from the named cursor.
	FetchForward(name string, n int) string

	// CloseCursor releases the named cursor.
	CloseCursor(name string) string

	// IndexKeysQuery lists the indexed columns of t, one row per column,
	// with the columns attname, data_type, index_name, indnatts,
	// indisunique and indisprimary.
	IndexKeysQuery(t TableRef) string

	// ColumnsQuery lists the columns of t in ordinal order with the columns
	// attname and data_type.
	ColumnsQuery(t TableRef) string

	// ListTablesQuery lists user tables and views with the columns
	// table_schema, table_name and table_type.
	ListTablesQuery() string

	// MaxValueQuery selects the maximum of column in t as "max".
	MaxValueQuery(t TableRef, column string) string
}
