package driver

import (
	"fmt"
	"strings"
)

// QuerySpec holds everything needed to build the SELECT behind a table cursor.
type QuerySpec struct {
	Schema string
	Table  string

	// OrderingKey is the column list that totally orders the table.
	OrderingKey []string

	// IncrementalColumn and IncrementalValue bound the scan from below.
	IncrementalColumn string
	IncrementalValue  string

	// Resume is the last-seen key of a previous batch; rows from it onwards are read.
	Resume ResumeState

	// UpperBound caps IncrementalColumn at the maximum observed when the scan began.
	UpperBound any

	// SkipLiteralGuard disables the injection check on rendered values.
	SkipLiteralGuard bool
}

// BuildQuery renders the cursor SELECT for q.
//
// Resume uses >= on the whole key tuple, so the last row of the previous
// batch is read again after a restart. Delivery is at-least-once.
func BuildQuery(d Dialect, q QuerySpec) (string, error) {
	var where []string

	if !q.Resume.IsEmpty() {
		pred, err := resumePredicate(d, q)
		if err != nil {
			return "", err
		}
		where = append(where, pred)
	}

	if q.IncrementalColumn != "" && q.IncrementalValue != "" && !q.Resume.Has(q.IncrementalColumn) {
		pred, err := incrementalPredicate(q)
		if err != nil {
			return "", err
		}
		where = append(where, pred)
	}

	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(d.QualifyTable(q.Schema, q.Table))
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	if order := OrderByColumns(q.OrderingKey, q.IncrementalColumn); len(order) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(d.ColumnList(order))
	}
	return sb.String(), nil
}

// OrderByColumns returns the ordering key with the incremental column appended
// when it is not already part of the key.
func OrderByColumns(key []string, incrementalColumn string) []string {
	cols := append([]string(nil), key...)
	if incrementalColumn == "" {
		return cols
	}
	for _, c := range cols {
		if c == incrementalColumn {
			return cols
		}
	}
	return append(cols, incrementalColumn)
}

func resumePredicate(d Dialect, q QuerySpec) (string, error) {
	values := make([]string, len(q.Resume))
	for i, kv := range q.Resume {
		if !q.SkipLiteralGuard {
			if err := CheckLiteral(kv.Column, kv.Value); err != nil {
				return "", err
			}
		}
		values[i] = QuoteLiteral(kv.Value)
	}

	if len(q.Resume) == 1 {
		return fmt.Sprintf("%s >= %s", q.Resume[0].Column, values[0]), nil
	}
	return fmt.Sprintf("(%s) >= (%s)", d.ColumnList(q.Resume.Columns()), strings.Join(values, ",")), nil
}

func incrementalPredicate(q QuerySpec) (string, error) {
	col := q.IncrementalColumn
	if !q.SkipLiteralGuard {
		if err := CheckLiteral(col, q.IncrementalValue); err != nil {
			return "", err
		}
	}
	pred := fmt.Sprintf("%s >= %s", col, QuoteLiteral(q.IncrementalValue))
	if q.UpperBound == nil {
		return pred, nil
	}

	var bound string
	if IsNumeric(q.UpperBound) {
		bound = FormatValue(q.UpperBound)
	} else {
		if !q.SkipLiteralGuard {
			if err := CheckLiteral(col, q.UpperBound); err != nil {
				return "", err
			}
		}
		bound = QuoteLiteral(q.UpperBound)
	}
	return fmt.Sprintf("(%s AND %s <= %s)", pred, col, bound), nil
}
