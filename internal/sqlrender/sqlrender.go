// Package sqlrender turns a fedaccel.Predicate tree into a parameterized
// SQL WHERE fragment, shared by the query-engine-backed connectors and
// accelerators (internal/connector/postgres, internal/accelerator/duckdbacc)
// that push predicates down as SQL rather than evaluating the tree in
// process the way MemTable does. Grounded on own
// internal/sql_generator.go / internal/dualpath_sql_generator.go approach
// of rendering SQL by hand rather than reaching for a query builder.
package sqlrender

import (
	"fmt"
	"strings"

	"github.com/lychee-technology/fedaccel"
)

// Placeholder returns the Nth (1-indexed) bind placeholder for the target
// driver: pgx uses "$1", "$2", ...; database/sql over duckdb uses "?".
type Placeholder func(n int) string

// Dollar is the pgx-style placeholder generator.
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// Question is the database/sql-style placeholder generator (duckdb).
func Question(int) string { return "?" }

// Render walks p and returns a WHERE-clause fragment (without the leading
// "WHERE") plus its bind arguments in order. A nil predicate renders as
// "TRUE" with no arguments, matching "no filter" rather than an invalid
// empty string.
func Render(p fedaccel.Predicate, ph Placeholder) (string, []any, error) {
	var args []any
	sql, err := render(p, ph, &args)
	if err != nil {
		return "", nil, err
	}
	return sql, args, nil
}

func render(p fedaccel.Predicate, ph Placeholder, args *[]any) (string, error) {
	if p == nil {
		return "TRUE", nil
	}
	switch c := p.(type) {
	case *fedaccel.RawSQLPredicate:
		return c.SQL, nil
	case *fedaccel.CompositeCondition:
		return renderComposite(c, ph, args)
	case *fedaccel.KvCondition:
		return renderLeaf(c, ph, args)
	default:
		return "", fmt.Errorf("sqlrender: unknown predicate type %T", p)
	}
}

func renderComposite(c *fedaccel.CompositeCondition, ph Placeholder, args *[]any) (string, error) {
	joiner := " AND "
	if c.Logic == fedaccel.LogicOr {
		joiner = " OR "
	}
	parts := make([]string, len(c.Conditions))
	for i, child := range c.Conditions {
		part, err := render(child, ph, args)
		if err != nil {
			return "", err
		}
		parts[i] = part
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

func renderLeaf(kv *fedaccel.KvCondition, ph Placeholder, args *[]any) (string, error) {
	col := quoteIdent(kv.Column)
	switch kv.Op {
	case fedaccel.OpEquals:
		return bind(col, "=", kv.Value, ph, args), nil
	case fedaccel.OpNotEquals:
		return bind(col, "<>", kv.Value, ph, args), nil
	case fedaccel.OpGreater:
		return bind(col, ">", kv.Value, ph, args), nil
	case fedaccel.OpGreaterEq:
		return bind(col, ">=", kv.Value, ph, args), nil
	case fedaccel.OpLess:
		return bind(col, "<", kv.Value, ph, args), nil
	case fedaccel.OpLessEq:
		return bind(col, "<=", kv.Value, ph, args), nil
	case fedaccel.OpStartsWith:
		prefix, _ := kv.Value.(string)
		*args = append(*args, prefix+"%")
		return fmt.Sprintf("%s LIKE %s", col, ph(len(*args))), nil
	case fedaccel.OpContains:
		sub, _ := kv.Value.(string)
		*args = append(*args, "%"+sub+"%")
		return fmt.Sprintf("%s LIKE %s", col, ph(len(*args))), nil
	default:
		return "", fmt.Errorf("sqlrender: unsupported operator %q", kv.Op)
	}
}

func bind(col, op string, value any, ph Placeholder, args *[]any) string {
	*args = append(*args, value)
	return fmt.Sprintf("%s %s %s", col, op, ph(len(*args)))
}

// quoteIdent double-quotes an identifier, escaping embedded quotes. Both
// Postgres and DuckDB accept double-quoted identifiers.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
