// Package refreshsql validates and rewrites the restricted refresh SQL a
// dataset's Acceleration.RefreshSQL may specify: only a single
// `SELECT cols|* FROM <dataset> [WHERE ...]`, no joins, CTEs, ordering,
// grouping, aggregation, set operations, or subqueries. Grounded on
// validate_refresh_sql (crates/runtime/src/datafusion/refresh_sql.rs),
// generalized from that function's AST-walk-over-a-parsed-statement checks
// (reject ORDER BY/GROUP BY/HAVING/etc., require plain column references
// in the projection, expand computed-column dependencies into the
// projection) to hand-rolled token scanning, since no SQL-parsing library
// appears anywhere in the dependency pack this module draws from.
package refreshsql

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lychee-technology/fedaccel"
)

// disallowedKeywords lists the forbidden clause keywords, each checked as a
// whole-word match against the uppercased statement.
var disallowedKeywords = []string{
	"JOIN", "WITH", "ORDER BY", "GROUP BY", "HAVING", "DISTINCT",
	"LIMIT", "OFFSET", "FETCH", "FOR UPDATE", "FOR SHARE", "WINDOW",
	"QUALIFY", "UNION", "INTERSECT", "EXCEPT", "INTO",
	"PREWHERE", "CLUSTER BY", "DISTRIBUTE BY", "SORT BY",
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Result is the outcome of Validate: the parsed projection (nil for "*")
// and the WHERE clause text, if any (unparsed — handed to the accelerator
// or the pushdown-capable connector as-is).
type Result struct {
	Columns []string // nil means "*"
	Where   string   // empty means no WHERE clause
}

// Validate checks refreshSQL against the restricted grammar and, when
// computed-column specs are supplied, expands any ComputedColumnSpec
// dependency missing from an explicit projection list.
func Validate(refreshSQL string, datasetTable string, computed []fedaccel.ComputedColumnSpec) (*Result, error) {
	trimmed := strings.TrimSpace(refreshSQL)
	if trimmed == "" {
		return &Result{}, nil
	}
	trimmed = strings.TrimSuffix(trimmed, ";")

	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") {
		return nil, invalidSQL("refresh_sql must start with SELECT")
	}

	for _, kw := range disallowedKeywords {
		if containsKeyword(upper, kw) {
			return nil, invalidSQL(fmt.Sprintf("refresh_sql may not contain %s", kw))
		}
	}
	if strings.Contains(trimmed, "(SELECT") || strings.Contains(upper, "(SELECT") {
		return nil, invalidSQL("refresh_sql may not contain subqueries")
	}

	fromIdx := findKeyword(upper, "FROM")
	if fromIdx < 0 {
		return nil, invalidSQL("refresh_sql must contain a FROM clause")
	}

	projectionPart := strings.TrimSpace(trimmed[len("SELECT"):fromIdx])
	if projectionPart == "" {
		return nil, invalidSQL("refresh_sql is missing a projection")
	}

	rest := strings.TrimSpace(trimmed[fromIdx+len("FROM"):])
	whereIdx := findKeyword(strings.ToUpper(rest), "WHERE")

	var fromTable, where string
	if whereIdx >= 0 {
		fromTable = strings.TrimSpace(rest[:whereIdx])
		where = strings.TrimSpace(rest[whereIdx+len("WHERE"):])
	} else {
		fromTable = strings.TrimSpace(rest)
	}

	if strings.ContainsAny(fromTable, " ,") {
		return nil, invalidSQL("refresh_sql's FROM clause must reference exactly one table")
	}
	if datasetTable != "" && !tableMatches(fromTable, datasetTable) {
		return nil, invalidSQL(fmt.Sprintf("refresh_sql must select FROM %s, got %s", datasetTable, fromTable))
	}

	result := &Result{Where: where}
	if projectionPart != "*" {
		cols, err := splitProjection(projectionPart)
		if err != nil {
			return nil, err
		}
		result.Columns = expandComputedDependencies(cols, computed)
	}

	return result, nil
}

func splitProjection(projection string) ([]string, error) {
	depth := 0
	var cur strings.Builder
	var cols []string
	for _, r := range projection {
		switch r {
		case '(':
			depth++
			cur.WriteRune(r)
		case ')':
			depth--
			cur.WriteRune(r)
		case ',':
			if depth == 0 {
				cols = append(cols, strings.TrimSpace(cur.String()))
				cur.Reset()
				continue
			}
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		cols = append(cols, strings.TrimSpace(cur.String()))
	}
	for _, c := range cols {
		if strings.Contains(c, "(") {
			return nil, invalidSQL(fmt.Sprintf("refresh_sql projection %q may not call functions", c))
		}
		if !identifierRe.MatchString(c) {
			return nil, invalidSQL(fmt.Sprintf("refresh_sql projection column %q is not a plain column reference", c))
		}
	}
	return cols, nil
}

func stripAlias(col string) string {
	parts := strings.Fields(col)
	return parts[0]
}

func expandComputedDependencies(cols []string, computed []fedaccel.ComputedColumnSpec) []string {
	selected := map[string]bool{}
	for _, c := range cols {
		selected[c] = true
	}
	out := append([]string{}, cols...)
	for _, cc := range computed {
		if !selected[cc.Name] {
			continue
		}
		for _, dep := range cc.DependsOn {
			if !selected[dep] {
				selected[dep] = true
				out = append(out, dep)
			}
		}
	}
	return out
}

func tableMatches(fromTable, datasetTable string) bool {
	norm := func(s string) string { return strings.ToLower(strings.Trim(s, `"`)) }
	a, b := norm(fromTable), norm(datasetTable)
	if a == b {
		return true
	}
	// allow an unqualified reference to the dataset's bare table name
	bParts := strings.Split(b, ".")
	return a == bParts[len(bParts)-1]
}

// containsKeyword reports whether kw occurs in upper as a standalone
// token sequence (not as a substring of a longer identifier).
func containsKeyword(upper, kw string) bool {
	idx := findKeyword(upper, kw)
	return idx >= 0
}

func findKeyword(upper, kw string) int {
	search := upper
	offset := 0
	for {
		i := strings.Index(search, kw)
		if i < 0 {
			return -1
		}
		abs := offset + i
		before := byte(' ')
		if abs > 0 {
			before = upper[abs-1]
		}
		after := byte(' ')
		if abs+len(kw) < len(upper) {
			after = upper[abs+len(kw)]
		}
		if !isIdentChar(before) && !isIdentChar(after) {
			return abs
		}
		search = search[i+len(kw):]
		offset = abs + len(kw)
	}
}

func isIdentChar(b byte) bool {
	return b == '_' || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func invalidSQL(msg string) error {
	return fedaccel.NewSchemaError(fedaccel.ComponentRefresh, fedaccel.CodeRefreshSQLSyntax, msg)
}
