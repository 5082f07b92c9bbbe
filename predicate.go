package fedaccel

import (
	"fmt"
	"time"
)

// Logic is the boolean combinator for a CompositeCondition, carried over
// from condition tree (condition.go: LogicAnd/LogicOr)
// unchanged in shape, generalized from an EAV row-id set operation to a
// plain in-memory row predicate.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Op enumerates the comparison operators a KvCondition leaf may use,
// mirroring the operator vocabulary condition.go's parseValueAndOp
// recognized (equals/gt/gte/lt/lte/not_equals/starts_with/contains).
type Op string

const (
	OpEquals     Op = "equals"
	OpNotEquals  Op = "not_equals"
	OpGreater    Op = "gt"
	OpGreaterEq  Op = "gte"
	OpLess       Op = "lt"
	OpLessEq     Op = "lte"
	OpStartsWith Op = "starts_with"
	OpContains   Op = "contains"
)

// CompositeCondition combines child predicates under AND/OR, evaluated
// against MemTable rows and rendered into SQL by internal/sqlrender for
// the Postgres and DuckDB pushdown paths.
type CompositeCondition struct {
	Logic      Logic
	Conditions []Predicate
}

func (c *CompositeCondition) IsLeaf() bool { return false }

// KvCondition is a leaf predicate: Column Op Value.
type KvCondition struct {
	Column string
	Op     Op
	Value  any
}

func (kv *KvCondition) IsLeaf() bool { return true }

// RawSQLPredicate carries a raw SQL boolean expression — a refresh-SQL
// WHERE clause — for connectors that push
// predicates down as SQL text rather than evaluating the Predicate tree
// themselves. The in-memory accelerator does not accept this leaf; it
// is meant for SourceTableProvider.Scan implementations backed by a real
// query engine (DuckDB, Postgres).
type RawSQLPredicate struct {
	SQL string
}

func (r *RawSQLPredicate) IsLeaf() bool { return true }

// And returns a CompositeCondition combining preds with AND, flattening
// away nil entries.
func And(preds ...Predicate) Predicate {
	return composite(LogicAnd, preds)
}

// Or returns a CompositeCondition combining preds with OR, flattening
// away nil entries.
func Or(preds ...Predicate) Predicate {
	return composite(LogicOr, preds)
}

func composite(logic Logic, preds []Predicate) Predicate {
	var kept []Predicate
	for _, p := range preds {
		if p != nil {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return &CompositeCondition{Logic: logic, Conditions: kept}
}

// Eq, Gt, Gte, Lt, Lte, NotEq, StartsWith, Contains build leaf predicates.
func Eq(column string, value any) Predicate         { return &KvCondition{Column: column, Op: OpEquals, Value: value} }
func NotEq(column string, value any) Predicate      { return &KvCondition{Column: column, Op: OpNotEquals, Value: value} }
func Gt(column string, value any) Predicate         { return &KvCondition{Column: column, Op: OpGreater, Value: value} }
func Gte(column string, value any) Predicate        { return &KvCondition{Column: column, Op: OpGreaterEq, Value: value} }
func Lt(column string, value any) Predicate         { return &KvCondition{Column: column, Op: OpLess, Value: value} }
func Lte(column string, value any) Predicate        { return &KvCondition{Column: column, Op: OpLessEq, Value: value} }
func StartsWith(column string, value string) Predicate { return &KvCondition{Column: column, Op: OpStartsWith, Value: value} }
func Contains(column string, value string) Predicate   { return &KvCondition{Column: column, Op: OpContains, Value: value} }

// EvalRow reports whether the row (column name -> value) satisfies p.
// Used by MemTable.Delete and by Scan's filter pass. Type comparisons
// fall back to fmt.Sprintf equality for mixed numeric/string inputs, the
// same pragmatic fallback condition.go's tryParseNumber used to bridge
// string-encoded filter values against typed columns.
func EvalRow(p Predicate, row map[string]any) (bool, error) {
	if p == nil {
		return true, nil
	}
	switch c := p.(type) {
	case *CompositeCondition:
		return evalComposite(c, row)
	case *KvCondition:
		return evalLeaf(c, row)
	default:
		return false, fmt.Errorf("fedaccel: unknown predicate type %T", p)
	}
}

func evalComposite(c *CompositeCondition, row map[string]any) (bool, error) {
	switch c.Logic {
	case LogicAnd:
		for _, child := range c.Conditions {
			ok, err := EvalRow(child, row)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case LogicOr:
		for _, child := range c.Conditions {
			ok, err := EvalRow(child, row)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("fedaccel: unknown logic %q", c.Logic)
	}
}

func evalLeaf(kv *KvCondition, row map[string]any) (bool, error) {
	actual, present := row[kv.Column]
	if !present {
		return false, nil
	}
	if actual == nil {
		return false, nil // a comparison against a null value is never true
	}
	switch kv.Op {
	case OpEquals:
		return compareEqual(actual, kv.Value), nil
	case OpNotEquals:
		return !compareEqual(actual, kv.Value), nil
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		return compareOrdered(kv.Op, actual, kv.Value)
	case OpStartsWith:
		s, ok := actual.(string)
		prefix, ok2 := kv.Value.(string)
		return ok && ok2 && len(s) >= len(prefix) && s[:len(prefix)] == prefix, nil
	case OpContains:
		s, ok := actual.(string)
		sub, ok2 := kv.Value.(string)
		return ok && ok2 && containsSubstring(s, sub), nil
	default:
		return false, fmt.Errorf("fedaccel: unsupported operator %q", kv.Op)
	}
}

func compareEqual(a, b any) bool {
	if a == b {
		return true
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareOrdered(op Op, a, b any) (bool, error) {
	var af, bf float64
	var ok bool
	if at, bt, tok := toTimeNanos(a, b); tok {
		af, bf, ok = float64(at), float64(bt), true
	} else {
		var aok, bok bool
		af, aok = toFloat(a)
		bf, bok = toFloat(b)
		ok = aok && bok
	}
	if !ok {
		return false, fmt.Errorf("fedaccel: operator %q requires comparable operands, got %T and %T", op, a, b)
	}
	switch op {
	case OpGreater:
		return af > bf, nil
	case OpGreaterEq:
		return af >= bf, nil
	case OpLess:
		return af < bf, nil
	case OpLessEq:
		return af <= bf, nil
	}
	return false, fmt.Errorf("fedaccel: unreachable operator %q", op)
}

// toTimeNanos converts a row value and a comparison value to Unix
// nanoseconds when both sides are a time.Time (such as the retention
// enforcer's cutoff) or a string in RFC3339 or "2006-01-02" form (a
// formatted time-column value), so Lt/Gt compare such values as instants.
// Any other pairing is left to the numeric comparison.
func toTimeNanos(a, b any) (int64, int64, bool) {
	at, aok := toTime(a)
	bt, bok := toTime(b)
	if !aok || !bok {
		return 0, 0, false
	}
	return at.UnixNano(), bt.UnixNano(), true
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse("2006-01-02", t); err == nil {
			return parsed, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func containsSubstring(s, sub string) bool {
	if len(sub) == 0 {
		return true
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
