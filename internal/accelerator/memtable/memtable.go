// Package memtable implements the in-memory accelerator engine:
// the reference AcceleratorTableProvider used when Acceleration.Engine is
// EngineArrow. Grounded on in-process EAV row handling
// (internal/entity_manager.go's upsert-by-row-id split) generalized from a
// fixed EAV schema to an arbitrary Arrow schema with a declared composite
// primary key, and on internal/collections.go's Set[T] for PK tracking.
//
// The table is split into a fixed number of independently-locked
// Partitions: writes take every partition's write
// lock for the duration of the operation (serializing writes against each
// other, but never against scans); scans take one partition's read lock
// at a time, for only as long as it takes to stream that partition's rows
// out, so a concurrent Overwrite may leave a scan observing a mix of
// pre-write and post-write partitions ("Full-table atomicity across
// partitions is NOT guaranteed").
package memtable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/lychee-technology/fedaccel"
	"github.com/lychee-technology/fedaccel/internal/util"
)

// DefaultPartitions is used when New is given a non-positive partition
// count.
const DefaultPartitions = 4

// row is one logical record, keyed by column name. Using a map keeps the
// write contract simple to reason about: inserts merge keys,
// deletes evaluate a predicate per row, and scans project + filter before
// re-encoding to Arrow.
type row map[string]any

// partition is one independently-locked sub-vector of rows (glossary:
// "Partition"). Insertion order within a partition is preserved, per
// 's Scan ordering guarantee.
type partition struct {
	mu   sync.RWMutex
	rows []row
}

// pkLoc locates a row by its primary key composite.
type pkLoc struct {
	partition int
	index     int
}

// Table is the reference in-memory accelerator for one dataset.
type Table struct {
	schema     *arrow.Schema
	primaryKey []string
	partitions []*partition

	// pkIndex tracks every live row's location, keyed by the glossary's
	// "primary key composite" string. Mutated only by append/replace/
	// overwrite/delete, each of which already holds every partition's
	// write lock, so pkIndex never needs its own lock.
	pkIndex map[string]pkLoc

	// bucketMu + nextBucket implement round-robin bucketing of incoming
	// rows across partitions ("drain the stream into N round-robin
	// buckets"); guarded separately from the partition locks since the
	// cursor must advance exactly once per incoming row regardless of
	// which partition ends up holding it.
	bucketMu   sync.Mutex
	nextBucket int

	// columnDefaults supplies a fallback value per column name for any
	// incoming row that arrives with that column null; set once via
	// WithColumnDefaults. nil means no defaults are declared.
	columnDefaults map[string]any

	// sortOrder holds zero or more pre-known sort-key column lists (a
	// hint that the table is already sorted that way, e.g. because the
	// source query ordered it before streaming in). Any insert clears
	// it (Delete leaves it in place): once rows are inserted out of order relative to the declared
	// key, the table can no longer promise that ordering until an
	// external sort re-establishes and re-declares it.
	sortOrder [][]string
}

// New constructs an empty Table for the given schema, declared primary key
// columns (nil/empty means no PK enforcement), and partition count
// (non-positive uses DefaultPartitions).
func New(schema *arrow.Schema, primaryKey []string, numPartitions int) *Table {
	if numPartitions <= 0 {
		numPartitions = DefaultPartitions
	}
	parts := make([]*partition, numPartitions)
	for i := range parts {
		parts[i] = &partition{}
	}
	return &Table{
		schema:     schema,
		primaryKey: primaryKey,
		partitions: parts,
		pkIndex:    make(map[string]pkLoc),
	}
}

// WithColumnDefaults declares a fallback value per column name, applied to
// any incoming row whose value for that column is null. Returns t for
// chaining at construction time.
func (t *Table) WithColumnDefaults(defaults map[string]any) *Table {
	t.columnDefaults = defaults
	return t
}

// ColumnDefault reports the declared default for column, if any.
func (t *Table) ColumnDefault(column string) (any, bool) {
	v, ok := t.columnDefaults[column]
	return v, ok
}

// SetSortOrder declares that the table's rows are currently sorted
// according to one of the given column-name key lists (empty clears the
// declaration). Callers are responsible for knowing this is actually true;
// any subsequent insert invalidates it automatically.
func (t *Table) SetSortOrder(order [][]string) {
	t.sortOrder = order
}

// SortOrder returns the currently declared pre-known sort orders, or nil
// if none is declared (e.g. because the last insert invalidated it).
func (t *Table) SortOrder() [][]string {
	return t.sortOrder
}

// invalidateSortOrder implements the rule that inserting removes any
// declared sort order until it is re-declared by the caller. Must be
// called under every partition's write lock, alongside the partitions it
// is associated with.
func (t *Table) invalidateSortOrder() {
	t.sortOrder = nil
}

// Schema returns the accelerator's Arrow schema.
func (t *Table) Schema() *arrow.Schema {
	return t.schema
}

// Constraints returns the declared primary key columns, or nil.
func (t *Table) Constraints() []string {
	return t.primaryKey
}

// PartitionCount reports the number of partitions, used by metrics
//.
func (t *Table) PartitionCount() int {
	return len(t.partitions)
}

// Insert applies batches to the table under the given InsertMode.
// It first drains the entire stream (the common machinery every mode
// shares) and returns the total number of rows consumed from the stream,
// even when a constraint violation later rejects the write.
func (t *Table) Insert(ctx context.Context, batches fedaccel.RecordBatchStream, mode fedaccel.InsertMode) (int64, error) {
	if err := t.checkSchema(batches.Schema()); err != nil {
		return 0, err
	}

	var incoming []row
	for {
		rec, err := batches.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, err
		}
		if rec == nil {
			break
		}
		rs, err := t.recordToRows(rec)
		if err != nil {
			return 0, err
		}
		incoming = append(incoming, rs...)
	}
	consumed := int64(len(incoming))

	switch mode {
	case fedaccel.InsertOverwrite:
		return consumed, t.overwrite(incoming)
	case fedaccel.InsertReplace:
		return consumed, t.replace(incoming)
	case fedaccel.InsertAppend:
		return consumed, t.append(incoming, false)
	default:
		return 0, fmt.Errorf("fedaccel/memtable: unknown insert mode %q", mode)
	}
}

// checkSchema enforces the precondition on the incoming schema: every
// accelerator field must be present in it with the same type, and a field
// the accelerator declares non-nullable may not arrive as nullable.
// Incoming fields the accelerator does not declare are not checked.
func (t *Table) checkSchema(incoming *arrow.Schema) error {
	if incoming == nil {
		return nil
	}
	for i := 0; i < t.schema.NumFields(); i++ {
		want := t.schema.Field(i)
		idx := incoming.FieldIndices(want.Name)
		if len(idx) == 0 {
			return fedaccel.NewSchemaError(fedaccel.ComponentAccelerator, fedaccel.CodeSchemaMismatch,
				"incoming stream is missing column "+want.Name)
		}
		got := incoming.Field(idx[0])
		if !arrow.TypeEqual(want.Type, got.Type) {
			return fedaccel.NewSchemaError(fedaccel.ComponentAccelerator, fedaccel.CodeSchemaMismatch,
				fmt.Sprintf("column %s: expected type %s, got %s", want.Name, want.Type, got.Type))
		}
		if got.Nullable && !want.Nullable {
			return fedaccel.NewSchemaError(fedaccel.ComponentAccelerator, fedaccel.CodeSchemaMismatch,
				"column "+want.Name+" is nullable in the incoming stream but non-nullable in the accelerator")
		}
	}
	return nil
}

// lockAllWrite acquires every partition's write lock, in index order, for
// the duration of a mutating operation ("writes take write locks over
// ALL partitions"). unlockAllWrite releases them in reverse order.
func (t *Table) lockAllWrite() {
	for _, p := range t.partitions {
		p.mu.Lock()
	}
}

func (t *Table) unlockAllWrite() {
	for i := len(t.partitions) - 1; i >= 0; i-- {
		t.partitions[i].mu.Unlock()
	}
}

// validatePK checks the /null-key and within-batch-duplicate rules
// against incoming, returning each row's composite key in order. Read-only:
// never mutates the table, so a caller can validate before taking any
// write lock and leave the table untouched on failure.
func (t *Table) validatePK(incoming []row) ([]string, error) {
	keys := make([]string, len(incoming))
	seen := util.NewSet[string]()
	for i, r := range incoming {
		key, err := pkKey(t.primaryKey, r)
		if err != nil {
			return nil, err
		}
		if seen.Contains(key) {
			return nil, fedaccel.NewConstraintError(fedaccel.CodeDuplicatePrimaryKeyInBatch, "duplicate primary key within insert batch: "+key)
		}
		seen.Add(key)
		keys[i] = key
	}
	return keys, nil
}

// append implements InsertMode=Append: with a declared primary key,
// any collision against already-present data rejects the whole insert
// atomically; without one, rows are simply bucketed in.
func (t *Table) append(incoming []row, withinReplace bool) error {
	if len(t.primaryKey) == 0 {
		t.lockAllWrite()
		defer t.unlockAllWrite()
		t.invalidateSortOrder()
		t.bucketRows(incoming)
		return nil
	}

	keys, err := t.validatePK(incoming)
	if err != nil {
		return err
	}

	t.lockAllWrite()
	defer t.unlockAllWrite()
	t.invalidateSortOrder()

	if !withinReplace {
		for _, key := range keys {
			if _, exists := t.pkIndex[key]; exists {
				return fedaccel.NewConstraintError(fedaccel.CodePrimaryKeyCollision, "primary key already present in accelerator: "+key)
			}
		}
	}

	for i, r := range incoming {
		part, idx := t.bucketOneLocked(r)
		t.pkIndex[keys[i]] = pkLoc{partition: part, index: idx}
	}
	return nil
}

// overwrite implements InsertMode=Overwrite: clears every partition
// then appends incoming as if it were a fresh Append. PK validation runs
// before any partition is cleared so a malformed incoming batch leaves the
// table untouched.
func (t *Table) overwrite(incoming []row) error {
	var keys []string
	if len(t.primaryKey) > 0 {
		var err error
		keys, err = t.validatePK(incoming)
		if err != nil {
			return err
		}
	}

	t.lockAllWrite()
	defer t.unlockAllWrite()
	t.invalidateSortOrder()

	for _, p := range t.partitions {
		p.rows = nil
	}
	t.pkIndex = make(map[string]pkLoc)

	if len(t.primaryKey) == 0 {
		t.bucketRows(incoming)
		return nil
	}
	for i, r := range incoming {
		part, idx := t.bucketOneLocked(r)
		t.pkIndex[keys[i]] = pkLoc{partition: part, index: idx}
	}
	return nil
}

// replace implements InsertMode=Replace: for each existing
// partition, a row-selection bitmap drops any row whose PK is in the
// incoming set; the new rows are then bucketed in. Without a PK, Replace
// behaves exactly as Append.
func (t *Table) replace(incoming []row) error {
	if len(t.primaryKey) == 0 {
		return t.append(incoming, true)
	}

	keys, err := t.validatePK(incoming)
	if err != nil {
		return err
	}
	incomingSet := util.NewSet[string]()
	for _, k := range keys {
		incomingSet.Add(k)
	}

	t.lockAllWrite()
	defer t.unlockAllWrite()
	t.invalidateSortOrder()

	for _, p := range t.partitions {
		kept := make([]row, 0, len(p.rows))
		for _, r := range p.rows {
			key, err := pkKey(t.primaryKey, r)
			if err == nil && incomingSet.Contains(key) {
				continue // row-selection bitmap: drop rows whose PK is replaced
			}
			kept = append(kept, r)
		}
		p.rows = kept
	}
	t.rebuildPKIndexLocked()

	for i, r := range incoming {
		part, idx := t.bucketOneLocked(r)
		t.pkIndex[keys[i]] = pkLoc{partition: part, index: idx}
	}
	return nil
}

// bucketRows appends rs to the table round-robin, with no PK bookkeeping
// (used when no primary key is declared). Caller must hold every
// partition's write lock.
func (t *Table) bucketRows(rs []row) {
	for _, r := range rs {
		t.bucketOneLocked(r)
	}
}

// bucketOneLocked appends one row to the next partition in round-robin
// order and returns where it landed. Caller must hold every partition's
// write lock.
func (t *Table) bucketOneLocked(r row) (partIdx, rowIdx int) {
	t.bucketMu.Lock()
	partIdx = t.nextBucket % len(t.partitions)
	t.nextBucket++
	t.bucketMu.Unlock()

	p := t.partitions[partIdx]
	rowIdx = len(p.rows)
	p.rows = append(p.rows, r)
	return partIdx, rowIdx
}

// rebuildPKIndexLocked recomputes pkIndex from the current partition
// contents. Caller must hold every partition's write lock.
func (t *Table) rebuildPKIndexLocked() {
	t.pkIndex = make(map[string]pkLoc)
	if len(t.primaryKey) == 0 {
		return
	}
	for pi, p := range t.partitions {
		for ri, r := range p.rows {
			key, err := pkKey(t.primaryKey, r)
			if err != nil {
				continue
			}
			t.pkIndex[key] = pkLoc{partition: pi, index: ri}
		}
	}
}

func pkKey(pk []string, r row) (string, error) {
	if len(pk) == 0 {
		return "", nil
	}
	parts := make([]string, len(pk))
	for i, col := range pk {
		v, ok := r[col]
		if !ok || v == nil {
			return "", fedaccel.NewConstraintError(fedaccel.CodeNullPrimaryKey, "primary key column "+col+" is null")
		}
		parts[i] = fmt.Sprintf("%v", v)
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out, nil
}

// Delete removes rows matching predicate from every partition and returns
// the count removed. Nulls are preserved: a row is removed only
// when the predicate evaluates to true, never on error or unknown.
func (t *Table) Delete(ctx context.Context, predicate fedaccel.Predicate) (int64, error) {
	t.lockAllWrite()
	defer t.unlockAllWrite()

	var removed int64
	for _, p := range t.partitions {
		kept := make([]row, 0, len(p.rows))
		for _, r := range p.rows {
			match, err := fedaccel.EvalRow(predicate, r)
			if err != nil {
				return removed, err
			}
			if match {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		p.rows = kept
	}
	t.rebuildPKIndexLocked()
	return removed, nil
}

// Scan returns a stream over rows matching filter, projected to the
// requested columns (nil/empty means all columns), capped at limit
// (<=0 means unlimited). The returned stream yields at most one
// RecordBatch per partition, taking that partition's read lock only for
// the duration of building its batch.
func (t *Table) Scan(ctx context.Context, projection []string, filter fedaccel.Predicate, limit int) (fedaccel.RecordBatchStream, error) {
	schema := t.schema
	if len(projection) > 0 {
		schema = projectSchema(t.schema, projection)
	}
	remaining := limit
	if limit <= 0 {
		remaining = -1
	}
	return &scanStream{table: t, schema: schema, projection: projection, filter: filter, remaining: remaining}, nil
}

// RowCount reports the current number of live rows across all partitions,
// used by metrics.
func (t *Table) RowCount() int64 {
	var n int64
	for _, p := range t.partitions {
		p.mu.RLock()
		n += int64(len(p.rows))
		p.mu.RUnlock()
	}
	return n
}

func projectSchema(schema *arrow.Schema, cols []string) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(cols))
	for _, c := range cols {
		idx := schema.FieldIndices(c)
		if len(idx) == 0 {
			continue
		}
		fields = append(fields, schema.Field(idx[0]))
	}
	return arrow.NewSchema(fields, nil)
}

// scanStream walks partitions in order, materializing one arrow.Record
// per partition that has matching rows.
type scanStream struct {
	table      *Table
	schema     *arrow.Schema
	projection []string
	filter     fedaccel.Predicate
	remaining  int // -1 = unlimited
	nextPart   int
}

func (s *scanStream) Next(ctx context.Context) (arrow.Record, error) {
	for s.nextPart < len(s.table.partitions) {
		part := s.table.partitions[s.nextPart]
		s.nextPart++
		if s.remaining == 0 {
			return nil, io.EOF
		}

		part.mu.RLock()
		matched := make([]row, 0, len(part.rows))
		for _, r := range part.rows {
			ok, err := fedaccel.EvalRow(s.filter, r)
			if err != nil {
				part.mu.RUnlock()
				return nil, err
			}
			if !ok {
				continue
			}
			matched = append(matched, r)
			if s.remaining > 0 && len(matched) >= s.remaining {
				break
			}
		}
		part.mu.RUnlock()

		if len(matched) == 0 {
			continue
		}
		if s.remaining > 0 {
			s.remaining -= len(matched)
		}
		return rowsToRecord(s.schema, matched)
	}
	return nil, io.EOF
}

func (s *scanStream) Schema() *arrow.Schema { return s.schema }

func (s *scanStream) Close() error { return nil }

// recordToRows converts rec into rows, substituting t's declared column
// default (WithColumnDefaults) for any column that arrives null when a
// default is registered for it.
func (t *Table) recordToRows(rec arrow.Record) ([]row, error) {
	schema := rec.Schema()
	rows := make([]row, rec.NumRows())
	for i := range rows {
		rows[i] = make(row, rec.NumCols())
	}
	for c := 0; c < int(rec.NumCols()); c++ {
		name := schema.Field(c).Name
		col := rec.Column(c)
		for i := 0; i < col.Len(); i++ {
			v, err := columnValue(col, i)
			if err != nil {
				return nil, fedaccel.NewSchemaError(fedaccel.ComponentAccelerator, fedaccel.CodeSchemaMismatch,
					fmt.Sprintf("column %s: %v", name, err))
			}
			if v == nil {
				if def, ok := t.columnDefaults[name]; ok {
					v = def
				}
			}
			rows[i][name] = v
		}
	}
	return rows, nil
}

// columnValue extracts one value from col at row i as a plain Go value, or
// returns an error for any Arrow type this accelerator cannot yet
// round-trip. A type it can't extract here it also can't re-encode in
// appendValue, so silently returning nil would turn a real value into a
// null instead of failing the insert.
func columnValue(col arrow.Array, i int) (any, error) {
	if col.IsNull(i) {
		return nil, nil
	}
	switch arr := col.(type) {
	case *array.String:
		return arr.Value(i), nil
	case *array.LargeString:
		return arr.Value(i), nil
	case *array.Int64:
		return arr.Value(i), nil
	case *array.Int32:
		return int64(arr.Value(i)), nil
	case *array.Int16:
		return int64(arr.Value(i)), nil
	case *array.Int8:
		return int64(arr.Value(i)), nil
	case *array.Uint64:
		return arr.Value(i), nil
	case *array.Uint32:
		return uint64(arr.Value(i)), nil
	case *array.Uint16:
		return uint64(arr.Value(i)), nil
	case *array.Uint8:
		return uint64(arr.Value(i)), nil
	case *array.Float64:
		return arr.Value(i), nil
	case *array.Float32:
		return float64(arr.Value(i)), nil
	case *array.Boolean:
		return arr.Value(i), nil
	case *array.Timestamp:
		return arr.Value(i), nil
	case *array.Date32:
		return arr.Value(i), nil
	case *array.Binary:
		return arr.Value(i), nil
	default:
		return nil, fmt.Errorf("fedaccel/memtable: unsupported Arrow column type %T", arr)
	}
}

func rowsToRecord(schema *arrow.Schema, rows []row) (arrow.Record, error) {
	mem := memory.NewGoAllocator()
	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()

	for _, r := range rows {
		for i, field := range schema.Fields() {
			v := r[field.Name]
			if err := appendValue(rb.Field(i), field.Type, v); err != nil {
				return nil, err
			}
		}
	}
	return rb.NewRecord(), nil
}

func appendValue(b array.Builder, t arrow.DataType, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch builder := b.(type) {
	case *array.StringBuilder:
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprintf("%v", v)
		}
		builder.Append(s)
	case *array.Int64Builder:
		switch n := v.(type) {
		case int64:
			builder.Append(n)
		case int:
			builder.Append(int64(n))
		default:
			return fmt.Errorf("fedaccel/memtable: expected int64 for %s, got %T", t, v)
		}
	case *array.Float64Builder:
		switch n := v.(type) {
		case float64:
			builder.Append(n)
		case float32:
			builder.Append(float64(n))
		default:
			return fmt.Errorf("fedaccel/memtable: expected float64 for %s, got %T", t, v)
		}
	case *array.BooleanBuilder:
		bv, ok := v.(bool)
		if !ok {
			return fmt.Errorf("fedaccel/memtable: expected bool for %s, got %T", t, v)
		}
		builder.Append(bv)
	case *array.TimestampBuilder:
		ts, ok := v.(arrow.Timestamp)
		if !ok {
			return fmt.Errorf("fedaccel/memtable: expected arrow.Timestamp for %s, got %T", t, v)
		}
		builder.Append(ts)
	case *array.Int32Builder:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("fedaccel/memtable: expected int64 for %s, got %T", t, v)
		}
		builder.Append(int32(n))
	case *array.Int16Builder:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("fedaccel/memtable: expected int64 for %s, got %T", t, v)
		}
		builder.Append(int16(n))
	case *array.Int8Builder:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("fedaccel/memtable: expected int64 for %s, got %T", t, v)
		}
		builder.Append(int8(n))
	case *array.Uint64Builder:
		n, ok := v.(uint64)
		if !ok {
			return fmt.Errorf("fedaccel/memtable: expected uint64 for %s, got %T", t, v)
		}
		builder.Append(n)
	case *array.Uint32Builder:
		n, ok := v.(uint64)
		if !ok {
			return fmt.Errorf("fedaccel/memtable: expected uint64 for %s, got %T", t, v)
		}
		builder.Append(uint32(n))
	case *array.Uint16Builder:
		n, ok := v.(uint64)
		if !ok {
			return fmt.Errorf("fedaccel/memtable: expected uint64 for %s, got %T", t, v)
		}
		builder.Append(uint16(n))
	case *array.Uint8Builder:
		n, ok := v.(uint64)
		if !ok {
			return fmt.Errorf("fedaccel/memtable: expected uint64 for %s, got %T", t, v)
		}
		builder.Append(uint8(n))
	case *array.Date32Builder:
		d, ok := v.(arrow.Date32)
		if !ok {
			return fmt.Errorf("fedaccel/memtable: expected arrow.Date32 for %s, got %T", t, v)
		}
		builder.Append(d)
	case *array.BinaryBuilder:
		switch bv := v.(type) {
		case []byte:
			builder.Append(bv)
		case string:
			builder.Append([]byte(bv))
		default:
			return fmt.Errorf("fedaccel/memtable: expected []byte for %s, got %T", t, v)
		}
	case *array.LargeStringBuilder:
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprintf("%v", v)
		}
		builder.Append(s)
	default:
		return fmt.Errorf("fedaccel/memtable: unsupported builder type %T", b)
	}
	return nil
}
