package memtable

import (
	"context"
	"io"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lychee-technology/fedaccel"
)

func ordersSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String},
		{Name: "amount", Type: arrow.PrimitiveTypes.Float64},
		{Name: "updated_at", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
}

func stringPKSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "primary_key", Type: arrow.BinaryTypes.String},
		{Name: "value", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
}

// sliceStream feeds a fixed list of records then io.EOF, used to drive
// Insert in tests without a real connector.
type sliceStream struct {
	schema *arrow.Schema
	recs   []arrow.Record
	i      int
}

func newSliceStream(schema *arrow.Schema, recs ...arrow.Record) *sliceStream {
	return &sliceStream{schema: schema, recs: recs}
}

func (s *sliceStream) Next(ctx context.Context) (arrow.Record, error) {
	if s.i >= len(s.recs) {
		return nil, io.EOF
	}
	r := s.recs[s.i]
	s.i++
	return r, nil
}

func (s *sliceStream) Schema() *arrow.Schema { return s.schema }
func (s *sliceStream) Close() error          { return nil }

func buildRecord(t *testing.T, schema *arrow.Schema, ids []string, amounts []float64, updated []int64) arrow.Record {
	t.Helper()
	mem := memory.NewGoAllocator()
	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()
	rb.Field(0).(*array.StringBuilder).AppendValues(ids, nil)
	rb.Field(1).(*array.Float64Builder).AppendValues(amounts, nil)
	rb.Field(2).(*array.Int64Builder).AppendValues(updated, nil)
	return rb.NewRecord()
}

func buildKVRecord(t *testing.T, schema *arrow.Schema, keys, values []string) arrow.Record {
	t.Helper()
	mem := memory.NewGoAllocator()
	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()
	rb.Field(0).(*array.StringBuilder).AppendValues(keys, nil)
	rb.Field(1).(*array.StringBuilder).AppendValues(values, nil)
	return rb.NewRecord()
}

// drainAll collects every row of every record the stream yields, as
// (column -> value) maps, in the stream's own ordering.
func drainAll(t *testing.T, stream fedaccel.RecordBatchStream) []map[string]string {
	t.Helper()
	var out []map[string]string
	for {
		rec, err := stream.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		schema := rec.Schema()
		for r := 0; r < int(rec.NumRows()); r++ {
			row := map[string]string{}
			for c := 0; c < int(rec.NumCols()); c++ {
				col := rec.Column(c)
				if col.IsNull(r) {
					continue
				}
				row[schema.Field(c).Name] = col.(*array.String).Value(r)
			}
			out = append(out, row)
		}
	}
	return out
}

func TestInsert_AppendWithoutPrimaryKey(t *testing.T) {
	schema := ordersSchema()
	tbl := New(schema, nil, 4)
	rec := buildRecord(t, schema, []string{"a", "b"}, []float64{1, 2}, []int64{100, 200})
	n, err := tbl.Insert(context.Background(), newSliceStream(schema, rec), fedaccel.InsertAppend)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(2), tbl.RowCount())
}

// TestInsert_AppendWithoutPrimaryKey_OnePartition mirrors spec seed test 1:
// a single partition, Append of the same three rows the table already
// holds returns 3 and Scan yields all six rows in insertion order.
func TestInsert_AppendWithoutPrimaryKey_OnePartition(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{{Name: "pk", Type: arrow.BinaryTypes.String}}, nil)
	tbl := New(schema, nil, 1)

	seed := func() arrow.Record {
		mem := memory.NewGoAllocator()
		rb := array.NewRecordBuilder(mem, schema)
		defer rb.Release()
		rb.Field(0).(*array.StringBuilder).AppendValues(
			[]string{"1970-01-01", "2012-12-01T11:11:11Z", "2012-12-01T11:11:12Z"}, nil)
		return rb.NewRecord()
	}

	_, err := tbl.Insert(context.Background(), newSliceStream(schema, seed()), fedaccel.InsertAppend)
	require.NoError(t, err)

	n, err := tbl.Insert(context.Background(), newSliceStream(schema, seed()), fedaccel.InsertAppend)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, int64(6), tbl.RowCount())

	stream, err := tbl.Scan(context.Background(), nil, nil, 0)
	require.NoError(t, err)
	rec, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6), rec.NumRows())
	col := rec.Column(0).(*array.String)
	want := []string{
		"1970-01-01", "2012-12-01T11:11:11Z", "2012-12-01T11:11:12Z",
		"1970-01-01", "2012-12-01T11:11:11Z", "2012-12-01T11:11:12Z",
	}
	for i, w := range want {
		assert.Equal(t, w, col.Value(i))
	}
	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestInsert_AppendPrimaryKeyCollisionFails(t *testing.T) {
	schema := ordersSchema()
	tbl := New(schema, []string{"id"}, 4)
	first := buildRecord(t, schema, []string{"a"}, []float64{1}, []int64{100})
	_, err := tbl.Insert(context.Background(), newSliceStream(schema, first), fedaccel.InsertAppend)
	require.NoError(t, err)

	dup := buildRecord(t, schema, []string{"a"}, []float64{2}, []int64{200})
	_, err = tbl.Insert(context.Background(), newSliceStream(schema, dup), fedaccel.InsertAppend)
	require.Error(t, err)
	var fe *fedaccel.FedError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fedaccel.CodePrimaryKeyCollision, fe.Code)
	assert.Equal(t, int64(1), tbl.RowCount())
}

// TestInsert_ReplaceWithPrimaryKey mirrors spec seed test 3.
func TestInsert_ReplaceWithPrimaryKey(t *testing.T) {
	schema := stringPKSchema()
	tbl := New(schema, []string{"primary_key"}, 4)
	seed := buildKVRecord(t, schema,
		[]string{"1970-01-01", "2012-12-01T11:11:11Z", "2012-12-01T11:11:12Z"},
		[]string{"a", "b", "c"})
	_, err := tbl.Insert(context.Background(), newSliceStream(schema, seed), fedaccel.InsertAppend)
	require.NoError(t, err)

	replacement := buildKVRecord(t, schema, []string{"2012-12-01T11:11:11Z"}, []string{"y"})
	n, err := tbl.Insert(context.Background(), newSliceStream(schema, replacement), fedaccel.InsertReplace)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(3), tbl.RowCount())

	stream, err := tbl.Scan(context.Background(), nil, nil, 0)
	require.NoError(t, err)
	rows := drainAll(t, stream)
	got := map[string]string{}
	for _, r := range rows {
		got[r["primary_key"]] = r["value"]
	}
	assert.Equal(t, map[string]string{
		"1970-01-01":            "a",
		"2012-12-01T11:11:11Z": "y",
		"2012-12-01T11:11:12Z": "c",
	}, got)
}

// TestInsert_OverwriteWithPrimaryKey mirrors spec seed test 4.
func TestInsert_OverwriteWithPrimaryKey(t *testing.T) {
	schema := stringPKSchema()
	tbl := New(schema, []string{"primary_key"}, 4)
	seed := buildKVRecord(t, schema,
		[]string{"1970-01-01", "2012-12-01T11:11:11Z", "2012-12-01T11:11:12Z"},
		[]string{"a", "b", "c"})
	_, err := tbl.Insert(context.Background(), newSliceStream(schema, seed), fedaccel.InsertAppend)
	require.NoError(t, err)

	next := buildKVRecord(t, schema,
		[]string{"1970-01-01", "2012-12-01T11:11:21Z", "2012-12-01T11:11:22Z"},
		[]string{"x", "y", "z"})
	n, err := tbl.Insert(context.Background(), newSliceStream(schema, next), fedaccel.InsertOverwrite)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, int64(3), tbl.RowCount())

	stream, err := tbl.Scan(context.Background(), nil, nil, 0)
	require.NoError(t, err)
	rows := drainAll(t, stream)
	got := map[string]string{}
	for _, r := range rows {
		got[r["primary_key"]] = r["value"]
	}
	assert.Equal(t, map[string]string{
		"1970-01-01":            "x",
		"2012-12-01T11:11:21Z": "y",
		"2012-12-01T11:11:22Z": "z",
	}, got)
}

func TestInsert_OverwriteReplacesEntireTable(t *testing.T) {
	schema := ordersSchema()
	tbl := New(schema, []string{"id"}, 4)
	first := buildRecord(t, schema, []string{"a", "b"}, []float64{1, 2}, []int64{100, 200})
	_, err := tbl.Insert(context.Background(), newSliceStream(schema, first), fedaccel.InsertAppend)
	require.NoError(t, err)

	second := buildRecord(t, schema, []string{"c"}, []float64{3}, []int64{300})
	n, err := tbl.Insert(context.Background(), newSliceStream(schema, second), fedaccel.InsertOverwrite)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), tbl.RowCount())
}

func TestInsert_NullPrimaryKeyFailsBatch(t *testing.T) {
	schema := ordersSchema()
	tbl := New(schema, []string{"id"}, 4)

	mem := memory.NewGoAllocator()
	rb := array.NewRecordBuilder(mem, schema)
	rb.Field(0).(*array.StringBuilder).AppendNull()
	rb.Field(1).(*array.Float64Builder).Append(1)
	rb.Field(2).(*array.Int64Builder).Append(100)
	rec := rb.NewRecord()
	rb.Release()

	_, err := tbl.Insert(context.Background(), newSliceStream(schema, rec), fedaccel.InsertAppend)
	require.Error(t, err)
	var fe *fedaccel.FedError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fedaccel.CodeNullPrimaryKey, fe.Code)
	assert.Equal(t, int64(0), tbl.RowCount())
}

func TestInsert_DuplicatePrimaryKeyWithinBatchLeavesTableUnchanged(t *testing.T) {
	schema := ordersSchema()
	tbl := New(schema, []string{"id"}, 4)
	rec := buildRecord(t, schema, []string{"a", "a"}, []float64{1, 2}, []int64{100, 200})

	_, err := tbl.Insert(context.Background(), newSliceStream(schema, rec), fedaccel.InsertAppend)
	require.Error(t, err)
	var fe *fedaccel.FedError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fedaccel.CodeDuplicatePrimaryKeyInBatch, fe.Code)
	assert.Equal(t, int64(0), tbl.RowCount())
}

// TestInsert_RoundRobinSpreadsAcrossPartitions verifies the PK index
// tracks locations correctly even when rows land in different partitions.
func TestInsert_RoundRobinSpreadsAcrossPartitions(t *testing.T) {
	schema := ordersSchema()
	tbl := New(schema, []string{"id"}, 3)
	rec := buildRecord(t, schema, []string{"a", "b", "c", "d", "e"}, []float64{1, 2, 3, 4, 5}, []int64{1, 2, 3, 4, 5})
	n, err := tbl.Insert(context.Background(), newSliceStream(schema, rec), fedaccel.InsertAppend)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, int64(5), tbl.RowCount())
	assert.Equal(t, 3, tbl.PartitionCount())

	dup := buildRecord(t, schema, []string{"c"}, []float64{99}, []int64{99})
	_, err = tbl.Insert(context.Background(), newSliceStream(schema, dup), fedaccel.InsertAppend)
	require.Error(t, err)
	assert.Equal(t, int64(5), tbl.RowCount())
}

func TestDelete_ByTimePredicate(t *testing.T) {
	schema := ordersSchema()
	tbl := New(schema, nil, 4)
	rec := buildRecord(t, schema, []string{"a", "b", "c"}, []float64{1, 2, 3}, []int64{100, 200, 300})
	_, err := tbl.Insert(context.Background(), newSliceStream(schema, rec), fedaccel.InsertAppend)
	require.NoError(t, err)

	removed, err := tbl.Delete(context.Background(), fedaccel.Lt("updated_at", int64(250)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	assert.Equal(t, int64(1), tbl.RowCount())
}

func TestScan_ProjectionAndLimit(t *testing.T) {
	schema := ordersSchema()
	tbl := New(schema, nil, 1)
	rec := buildRecord(t, schema, []string{"a", "b", "c"}, []float64{1, 2, 3}, []int64{100, 200, 300})
	_, err := tbl.Insert(context.Background(), newSliceStream(schema, rec), fedaccel.InsertAppend)
	require.NoError(t, err)

	stream, err := tbl.Scan(context.Background(), []string{"id"}, nil, 2)
	require.NoError(t, err)
	out, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.NumRows())
	assert.Equal(t, 1, int(out.NumCols()))
}

func TestScan_LimitAppliesAcrossPartitions(t *testing.T) {
	schema := ordersSchema()
	tbl := New(schema, nil, 3)
	rec := buildRecord(t, schema, []string{"a", "b", "c", "d", "e", "f"},
		[]float64{1, 2, 3, 4, 5, 6}, []int64{1, 2, 3, 4, 5, 6})
	_, err := tbl.Insert(context.Background(), newSliceStream(schema, rec), fedaccel.InsertAppend)
	require.NoError(t, err)

	stream, err := tbl.Scan(context.Background(), nil, nil, 4)
	require.NoError(t, err)
	var total int64
	for {
		rec, err := stream.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		total += rec.NumRows()
	}
	assert.Equal(t, int64(4), total)
}

func TestInsert_SchemaMismatchRejected(t *testing.T) {
	schema := ordersSchema()
	tbl := New(schema, nil, 2)

	badSchema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String},
	}, nil)
	mem := memory.NewGoAllocator()
	rb := array.NewRecordBuilder(mem, badSchema)
	rb.Field(0).(*array.StringBuilder).Append("a")
	rec := rb.NewRecord()
	rb.Release()

	_, err := tbl.Insert(context.Background(), newSliceStream(badSchema, rec), fedaccel.InsertAppend)
	require.Error(t, err)
	var fe *fedaccel.FedError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fedaccel.CodeSchemaMismatch, fe.Code)
}

func TestConstraints_ReturnsDeclaredPrimaryKey(t *testing.T) {
	schema := ordersSchema()
	tbl := New(schema, []string{"id"}, 2)
	assert.Equal(t, []string{"id"}, tbl.Constraints())

	noKey := New(schema, nil, 2)
	assert.Nil(t, noKey.Constraints())
}

func TestColumnDefaults_FillNullColumns(t *testing.T) {
	schema := stringPKSchema()
	tbl := New(schema, []string{"primary_key"}, 2).WithColumnDefaults(map[string]any{"value": "unset"})

	mem := memory.NewGoAllocator()
	rb := array.NewRecordBuilder(mem, schema)
	rb.Field(0).(*array.StringBuilder).Append("k1")
	rb.Field(1).(*array.StringBuilder).AppendNull()
	rec := rb.NewRecord()
	rb.Release()

	_, err := tbl.Insert(context.Background(), newSliceStream(schema, rec), fedaccel.InsertAppend)
	require.NoError(t, err)

	stream, err := tbl.Scan(context.Background(), nil, nil, 0)
	require.NoError(t, err)
	rows := drainAll(t, stream)
	require.Len(t, rows, 1)
	assert.Equal(t, "unset", rows[0]["value"])

	def, ok := tbl.ColumnDefault("value")
	assert.True(t, ok)
	assert.Equal(t, "unset", def)
}

func TestSortOrder_DeclaredThenInvalidatedByInsert(t *testing.T) {
	schema := ordersSchema()
	tbl := New(schema, nil, 2)
	tbl.SetSortOrder([][]string{{"updated_at"}})
	assert.Equal(t, [][]string{{"updated_at"}}, tbl.SortOrder())

	rec := buildRecord(t, schema, []string{"a"}, []float64{1}, []int64{100})
	_, err := tbl.Insert(context.Background(), newSliceStream(schema, rec), fedaccel.InsertAppend)
	require.NoError(t, err)

	assert.Nil(t, tbl.SortOrder())
}

func TestColumnValue_UnsupportedArrowTypeErrors(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "tags", Type: arrow.ListOf(arrow.BinaryTypes.String)},
	}, nil)
	tbl := New(schema, nil, 1)

	mem := memory.NewGoAllocator()
	rb := array.NewRecordBuilder(mem, schema)
	lb := rb.Field(0).(*array.ListBuilder)
	lb.Append(true)
	lb.ValueBuilder().(*array.StringBuilder).Append("x")
	rec := rb.NewRecord()
	rb.Release()

	_, err := tbl.Insert(context.Background(), newSliceStream(schema, rec), fedaccel.InsertAppend)
	require.Error(t, err)
	var fe *fedaccel.FedError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fedaccel.CodeSchemaMismatch, fe.Code)
}
