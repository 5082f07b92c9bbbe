package refresh

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/lychee-technology/fedaccel"
)

// splitChangeEnvelope partitions a Changes-mode batch into three sub-batches
// by its RowKind discriminator column: insert rows, update rows,
// and delete rows, each with the discriminator column itself dropped. A nil
// return for any of the three means no row of that kind was present.
func splitChangeEnvelope(rec arrow.Record, rowKindColumn string) (inserts, updates, deletes arrow.Record, err error) {
	idx := rec.Schema().FieldIndices(rowKindColumn)
	if len(idx) == 0 {
		return nil, nil, nil, fmt.Errorf("fedaccel/refresh: change envelope is missing row kind column %q", rowKindColumn)
	}
	kindCol := rec.Column(idx[0])

	var insertIdx, updateIdx, deleteIdx []int
	for i := 0; i < int(rec.NumRows()); i++ {
		kind, kerr := rowKindAt(kindCol, i)
		if kerr != nil {
			return nil, nil, nil, kerr
		}
		switch kind {
		case fedaccel.RowKindInsert:
			insertIdx = append(insertIdx, i)
		case fedaccel.RowKindUpdate:
			updateIdx = append(updateIdx, i)
		case fedaccel.RowKindDelete:
			deleteIdx = append(deleteIdx, i)
		default:
			return nil, nil, nil, fmt.Errorf("fedaccel/refresh: unknown row kind %d at row %d", kind, i)
		}
	}

	dataSchema := dropColumn(rec.Schema(), rowKindColumn)
	if inserts, err = takeRows(rec, dataSchema, insertIdx); err != nil {
		return nil, nil, nil, err
	}
	if updates, err = takeRows(rec, dataSchema, updateIdx); err != nil {
		return nil, nil, nil, err
	}
	if deletes, err = takeRows(rec, dataSchema, deleteIdx); err != nil {
		return nil, nil, nil, err
	}
	return inserts, updates, deletes, nil
}

// rowKindAt reads the discriminator at row i, accepting either an integer
// encoding (matching RowKind's own int8 representation, widened to whatever
// integer width the source connector happened to use) or a lowercase string
// encoding ("insert"/"update"/"delete"), since a connector emitting a
// changes stream over the wire has no reason to share RowKind's Go type.
func rowKindAt(col arrow.Array, i int) (fedaccel.RowKind, error) {
	if col.IsNull(i) {
		return 0, fmt.Errorf("fedaccel/refresh: row kind column is null at row %d", i)
	}
	switch arr := col.(type) {
	case *array.Int8:
		return fedaccel.RowKind(arr.Value(i)), nil
	case *array.Int16:
		return fedaccel.RowKind(arr.Value(i)), nil
	case *array.Int32:
		return fedaccel.RowKind(arr.Value(i)), nil
	case *array.Int64:
		return fedaccel.RowKind(arr.Value(i)), nil
	case *array.String:
		switch arr.Value(i) {
		case "insert":
			return fedaccel.RowKindInsert, nil
		case "update":
			return fedaccel.RowKindUpdate, nil
		case "delete":
			return fedaccel.RowKindDelete, nil
		default:
			return 0, fmt.Errorf("fedaccel/refresh: unrecognized row kind value %q", arr.Value(i))
		}
	default:
		return 0, fmt.Errorf("fedaccel/refresh: unsupported row kind column type %T", col)
	}
}

func dropColumn(schema *arrow.Schema, name string) *arrow.Schema {
	fields := make([]arrow.Field, 0, schema.NumFields())
	for _, f := range schema.Fields() {
		if f.Name == name {
			continue
		}
		fields = append(fields, f)
	}
	return arrow.NewSchema(fields, nil)
}

// takeRows builds a new record over schema by copying rows (row indices
// into rec) out of rec's matching-named columns. Returns nil, not an empty
// record, when rows is empty, so callers can treat "no row of this kind" as
// "skip this write entirely" rather than issuing a pointless empty Insert.
func takeRows(rec arrow.Record, schema *arrow.Schema, rows []int) (arrow.Record, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	mem := memory.NewGoAllocator()
	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()

	for fi, field := range schema.Fields() {
		srcIdx := rec.Schema().FieldIndices(field.Name)
		if len(srcIdx) == 0 {
			return nil, fmt.Errorf("fedaccel/refresh: change envelope is missing column %q", field.Name)
		}
		col := rec.Column(srcIdx[0])
		for _, r := range rows {
			if err := appendArrowValue(rb.Field(fi), field.Type, col, r); err != nil {
				return nil, err
			}
		}
	}
	return rb.NewRecord(), nil
}

func appendArrowValue(b array.Builder, t arrow.DataType, col arrow.Array, i int) error {
	if col.IsNull(i) {
		b.AppendNull()
		return nil
	}
	switch builder := b.(type) {
	case *array.StringBuilder:
		builder.Append(col.(*array.String).Value(i))
	case *array.Int64Builder:
		builder.Append(col.(*array.Int64).Value(i))
	case *array.Int32Builder:
		builder.Append(col.(*array.Int32).Value(i))
	case *array.Float64Builder:
		builder.Append(col.(*array.Float64).Value(i))
	case *array.Float32Builder:
		builder.Append(col.(*array.Float32).Value(i))
	case *array.BooleanBuilder:
		builder.Append(col.(*array.Boolean).Value(i))
	case *array.TimestampBuilder:
		builder.Append(col.(*array.Timestamp).Value(i))
	default:
		return fmt.Errorf("fedaccel/refresh: unsupported builder type %T for column type %s", b, t)
	}
	return nil
}

// buildDeletePredicate ORs together one AND-of-equalities per delete row,
// matching Accelerator.Delete's contract of a single Predicate tree
// rather than a batch of keys.
func buildDeletePredicate(rec arrow.Record, pk []string) (fedaccel.Predicate, error) {
	if len(pk) == 0 {
		return nil, fmt.Errorf("fedaccel/refresh: changes delete rows require a declared primary key")
	}
	schema := rec.Schema()
	cols := make([]arrow.Array, len(pk))
	for i, col := range pk {
		idx := schema.FieldIndices(col)
		if len(idx) == 0 {
			return nil, fmt.Errorf("fedaccel/refresh: delete row batch is missing primary key column %q", col)
		}
		cols[i] = rec.Column(idx[0])
	}

	rowPreds := make([]fedaccel.Predicate, rec.NumRows())
	for r := 0; r < int(rec.NumRows()); r++ {
		leaves := make([]fedaccel.Predicate, len(pk))
		for c, col := range pk {
			v, err := arrowScalarAt(cols[c], r)
			if err != nil {
				return nil, err
			}
			leaves[c] = fedaccel.Eq(col, v)
		}
		rowPreds[r] = fedaccel.And(leaves...)
	}
	return fedaccel.Or(rowPreds...), nil
}

func arrowScalarAt(col arrow.Array, i int) (any, error) {
	if col.IsNull(i) {
		return nil, fmt.Errorf("fedaccel/refresh: primary key column is null in delete row")
	}
	switch arr := col.(type) {
	case *array.String:
		return arr.Value(i), nil
	case *array.Int64:
		return arr.Value(i), nil
	case *array.Int32:
		return int64(arr.Value(i)), nil
	case *array.Float64:
		return arr.Value(i), nil
	case *array.Boolean:
		return arr.Value(i), nil
	case *array.Timestamp:
		return arr.Value(i), nil
	default:
		return nil, fmt.Errorf("fedaccel/refresh: unsupported primary key column type %T", col)
	}
}
