// Package duckdbacc implements the EngineDuckDB accelerator: a local table
// backed by an embedded DuckDB database (in-memory or file-backed per
// Acceleration.Params["path"]). Grounded on DuckDBClient
// (internal/duckdb_conn.go) for connection setup, extension loading, and
// S3 PRAGMA configuration, and on MapValueTypeToDuckDBType/ToDuckDBParam
// (internal/duckdb_type_mapper.go) for the Arrow<->DuckDB type mapping,
// generalized from forma.ValueType to arrow.DataType.
package duckdbacc

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/lychee-technology/fedaccel"
	"github.com/lychee-technology/fedaccel/internal/sqlrender"
)

// Factory builds Table accelerators, registered under fedaccel.EngineDuckDB.
// One *sql.DB backs every dataset registered against the same "path" param
// (":memory:" when absent), matching DuckDBClient's single-process,
// typically-single-connection usage pattern.
type Factory struct {
	logger *zap.Logger
	dbs    map[string]*sql.DB
}

// NewFactory returns the EngineDuckDB accelerator factory.
func NewFactory(logger *zap.Logger) *Factory {
	return &Factory{logger: logger, dbs: make(map[string]*sql.DB)}
}

func (*Factory) Engine() fedaccel.Engine { return fedaccel.EngineDuckDB }

func (f *Factory) Build(ctx context.Context, dataset string, schema *arrow.Schema, primaryKey []string, params map[string]string) (fedaccel.Accelerator, error) {
	path := params["path"]
	db, err := f.openDB(ctx, path, params)
	if err != nil {
		return nil, fedaccel.NewConnectivityError(fedaccel.ComponentAccelerator, fedaccel.CodeSourceUnreachable, err.Error()).WithDataset(dataset).WithCause(err)
	}

	table := &Table{
		db:         db,
		tableName:  sanitizeTableName(dataset),
		schema:     schema,
		primaryKey: primaryKey,
		logger:     f.logger,
	}
	if err := table.createTable(ctx); err != nil {
		return nil, fedaccel.NewSchemaError(fedaccel.ComponentAccelerator, fedaccel.CodeSchemaMismatch, err.Error()).WithDataset(dataset)
	}
	return table, nil
}

// openDB memoizes one *sql.DB per distinct path so that datasets sharing an
// on-disk file (or ":memory:") share a single embedded database, the way
// DuckDBClient's globalDuckDBClient was a single process-wide handle.
func (f *Factory) openDB(ctx context.Context, path string, params map[string]string) (*sql.DB, error) {
	key := path
	if key == "" {
		key = ":memory:"
	}
	if db, ok := f.dbs[key]; ok {
		return db, nil
	}

	db, err := sql.Open("duckdb", key)
	if err != nil {
		return nil, fmt.Errorf("duckdbacc: open %q: %w", key, err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("duckdbacc: ping %q: %w", key, err)
	}

	if params["enable_s3"] == "true" {
		if err := configureS3(db, params); err != nil && f.logger != nil {
			f.logger.Warn("duckdbacc: s3 configuration failed", zap.Error(err))
		}
	}

	f.dbs[key] = db
	return db, nil
}

func configureS3(db *sql.DB, params map[string]string) error {
	if _, err := db.Exec("INSTALL httpfs;"); err != nil {
		return fmt.Errorf("install httpfs: %w", err)
	}
	if _, err := db.Exec("LOAD httpfs;"); err != nil {
		return fmt.Errorf("load httpfs: %w", err)
	}
	pragmas := map[string]string{
		"s3_access_key": params["s3_access_key"],
		"s3_secret_key": params["s3_secret_key"],
		"s3_region":     params["s3_region"],
		"s3_endpoint":   params["s3_endpoint"],
	}
	for name, v := range pragmas {
		if v == "" {
			continue
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA %s='%s';", name, strings.ReplaceAll(v, "'", "''"))); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}
	return nil
}

func sanitizeTableName(dataset string) string {
	return "acc_" + strings.NewReplacer(".", "_", "-", "_").Replace(dataset)
}

// Table is the EngineDuckDB Accelerator implementation: one
// physical DuckDB table per accelerated dataset, named acc_<dataset> with
// dots/dashes folded to underscores.
type Table struct {
	db         *sql.DB
	tableName  string
	schema     *arrow.Schema
	primaryKey []string
	logger     *zap.Logger
}

var _ fedaccel.Accelerator = (*Table)(nil)

func (t *Table) Schema() *arrow.Schema { return t.schema }

func (t *Table) Constraints() []string { return t.primaryKey }

func (t *Table) createTable(ctx context.Context) error {
	cols := make([]string, t.schema.NumFields())
	for i, f := range t.schema.Fields() {
		cols[i] = fmt.Sprintf("%s %s", quoteIdent(f.Name), arrowToDuckDBType(f.Type))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s", quoteIdent(t.tableName), strings.Join(cols, ", "))
	if len(t.primaryKey) > 0 {
		stmt += fmt.Sprintf(", PRIMARY KEY (%s)", strings.Join(quoteIdents(t.primaryKey), ", "))
	}
	stmt += ")"
	_, err := t.db.ExecContext(ctx, stmt)
	return err
}

// arrowToDuckDBType mirrors MapValueTypeToDuckDBType's switch-with-fallback
// shape, against Arrow's type IDs instead of forma.ValueType.
func arrowToDuckDBType(t arrow.DataType) string {
	switch t.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32:
		return "INTEGER"
	case arrow.INT64:
		return "BIGINT"
	case arrow.FLOAT32, arrow.FLOAT64:
		return "DOUBLE"
	case arrow.BOOL:
		return "BOOLEAN"
	case arrow.TIMESTAMP:
		return "TIMESTAMP"
	case arrow.DATE32, arrow.DATE64:
		return "DATE"
	default:
		return "VARCHAR"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdents(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}

// Insert applies mode against the physical table. Overwrite deletes
// every row first; Replace relies on DuckDB's INSERT OR REPLACE against the
// declared primary key; Append is a plain INSERT, executed once per row
// through a prepared statement.
func (t *Table) Insert(ctx context.Context, batches fedaccel.RecordBatchStream, mode fedaccel.InsertMode) (int64, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if mode == fedaccel.InsertOverwrite {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+quoteIdent(t.tableName)); err != nil {
			return 0, err
		}
	}

	var total int64
	for {
		rec, err := batches.Next(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			return total, err
		}
		if rec == nil {
			break
		}
		n, err := t.insertRecord(ctx, tx, rec, mode)
		if err != nil {
			return total, err
		}
		total += n
		rec.Release()
	}

	if err := tx.Commit(); err != nil {
		return total, err
	}
	return total, nil
}

func (t *Table) insertRecord(ctx context.Context, tx *sql.Tx, rec arrow.Record, mode fedaccel.InsertMode) (int64, error) {
	schema := rec.Schema()
	colNames := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		colNames[i] = f.Name
	}
	verb := "INSERT INTO"
	if mode == fedaccel.InsertReplace && len(t.primaryKey) > 0 {
		verb = "INSERT OR REPLACE INTO"
	}
	placeholders := make([]string, len(colNames))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	stmt := fmt.Sprintf("%s %s (%s) VALUES (%s)", verb, quoteIdent(t.tableName), strings.Join(quoteIdents(colNames), ", "), strings.Join(placeholders, ", "))

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return 0, err
	}
	defer prepared.Close()

	for r := 0; r < int(rec.NumRows()); r++ {
		args := make([]any, rec.NumCols())
		for c := 0; c < int(rec.NumCols()); c++ {
			args[c] = columnValue(rec.Column(c), r)
		}
		if _, err := prepared.ExecContext(ctx, args...); err != nil {
			return 0, err
		}
	}
	return rec.NumRows(), nil
}

// Delete renders pred to SQL via sqlrender and issues a DELETE.
func (t *Table) Delete(ctx context.Context, pred fedaccel.Predicate) (int64, error) {
	where, args, err := sqlrender.Render(pred, sqlrender.Question)
	if err != nil {
		return 0, err
	}
	res, err := t.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(t.tableName), where), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Scan renders projection/filter/limit to SQL and streams results back as
// Arrow batches.
func (t *Table) Scan(ctx context.Context, projection []string, filter fedaccel.Predicate, limit int) (fedaccel.RecordBatchStream, error) {
	schema := t.schema
	cols := "*"
	if len(projection) > 0 {
		cols = strings.Join(quoteIdents(projection), ", ")
		schema = projectSchema(t.schema, projection)
	}
	where, args, err := sqlrender.Render(filter, sqlrender.Question)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", cols, quoteIdent(t.tableName), where)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &rowStream{rows: rows, schema: schema}, nil
}

func projectSchema(schema *arrow.Schema, projection []string) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(projection))
	for _, name := range projection {
		idx := schema.FieldIndices(name)
		if len(idx) > 0 {
			fields = append(fields, schema.Field(idx[0]))
		}
	}
	return arrow.NewSchema(fields, nil)
}

const scanBatchSize = 2048

type rowStream struct {
	rows   *sql.Rows
	schema *arrow.Schema
}

func (s *rowStream) Schema() *arrow.Schema { return s.schema }

func (s *rowStream) Close() error { return s.rows.Close() }

func (s *rowStream) Next(ctx context.Context) (fedaccel.RecordBatch, error) {
	mem := memory.NewGoAllocator()
	rb := array.NewRecordBuilder(mem, s.schema)
	defer rb.Release()

	nfields := s.schema.NumFields()
	dest := make([]any, nfields)
	ptrs := make([]any, nfields)
	for i := range dest {
		ptrs[i] = &dest[i]
	}

	n := 0
	for n < scanBatchSize && s.rows.Next() {
		if err := s.rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, f := range s.schema.Fields() {
			if err := appendDuckDBValue(rb.Field(i), f.Type, dest[i]); err != nil {
				return nil, err
			}
		}
		n++
	}
	if err := s.rows.Err(); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	return rb.NewRecord(), nil
}

func appendDuckDBValue(b array.Builder, t arrow.DataType, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch builder := b.(type) {
	case *array.StringBuilder:
		builder.Append(fmt.Sprintf("%v", v))
	case *array.Int64Builder:
		if n, ok := asInt64(v); ok {
			builder.Append(n)
			return nil
		}
		return fmt.Errorf("duckdbacc: cannot convert %T to int64", v)
	case *array.Int32Builder:
		if n, ok := asInt64(v); ok {
			builder.Append(int32(n))
			return nil
		}
		return fmt.Errorf("duckdbacc: cannot convert %T to int32", v)
	case *array.Float64Builder:
		if f, ok := v.(float64); ok {
			builder.Append(f)
			return nil
		}
		return fmt.Errorf("duckdbacc: cannot convert %T to float64", v)
	case *array.BooleanBuilder:
		if bv, ok := v.(bool); ok {
			builder.Append(bv)
			return nil
		}
		return fmt.Errorf("duckdbacc: cannot convert %T to bool", v)
	case *array.TimestampBuilder:
		if ts, ok := v.(time.Time); ok {
			builder.Append(arrow.Timestamp(ts.UnixMicro()))
			return nil
		}
		return fmt.Errorf("duckdbacc: cannot convert %T to timestamp", v)
	default:
		return fmt.Errorf("duckdbacc: unsupported builder type %T for column type %s", b, t)
	}
	return nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func columnValue(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch arr := col.(type) {
	case *array.String:
		return arr.Value(i)
	case *array.Int64:
		return arr.Value(i)
	case *array.Int32:
		return arr.Value(i)
	case *array.Float64:
		return arr.Value(i)
	case *array.Boolean:
		return arr.Value(i)
	case *array.Timestamp:
		return arr.Value(i).ToTime(arrow.Microsecond)
	default:
		return nil
	}
}
