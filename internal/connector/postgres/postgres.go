// Package postgres implements the RDBMS federated source connector and
// the EnginePostgres accelerator engine, over jackc/pgx/v5's pgxpool.
// Grounded on internal/postgres_repository.go and
// internal/postgres_persistent_repository.go (pool wiring, a queryPool-like
// minimal interface for testability) and internal/postgres_health.go
// (DSN assembly / connectivity check pattern), generalized from a fixed
// EAV schema to an arbitrary "<schema>.<table>" source.
package postgres

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dsql/auth"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lychee-technology/fedaccel"
	"github.com/lychee-technology/fedaccel/internal/federation"
	"github.com/lychee-technology/fedaccel/internal/secrets"
	"github.com/lychee-technology/fedaccel/internal/sqlrender"
)

const scanBatchSize = 2048

// pgxIface is the subset of *pgxpool.Pool this package calls through,
// narrowed to an interface so tests can substitute pgxmock.NewPool() in
// place of a live connection, the same seam NewDBPersistentRecordRepository
// takes a minimal pool interface for.
type pgxIface interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Connector opens federated Postgres tables. One Connector may back many
// datasets; each Open call acquires its own pool, matching the
// per-environment pool lifecycle in internal/postgres_repository.go.
type Connector struct{}

// New returns the "postgres" connector factory.
func New() *Connector { return &Connector{} }

func (*Connector) Name() string { return "postgres" }

// Open parses path as "<schema>.<table>" and connects using params
// (host/port/user/password/dbname/sslmode), mirroring
// createDatabasePoolFromConfig's connection-string assembly.
func (c *Connector) Open(ctx context.Context, path string, params secrets.Map) (federation.Provider, error) {
	schema, table, err := splitPath(path)
	if err != nil {
		return federation.Provider{}, fedaccel.NewConfigurationError(fedaccel.ComponentConnector, fedaccel.CodeInvalidConfiguration, err.Error())
	}

	pool, err := openPool(ctx, params)
	if err != nil {
		return federation.Provider{}, fedaccel.NewConnectivityError(fedaccel.ComponentConnector, fedaccel.CodeSourceUnreachable, err.Error()).WithCause(err)
	}

	return federation.Provider{Immediate: &tableProvider{pool: pool, schema: schema, table: table}}, nil
}

// OpenReadWrite implements registry.ReadWriteConnector: the same table
// provider already satisfies fedaccel.ReadWriteProvider.
func (c *Connector) OpenReadWrite(ctx context.Context, path string, params secrets.Map) (fedaccel.ReadWriteProvider, error) {
	provider, err := c.Open(ctx, path, params)
	if err != nil {
		return nil, err
	}
	source, err := provider.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return source.(*tableProvider), nil
}

func splitPath(path string) (schema, table string, err error) {
	parts := strings.SplitN(path, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("postgres connector: path %q must be \"<schema>.<table>\"", path)
	}
	return parts[0], parts[1], nil
}

func openPool(ctx context.Context, params secrets.Map) (pgxIface, error) {
	dsn, err := dsnFromParamsWithAuth(ctx, params)
	if err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func dsnFromParams(params secrets.Map) string {
	get := func(key, def string) string {
		if v, ok := params[key]; ok {
			return v.Reveal()
		}
		return def
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		get("user", "postgres"),
		get("password", ""),
		get("host", "localhost"),
		get("port", "5432"),
		get("dbname", "postgres"),
		get("sslmode", "disable"),
	)
}

// dsnFromParamsWithAuth is dsnFromParams plus IAM auth token generation
// when params["use_iam"] == "true", mirroring cdc flusher:
// an Aurora DSQL endpoint is authenticated with a short-lived token instead
// of a static password, so the token generated here replaces "password".
func dsnFromParamsWithAuth(ctx context.Context, params secrets.Map) (string, error) {
	get := func(key, def string) string {
		if v, ok := params[key]; ok {
			return v.Reveal()
		}
		return def
	}
	if get("use_iam", "") != "true" {
		return dsnFromParams(params), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("postgres connector: load aws config for iam auth: %w", err)
	}
	endpoint := fmt.Sprintf("%s:%s", get("host", "localhost"), get("port", "5432"))
	token, err := auth.GenerateDbConnectAuthToken(ctx, endpoint, awsCfg.Region, awsCfg.Credentials)
	if err != nil {
		return "", fmt.Errorf("postgres connector: generate iam auth token: %w", err)
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		get("user", "postgres"),
		token,
		endpoint,
		get("dbname", "postgres"),
		get("sslmode", "require"),
	), nil
}

// tableProvider is the SourceTableProvider/ReadWriteProvider for one
// "<schema>.<table>" source.
type tableProvider struct {
	pool   pgxIface
	schema string
	table  string
}

var _ fedaccel.ReadWriteProvider = (*tableProvider)(nil)

func (t *tableProvider) qualifiedName() string {
	return pgx.Identifier{t.schema, t.table}.Sanitize()
}

// Schema introspects information_schema.columns, the same system catalog
// factory.go queries for table discovery, generalized from
// table names to full column/type pairs.
func (t *tableProvider) Schema(ctx context.Context) (*arrow.Schema, error) {
	rows, err := t.pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, t.schema, t.table)
	if err != nil {
		return nil, fmt.Errorf("postgres connector: introspect %s.%s: %w", t.schema, t.table, err)
	}
	defer rows.Close()

	var fields []arrow.Field
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return nil, err
		}
		fields = append(fields, arrow.Field{Name: name, Type: pgTypeToArrow(dataType), Nullable: nullable == "YES"})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fedaccel.NewSchemaError(fedaccel.ComponentConnector, fedaccel.CodeSchemaMismatch,
			fmt.Sprintf("postgres connector: %s.%s has no columns (does it exist?)", t.schema, t.table))
	}
	return arrow.NewSchema(fields, nil), nil
}

// pgTypeToArrow maps a handful of common information_schema.columns.data_type
// values to Arrow types, a switch-with-fallback shape against Postgres's
// catalog names.
func pgTypeToArrow(pgType string) arrow.DataType {
	switch pgType {
	case "smallint", "integer":
		return arrow.PrimitiveTypes.Int32
	case "bigint":
		return arrow.PrimitiveTypes.Int64
	case "real", "double precision", "numeric":
		return arrow.PrimitiveTypes.Float64
	case "boolean":
		return arrow.FixedWidthTypes.Boolean
	case "timestamp without time zone", "timestamp with time zone", "date":
		return arrow.FixedWidthTypes.Timestamp_us
	default:
		return arrow.BinaryTypes.String
	}
}

// Scan renders projection/filter/limit into a SELECT and streams rows back
// as Arrow batches of scanBatchSize. Every filter, a RawSQLPredicate
// included, is rendered into the query through sqlrender; the connector
// always pushes down and has no in-process filtering fallback.
func (t *tableProvider) Scan(ctx context.Context, projection []string, filter fedaccel.Predicate, limit int) (fedaccel.RecordBatchStream, error) {
	cols := "*"
	if len(projection) > 0 {
		cols = strings.Join(quoteIdents(projection), ", ")
	}
	where, args, err := sqlrender.Render(filter, sqlrender.Dollar)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", cols, t.qualifiedName(), where)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := t.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fedaccel.NewTransientError(fedaccel.ComponentConnector, fedaccel.CodeSourceUnreachable, err.Error()).WithCause(err)
	}
	return &rowStream{rows: rows}, nil
}

// deletePredicate renders pred to SQL and issues a DELETE against
// qualifiedName, shared by acceleratorTable.Delete.
func deletePredicate(ctx context.Context, pool pgxIface, qualifiedName string, pred fedaccel.Predicate) (int64, error) {
	where, args, err := sqlrender.Render(pred, sqlrender.Dollar)
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", qualifiedName, where), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Insert applies mode against the live table ('s InsertMode vocabulary,
// reused here for the ReadWrite write path rather than an accelerator).
// Overwrite truncates first; Replace upserts on the declared primary key,
// grounded on ON CONFLICT upsert in
// internal/postgres_persistent_repository_main_table.go; Append is a plain
// INSERT, issued once per row, that surfaces a unique-violation as-is.
func (t *tableProvider) Insert(ctx context.Context, batches fedaccel.RecordBatchStream, mode fedaccel.InsertMode) (int64, error) {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if mode == fedaccel.InsertOverwrite {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+t.qualifiedName()); err != nil {
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

	if err := tx.Commit(ctx); err != nil {
		return total, err
	}
	return total, nil
}

func (t *tableProvider) insertRecord(ctx context.Context, tx pgx.Tx, rec arrow.Record, mode fedaccel.InsertMode) (int64, error) {
	schema := rec.Schema()
	colNames := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		colNames[i] = f.Name
	}

	rows := make([][]any, rec.NumRows())
	for r := 0; r < int(rec.NumRows()); r++ {
		row := make([]any, schema.NumFields())
		for c := 0; c < int(rec.NumCols()); c++ {
			row[c] = columnValue(rec.Column(c), r)
		}
		rows[r] = row
	}

	for _, row := range rows {
		placeholders := make([]string, len(row))
		for i := range row {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.qualifiedName(), strings.Join(quoteIdents(colNames), ", "), strings.Join(placeholders, ", "))
		if mode == fedaccel.InsertReplace {
			stmt += " ON CONFLICT DO NOTHING" // caller has already narrowed to a single declared PK at registration time
		}
		if _, err := tx.Exec(ctx, stmt, row...); err != nil {
			return 0, err
		}
	}
	return int64(len(rows)), nil
}

func quoteIdents(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pgx.Identifier{n}.Sanitize()
	}
	return out
}

// rowStream adapts pgx.Rows to fedaccel.RecordBatchStream, materializing up
// to scanBatchSize rows per Arrow record.
type rowStream struct {
	rows   pgx.Rows
	schema *arrow.Schema
}

func (s *rowStream) Next(ctx context.Context) (fedaccel.RecordBatch, error) {
	if s.schema == nil {
		s.schema = fieldDescriptionsToSchema(s.rows.FieldDescriptions())
	}

	mem := memory.NewGoAllocator()
	rb := array.NewRecordBuilder(mem, s.schema)
	defer rb.Release()

	n := 0
	for n < scanBatchSize && s.rows.Next() {
		vals, err := s.rows.Values()
		if err != nil {
			return nil, err
		}
		for i, v := range vals {
			if err := appendPgValue(rb.Field(i), v); err != nil {
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

func (s *rowStream) Schema() *arrow.Schema { return s.schema }

func (s *rowStream) Close() error {
	s.rows.Close()
	return nil
}

func fieldDescriptionsToSchema(fds []pgconn.FieldDescription) *arrow.Schema {
	fields := make([]arrow.Field, len(fds))
	for i, fd := range fds {
		fields[i] = arrow.Field{Name: fd.Name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func appendPgValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch builder := b.(type) {
	case *array.StringBuilder:
		builder.Append(fmt.Sprintf("%v", v))
	default:
		return fmt.Errorf("postgres connector: unsupported arrow builder %T", b)
	}
	return nil
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
