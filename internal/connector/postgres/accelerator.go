package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/lychee-technology/fedaccel"
	"github.com/lychee-technology/fedaccel/internal/secrets"
)

// AcceleratorFactory builds EnginePostgres accelerators: a dedicated
// "acc_<dataset>" table in a accelerator-owned Postgres schema, queried
// the same way tableProvider queries a federated source. One pool is
// opened on the first Build and cached under a single key, so every
// dataset this factory builds shares it.
type AcceleratorFactory struct {
	params secrets.Map
	pools  map[string]pgxIface
}

// NewAcceleratorFactory returns the EnginePostgres accelerator factory.
// params supplies the connection parameters (host/port/user/password/
// dbname/sslmode) shared by every dataset that accelerates into this
// Postgres instance; per-dataset Acceleration.Params only ever carries the
// schema to create the table under.
func NewAcceleratorFactory(params secrets.Map) *AcceleratorFactory {
	return &AcceleratorFactory{params: params, pools: make(map[string]pgxIface)}
}

func (*AcceleratorFactory) Engine() fedaccel.Engine { return fedaccel.EnginePostgres }

func (f *AcceleratorFactory) Build(ctx context.Context, dataset string, schema *arrow.Schema, primaryKey []string, params map[string]string) (fedaccel.Accelerator, error) {
	pool, err := f.pool(ctx)
	if err != nil {
		return nil, fedaccel.NewConnectivityError(fedaccel.ComponentAccelerator, fedaccel.CodeSourceUnreachable, err.Error()).WithDataset(dataset).WithCause(err)
	}

	accSchema := "spice_accel"
	if v, ok := params["schema"]; ok && v != "" {
		accSchema = v
	}
	tableName := sanitizeTableName(dataset)

	provider := &tableProvider{pool: pool, schema: accSchema, table: tableName}
	if err := createAcceleratorTable(ctx, pool, accSchema, tableName, schema, primaryKey); err != nil {
		return nil, fedaccel.NewSchemaError(fedaccel.ComponentAccelerator, fedaccel.CodeSchemaMismatch, err.Error()).WithDataset(dataset)
	}

	return &acceleratorTable{tableProvider: provider, arrowSchema: schema, primaryKey: primaryKey}, nil
}

func (f *AcceleratorFactory) pool(ctx context.Context) (pgxIface, error) {
	const key = "default"
	if pool, ok := f.pools[key]; ok {
		return pool, nil
	}
	pool, err := openPool(ctx, f.params)
	if err != nil {
		return nil, err
	}
	f.pools[key] = pool
	return pool, nil
}

func sanitizeTableName(dataset string) string {
	return "acc_" + strings.NewReplacer(".", "_", "-", "_").Replace(dataset)
}

func createAcceleratorTable(ctx context.Context, pool pgxIface, schema, table string, arrowSchema *arrow.Schema, primaryKey []string) error {
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdents([]string{schema})[0])); err != nil {
		return fmt.Errorf("create accelerator schema: %w", err)
	}

	cols := make([]string, arrowSchema.NumFields())
	for i, f := range arrowSchema.Fields() {
		cols[i] = fmt.Sprintf("%s %s", quoteIdents([]string{f.Name})[0], arrowToPGType(f.Type))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (%s", quoteIdents([]string{schema})[0], quoteIdents([]string{table})[0], strings.Join(cols, ", "))
	if len(primaryKey) > 0 {
		stmt += fmt.Sprintf(", PRIMARY KEY (%s)", strings.Join(quoteIdents(primaryKey), ", "))
	}
	stmt += ")"
	_, err := pool.Exec(ctx, stmt)
	return err
}

func arrowToPGType(t arrow.DataType) string {
	switch t.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32:
		return "INTEGER"
	case arrow.INT64:
		return "BIGINT"
	case arrow.FLOAT32, arrow.FLOAT64:
		return "DOUBLE PRECISION"
	case arrow.BOOL:
		return "BOOLEAN"
	case arrow.TIMESTAMP:
		return "TIMESTAMP"
	case arrow.DATE32, arrow.DATE64:
		return "DATE"
	default:
		return "TEXT"
	}
}

// acceleratorTable adapts tableProvider (a SourceTableProvider/
// ReadWriteProvider) to fedaccel.Accelerator, adding Delete and
// Constraints on top of the Schema/Insert/Scan it already has.
type acceleratorTable struct {
	*tableProvider
	arrowSchema *arrow.Schema
	primaryKey  []string
}

var _ fedaccel.Accelerator = (*acceleratorTable)(nil)

func (a *acceleratorTable) Schema() *arrow.Schema { return a.arrowSchema }

func (a *acceleratorTable) Constraints() []string { return a.primaryKey }

func (a *acceleratorTable) Delete(ctx context.Context, pred fedaccel.Predicate) (int64, error) {
	return deletePredicate(ctx, a.tableProvider.pool, a.tableProvider.qualifiedName(), pred)
}
