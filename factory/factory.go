// Package factory wires a fedaccel.Runtime together from a Config plus the
// set of connector/accelerator engines the deployment needs, the same role
// factory.go plays for forma.EntityManager: one constructor
// a caller's main() can call without knowing registry's internals.
package factory

import (
	"go.uber.org/zap"

	"github.com/lychee-technology/fedaccel"
	"github.com/lychee-technology/fedaccel/internal/accelerator/duckdbacc"
	"github.com/lychee-technology/fedaccel/internal/accelerator/memtable"
	"github.com/lychee-technology/fedaccel/internal/connector/objectstore"
	"github.com/lychee-technology/fedaccel/internal/connector/postgres"
	"github.com/lychee-technology/fedaccel/internal/registry"
	"github.com/lychee-technology/fedaccel/internal/secrets"
)

// PostgresAccelerationParams supplies the shared connection parameters for
// the EnginePostgres accelerator engine: an accelerator-owned Postgres
// instance, not necessarily the same one any given federated dataset
// reads from.
type PostgresAccelerationParams struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// toMap resolves these literal values through a bare Resolver: none of
// them contain a "${store:key}" reference, so Resolve just wraps each in
// an opaque secrets.Value without needing a registered store.
func (p PostgresAccelerationParams) toMap() secrets.Map {
	resolved, _ := secrets.NewResolver().Resolve(map[string]string{
		"host":     p.Host,
		"port":     p.Port,
		"user":     p.User,
		"password": p.Password,
		"dbname":   p.DBName,
		"sslmode":  p.SSLMode,
	})
	return resolved
}

// NewRuntime builds a fedaccel.Runtime wired with every connector and
// accelerator engine this module ships: "postgres" and "s3" connectors,
// and the EngineArrow/EngineDuckDB/EnginePostgres accelerator factories
// (the "localpod" connector self-registers inside registry.New). secretEnv
// is registered as the substitution store named cfg.Runtime.SecretStorePrefix
// ("store" when empty), so references read "${store:KEY}" by default;
// pgAccel, when non-nil, enables EnginePostgres as an accelerator engine.
func NewRuntime(cfg *fedaccel.Config, secretEnv secrets.Store, pgAccel *PostgresAccelerationParams, logger *zap.Logger) (fedaccel.Runtime, error) {
	if cfg == nil {
		cfg = fedaccel.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	resolver := secrets.NewResolver()
	if secretEnv != nil {
		storeName := cfg.Runtime.SecretStorePrefix
		if storeName == "" {
			storeName = "store"
		}
		resolver.Register(storeName, secretEnv)
	}

	reg := registry.New(cfg, resolver, logger)

	reg.RegisterConnector(postgres.New())
	reg.RegisterConnector(objectstore.New())

	reg.RegisterAcceleratorEngine(memtable.NewFactory())
	reg.RegisterAcceleratorEngine(duckdbacc.NewFactory(logger))
	if pgAccel != nil {
		reg.RegisterAcceleratorEngine(postgres.NewAcceleratorFactory(pgAccel.toMap()))
	}

	return reg, nil
}
