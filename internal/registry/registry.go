// Package registry implements the three-level catalog.schema.table
// namespace, the dataset registration algorithm, and lazy
// view materialization. Grounded on SchemaRegistry
// interface (internal/schema_registry.go, internal/metadata_loader.go):
// name resolution, ID<->name caching, and a file-backed fallback,
// generalized from a flat schema_name + EAV schema_id pair into a
// catalog/schema/table tree with accelerated/federated/view entries.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"github.com/lychee-technology/fedaccel"
	"github.com/lychee-technology/fedaccel/internal/checkpoint"
	"github.com/lychee-technology/fedaccel/internal/federation"
	"github.com/lychee-technology/fedaccel/internal/refresh"
	"github.com/lychee-technology/fedaccel/internal/refreshsql"
	"github.com/lychee-technology/fedaccel/internal/retention"
	"github.com/lychee-technology/fedaccel/internal/secrets"
)

// ConnectorFactory opens a federated source for one dataset's "<connector>:<path>"
// locator. Capability interfaces (ReadWriteConnector, ChangesConnector,
// AppendConnector, MetadataConnector) are detected with a type assertion
// rather than a wider interface every connector would need to implement.
type ConnectorFactory interface {
	Name() string
	Open(ctx context.Context, path string, params secrets.Map) (federation.Provider, error)
}

// ReadWriteConnector is implemented by connectors that can also return a
// write path for a ReadWrite dataset.
type ReadWriteConnector interface {
	OpenReadWrite(ctx context.Context, path string, params secrets.Map) (fedaccel.ReadWriteProvider, error)
}

// ChangesConnector exposes a row-level changes stream (RefreshMode=Changes).
type ChangesConnector interface {
	ChangesStream(ctx context.Context, path string, params secrets.Map) (<-chan fedaccel.ChangeEnvelope, error)
}

// AppendConnector exposes an append-only batch stream (Append without a
// time column).
type AppendConnector interface {
	AppendStream(ctx context.Context, path string, params secrets.Map) (<-chan fedaccel.RecordBatch, error)
}

// MetadataConnector exposes a companion metadata table.
type MetadataConnector interface {
	MetadataTable(ctx context.Context, path string, params secrets.Map) (fedaccel.SourceTableProvider, error)
}

// AcceleratorFactory builds the local write-contract store for one
// dataset's Acceleration.Engine.
type AcceleratorFactory interface {
	Engine() fedaccel.Engine
	Build(ctx context.Context, dataset string, schema *arrow.Schema, primaryKey []string, params map[string]string) (fedaccel.Accelerator, error)
}

// entry is one catalog.schema.table node.
type entry struct {
	name        fedaccel.DatasetName
	dataset     *fedaccel.Dataset
	source      fedaccel.SourceTableProvider
	accelerated bool
	accelerator fedaccel.Accelerator
	refreshEng  *refresh.Engine
	retentionEn *retention.Enforcer
	status      *fedaccel.StatusHandle
}

// pendingView is a view declaration waiting for its dependencies.
type pendingView struct {
	name      string
	dependsOn []string
	sql       string
	declared  time.Time
}

// Registry is the process-wide catalog and dataset lifecycle owner. It
// implements fedaccel.Runtime.
type Registry struct {
	cfg *fedaccel.Config

	mu      sync.RWMutex // guards catalog, the one global writable structure
	catalog map[string]*entry

	writableMu sync.Mutex // simple mutex guarding the writable-dataset set
	writable   map[string]struct{}

	connectors    map[string]ConnectorFactory
	accelerators  map[fedaccel.Engine]AcceleratorFactory
	secretResolve *secrets.Resolver
	checkpoints   map[fedaccel.StorageMode]checkpoint.Store

	pendingSinks *federation.PendingSinkQueue

	viewMu sync.Mutex // async write lock over the pending-view list
	views  []*pendingView

	logger *zap.Logger

	wg sync.WaitGroup
}

var _ fedaccel.Runtime = (*Registry)(nil)

// New returns an empty Registry. Register connectors and accelerator
// engines before calling RegisterDataset.
func New(cfg *fedaccel.Config, resolver *secrets.Resolver, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	const fileCheckpointDir = "./fedaccel-data/checkpoints"
	reg := &Registry{
		cfg:           cfg,
		catalog:       make(map[string]*entry),
		writable:      make(map[string]struct{}),
		connectors:    make(map[string]ConnectorFactory),
		accelerators:  make(map[fedaccel.Engine]AcceleratorFactory),
		secretResolve: resolver,
		checkpoints: map[fedaccel.StorageMode]checkpoint.Store{
			fedaccel.StorageModeMemory: checkpoint.NewMemoryStore(),
			fedaccel.StorageModeFile:   checkpoint.NewFileStore(fileCheckpointDir),
		},
		pendingSinks: federation.NewPendingSinkQueue(),
		logger:       logger,
	}
	if cfg != nil && cfg.Registry.CheckpointDSN != "" {
		if store, err := checkpoint.NewPostgresStore(cfg.Registry.CheckpointDSN); err != nil {
			logger.Sugar().Errorw("failed to open shared checkpoint store, falling back to file", "err", err)
			reg.checkpoints[fedaccel.StorageModeShared] = reg.checkpoints[fedaccel.StorageModeFile]
		} else {
			reg.checkpoints[fedaccel.StorageModeShared] = store
		}
	}
	reg.connectors["localpod"] = &localpodConnector{reg: reg}
	return reg
}

// RegisterConnector installs a source connector factory under its name.
func (r *Registry) RegisterConnector(f ConnectorFactory) {
	r.connectors[f.Name()] = f
}

// RegisterAcceleratorEngine installs an accelerator engine factory.
func (r *Registry) RegisterAcceleratorEngine(f AcceleratorFactory) {
	r.accelerators[f.Engine()] = f
}

// resolveName applies the catalog naming rules: a user dataset may not
// specify a catalog; the schema defaults to "public".
func resolveName(ds *fedaccel.Dataset) (fedaccel.DatasetName, error) {
	n := ds.Name
	if n.Catalog != "" && n.Catalog != fedaccel.DefaultCatalog {
		return n, fedaccel.ErrDatasetNameIncludesCatalog(n.String())
	}
	n.Catalog = fedaccel.DefaultCatalog
	if n.Schema == "" {
		n.Schema = fedaccel.DefaultSchema
	}
	return n, nil
}

// RegisterDataset admits a new dataset into the catalog, resolving its
// secrets, building its accelerator if any, and making it queryable.
func (r *Registry) RegisterDataset(ctx context.Context, ds *fedaccel.Dataset) error {
	name, err := resolveName(ds)
	if err != nil {
		return err
	}
	fq := name.String()

	r.mu.Lock()
	if _, exists := r.catalog[fq]; exists {
		r.mu.Unlock()
		return fedaccel.ErrTableAlreadyExists(fq)
	}
	status := fedaccel.NewStatusHandle()
	r.catalog[fq] = &entry{name: name, dataset: ds, status: status}
	r.mu.Unlock()

	// Step 1: resolve parameters through the secret resolver.
	params, err := r.secretResolve.Resolve(ds.Params)
	if err != nil {
		status.Set(fedaccel.StatusError, err)
		return fedaccel.NewConfigurationError(fedaccel.ComponentDataset, fedaccel.CodeInvalidConfiguration, err.Error()).WithDataset(fq)
	}

	connectorFactory, ok := r.connectors[ds.Connector]
	if !ok {
		err := fedaccel.NewConfigurationError(fedaccel.ComponentConnector, fedaccel.CodeInvalidConfiguration,
			fmt.Sprintf("unknown connector %q", ds.Connector)).WithDataset(fq)
		status.Set(fedaccel.StatusError, err)
		return err
	}

	provider, err := connectorFactory.Open(ctx, ds.Path, params)
	if err != nil {
		status.Set(fedaccel.StatusError, err)
		return err
	}

	// Step 2: a deferred (sink) provider is parked; its accelerator is
	// built later, on first write, via PromoteSink.
	if provider.IsDeferred() {
		r.pendingSinks.Park(fq, &federation.PendingSinkEntry{Dataset: ds, Loader: provider.Deferred})
		status.Set(fedaccel.StatusReady, nil)
		if ds.Mode == fedaccel.ModeReadWrite {
			r.markWritable(fq)
		}
		return nil
	}

	source, err := provider.Resolve(ctx)
	if err != nil {
		status.Set(fedaccel.StatusError, err)
		return err
	}

	r.mu.Lock()
	r.catalog[fq].source = source
	r.mu.Unlock()

	if !ds.IsAccelerated() {
		// Step 3: no acceleration, register the federated source directly.
		if ds.Mode == fedaccel.ModeReadWrite {
			rw, ok := connectorFactory.(ReadWriteConnector)
			if !ok {
				err := fedaccel.ErrWriteProviderNotImplemented(fq)
				status.Set(fedaccel.StatusError, err)
				return err
			}
			if _, err := rw.OpenReadWrite(ctx, ds.Path, params); err != nil {
				status.Set(fedaccel.StatusError, err)
				return err
			}
			r.markWritable(fq)
		}
		status.Set(fedaccel.StatusReady, nil)
	} else {
		// Step 4: build the accelerated table.
		if err := r.buildAccelerated(ctx, fq, ds, source, connectorFactory, params, status); err != nil {
			status.Set(fedaccel.StatusError, err)
			return err
		}
	}

	// Step 5: companion metadata table.
	if ds.HasMetadataTable {
		if mc, ok := connectorFactory.(MetadataConnector); ok {
			metaTable, err := mc.MetadataTable(ctx, ds.Path, params)
			if err == nil && metaTable != nil {
				metaName := fedaccel.DatasetName{Catalog: fedaccel.DefaultCatalog, Schema: fedaccel.ReservedSchemaMetadata, Table: name.Table}
				r.mu.Lock()
				r.catalog[metaName.String()] = &entry{name: metaName, dataset: ds, source: metaTable, status: fedaccel.NewStatusHandle()}
				r.catalog[metaName.String()].status.Set(fedaccel.StatusReady, nil)
				r.mu.Unlock()
			} else if err != nil {
				r.logger.Sugar().Warnw("metadata provider failed; continuing without it", "dataset", fq, "err", err)
			}
		}
	}

	return nil
}

// markWritable adds name to the writable-dataset set.
func (r *Registry) markWritable(name string) {
	r.writableMu.Lock()
	defer r.writableMu.Unlock()
	r.writable[name] = struct{}{}
}

// IsWritable reports whether name is in the writable-dataset set.
func (r *Registry) IsWritable(name string) bool {
	r.writableMu.Lock()
	defer r.writableMu.Unlock()
	_, ok := r.writable[name]
	return ok
}

// buildAccelerated constructs the accelerator, checkpoint store, and
// refresh engine for an accelerated dataset.
func (r *Registry) buildAccelerated(
	ctx context.Context,
	fq string,
	ds *fedaccel.Dataset,
	source fedaccel.SourceTableProvider,
	connectorFactory ConnectorFactory,
	params secrets.Map,
	status *fedaccel.StatusHandle,
) error {
	acc := ds.Acceleration

	sourceSchema, err := source.Schema(ctx)
	if err != nil {
		return err
	}

	validated, err := refreshsql.Validate(acc.RefreshSQL, fq, acc.ComputedColumns)
	if err != nil {
		return err
	}
	refreshSchema := narrowSchema(sourceSchema, validated.Columns, acc.ComputedColumns)

	accFactory, ok := r.accelerators[acc.Engine]
	if !ok {
		return fedaccel.NewConfigurationError(fedaccel.ComponentAccelerator, fedaccel.CodeInvalidConfiguration,
			fmt.Sprintf("unknown accelerator engine %q", acc.Engine)).WithDataset(fq)
	}
	if len(acc.UniqueKeys) > 0 {
		return fedaccel.ErrUniqueConstraintUnsupported(fq)
	}

	accelerator, err := accFactory.Build(ctx, fq, refreshSchema, acc.PrimaryKey, acc.Params)
	if err != nil {
		return err
	}

	cpStore := r.checkpoints[acc.Mode]

	// Step 2: checkpoint fast-path to Ready.
	if cpStore != nil {
		if exists, _ := cpStore.Exists(fq); exists {
			status.Set(fedaccel.StatusReady, nil)
		}
	}

	if acc.Retention.Period > 0 && acc.RefreshDataWindow > acc.Retention.Period {
		acc.RefreshDataWindow = acc.Retention.Period // step 4: clamp data window by retention
	}

	if err := validateTimeFormat(acc.TimeColumn); err != nil {
		return err
	}

	var changes <-chan fedaccel.ChangeEnvelope
	if acc.RefreshMode == fedaccel.RefreshModeChanges {
		cc, ok := connectorFactory.(ChangesConnector)
		if !ok {
			return fedaccel.ErrChangesRequiresChangesStream(fq)
		}
		changes, err = cc.ChangesStream(ctx, ds.Path, params)
		if err != nil {
			return fedaccel.ErrChangesRequiresChangesStream(fq).WithCause(err)
		}
	}

	var appends <-chan fedaccel.RecordBatch
	if acc.RefreshMode == fedaccel.RefreshModeAppend && acc.TimeColumn == nil {
		ac, ok := connectorFactory.(AppendConnector)
		if !ok {
			return fedaccel.ErrAppendRequiresTimeColumnOrStream(fq)
		}
		appends, err = ac.AppendStream(ctx, ds.Path, params)
		if err != nil {
			return fedaccel.ErrAppendRequiresTimeColumnOrStream(fq).WithCause(err)
		}
	}

	var parentEngine *refresh.Engine
	if ds.Localpod() {
		parentEngine = r.lookupLocalpodParent(ds.Path)
	}

	eng, err := refresh.New(refresh.Config{
		Dataset:           fq,
		Source:            source,
		Accelerator:       accelerator,
		Acceleration:      acc,
		Status:            status,
		Checkpoints:       cpStore,
		RefreshProjection: validated.Columns,
		RefreshWhere:      validated.Where,
		Changes:           changes,
		Appends:           appends,
		Parent:            parentEngine,
		Logger:            r.logger,
	})
	if err != nil {
		return err
	}

	// Run owns its own lifecycle via Stop (cooperative shutdown); the
	// background context only needs to outlive this call.
	bg := context.Background()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		eng.Run(bg)
	}()

	var enforcer *retention.Enforcer
	if acc.Retention.CheckEnabled {
		enforcer = retention.New(retention.Config{
			Dataset:     fq,
			Accelerator: accelerator,
			Policy:      acc.Retention,
			TimeColumn:  acc.TimeColumn,
			Logger:      r.logger,
		})
		if enforcer != nil {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				enforcer.Run(bg)
			}()
		}
	}

	r.mu.Lock()
	e := r.catalog[fq]
	e.accelerated = true
	e.accelerator = accelerator
	e.refreshEng = eng
	e.retentionEn = enforcer
	r.mu.Unlock()

	if ds.Mode == fedaccel.ModeReadWrite {
		r.markWritable(fq)
	}

	// Step 2 continued: if no checkpoint, readiness waits for first
	// successful refresh; RegisterDataset itself does not block on it
	// (ready-on-load vs ready-on-registration is the caller's choice via
	// ds.Ready, surfaced through DatasetStatus).
	if ds.Ready == fedaccel.ReadyOnRegistration {
		status.Set(fedaccel.StatusReady, nil)
	}

	return nil
}

// lookupLocalpodParent finds an already-registered accelerated table to
// synchronize with; any incompatibility falls back to nil (independent
// scheduling) without error.
func (r *Registry) lookupLocalpodParent(parentName string) *refresh.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	parent, ok := r.catalog[parentName]
	if !ok || !parent.accelerated || parent.dataset.Acceleration.RefreshMode != fedaccel.RefreshModeFull {
		return nil
	}
	return parent.refreshEng
}

// DatasetStatus implements fedaccel.Runtime.
func (r *Registry) DatasetStatus(name string) (fedaccel.Status, error) {
	r.mu.RLock()
	e, ok := r.catalog[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("registry: unknown dataset %q", name)
	}
	s, err := e.status.Get()
	return s, err
}

// TriggerRefresh implements fedaccel.Runtime.
func (r *Registry) TriggerRefresh(ctx context.Context, name string, overrides fedaccel.RefreshOverrides) error {
	r.mu.RLock()
	e, ok := r.catalog[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: unknown dataset %q", name)
	}
	if e.refreshEng == nil {
		return fmt.Errorf("registry: dataset %q is not accelerated", name)
	}
	return e.refreshEng.TriggerRefresh(ctx, overrides)
}

// Shutdown cancels all refresh/retention tasks and awaits their
// termination.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.catalog))
	for _, e := range r.catalog {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		if e.refreshEng != nil {
			e.refreshEng.Stop()
		}
		if e.retentionEn != nil {
			e.retentionEn.Stop()
		}
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterView declares a view depending on tables; materialization is
// polled until every dependency is registered or Config's view deadline
// elapses.
func (r *Registry) RegisterView(ctx context.Context, name, sql string, dependsOn []string) {
	pv := &pendingView{name: name, dependsOn: dependsOn, sql: sql, declared: time.Now()}
	r.viewMu.Lock()
	r.views = append(r.views, pv)
	r.viewMu.Unlock()

	go r.pollView(ctx, pv)
}

func (r *Registry) pollView(ctx context.Context, pv *pendingView) {
	deadline := r.cfg.Registry.ViewRegistrationTimeout
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	ticker := time.NewTicker(r.viewPollInterval())
	defer ticker.Stop()
	timeout := time.NewTimer(deadline)
	defer timeout.Stop()

	for {
		if r.allRegistered(pv.dependsOn) {
			r.mu.Lock()
			r.catalog[pv.name] = &entry{
				name:   fedaccel.DatasetName{Catalog: fedaccel.DefaultCatalog, Table: pv.name},
				status: fedaccel.NewStatusHandle(),
			}
			r.catalog[pv.name].status.Set(fedaccel.StatusReady, nil)
			r.mu.Unlock()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-timeout.C:
			r.logger.Sugar().Errorw("view registration abandoned: dependencies not ready within deadline",
				"view", pv.name, "depends_on", pv.dependsOn)
			return
		case <-ticker.C:
		}
	}
}

func (r *Registry) viewPollInterval() time.Duration {
	if r.cfg.Registry.ViewPollInterval > 0 {
		return r.cfg.Registry.ViewPollInterval
	}
	return 2 * time.Second
}

func (r *Registry) allRegistered(names []string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range names {
		if _, ok := r.catalog[n]; !ok {
			return false
		}
	}
	return true
}

// PromoteSink finishes registration for a parked sink dataset once its
// first write reveals a schema.
func (r *Registry) PromoteSink(ctx context.Context, name string, provider fedaccel.SourceTableProvider) error {
	pending, err := r.pendingSinks.FirstWrite(name, provider)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.catalog[name].source = provider
	r.mu.Unlock()
	if !pending.Dataset.IsAccelerated() {
		return nil
	}
	status := r.catalog[name].status
	return r.buildAccelerated(ctx, name, pending.Dataset, provider, r.connectors[pending.Dataset.Connector], secrets.Map{}, status)
}

// validateTimeFormat validates the time column's type/format against the
// schema at construction. Only the format string's parseability is
// checked here; column-type cross-checks happen when the engine first
// evaluates a time-column predicate.
func validateTimeFormat(tc *fedaccel.TimeColumnSpec) error {
	if tc == nil || tc.Format == "" {
		return nil
	}
	if _, err := time.Parse(tc.Format, time.Now().UTC().Format(tc.Format)); err != nil {
		return fedaccel.NewConfigurationError(fedaccel.ComponentRefresh, fedaccel.CodeInvalidTimeFormat, err.Error())
	}
	return nil
}

// narrowSchema projects sourceSchema to cols (nil means "*" = unchanged)
// and appends any declared computed columns as additional fields, typed
// generically per their ValueKind ("Supplement — computed-column
// descriptors", last rule).
func narrowSchema(sourceSchema *arrow.Schema, cols []string, computed []fedaccel.ComputedColumnSpec) *arrow.Schema {
	fields := make([]arrow.Field, 0, sourceSchema.NumFields())
	for i := 0; i < sourceSchema.NumFields(); i++ {
		fields = append(fields, sourceSchema.Field(i))
	}
	if cols != nil {
		wanted := make(map[string]bool, len(cols))
		for _, c := range cols {
			wanted[strings.ToLower(c)] = true
		}
		filtered := make([]arrow.Field, 0, len(cols))
		for _, f := range fields {
			if wanted[strings.ToLower(f.Name)] {
				filtered = append(filtered, f)
			}
		}
		fields = filtered
	}

	existing := make(map[string]bool, len(fields))
	for _, f := range fields {
		existing[f.Name] = true
	}
	for _, cc := range computed {
		if existing[cc.Name] {
			continue
		}
		fields = append(fields, computedField(cc))
		existing[cc.Name] = true
	}
	return arrow.NewSchema(fields, nil)
}

func computedField(cc fedaccel.ComputedColumnSpec) arrow.Field {
	switch cc.ValueKind {
	case "embedding_vector":
		return arrow.Field{Name: cc.Name, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32), Nullable: true}
	case "chunk_offset":
		return arrow.Field{Name: cc.Name, Type: arrow.PrimitiveTypes.Int64, Nullable: true}
	default:
		return arrow.Field{Name: cc.Name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
}
