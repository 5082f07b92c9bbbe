package fedaccel

import "time"

// DatasetName identifies a registered table inside the three-level
// catalog.schema.table namespace. User-supplied dataset configuration may
// not specify Catalog directly; it is always resolved to the default
// catalog by the registry.
type DatasetName struct {
	Catalog string `json:"catalog"`
	Schema  string `json:"schema"`
	Table   string `json:"table"`
}

func (n DatasetName) String() string {
	catalog := n.Catalog
	if catalog == "" {
		catalog = DefaultCatalog
	}
	schema := n.Schema
	if schema == "" {
		schema = DefaultSchema
	}
	return catalog + "." + schema + "." + n.Table
}

// Reserved catalog/schema names.
const (
	DefaultCatalog = "spice"
	DefaultSchema  = "public"

	ReservedSchemaRuntime  = "runtime"
	ReservedSchemaMetadata = "metadata"
	ReservedSchemaEval     = "eval"
)

// Mode controls whether a dataset's write path is activated.
type Mode string

const (
	ModeRead      Mode = "read"
	ModeReadWrite Mode = "read_write"
)

// RefreshMode selects the refresh algorithm driving the accelerator.
type RefreshMode string

const (
	RefreshModeFull    RefreshMode = "full"
	RefreshModeAppend  RefreshMode = "append"
	RefreshModeChanges RefreshMode = "changes"
)

// OnZeroResults controls behavior when a refresh produces zero rows.
type OnZeroResults string

const (
	OnZeroResultsReturnEmpty OnZeroResults = "return_empty"
	OnZeroResultsUseSource   OnZeroResults = "use_source"
)

// Engine selects the accelerator's storage/query engine.
type Engine string

const (
	EngineArrow    Engine = "arrow"
	EngineDuckDB   Engine = "duckdb"
	EngineSQLite   Engine = "sqlite"
	EnginePostgres Engine = "postgres"
)

// StorageMode selects whether an accelerator persists across restarts.
type StorageMode string

const (
	StorageModeMemory StorageMode = "memory"
	StorageModeFile   StorageMode = "file"
	// StorageModeShared marks accelerators whose checkpoint must be visible
	// to more than one fedacceld process, backed by RegistryConfig.CheckpointDSN.
	StorageModeShared StorageMode = "shared"
)

// IndexKind describes how a declared index should be enforced.
type IndexKind string

const (
	IndexKindEnabled IndexKind = "enabled"
	IndexKindUnique  IndexKind = "unique"
)

// TimeColumnSpec describes the column driving Append-mode windowing and
// retention cutoffs.
type TimeColumnSpec struct {
	Column string `json:"column"`
	Format string `json:"format,omitempty"` // empty = RFC3339

	PartitionColumn string `json:"partition_column,omitempty"`
	PartitionFormat string `json:"partition_format,omitempty"`
}

// RetentionPolicy prunes rows older than Period from the accelerator.
type RetentionPolicy struct {
	Period        time.Duration `json:"period"`
	CheckInterval time.Duration `json:"check_interval"`
	CheckEnabled  bool          `json:"check_enabled"`
}

// RetryPolicy configures the refresh engine's backoff-on-failure behavior.
// Grounded on internal circuit-breaker threshold/window shape
// (internal/circuit_breaker.go), generalized from "trip on N failures" to
// "retry up to N attempts with exponential backoff".
type RetryPolicy struct {
	Enabled     bool          `json:"enabled"`
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// Acceleration is the declarative policy describing how a dataset is cached
// locally.
type Acceleration struct {
	Engine Engine            `json:"engine"`
	Mode   StorageMode       `json:"mode"`
	Params map[string]string `json:"params,omitempty"`

	RefreshMode RefreshMode     `json:"refresh_mode"`
	RefreshSQL  string          `json:"refresh_sql,omitempty"`
	TimeColumn  *TimeColumnSpec `json:"time_column,omitempty"`

	RefreshCheckInterval time.Duration `json:"refresh_check_interval,omitempty"`
	RefreshMaxJitter     time.Duration `json:"refresh_max_jitter,omitempty"`
	RefreshAppendOverlap time.Duration `json:"refresh_append_overlap,omitempty"`
	RefreshDataWindow    time.Duration `json:"refresh_data_window,omitempty"`

	Retention RetentionPolicy `json:"retention"`
	Retry     RetryPolicy     `json:"retry"`

	OnZeroResults        OnZeroResults `json:"on_zero_results"`
	DisableQueryPushDown bool          `json:"disable_query_push_down"`

	Indexes map[string]IndexKind `json:"indexes,omitempty"`

	// PrimaryKey lists the columns, in declared order, that form the
	// accelerator's primary key composite. Empty means no PK.
	PrimaryKey []string `json:"primary_key,omitempty"`
	// UniqueKeys is declared-but-unsupported by the reference accelerator;
	// any non-empty entry here fails accelerated-table construction with
	// ErrUniqueConstraintUnsupported (open question #1, resolved: the
	// reference accelerator never enforces them).
	UniqueKeys [][]string `json:"unique_keys,omitempty"`

	// ComputedColumns describes columns the accelerator adds beyond a
	// straight source projection (e.g. embeddings).
	ComputedColumns []ComputedColumnSpec `json:"computed_columns,omitempty"`
}

// ComputedColumnSpec names a column produced by the accelerator (not the
// source) plus the source columns it depends on, so the refresh-SQL
// validator can keep a selected computed column's inputs in the refresh
// projection automatically.
type ComputedColumnSpec struct {
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on"`
	ValueKind string   `json:"value_kind"` // e.g. "embedding_vector", "chunk_offset"
}

// EmbeddingsSpec configures an embedding computed-column pipeline for a
// dataset. Out of scope beyond its effect on ComputedColumns.
type EmbeddingsSpec struct {
	SourceColumn string `json:"source_column"`
	VectorColumn string `json:"vector_column"`
	Model        string `json:"model"`
}

// ReadyPolicy controls when a dataset is surfaced to the query layer.
type ReadyPolicy string

const (
	ReadyOnRegistration ReadyPolicy = "on_registration"
	ReadyOnLoad         ReadyPolicy = "on_load"
)

// Dataset is the declarative description of one table and its
// acceleration policy.
type Dataset struct {
	Name DatasetName `json:"name"`

	// Source locator: "<connector>:<path>", e.g. "s3:bucket/prefix" or
	// "postgres:public.orders".
	Connector string            `json:"connector"`
	Path      string            `json:"path"`
	Params    map[string]string `json:"params,omitempty"`

	Mode Mode `json:"mode"`

	Acceleration *Acceleration `json:"acceleration,omitempty"`

	Embeddings []EmbeddingsSpec `json:"embeddings,omitempty"`

	Ready ReadyPolicy `json:"ready"`

	HasMetadataTable bool `json:"has_metadata_table"`
}

// IsAccelerated reports whether this dataset has an acceleration policy.
func (d *Dataset) IsAccelerated() bool {
	return d != nil && d.Acceleration != nil
}

// Localpod reports whether the dataset's source is itself another
// accelerated table registered in this process. The convention,
// matching the connector naming scheme used throughout, is the
// reserved "localpod" connector name.
func (d *Dataset) Localpod() bool {
	return d != nil && d.Connector == "localpod"
}
