package fedaccel

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
)

// RecordBatch is one ordered columnar batch of rows sharing a schema.
// The reference accelerator and every connector in this module operate
// directly on Arrow records, the same representation DuckDB's Go driver
// and arrow-go dependency already use.
type RecordBatch = arrow.Record

// RecordBatchStream yields RecordBatch values until exhausted. Next
// returns io.EOF (via the stdlib io package) when no more batches remain.
// Implementations must be safe to Close before fully drained (refresh
// cancellation).
type RecordBatchStream interface {
	Next(ctx context.Context) (RecordBatch, error)
	Schema() *arrow.Schema
	Close() error
}

// InsertMode selects accelerator write semantics.
type InsertMode string

const (
	InsertAppend    InsertMode = "append"
	InsertOverwrite InsertMode = "overwrite"
	InsertReplace   InsertMode = "replace"
)

// UpdateType classifies a StreamingUpdate.
type UpdateType string

const (
	UpdateAppend    UpdateType = "append"
	UpdateOverwrite UpdateType = "overwrite"
	UpdateChanges   UpdateType = "changes"
)

// StreamingUpdate pairs a schema, an update type, and the batch stream
// that realizes it.
type StreamingUpdate struct {
	Schema     *arrow.Schema
	UpdateType UpdateType
	Batches    RecordBatchStream
}

// RowKind discriminates rows inside a Changes-mode batch.
type RowKind int8

const (
	RowKindInsert RowKind = iota
	RowKindUpdate
	RowKindDelete
)

// ChangeEnvelope pairs a change batch with a single-shot commit callback.
// The callback's non-invocation on failure is the contract that drives
// at-least-once redelivery.
type ChangeEnvelope struct {
	Batch  RecordBatch
	RowKindColumn string // name of the RowKind discriminator column in Batch
	Commit func() error
}

// Predicate is a boolean row predicate evaluated by Accelerator.Delete and
// by the refresh-SQL validator's WHERE clause. See
// predicate.go for the concrete tree (adapted from the
// Condition/CompositeCondition/KvCondition types in condition.go).
type Predicate interface {
	IsLeaf() bool
}

// SourceTableProvider abstracts a remote table as an object that yields
// Arrow record batches and a schema. A provider may be Immediate
// (schema known up front) or Deferred (schema resolved lazily, e.g. a
// write-only sink table) — see internal/federation for that split.
type SourceTableProvider interface {
	Schema(ctx context.Context) (*arrow.Schema, error)
	Scan(ctx context.Context, projection []string, filter Predicate, limit int) (RecordBatchStream, error)
}

// ReadWriteProvider is implemented by connectors that support a write path
// for a ReadWrite dataset.
type ReadWriteProvider interface {
	SourceTableProvider
	Insert(ctx context.Context, batches RecordBatchStream, mode InsertMode) (int64, error)
}

// ChangesStreamProvider is implemented by connectors whose source can
// emit row-level change envelopes.
type ChangesStreamProvider interface {
	ChangesStream(ctx context.Context) (<-chan ChangeEnvelope, error)
}

// AppendStreamProvider is implemented by connectors whose source can emit
// append-only batches without polling (required for RefreshMode=Append
// without a time column, /).
type AppendStreamProvider interface {
	AppendStream(ctx context.Context) (<-chan RecordBatch, error)
}

// MetadataProvider is implemented by connectors that expose a companion
// metadata table, registered under spice.metadata.<name>.
type MetadataProvider interface {
	MetadataTable(ctx context.Context) (SourceTableProvider, error)
}

// Accelerator is the local read/write store backing an accelerated
// dataset. MemTable (internal/accelerator/memtable) is the
// reference implementation; internal/accelerator/duckdbacc implements the
// same contract over an embedded DuckDB engine.
type Accelerator interface {
	Schema() *arrow.Schema
	Insert(ctx context.Context, batches RecordBatchStream, mode InsertMode) (int64, error)
	Delete(ctx context.Context, predicate Predicate) (int64, error)
	Scan(ctx context.Context, projection []string, filter Predicate, limit int) (RecordBatchStream, error)
	Constraints() []string // declared primary key columns, in order; nil if none
}

// Runtime is the process-wide entrypoint: register datasets, inspect
// status, and force refreshes. internal/registry's Registry implements
// this, constructed via factory.NewRuntime.
type Runtime interface {
	RegisterDataset(ctx context.Context, ds *Dataset) error
	DatasetStatus(name string) (Status, error)
	TriggerRefresh(ctx context.Context, name string, overrides RefreshOverrides) error
	Shutdown(ctx context.Context) error
}

// RefreshOverrides carries the manual-trigger overrides for one TriggerRefresh call.
type RefreshOverrides struct {
	RefreshSQL    string
	RefreshMode   RefreshMode
	AppendOverlap *int64 // nanoseconds; nil = no override
	DataWindow    *int64
}
