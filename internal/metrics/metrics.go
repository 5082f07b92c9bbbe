// Package metrics emits operational measures: refresh duration, rows
// read/written, refresh failures, retention rows removed, and
// accelerator partition/row counts. Grounded on telemetry.go: a
// package-level, swappable emitter function so callers can register a
// real metrics backend without this package taking a hard dependency on
// one.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Emitter receives one measurement. name follows the fedaccel_<noun>
// convention; labels carry the dataset name and any other dimension.
type Emitter func(ctx context.Context, name string, labels map[string]string, value float64)

var (
	mu   sync.Mutex
	impl Emitter = logOnlyEmitter
)

func logOnlyEmitter(_ context.Context, name string, labels map[string]string, value float64) {
	zap.S().Debugw("metric", "name", name, "labels", labels, "value", value)
}

// Register installs a custom emitter (e.g. a Prometheus or OTEL-backed
// one). Passing nil restores the log-only default.
func Register(fn Emitter) {
	mu.Lock()
	defer mu.Unlock()
	if fn == nil {
		impl = logOnlyEmitter
		return
	}
	impl = fn
}

func emit(ctx context.Context, name string, labels map[string]string, value float64) {
	mu.Lock()
	fn := impl
	mu.Unlock()
	fn(ctx, name, labels, value)
}

// RefreshDuration records a completed refresh job's wall-clock duration.
func RefreshDuration(ctx context.Context, dataset string, d time.Duration) {
	emit(ctx, "fedaccel_refresh_duration_seconds", map[string]string{"dataset": dataset}, d.Seconds())
}

// RowsRead records rows pulled from the source during a refresh.
func RowsRead(ctx context.Context, dataset string, rows int64) {
	emit(ctx, "fedaccel_refresh_rows_read", map[string]string{"dataset": dataset}, float64(rows))
}

// RowsWritten records rows applied to the accelerator during a refresh.
func RowsWritten(ctx context.Context, dataset string, rows int64) {
	emit(ctx, "fedaccel_refresh_rows_written", map[string]string{"dataset": dataset}, float64(rows))
}

// RefreshFailure increments the failure counter for dataset, tagged by
// the FedError code that caused it.
func RefreshFailure(ctx context.Context, dataset, code string) {
	emit(ctx, "fedaccel_refresh_failures_total", map[string]string{"dataset": dataset, "code": code}, 1)
}

// RetentionRemoved records rows pruned by a retention sweep.
func RetentionRemoved(ctx context.Context, dataset string, rows int64) {
	emit(ctx, "fedaccel_retention_rows_removed", map[string]string{"dataset": dataset}, float64(rows))
}

// AcceleratorRowCount records the accelerator's current row count.
func AcceleratorRowCount(ctx context.Context, dataset string, rows int64) {
	emit(ctx, "fedaccel_accelerator_row_count", map[string]string{"dataset": dataset}, float64(rows))
}

// AcceleratorPartitionCount records the accelerator's current partition
// (or batch-file) count, relevant to file-mode DuckDB accelerators.
func AcceleratorPartitionCount(ctx context.Context, dataset string, partitions int64) {
	emit(ctx, "fedaccel_accelerator_partition_count", map[string]string{"dataset": dataset}, float64(partitions))
}
