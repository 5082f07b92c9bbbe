// Package retention implements the background pruner: every
// retention_check_interval, if enabled and a time column is configured,
// delete accelerator rows older than now - retention_period. Grounded on
// the same CDC flush-threshold pattern the refresh engine uses (time-bound
// cutoff, swallow-and-retry failure policy, never fatal to the dataset).
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lychee-technology/fedaccel"
	"github.com/lychee-technology/fedaccel/internal/metrics"
)

// Config wires one dataset's retention enforcer.
type Config struct {
	Dataset     string
	Accelerator fedaccel.Accelerator
	Policy      fedaccel.RetentionPolicy
	TimeColumn  *fedaccel.TimeColumnSpec
	Logger      *zap.Logger
	Now         func() time.Time // overridable for tests; defaults to time.Now
}

// Enforcer runs Config's retention sweep on a timer until Stop is called.
type Enforcer struct {
	cfg    Config
	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns an Enforcer, or nil if retention is not applicable for this
// dataset: retention requires check_enabled and either a time_column or
// a time_partition_column to be set.
func New(cfg Config) *Enforcer {
	if !cfg.Policy.CheckEnabled || cfg.Policy.Period <= 0 {
		return nil
	}
	if cfg.TimeColumn == nil || (cfg.TimeColumn.Column == "" && cfg.TimeColumn.PartitionColumn == "") {
		return nil
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Enforcer{cfg: cfg, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

// Run loops every Policy.CheckInterval, calling Sweep and logging (never
// surfacing) any failure, until ctx is cancelled or Stop is called.
func (e *Enforcer) Run(ctx context.Context) {
	defer close(e.doneCh)

	interval := e.cfg.Policy.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil {
				e.cfg.Logger.Sugar().Warnw("retention sweep failed; will retry next tick",
					"dataset", e.cfg.Dataset, "err", err)
			}
		}
	}
}

// Stop requests cooperative shutdown and waits for Run to exit.
func (e *Enforcer) Stop() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	<-e.doneCh
}

// Sweep deletes rows whose time value is strictly less than
// now - retention_period, returning the removed row count.
func (e *Enforcer) Sweep(ctx context.Context) (int64, error) {
	column := e.cfg.TimeColumn.Column
	if column == "" {
		column = e.cfg.TimeColumn.PartitionColumn
	}
	cutoff := e.cfg.Now().Add(-e.cfg.Policy.Period)

	removed, err := e.cfg.Accelerator.Delete(ctx, fedaccel.Lt(column, cutoff))
	if err != nil {
		return 0, err
	}
	metrics.RetentionRemoved(ctx, e.cfg.Dataset, removed)
	return removed, nil
}
