package refresh

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"github.com/lychee-technology/fedaccel"
	"github.com/lychee-technology/fedaccel/internal/breaker"
	"github.com/lychee-technology/fedaccel/internal/checkpoint"
	"github.com/lychee-technology/fedaccel/internal/metrics"
)

// State is one of the refresh job's lifecycle states.
type State string

const (
	StateIdle       State = "idle"
	StateRefreshing State = "refreshing"
	StateCommitting State = "committing"
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

// TriggerKind names why a refresh job ran, for logging and the manual
// overrides path.
type TriggerKind string

const (
	TriggerTimed    TriggerKind = "timed"
	TriggerManual   TriggerKind = "manual"
	TriggerReactive TriggerKind = "reactive"
	TriggerParent   TriggerKind = "parent"
)

// Config wires one dataset's refresh engine.
type Config struct {
	Dataset      string
	Source       fedaccel.SourceTableProvider
	Accelerator  fedaccel.Accelerator
	Acceleration *fedaccel.Acceleration
	Status       *fedaccel.StatusHandle
	Checkpoints  checkpoint.Store

	// RefreshProjection/RefreshWhere come from refreshsql.Validate against
	// Acceleration.RefreshSQL; nil projection means "*".
	RefreshProjection []string
	RefreshWhere      string

	// Changes/Appends are non-nil only when the source implements the
	// corresponding stream provider.
	Changes <-chan fedaccel.ChangeEnvelope
	Appends <-chan fedaccel.RecordBatch

	// Parent is set for a localpod dataset whose synchronization attempt
	// succeeded; nil means independent scheduling.
	Parent *Engine

	Logger *zap.Logger
}

// Engine drives one dataset's refresh job state machine: a per-dataset
// advisory-lock-guarded pass that checks thresholds, exports a batch, and
// marks a watermark, generalized from a one-shot CLI invocation into a
// long-lived loop with timed/reactive/manual/parent triggers.
type Engine struct {
	cfg Config

	singleFlight sync.Mutex // "at most one job runs at a time"

	mu         sync.Mutex
	state      State
	lastSeen   *Watermark
	readyLatch chan struct{}
	readyOnce  sync.Once
	useSource  bool // zero-result UseSource fallback currently active

	breaker *breaker.Breaker
	attempt int

	broadcast *refreshCompleteBroadcast

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs an Engine in Idle, with its readiness latch open iff a
// checkpoint already exists for cfg.Dataset.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	e := &Engine{
		cfg:        cfg,
		state:      StateIdle,
		lastSeen:   NewWatermark(),
		readyLatch: make(chan struct{}),
		breaker:    breaker.New(5, time.Minute, 30*time.Second),
		broadcast:  newRefreshCompleteBroadcast(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	if cfg.Checkpoints != nil {
		exists, err := cfg.Checkpoints.Exists(cfg.Dataset)
		if err != nil {
			return nil, err
		}
		if exists {
			e.markReady()
			cfg.Status.Set(fedaccel.StatusReady, nil)
		}
	}
	return e, nil
}

// Broadcast exposes this engine's refresh-complete channel so a localpod
// child can Subscribe.
func (e *Engine) Broadcast() interface{ Subscribe() <-chan struct{} } { return e.broadcast }

func (e *Engine) markReady() {
	e.readyOnce.Do(func() { close(e.readyLatch) })
}

// WaitReady blocks until the first successful refresh (or an existing
// checkpoint) opens the readiness latch, or ctx is cancelled.
func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case <-e.readyLatch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Run starts the trigger loop: a timer (perturbed by jitter), the
// reactive change/append channels, and (if Parent is set) the parent's
// refresh-complete broadcast instead of an independent timer. Run blocks
// until ctx is cancelled or Stop is called; callers run it in its own
// goroutine, one per dataset.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.doneCh)

	timed := e.cfg.Parent == nil && e.cfg.Acceleration.RefreshCheckInterval > 0
	var timer *time.Timer
	var timerC <-chan time.Time
	if timed {
		timer = time.NewTimer(jittered(e.cfg.Acceleration.RefreshCheckInterval, e.cfg.Acceleration.RefreshMaxJitter))
		defer timer.Stop()
		timerC = timer.C
	}

	var parentCh <-chan struct{}
	if e.cfg.Parent != nil {
		parentCh = e.cfg.Parent.broadcast.Subscribe()
	}

	for {
		select {
		case <-ctx.Done():
			e.setState(StateStopped)
			return
		case <-e.stopCh:
			e.setState(StateStopped)
			return
		case <-timerC:
			e.runJob(ctx, TriggerTimed, nil)
			timer.Reset(jittered(e.cfg.Acceleration.RefreshCheckInterval, e.cfg.Acceleration.RefreshMaxJitter))
		case <-parentCh:
			e.runJob(ctx, TriggerParent, nil)
			parentCh = e.cfg.Parent.broadcast.Subscribe()
		case envelope, ok := <-e.cfg.Changes:
			if !ok {
				e.cfg.Changes = nil
				continue
			}
			e.applyChangeEnvelope(ctx, envelope)
		case batch, ok := <-e.cfg.Appends:
			if !ok {
				e.cfg.Appends = nil
				continue
			}
			e.applyAppendBatch(ctx, batch)
		}
	}
}

// Stop requests cooperative shutdown; cancellation at any suspension
// point leaves the accelerator in its pre-job state for Full/Append, and
// redelivers uncommitted Changes envelopes.
func (e *Engine) Stop() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	<-e.doneCh
}

// TriggerRefresh executes one manual refresh job, applying overrides.
// It blocks until the job completes; if another job is already running,
// the trigger is dropped and TriggerRefresh returns nil at once.
func (e *Engine) TriggerRefresh(ctx context.Context, overrides fedaccel.RefreshOverrides) error {
	return e.runJob(ctx, TriggerManual, &overrides)
}

func jittered(interval, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return interval
	}
	return interval + time.Duration(rand.Int63n(int64(maxJitter)))
}

// runJob executes a single refresh pass, serialized by singleFlight so
// "at most one refresh per dataset is active at any instant"
// holds even if a timed and a manual trigger race.
func (e *Engine) runJob(ctx context.Context, trigger TriggerKind, overrides *fedaccel.RefreshOverrides) error {
	if !e.singleFlight.TryLock() {
		return nil // a refresh is already in flight; this trigger is dropped, not queued
	}
	defer e.singleFlight.Unlock()

	e.setState(StateRefreshing)
	e.cfg.Status.Set(fedaccel.StatusRefreshing, nil)
	start := time.Now()

	mode := e.cfg.Acceleration.RefreshMode
	if overrides != nil && overrides.RefreshMode != "" {
		mode = overrides.RefreshMode
	}

	var rows int64
	var err error
	switch mode {
	case fedaccel.RefreshModeAppend:
		rows, err = e.runAppend(ctx, overrides)
	case fedaccel.RefreshModeChanges:
		rows, err = e.runChanges(ctx)
	default:
		rows, err = e.runFull(ctx, overrides)
	}

	metrics.RefreshDuration(ctx, e.cfg.Dataset, time.Since(start))

	if err != nil {
		return e.handleJobFailure(ctx, trigger, overrides, err)
	}

	e.attempt = 0
	e.breaker.RecordSuccess()
	e.setState(StateIdle)
	e.cfg.Status.Set(fedaccel.StatusReady, nil)
	e.markReady()
	if e.cfg.Checkpoints != nil && rows > 0 {
		_ = e.cfg.Checkpoints.Mark(e.cfg.Dataset)
	}
	e.broadcast.Publish()
	metrics.RowsWritten(ctx, e.cfg.Dataset, rows)
	return nil
}

// handleJobFailure consults the retry policy: schedule
// a backoff retry up to MaxAttempts, else degrade to Error status while
// leaving previously loaded data readable.
func (e *Engine) handleJobFailure(ctx context.Context, trigger TriggerKind, overrides *fedaccel.RefreshOverrides, err error) error {
	e.breaker.RecordFailure()
	code := "unknown"
	if fe, ok := err.(*fedaccel.FedError); ok {
		code = fe.Code
	}
	metrics.RefreshFailure(ctx, e.cfg.Dataset, code)
	e.cfg.Logger.Sugar().Warnw("refresh job failed", "dataset", e.cfg.Dataset, "trigger", trigger, "code", code, "err", err)

	retry := e.cfg.Acceleration.Retry
	fe, ok := err.(*fedaccel.FedError)
	if !retry.Enabled || !ok || !fe.Retriable() {
		e.setState(StateFailed)
		e.cfg.Status.Set(fedaccel.StatusError, err)
		return err
	}

	e.attempt++
	if retry.MaxAttempts > 0 && e.attempt > retry.MaxAttempts {
		e.setState(StateFailed)
		e.cfg.Status.Set(fedaccel.StatusError, err)
		return err
	}
	// A scheduled retry leaves the dataset Refreshing->Idle without
	// surfacing Error, then itself re-invokes the same job after the
	// backoff. It can't rely on the next natural timer tick: Run's timer
	// may not exist at all (RefreshCheckInterval=0 is legal), and even
	// when it exists, waiting inline here would only delay that tick
	// instead of retrying this job. The retry competes for the
	// singleFlight slot like any other trigger.
	e.setState(StateIdle)
	go e.retryAfterBackoff(ctx, trigger, overrides, retry, e.attempt)
	return err
}

// retryAfterBackoff waits out retry's backoff for attempt, then re-runs the
// failed job unless ctx or Stop cancel the wait first.
func (e *Engine) retryAfterBackoff(ctx context.Context, trigger TriggerKind, overrides *fedaccel.RefreshOverrides, retry fedaccel.RetryPolicy, attempt int) {
	if err := breaker.WaitAttempt(ctx, retry, attempt); err != nil {
		return
	}
	select {
	case <-e.stopCh:
		return
	case <-ctx.Done():
		return
	default:
	}
	_ = e.runJob(ctx, trigger, overrides)
}

// runFull executes the Full refresh algorithm: scan the source
// (optionally narrowed by refresh-SQL), and apply the result as an
// Overwrite streaming update. Zero rows honor OnZeroResults.
func (e *Engine) runFull(ctx context.Context, overrides *fedaccel.RefreshOverrides) (int64, error) {
	projection := e.cfg.RefreshProjection
	var filter fedaccel.Predicate
	where := e.cfg.RefreshWhere
	if overrides != nil && overrides.RefreshSQL != "" {
		where = overrides.RefreshSQL
	}
	if where != "" {
		filter = &fedaccel.RawSQLPredicate{SQL: where}
	}

	stream, err := e.cfg.Source.Scan(ctx, projection, filter, 0)
	if err != nil {
		return 0, classifySourceErr(e.cfg.Dataset, err)
	}
	defer stream.Close()

	rowsRead, err := e.countStream(ctx, stream)
	if err != nil {
		return 0, err
	}
	metrics.RowsRead(ctx, e.cfg.Dataset, rowsRead)

	if rowsRead == 0 {
		return e.applyZeroResult(ctx)
	}

	e.useSource = false
	stream2, err := e.cfg.Source.Scan(ctx, projection, filter, 0)
	if err != nil {
		return 0, classifySourceErr(e.cfg.Dataset, err)
	}
	defer stream2.Close()

	e.setState(StateCommitting)
	n, err := e.cfg.Accelerator.Insert(ctx, stream2, fedaccel.InsertOverwrite)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// applyZeroResult implements "Zero-result policy": ReturnEmpty still
// writes the empty snapshot; UseSource skips the write and flips the
// read-routing flag so queries fall through to the source until the next
// non-empty refresh.
func (e *Engine) applyZeroResult(ctx context.Context) (int64, error) {
	if e.cfg.Acceleration.OnZeroResults == fedaccel.OnZeroResultsUseSource {
		e.useSource = true
		return 0, nil
	}
	empty := emptyStream{schema: e.cfg.Accelerator.Schema()}
	e.setState(StateCommitting)
	return e.cfg.Accelerator.Insert(ctx, empty, fedaccel.InsertOverwrite)
}

// UsingSource reports whether reads are currently falling through to the
// source because the last refresh produced zero rows under UseSource
// policy.
func (e *Engine) UsingSource() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.useSource
}

// runAppend executes the Append refresh algorithm. With a time
// column it queries rows newer than last_seen_time-overlap (or within
// data_window) and applies them as Append, upgrading to Replace when a
// primary key is declared. Without a time column it relies entirely on
// the reactive append stream and this call is a no-op.
func (e *Engine) runAppend(ctx context.Context, overrides *fedaccel.RefreshOverrides) (int64, error) {
	tc := e.cfg.Acceleration.TimeColumn
	if tc == nil {
		return 0, nil // driven entirely by e.cfg.Appends in Run's select loop
	}

	overlap := e.cfg.Acceleration.RefreshAppendOverlap
	window := e.cfg.Acceleration.RefreshDataWindow
	if overrides != nil {
		if overrides.AppendOverlap != nil {
			overlap = time.Duration(*overrides.AppendOverlap)
		}
		if overrides.DataWindow != nil {
			window = time.Duration(*overrides.DataWindow)
		}
	}

	since := e.lastSeen.Get().Add(-overlap)
	if window > 0 {
		windowStart := time.Now().Add(-window)
		if windowStart.After(since) {
			since = windowStart
		}
	}

	filter := fedaccel.Gt(tc.Column, since)
	stream, err := e.cfg.Source.Scan(ctx, e.cfg.RefreshProjection, filter, 0)
	if err != nil {
		return 0, classifySourceErr(e.cfg.Dataset, err)
	}
	defer stream.Close()

	mode := fedaccel.InsertAppend
	if len(e.cfg.Accelerator.Constraints()) > 0 {
		mode = fedaccel.InsertReplace // "Append internally upgrades to Replace semantics"
	}

	e.setState(StateCommitting)
	n, err := e.cfg.Accelerator.Insert(ctx, stream, mode)
	if err != nil {
		return 0, err
	}
	e.lastSeen.Advance(time.Now())
	return n, nil
}

// runChanges returns at once with zero rows: Changes-mode work happens
// per envelope in applyChangeEnvelope via Run's select loop, so a
// manually-triggered Changes refresh has nothing of its own to apply.
func (e *Engine) runChanges(ctx context.Context) (int64, error) {
	return 0, nil
}

// applyChangeEnvelope partitions one envelope's batch by row kind and
// applies insert/update/delete semantics separately — inserts append,
// updates replace-by-primary-key, deletes delete-by-primary-key (// "Mode = Changes") — invoking Commit only once every kind has been
// applied, so the source can redeliver the whole envelope on any failure
//.
func (e *Engine) applyChangeEnvelope(ctx context.Context, envelope fedaccel.ChangeEnvelope) {
	if !e.singleFlight.TryLock() {
		return
	}
	defer e.singleFlight.Unlock()

	e.setState(StateRefreshing)
	e.cfg.Status.Set(fedaccel.StatusRefreshing, nil)

	inserts, updates, deletes, err := splitChangeEnvelope(envelope.Batch, envelope.RowKindColumn)
	if err != nil {
		e.failChangeEnvelope(ctx, "changes_split", err)
		return
	}

	var total int64
	e.setState(StateCommitting)

	if inserts != nil {
		n, err := e.cfg.Accelerator.Insert(ctx, &singleRecordStream{schema: inserts.Schema(), rec: inserts}, fedaccel.InsertAppend)
		if err != nil {
			e.failChangeEnvelope(ctx, "changes_insert", err)
			return
		}
		total += n
	}

	if updates != nil {
		mode := fedaccel.InsertAppend
		if len(e.cfg.Accelerator.Constraints()) > 0 {
			mode = fedaccel.InsertReplace
		}
		n, err := e.cfg.Accelerator.Insert(ctx, &singleRecordStream{schema: updates.Schema(), rec: updates}, mode)
		if err != nil {
			e.failChangeEnvelope(ctx, "changes_update", err)
			return
		}
		total += n
	}

	if deletes != nil {
		pred, err := buildDeletePredicate(deletes, e.cfg.Accelerator.Constraints())
		if err != nil {
			e.failChangeEnvelope(ctx, "changes_delete", err)
			return
		}
		n, err := e.cfg.Accelerator.Delete(ctx, pred)
		if err != nil {
			e.failChangeEnvelope(ctx, "changes_delete", err)
			return
		}
		total += n
	}

	if envelope.Commit != nil {
		if cerr := envelope.Commit(); cerr != nil {
			e.cfg.Logger.Sugar().Errorw("changes envelope commit callback failed", "dataset", e.cfg.Dataset, "err", cerr)
		}
	}

	e.setState(StateIdle)
	e.cfg.Status.Set(fedaccel.StatusReady, nil)
	e.markReady()
	if e.cfg.Checkpoints != nil && total > 0 {
		_ = e.cfg.Checkpoints.Mark(e.cfg.Dataset)
	}
	e.broadcast.Publish()
	metrics.RowsWritten(ctx, e.cfg.Dataset, total)
}

func (e *Engine) failChangeEnvelope(ctx context.Context, metricCode string, err error) {
	e.cfg.Logger.Sugar().Errorw("changes envelope apply failed; will be redelivered", "dataset", e.cfg.Dataset, "err", err)
	e.setState(StateFailed)
	e.cfg.Status.Set(fedaccel.StatusError, err)
	metrics.RefreshFailure(ctx, e.cfg.Dataset, metricCode)
}

// applyAppendBatch handles Append-without-time-column reactive delivery
//.
func (e *Engine) applyAppendBatch(ctx context.Context, batch fedaccel.RecordBatch) {
	if !e.singleFlight.TryLock() {
		return
	}
	defer e.singleFlight.Unlock()

	e.setState(StateRefreshing)
	stream := &singleRecordStream{schema: batch.Schema(), rec: batch}
	e.setState(StateCommitting)
	n, err := e.cfg.Accelerator.Insert(ctx, stream, fedaccel.InsertAppend)
	if err != nil {
		e.setState(StateFailed)
		e.cfg.Status.Set(fedaccel.StatusError, err)
		return
	}
	e.setState(StateIdle)
	e.cfg.Status.Set(fedaccel.StatusReady, nil)
	e.markReady()
	if e.cfg.Checkpoints != nil && n > 0 {
		_ = e.cfg.Checkpoints.Mark(e.cfg.Dataset)
	}
	metrics.RowsWritten(ctx, e.cfg.Dataset, n)
}

func (e *Engine) countStream(ctx context.Context, s fedaccel.RecordBatchStream) (int64, error) {
	var total int64
	for {
		rec, err := s.Next(ctx)
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
		if rec == nil {
			return total, nil
		}
		total += rec.NumRows()
	}
}

func classifySourceErr(dataset string, err error) error {
	if fe, ok := err.(*fedaccel.FedError); ok {
		return fe
	}
	return fedaccel.NewTransientError(fedaccel.ComponentConnector, fedaccel.CodeSourceUnreachable, err.Error()).WithDataset(dataset).WithCause(err)
}

// emptyStream yields no records, used to apply an empty Overwrite under
// OnZeroResults=ReturnEmpty.
type emptyStream struct{ schema *arrow.Schema }

func (emptyStream) Next(ctx context.Context) (fedaccel.RecordBatch, error) { return nil, io.EOF }
func (e emptyStream) Schema() *arrow.Schema                               { return e.schema }
func (emptyStream) Close() error                                          { return nil }

// singleRecordStream adapts one already-fetched record into a
// RecordBatchStream, used to feed a Changes/Append envelope batch into
// Accelerator.Insert without a round trip through the source. Must be
// used via pointer so the "already yielded" state survives across calls.
type singleRecordStream struct {
	schema *arrow.Schema
	rec    fedaccel.RecordBatch
	done   bool
}

func (s *singleRecordStream) Next(ctx context.Context) (fedaccel.RecordBatch, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	return s.rec, nil
}
func (s *singleRecordStream) Schema() *arrow.Schema { return s.schema }
func (s *singleRecordStream) Close() error          { return nil }
