// Package federation models a federated source as either an Immediate
// provider (schema known up front) or a Deferred one (schema resolved
// lazily, e.g. a write-only sink table whose shape is learned from its
// first write): a variant {Immediate(provider), Deferred(lazy loader)}
// rather than dynamic dispatch spread throughout the registry.
package federation

import (
	"context"
	"fmt"
	"sync"

	"github.com/lychee-technology/fedaccel"
)

// Provider is the sum type described above. Exactly one of Immediate or
// Deferred is set.
type Provider struct {
	Immediate fedaccel.SourceTableProvider
	Deferred  *DeferredLoader
}

// IsDeferred reports whether this provider's schema is not yet known.
func (p Provider) IsDeferred() bool { return p.Deferred != nil }

// Resolve blocks (if deferred) until a schema is available, returning the
// concrete SourceTableProvider either way.
func (p Provider) Resolve(ctx context.Context) (fedaccel.SourceTableProvider, error) {
	if p.Deferred != nil {
		return p.Deferred.Resolve(ctx)
	}
	return p.Immediate, nil
}

// DeferredLoader resolves a provider's schema from its first write. A
// registration against a sink connector is "parked": the dataset is
// marked Ready immediately with a placeholder write path, and real
// accelerator construction waits for Promote to be called.
type DeferredLoader struct {
	mu       sync.Mutex
	resolved fedaccel.SourceTableProvider
	waiters  []chan struct{}
}

// NewDeferredLoader returns an unresolved loader.
func NewDeferredLoader() *DeferredLoader {
	return &DeferredLoader{}
}

// Promote supplies the now-known provider, unblocking every call to
// Resolve. Only the first call takes effect; subsequent calls are no-ops.
func (d *DeferredLoader) Promote(provider fedaccel.SourceTableProvider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolved != nil {
		return
	}
	d.resolved = provider
	for _, w := range d.waiters {
		close(w)
	}
	d.waiters = nil
}

// Resolve blocks until Promote is called or ctx is done.
func (d *DeferredLoader) Resolve(ctx context.Context) (fedaccel.SourceTableProvider, error) {
	d.mu.Lock()
	if d.resolved != nil {
		p := d.resolved
		d.mu.Unlock()
		return p, nil
	}
	ready := make(chan struct{})
	d.waiters = append(d.waiters, ready)
	d.mu.Unlock()

	select {
	case <-ready:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.resolved, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingSinkEntry is one queued (dataset, secrets) registration awaiting
// its first write; first write resolves the schema and promotes the
// entry to a real accelerated table.
type PendingSinkEntry struct {
	Dataset *fedaccel.Dataset
	Loader  *DeferredLoader
}

// PendingSinkQueue is the registry of parked sink datasets awaiting
// their first write.
type PendingSinkQueue struct {
	mu      sync.Mutex
	entries map[string]*PendingSinkEntry
}

func NewPendingSinkQueue() *PendingSinkQueue {
	return &PendingSinkQueue{entries: make(map[string]*PendingSinkEntry)}
}

// Park registers a dataset whose schema is not yet known.
func (q *PendingSinkQueue) Park(name string, entry *PendingSinkEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[name] = entry
}

// FirstWrite promotes the parked entry for name with the now-known
// schema's provider, returning it so the caller can finish accelerated
// table construction. Returns an error if name was never parked.
func (q *PendingSinkQueue) FirstWrite(name string, provider fedaccel.SourceTableProvider) (*PendingSinkEntry, error) {
	q.mu.Lock()
	entry, ok := q.entries[name]
	if ok {
		delete(q.entries, name)
	}
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("federation: no pending sink registration for %q", name)
	}
	entry.Loader.Promote(provider)
	return entry, nil
}
