package registry

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/lychee-technology/fedaccel"
	"github.com/lychee-technology/fedaccel/internal/federation"
	"github.com/lychee-technology/fedaccel/internal/secrets"
)

// localpodConnector backs "localpod" datasets: a second
// accelerated copy of an already-registered accelerated table, read
// directly off the parent's in-process Accelerator rather than re-querying
// the upstream federated source. It is registered unexported, directly on
// the owning Registry, because satisfying ConnectorFactory here needs read
// access to r.catalog; a standalone package would need a back-reference to
// Registry and create an import cycle for no benefit.
type localpodConnector struct {
	reg *Registry
}

func (*localpodConnector) Name() string { return "localpod" }

// Open treats path as the parent dataset's fully-qualified name and
// returns a SourceTableProvider that scans the parent's live Accelerator.
// Returns a connectivity error if the parent is not yet (or no longer)
// accelerated, matching the "independent scheduling" fallback documented
// on lookupLocalpodParent, just surfaced as a registration-time error
// instead of a silent no-sync fallback, since Open here has no accelerator
// to read from at all without one.
func (c *localpodConnector) Open(ctx context.Context, path string, _ secrets.Map) (federation.Provider, error) {
	c.reg.mu.RLock()
	parent, ok := c.reg.catalog[path]
	c.reg.mu.RUnlock()
	if !ok || !parent.accelerated || parent.accelerator == nil {
		return federation.Provider{}, fedaccel.NewConnectivityError(fedaccel.ComponentConnector, fedaccel.CodeSourceUnreachable,
			fmt.Sprintf("localpod connector: parent dataset %q is not an accelerated table", path))
	}
	return federation.Provider{Immediate: &localpodProvider{parentPath: path, reg: c.reg}}, nil
}

// localpodProvider re-resolves the parent accelerator on every call rather
// than caching it at Open time, since the parent's accelerator can be
// replaced (e.g. a future re-registration) while this dataset lives on.
type localpodProvider struct {
	parentPath string
	reg        *Registry
}

var _ fedaccel.SourceTableProvider = (*localpodProvider)(nil)

func (p *localpodProvider) parent() (fedaccel.Accelerator, error) {
	p.reg.mu.RLock()
	defer p.reg.mu.RUnlock()
	e, ok := p.reg.catalog[p.parentPath]
	if !ok || !e.accelerated || e.accelerator == nil {
		return nil, fedaccel.NewConnectivityError(fedaccel.ComponentConnector, fedaccel.CodeSourceUnreachable,
			fmt.Sprintf("localpod connector: parent dataset %q is no longer an accelerated table", p.parentPath))
	}
	return e.accelerator, nil
}

func (p *localpodProvider) Schema(ctx context.Context) (*arrow.Schema, error) {
	acc, err := p.parent()
	if err != nil {
		return nil, err
	}
	return acc.Schema(), nil
}

func (p *localpodProvider) Scan(ctx context.Context, projection []string, filter fedaccel.Predicate, limit int) (fedaccel.RecordBatchStream, error) {
	acc, err := p.parent()
	if err != nil {
		return nil, err
	}
	return acc.Scan(ctx, projection, filter, limit)
}
