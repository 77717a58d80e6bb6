// Package filter is the metadata filter index: it answers boolean predicates
// over capture attributes with the set of matching capture ids.
package filter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/logging"
	"github.com/Aman-CERP/tonecapture/internal/registry"
)

// Backend names accepted by New.
const (
	BackendBitmap = "bitmap"
	BackendBleve  = "bleve"
)

type backend interface {
	name() string
	index(id string, attrs capture.Attributes) error
	remove(id string) error
	query(ctx context.Context, p Predicate) (IDSet, error)
	count() int
	reset()
	close() error
}

// Index is the filter index. It is a registry subscriber and keeps itself in
// sync with the registry's change log.
type Index struct {
	mu       sync.RWMutex
	b        backend
	lastSeq  map[string]int64
	degraded error
	logger   *slog.Logger
}

var _ registry.Subscriber = (*Index)(nil)

// New creates an empty index using the named backend ("" means bitmap).
func New(backendName string, logger *slog.Logger) (*Index, error) {
	var b backend
	switch backendName {
	case "", BackendBitmap:
		b = newBitmapBackend()
	case BackendBleve:
		bb, err := newBleveBackend()
		if err != nil {
			return nil, err
		}
		b = bb
	default:
		return nil, tcerrors.ValidationError(fmt.Sprintf("unknown filter backend %q", backendName), nil).
			WithSuggestion("use bitmap or bleve")
	}
	return &Index{
		b:       b,
		lastSeq: make(map[string]int64),
		logger:  logging.OrDiscard(logger).With(slog.String("module", "filter"), slog.String("backend", b.name())),
	}, nil
}

// Backend returns the backend name.
func (x *Index) Backend() string { return x.b.name() }

// Index adds or replaces a capture. Indexing the same capture twice is a no-op.
func (x *Index) Index(c *capture.Capture) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.index(c.ID, fields(c))
}

// Remove drops a capture. Removing an unknown id is a no-op.
func (x *Index) Remove(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.remove(id)
}

// Len returns the number of indexed captures.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.b.count()
}

// Query returns the ids of captures matching p. A degraded index refuses to
// answer with a ConsistencyError.
func (x *Index) Query(ctx context.Context, p Predicate) (IDSet, error) {
	if p == nil {
		p = All()
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.degraded != nil {
		return nil, tcerrors.ConsistencyError("filter index is degraded", x.degraded).
			WithSuggestion("run `tonecapture check --repair` to rebuild the indexes")
	}
	set, err := x.b.query(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			return nil, tcerrors.CancelledError("filter query cancelled", ctx.Err())
		}
		return nil, err
	}
	return set, nil
}

// Name implements registry.Subscriber.
func (x *Index) Name() string { return "filter" }

// Apply implements registry.Subscriber. Events older than the last one
// applied for the same capture are ignored.
func (x *Index) Apply(_ context.Context, ev registry.Event) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if ev.Seq <= x.lastSeq[ev.ID] {
		return nil
	}
	var err error
	switch ev.Op {
	case registry.OpUpsert:
		if ev.Capture == nil {
			return tcerrors.InternalError("upsert event without capture", nil).WithDetail("id", ev.ID)
		}
		err = x.b.index(ev.ID, fields(ev.Capture))
	case registry.OpRemove:
		err = x.b.remove(ev.ID)
	default:
		return tcerrors.InternalError(fmt.Sprintf("unknown event op %q", ev.Op), nil)
	}
	if err != nil {
		return err
	}
	x.lastSeq[ev.ID] = ev.Seq
	return nil
}

// Reset implements registry.Subscriber.
func (x *Index) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.b.reset()
	x.lastSeq = make(map[string]int64)
	x.degraded = nil
}

// MarkDegraded implements registry.Subscriber.
func (x *Index) MarkDegraded(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.degraded == nil {
		x.degraded = err
		x.logger.Error("filter index degraded", slog.String("error", err.Error()))
	}
}

// Degraded returns the error that degraded the index, nil when healthy.
func (x *Index) Degraded() error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.degraded
}

// IDs returns every indexed id.
func (x *Index) IDs(ctx context.Context) (IDSet, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.b.query(ctx, All())
}

// Close releases backend resources.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.close()
}

func invalidQuery(format string, args ...any) error {
	return tcerrors.InvalidQueryError(fmt.Sprintf(format, args...), nil)
}

// rangeBounds checks that a range compares numbers or dates, one class only,
// and returns its ordinal ends.
func rangeBounds(p rangePred) (lo, hi capture.Ordinal, class string, err error) {
	if !p.lo.Set && !p.hi.Set {
		return lo, hi, "", invalidQuery("range on %s has no bounds", p.attr)
	}
	for _, b := range []Bound{p.lo, p.hi} {
		if !b.Set {
			continue
		}
		if !ordered(b.Value) {
			return lo, hi, "", invalidQuery("range on %s needs numbers or dates, got %s", p.attr, b.Value.Type())
		}
		c := valueClass(b.Value)
		if class != "" && c != class {
			return lo, hi, "", invalidQuery("range on %s mixes numbers and dates", p.attr)
		}
		class = c
	}
	if p.lo.Set {
		lo, _ = p.lo.Value.Ordinal()
	}
	if p.hi.Set {
		hi, _ = p.hi.Value.Ordinal()
	}
	return lo, hi, class, nil
}
