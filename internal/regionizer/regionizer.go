// Package regionizer partitions active cells into connected regions and runs
// the merge and split transactions that keep that partition current.
package regionizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/tickregions/internal/logging"
	"github.com/signalsfoundry/tickregions/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/tickregions/internal/regionizer"

var (
	// ErrInTick is returned when a tick-time caller (owner in context) or a
	// transaction callback asks for a transaction directly.
	ErrInTick = errors.New("regionizer: transaction requested from inside a tick")
	// ErrCellHeld is returned when the keep-alive predicate still holds a cell.
	ErrCellHeld = errors.New("regionizer: cell is held")
	// ErrAlreadyActive indicates the cell already belongs to a region.
	ErrAlreadyActive = errors.New("regionizer: cell already active")
	// ErrNotActive indicates the cell belongs to no region.
	ErrNotActive = errors.New("regionizer: cell not active")
	// ErrNotOwner is the panic value of a failed ownership assertion.
	ErrNotOwner = errors.New("regionizer: caller does not own cell")
	// ErrPayloadsFrozen is the panic value of a late payload registration.
	ErrPayloadsFrozen = errors.New("regionizer: payload kinds are frozen after first activation")
)

// Callbacks observe region lifecycle events. They run inside the
// transaction, after the cell mapping has been swapped, with a context for
// which InTransaction reports true. They must not call Activate or
// Deactivate. Nil fields are skipped.
type Callbacks struct {
	RegionCreated func(ctx context.Context, r *Region)
	RegionRetired func(ctx context.Context, r *Region)
	CellAdded     func(ctx context.Context, r *Region, c model.Cell)
	CellRemoved   func(ctx context.Context, r *Region, c model.Cell)
	// PreMerge and PreSplit run before payload hooks, with the regions
	// quiesced and the old mapping still in place.
	PreMerge func(ctx context.Context, from, into *Region)
	PreSplit func(ctx context.Context, from *Region, targets []*Region)
}

// MetricsRecorder captures regionizer activity.
type MetricsRecorder interface {
	ObserveTransaction(kind string, d time.Duration)
	SetRegionCounts(regions, cells int)
}

// Option configures a Regionizer.
type Option func(*Regionizer)

// WithAdjacency sets the connectivity rule.
func WithAdjacency(a Adjacency) Option {
	return func(rz *Regionizer) { rz.adj = a.Normalize() }
}

// WithKeepAlive installs the predicate consulted by Deactivate. A cell for
// which it returns true cannot be deactivated.
func WithKeepAlive(fn func(model.Cell) bool) Option {
	return func(rz *Regionizer) { rz.keepAlive = fn }
}

// WithMetricsRecorder attaches a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(rz *Regionizer) { rz.metrics = m }
}

// Regionizer owns the Cell to Region mapping.
type Regionizer struct {
	log       logging.Logger
	adj       Adjacency
	keepAlive func(model.Cell) bool
	metrics   MetricsRecorder
	tracer    trace.Tracer

	// mu serializes transactions, payload registration and subscriptions.
	mu        sync.Mutex
	frozen    bool
	kinds     []payloadKind
	callbacks []Callbacks
	regions   map[RegionID]*Region

	// cellsMu guards the cell mapping and every region's cell set.
	cellsMu sync.RWMutex
	cells   map[uint64]*Region

	nextID atomic.Uint64
}

// New constructs an empty Regionizer.
func New(log logging.Logger, opts ...Option) *Regionizer {
	rz := &Regionizer{
		log:     logging.OrNoop(log),
		adj:     DefaultAdjacency,
		regions: make(map[RegionID]*Region),
		cells:   make(map[uint64]*Region),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(rz)
	}
	return rz
}

// SetKeepAlive replaces the keep-alive predicate. It exists so the ticket
// registry, which itself needs the Regionizer, can be wired after
// construction.
func (rz *Regionizer) SetKeepAlive(fn func(model.Cell) bool) {
	rz.mu.Lock()
	defer rz.mu.Unlock()
	rz.keepAlive = fn
}

// Adjacency returns the connectivity rule in use.
func (rz *Regionizer) Adjacency() Adjacency { return rz.adj }

// Subscribe registers lifecycle callbacks.
func (rz *Regionizer) Subscribe(cb Callbacks) {
	rz.mu.Lock()
	defer rz.mu.Unlock()
	rz.callbacks = append(rz.callbacks, cb)
}

// RegionAt returns the region owning c, or nil.
func (rz *Regionizer) RegionAt(c model.Cell) *Region {
	rz.cellsMu.RLock()
	defer rz.cellsMu.RUnlock()
	return rz.cells[c.Key()]
}

// IsActive reports whether c belongs to a region.
func (rz *Regionizer) IsActive(c model.Cell) bool {
	return rz.RegionAt(c) != nil
}

// Regions returns the live regions ordered by id.
func (rz *Regionizer) Regions() []*Region {
	rz.mu.Lock()
	defer rz.mu.Unlock()
	return rz.sortedRegionsLocked()
}

// ActiveCells returns how many cells are active.
func (rz *Regionizer) ActiveCells() int {
	rz.cellsMu.RLock()
	defer rz.cellsMu.RUnlock()
	return len(rz.cells)
}

// Inspect runs fn with transactions excluded, so the set of regions and
// their cells cannot change while fn runs. fn must not start transactions.
func (rz *Regionizer) Inspect(fn func(regions []*Region)) {
	rz.mu.Lock()
	defer rz.mu.Unlock()
	fn(rz.sortedRegionsLocked())
}

func (rz *Regionizer) sortedRegionsLocked() []*Region {
	out := make([]*Region, 0, len(rz.regions))
	for _, r := range rz.regions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Activate adds c to the partition. The cell joins its neighbouring region;
// when it touches several regions they are merged into the largest one
// (lowest id on ties); when it touches none a singleton region is created.
func (rz *Regionizer) Activate(ctx context.Context, c model.Cell) (*Region, error) {
	if OwnerFrom(ctx) != nil || InTransaction(ctx) {
		return nil, fmt.Errorf("activate %s: %w", c, ErrInTick)
	}

	rz.mu.Lock()
	defer rz.mu.Unlock()
	rz.frozen = true

	if r := rz.RegionAt(c); r != nil {
		return r, fmt.Errorf("activate %s: %w", c, ErrAlreadyActive)
	}

	start := time.Now()
	neighbours := rz.neighbourRegions(c)
	kind := "activate"
	if len(neighbours) > 1 {
		kind = "merge"
	}
	ctx, span := rz.tracer.Start(ctx, "Regionizer/"+kind, trace.WithAttributes(
		attribute.String("cell", c.String()),
		attribute.Int("neighbour_regions", len(neighbours)),
	))
	defer span.End()
	cbCtx := transactionContext(ctx)

	var target *Region
	var created, retired []*Region
	switch len(neighbours) {
	case 0:
		target = rz.allocRegion()
		created = append(created, target)
	default:
		for _, r := range neighbours {
			r.quiesce()
		}
		target = neighbours[0]
		for _, from := range neighbours[1:] {
			rz.mergePayloads(cbCtx, from, target)
			retired = append(retired, from)
		}
	}

	rz.cellsMu.Lock()
	for _, from := range retired {
		for k, fc := range from.cells {
			target.cells[k] = fc
			rz.cells[k] = target
		}
		from.cells = nil
	}
	target.cells[c.Key()] = c
	rz.cells[c.Key()] = target
	rz.cellsMu.Unlock()

	for _, from := range retired {
		from.retire()
		delete(rz.regions, from.id)
		from.tickMu.Unlock()
	}
	if len(neighbours) > 0 {
		target.resume()
	}

	for _, r := range created {
		rz.emitCreated(cbCtx, r)
	}
	rz.emitCellAdded(cbCtx, target, c)
	for _, from := range retired {
		rz.emitRetired(cbCtx, from)
		rz.log.Debug(ctx, "regions merged",
			logging.Uint64("from", uint64(from.id)),
			logging.Uint64("into", uint64(target.id)),
		)
	}

	span.SetAttributes(attribute.Int64("region_id", int64(target.id)))
	rz.observe(kind, start)
	return target, nil
}

// Deactivate removes c from its region. When the remaining cells are no
// longer connected the region is split into one region per component; a
// region left without cells is destroyed.
func (rz *Regionizer) Deactivate(ctx context.Context, c model.Cell) error {
	if OwnerFrom(ctx) != nil || InTransaction(ctx) {
		return fmt.Errorf("deactivate %s: %w", c, ErrInTick)
	}

	rz.mu.Lock()
	defer rz.mu.Unlock()

	from := rz.RegionAt(c)
	if from == nil {
		return fmt.Errorf("deactivate %s: %w", c, ErrNotActive)
	}
	if rz.keepAlive != nil && rz.keepAlive(c) {
		return fmt.Errorf("deactivate %s: %w", c, ErrCellHeld)
	}

	start := time.Now()
	from.quiesce()

	rz.cellsMu.RLock()
	remaining := make([]model.Cell, 0, len(from.cells))
	for _, rc := range from.cells {
		if rc != c {
			remaining = append(remaining, rc)
		}
	}
	rz.cellsMu.RUnlock()
	sortCells(remaining)
	components := rz.adj.components(remaining)

	kind := "deactivate"
	switch {
	case len(components) == 0:
		kind = "destroy"
	case len(components) > 1:
		kind = "split"
	}
	ctx, span := rz.tracer.Start(ctx, "Regionizer/"+kind, trace.WithAttributes(
		attribute.String("cell", c.String()),
		attribute.Int64("region_id", int64(from.id)),
		attribute.Int("components", len(components)),
	))
	defer span.End()
	cbCtx := transactionContext(ctx)

	switch len(components) {
	case 0:
		rz.destroyLocked(cbCtx, from, c)
	case 1:
		rz.cellsMu.Lock()
		delete(from.cells, c.Key())
		delete(rz.cells, c.Key())
		rz.cellsMu.Unlock()
		from.resume()
		rz.emitCellRemoved(cbCtx, from, c)
	default:
		rz.splitLocked(cbCtx, from, c, components)
	}

	rz.observe(kind, start)
	return nil
}

func (rz *Regionizer) destroyLocked(ctx context.Context, r *Region, c model.Cell) {
	for _, p := range r.payloads {
		if d, ok := p.(Destroyer); ok {
			d.OnDestroy()
		}
	}
	rz.cellsMu.Lock()
	delete(r.cells, c.Key())
	delete(rz.cells, c.Key())
	rz.cellsMu.Unlock()

	r.retire()
	delete(rz.regions, r.id)
	r.tickMu.Unlock()

	rz.emitCellRemoved(ctx, r, c)
	rz.emitRetired(ctx, r)
	rz.log.Debug(ctx, "region destroyed", logging.Uint64("region", uint64(r.id)))
}

// splitLocked replaces a quiesced region with one region per component.
// gone is the cell being deactivated.
func (rz *Regionizer) splitLocked(ctx context.Context, from *Region, gone model.Cell, components [][]model.Cell) {
	targets := make([]*Region, len(components))
	owner := make(map[uint64]*Region, len(from.cells))
	tick := from.LocalTick()
	for i, comp := range components {
		t := rz.allocRegion()
		t.localTick.Store(tick)
		for _, cc := range comp {
			t.cells[cc.Key()] = cc
			owner[cc.Key()] = t
		}
		targets[i] = t
	}

	for _, cb := range rz.callbacks {
		if cb.PreSplit != nil {
			cb.PreSplit(ctx, from, targets)
		}
	}

	for i, p := range from.payloads {
		targetPayloads := make([]Payload, len(targets))
		for j, t := range targets {
			targetPayloads[j] = t.payloads[i]
		}
		idx := i
		p.OnSplit(targetPayloads, func(cell model.Cell) Payload {
			if t := owner[cell.Key()]; t != nil {
				return t.payloads[idx]
			}
			return nil
		})
	}

	rz.cellsMu.Lock()
	delete(rz.cells, gone.Key())
	for k, t := range owner {
		rz.cells[k] = t
	}
	from.cells = nil
	rz.cellsMu.Unlock()

	from.retire()
	delete(rz.regions, from.id)
	from.tickMu.Unlock()

	for _, t := range targets {
		rz.emitCreated(ctx, t)
	}
	rz.emitCellRemoved(ctx, from, gone)
	rz.emitRetired(ctx, from)
	rz.log.Debug(ctx, "region split",
		logging.Uint64("from", uint64(from.id)),
		logging.Int("parts", len(targets)),
	)
}

// mergePayloads runs the merge hooks from one quiesced region into another.
func (rz *Regionizer) mergePayloads(ctx context.Context, from, into *Region) {
	for _, cb := range rz.callbacks {
		if cb.PreMerge != nil {
			cb.PreMerge(ctx, from, into)
		}
	}
	offset := int64(from.LocalTick()) - int64(into.LocalTick())
	for i, p := range from.payloads {
		p.OnMerge(into.payloads[i], offset)
	}
}

// neighbourRegions returns the distinct regions adjacent to c, merge target
// first: most cells, then lowest id.
func (rz *Regionizer) neighbourRegions(c model.Cell) []*Region {
	rz.cellsMu.RLock()
	defer rz.cellsMu.RUnlock()

	seen := make(map[RegionID]*Region)
	for _, n := range rz.adj.Neighbours(c) {
		if r := rz.cells[n.Key()]; r != nil {
			seen[r.id] = r
		}
	}
	out := make([]*Region, 0, len(seen))
	for _, r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].cells) != len(out[j].cells) {
			return len(out[i].cells) > len(out[j].cells)
		}
		return out[i].id < out[j].id
	})
	return out
}

func (rz *Regionizer) allocRegion() *Region {
	r := newRegion(rz, RegionID(rz.nextID.Add(1)))
	rz.createPayloads(r)
	rz.regions[r.id] = r
	return r
}

func (rz *Regionizer) emitCreated(ctx context.Context, r *Region) {
	for _, cb := range rz.callbacks {
		if cb.RegionCreated != nil {
			cb.RegionCreated(ctx, r)
		}
	}
}

func (rz *Regionizer) emitRetired(ctx context.Context, r *Region) {
	for _, cb := range rz.callbacks {
		if cb.RegionRetired != nil {
			cb.RegionRetired(ctx, r)
		}
	}
}

func (rz *Regionizer) emitCellAdded(ctx context.Context, r *Region, c model.Cell) {
	for _, cb := range rz.callbacks {
		if cb.CellAdded != nil {
			cb.CellAdded(ctx, r, c)
		}
	}
}

func (rz *Regionizer) emitCellRemoved(ctx context.Context, r *Region, c model.Cell) {
	for _, cb := range rz.callbacks {
		if cb.CellRemoved != nil {
			cb.CellRemoved(ctx, r, c)
		}
	}
}

func (rz *Regionizer) observe(kind string, start time.Time) {
	if rz.metrics == nil {
		return
	}
	rz.metrics.ObserveTransaction(kind, time.Since(start))
	rz.cellsMu.RLock()
	cells := len(rz.cells)
	rz.cellsMu.RUnlock()
	rz.metrics.SetRegionCounts(len(rz.regions), cells)
}
