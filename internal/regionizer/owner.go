package regionizer

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/signalsfoundry/tickregions/model"
)

var ownerSeq atomic.Uint64

// Owner is the capability token of a region's worker. The Regionizer mints a
// fresh Owner for every region it creates and revokes it when the region
// retires; holding the token of the region that contains a cell is what makes
// a caller allowed to mutate that cell's state.
type Owner struct {
	id     uint64
	region RegionID
}

func newOwner(region RegionID) *Owner {
	return &Owner{id: ownerSeq.Add(1), region: region}
}

// Region returns the id of the region this token was minted for.
func (o *Owner) Region() RegionID {
	if o == nil {
		return 0
	}
	return o.region
}

func (o *Owner) String() string {
	if o == nil {
		return "owner(none)"
	}
	return fmt.Sprintf("owner(%d/region %d)", o.id, o.region)
}

type ownerKey struct{}

// WithOwner returns a context carrying the owner token.
func WithOwner(ctx context.Context, o *Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, o)
}

// OwnerFrom extracts the owner token from ctx, or nil when the caller is not
// running inside a region tick.
func OwnerFrom(ctx context.Context) *Owner {
	if ctx == nil {
		return nil
	}
	o, _ := ctx.Value(ownerKey{}).(*Owner)
	return o
}

type txnKey struct{}

// InTransaction reports whether ctx was handed out by a Regionizer
// transaction (for example to a lifecycle callback). Work that would start a
// nested transaction must be deferred when this is true.
func InTransaction(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(txnKey{}).(bool)
	return v
}

func transactionContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, txnKey{}, true)
}

// Owns reports whether o is the current owner of the region containing cell.
// A nil owner never owns anything.
func (rz *Regionizer) Owns(o *Owner, cell model.Cell) bool {
	if o == nil {
		return false
	}
	rz.cellsMu.RLock()
	r := rz.cells[cell.Key()]
	rz.cellsMu.RUnlock()
	return r != nil && r.owner.Load() == o
}

// MustOwn panics unless o owns cell. Mutation entry points into region state
// call it before touching anything.
func (rz *Regionizer) MustOwn(o *Owner, cell model.Cell) {
	if !rz.Owns(o, cell) {
		panic(fmt.Errorf("%w: %s does not own cell %s", ErrNotOwner, o, cell))
	}
}

// CheckOwnedContext asserts that the owner carried by ctx owns cell.
func (rz *Regionizer) CheckOwnedContext(ctx context.Context, cell model.Cell) {
	rz.MustOwn(OwnerFrom(ctx), cell)
}

// OwnsContext is the non-panicking form of CheckOwnedContext.
func (rz *Regionizer) OwnsContext(ctx context.Context, cell model.Cell) bool {
	return rz.Owns(OwnerFrom(ctx), cell)
}
