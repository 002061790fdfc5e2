package regionizer

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/tickregions/model"
)

// RegionID identifies a region. Ids are allocated monotonically and are never
// zero or reused within a process.
type RegionID = model.RegionID

// State is the lifecycle position of a region.
type State int32

const (
	// Unstarted regions exist but their worker has not begun a tick.
	Unstarted State = iota
	// Ticking regions are driven by their worker.
	Ticking
	// Transacting regions are quiesced by a merge, split or cell move.
	Transacting
	// Retired regions have been merged away, split or destroyed.
	Retired
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Ticking:
		return "ticking"
	case Transacting:
		return "transacting"
	case Retired:
		return "retired"
	default:
		return "unknown"
	}
}

// Region is a connected set of active cells ticked by one worker.
//
// The cell set is written only inside a Regionizer transaction while the
// region is quiesced; payloads may be touched by the holder of the tick token
// and by payload hooks.
type Region struct {
	id RegionID
	rz *Regionizer

	// tickMu is the tick token. The worker holds it for one tick iteration;
	// transactions hold it to quiesce the region.
	tickMu sync.Mutex

	cells    map[uint64]model.Cell // guarded by rz.cellsMu
	payloads []Payload

	owner     atomic.Pointer[Owner]
	localTick atomic.Uint64
	state     atomic.Int32
	prevState State // restored after a transaction; guarded by tickMu

	retired chan struct{}
}

func newRegion(rz *Regionizer, id RegionID) *Region {
	r := &Region{
		id:      id,
		rz:      rz,
		cells:   make(map[uint64]model.Cell),
		retired: make(chan struct{}),
	}
	// Minted for the worker the scheduler starts from RegionCreated.
	r.owner.Store(newOwner(id))
	return r
}

// ID returns the region id.
func (r *Region) ID() RegionID { return r.id }

// Owner returns the region's capability token, or nil once retired. A live
// region is always scheduled for ticking, so the token exists from creation:
// while the region is Unstarted it belongs to the worker about to be started,
// and only code running that region's ticks may carry it.
func (r *Region) Owner() *Owner { return r.owner.Load() }

// LocalTick returns how many ticks this region (and the region it descends
// from) has executed.
func (r *Region) LocalTick() uint64 { return r.localTick.Load() }

// State returns the region's lifecycle state.
func (r *Region) State() State { return State(r.state.Load()) }

// Retired is closed when the region retires.
func (r *Region) Retired() <-chan struct{} { return r.retired }

// IsRetired reports whether the region has retired.
func (r *Region) IsRetired() bool { return r.State() == Retired }

// CellCount returns the number of cells the region owns.
func (r *Region) CellCount() int {
	r.rz.cellsMu.RLock()
	defer r.rz.cellsMu.RUnlock()
	return len(r.cells)
}

// HasCell reports whether the region owns c.
func (r *Region) HasCell(c model.Cell) bool {
	r.rz.cellsMu.RLock()
	defer r.rz.cellsMu.RUnlock()
	_, ok := r.cells[c.Key()]
	return ok
}

// Cells returns the region's cells sorted by (Z, X).
func (r *Region) Cells() []model.Cell {
	r.rz.cellsMu.RLock()
	out := make([]model.Cell, 0, len(r.cells))
	for _, c := range r.cells {
		out = append(out, c)
	}
	r.rz.cellsMu.RUnlock()
	sortCells(out)
	return out
}

// Payload returns the payload registered under key.
func (r *Region) Payload(key PayloadKey) Payload {
	return r.payloads[key.index]
}

// BeginTick acquires the tick token. It blocks while a transaction has the
// region quiesced and returns false once the region has retired, in which
// case the token is not held.
func (r *Region) BeginTick() bool {
	r.tickMu.Lock()
	if r.State() == Retired {
		r.tickMu.Unlock()
		return false
	}
	r.state.Store(int32(Ticking))
	return true
}

// AdvanceTick increments the local tick. Only the tick token holder may call
// it.
func (r *Region) AdvanceTick() uint64 {
	return r.localTick.Add(1)
}

// EndTick releases the tick token.
func (r *Region) EndTick() {
	r.tickMu.Unlock()
}

// quiesce takes the tick token on behalf of a transaction.
func (r *Region) quiesce() {
	r.tickMu.Lock()
	r.prevState = r.State()
	r.state.Store(int32(Transacting))
}

// resume releases a quiesced region that survived the transaction.
func (r *Region) resume() {
	if r.State() == Transacting {
		r.state.Store(int32(r.prevState))
	}
	r.tickMu.Unlock()
}

// retire marks the region dead and revokes its owner. The caller holds the
// tick token.
func (r *Region) retire() {
	r.state.Store(int32(Retired))
	r.owner.Store(nil)
	close(r.retired)
}

func sortCells(cells []model.Cell) {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Z != cells[j].Z {
			return cells[i].Z < cells[j].Z
		}
		return cells[i].X < cells[j].X
	})
}
