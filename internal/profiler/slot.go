package profiler

import (
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/tickregions/internal/regionizer"
	"github.com/signalsfoundry/tickregions/model"
)

// Slot is the per-region payload holding the region's live handle.
type Slot struct {
	prof   *Profiler
	region *regionizer.Region
	h      atomic.Pointer[Handle]
}

func (s *Slot) install(h *Handle) {
	s.h.Store(h)
	s.prof.trackProfiled(1)
}

// stopCurrent detaches and stops the handle in the slot, if any.
func (s *Slot) stopCurrent(now time.Time, kind OperationKind, related []model.RegionID) {
	h := s.h.Swap(nil)
	if h == nil {
		return
	}
	s.prof.trackProfiled(-1)
	h.stop(now, kind, related)
}

func (s *Slot) checkStop(now time.Time) {
	h := s.h.Load()
	if h == nil || now.Before(h.session.absoluteEnd) {
		return
	}
	if s.h.CompareAndSwap(h, nil) {
		s.prof.trackProfiled(-1)
		h.stop(now, OpEnd, nil)
	}
}

// OnMerge keeps the destination recording. When the destination has no
// handle one is created for it before the source handle stops.
func (s *Slot) OnMerge(into regionizer.Payload, _ int64) {
	src := s.h.Load()
	if src == nil {
		return
	}
	dst := into.(*Slot)
	now := s.prof.clock.Now()
	if dst.h.Load() == nil {
		dst.install(src.session.newHandle(dst.region.ID(), now))
	}
	s.stopCurrent(now, OpMerge, []model.RegionID{dst.region.ID()})
}

// OnSplit creates a handle for every target, then stops the source.
func (s *Slot) OnSplit(targets []regionizer.Payload, _ func(model.Cell) regionizer.Payload) {
	src := s.h.Load()
	if src == nil {
		return
	}
	now := s.prof.clock.Now()
	ids := make([]model.RegionID, 0, len(targets))
	for _, t := range targets {
		dst := t.(*Slot)
		if dst.h.Load() == nil {
			dst.install(src.session.newHandle(dst.region.ID(), now))
		}
		ids = append(ids, dst.region.ID())
	}
	s.stopCurrent(now, OpSplit, ids)
}

// OnDestroy stops the handle of a region that lost its last cell.
func (s *Slot) OnDestroy() {
	s.stopCurrent(s.prof.clock.Now(), OpEnd, nil)
}
