package tickloop

import (
	"github.com/signalsfoundry/tickregions/internal/regionizer"
	"github.com/signalsfoundry/tickregions/model"
	"github.com/signalsfoundry/tickregions/timectrl"
)

// schedule is the per-region payload carrying the fixed-rate cadence, so
// split targets continue their parent's schedule and merged regions never
// tick ahead of either part.
type schedule struct {
	cadence *timectrl.Cadence
}

func (s *schedule) OnMerge(into regionizer.Payload, _ int64) {
	into.(*schedule).cadence.MergeFrom(s.cadence)
}

func (s *schedule) OnSplit(targets []regionizer.Payload, _ func(model.Cell) regionizer.Payload) {
	for _, t := range targets {
		t.(*schedule).cadence.CopyFrom(s.cadence)
	}
}
