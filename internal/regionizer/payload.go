package regionizer

import "github.com/signalsfoundry/tickregions/model"

// Payload is per-region state attached by a subsystem. Hooks run inside a
// Regionizer transaction with every involved region quiesced, so they have
// exclusive access to source and destination payloads. A hook that panics
// takes the process down; half-migrated state is not recoverable.
type Payload interface {
	// OnMerge moves this payload's data into into. tickOffset is the source
	// region's local tick minus the destination's; a deadline d expressed in
	// source ticks becomes d - tickOffset in destination ticks.
	OnMerge(into Payload, tickOffset int64)
	// OnSplit distributes this payload's data across targets. route returns
	// the target payload whose region contains the cell, or nil when the
	// cell is no longer active. Targets start at the source's local tick.
	OnSplit(targets []Payload, route func(model.Cell) Payload)
}

// Destroyer is implemented by payloads that need to release resources when
// their region loses its last cell.
type Destroyer interface {
	OnDestroy()
}

// PayloadKey locates a payload kind within every region.
type PayloadKey struct {
	index int
	name  string
}

// Name returns the name the payload kind was registered with.
func (k PayloadKey) Name() string { return k.name }

type payloadKind struct {
	name    string
	factory func(*Region) Payload
}

// RegisterPayload adds a payload kind; factory is called once for every
// region created afterwards. Kinds must be registered before the first
// activation.
func (rz *Regionizer) RegisterPayload(name string, factory func(*Region) Payload) PayloadKey {
	rz.mu.Lock()
	defer rz.mu.Unlock()
	if rz.frozen {
		panic(ErrPayloadsFrozen)
	}
	if factory == nil {
		panic("regionizer: nil payload factory for " + name)
	}
	rz.kinds = append(rz.kinds, payloadKind{name: name, factory: factory})
	return PayloadKey{index: len(rz.kinds) - 1, name: name}
}

// PayloadOf returns the payload of kind key in r asserted to T.
func PayloadOf[T Payload](r *Region, key PayloadKey) T {
	return r.Payload(key).(T)
}

func (rz *Regionizer) createPayloads(r *Region) {
	r.payloads = make([]Payload, len(rz.kinds))
	for i, k := range rz.kinds {
		r.payloads[i] = k.factory(r)
	}
}
