package model

import (
	"fmt"
	"math"
)

// Cell is the smallest spatial unit tracked by the regionizer (a chunk
// coordinate). X and Z are in cell units, not block units.
type Cell struct {
	X int32
	Z int32
}

// CellShift converts block coordinates to cell coordinates.
const CellShift = 4

// CellAt returns the cell containing the given block position.
func CellAt(blockX, blockZ float64) Cell {
	return Cell{
		X: int32(math.Floor(blockX)) >> CellShift,
		Z: int32(math.Floor(blockZ)) >> CellShift,
	}
}

// Key packs the cell into a single map key. The packing is stable and
// reversible via CellFromKey.
func (c Cell) Key() uint64 {
	return uint64(uint32(c.X)) | uint64(uint32(c.Z))<<32
}

// CellFromKey reverses Cell.Key.
func CellFromKey(key uint64) Cell {
	return Cell{X: int32(uint32(key)), Z: int32(uint32(key >> 32))}
}

// Add returns c offset by (dx, dz).
func (c Cell) Add(dx, dz int32) Cell {
	return Cell{X: c.X + dx, Z: c.Z + dz}
}

// Chebyshev returns the king-move distance between two cells.
func (c Cell) Chebyshev(o Cell) int64 {
	return max(absDiff(c.X, o.X), absDiff(c.Z, o.Z))
}

// Manhattan returns the taxicab distance between two cells.
func (c Cell) Manhattan(o Cell) int64 {
	return absDiff(c.X, o.X) + absDiff(c.Z, o.Z)
}

func (c Cell) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Z)
}

func absDiff(a, b int32) int64 {
	d := int64(a) - int64(b)
	if d < 0 {
		return -d
	}
	return d
}
