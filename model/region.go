package model

// RegionID identifies a region for its whole lifetime. IDs are allocated
// monotonically per process and are never reused; 0 is never a valid id.
type RegionID uint64

// Area selects cells within Radius (Chebyshev, in cells) of Center.
type Area struct {
	Center Cell
	Radius int32
}

// Contains reports whether c lies inside the area.
func (a Area) Contains(c Cell) bool {
	return a.Center.Chebyshev(c) <= int64(a.Radius)
}

// Cells enumerates the cells in the area in row-major order.
func (a Area) Cells() []Cell {
	if a.Radius < 0 {
		return nil
	}
	side := int(a.Radius)*2 + 1
	out := make([]Cell, 0, side*side)
	for z := a.Center.Z - a.Radius; z <= a.Center.Z+a.Radius; z++ {
		for x := a.Center.X - a.Radius; x <= a.Center.X+a.Radius; x++ {
			out = append(out, Cell{X: x, Z: z})
		}
	}
	return out
}

// AreaAroundBlock builds an Area covering a block-space circle's bounding box.
func AreaAroundBlock(blockX, blockZ, radiusBlocks float64) Area {
	r := int32(radiusBlocks) >> CellShift
	if r < 0 {
		r = 0
	}
	return Area{Center: CellAt(blockX, blockZ), Radius: r}
}
