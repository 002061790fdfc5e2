package regionizer

import "github.com/signalsfoundry/tickregions/model"

// Adjacency decides which active cells belong to the same region. Two cells
// are adjacent when they lie within Radius of each other, measured with the
// Chebyshev metric when Diagonals is set and the Manhattan metric otherwise.
type Adjacency struct {
	Diagonals bool  `yaml:"diagonals"`
	Radius    int32 `yaml:"radius"`
}

// DefaultAdjacency is the 4-neighbour rule.
var DefaultAdjacency = Adjacency{Diagonals: false, Radius: 1}

// Normalize clamps the radius to at least 1.
func (a Adjacency) Normalize() Adjacency {
	if a.Radius < 1 {
		a.Radius = 1
	}
	return a
}

// Adjacent reports whether a and b are distinct neighbours under the rule.
func (a Adjacency) Adjacent(x, y model.Cell) bool {
	if x == y {
		return false
	}
	r := int64(a.Normalize().Radius)
	if a.Diagonals {
		return x.Chebyshev(y) <= r
	}
	return x.Manhattan(y) <= r
}

// Neighbours lists every cell adjacent to c.
func (a Adjacency) Neighbours(c model.Cell) []model.Cell {
	r := a.Normalize().Radius
	out := make([]model.Cell, 0, 4*int(r)*int(r+1))
	for dz := -r; dz <= r; dz++ {
		for dx := -r; dx <= r; dx++ {
			if dx == 0 && dz == 0 {
				continue
			}
			n := c.Add(dx, dz)
			if a.Adjacent(c, n) {
				out = append(out, n)
			}
		}
	}
	return out
}

// components partitions cells into connected components. Components and the
// cells within them are returned in first-seen order of the input slice.
func (a Adjacency) components(cells []model.Cell) [][]model.Cell {
	remaining := make(map[uint64]model.Cell, len(cells))
	for _, c := range cells {
		remaining[c.Key()] = c
	}

	var out [][]model.Cell
	for _, seed := range cells {
		if _, ok := remaining[seed.Key()]; !ok {
			continue
		}
		delete(remaining, seed.Key())
		comp := []model.Cell{seed}
		for i := 0; i < len(comp); i++ {
			for _, n := range a.Neighbours(comp[i]) {
				if _, ok := remaining[n.Key()]; ok {
					delete(remaining, n.Key())
					comp = append(comp, n)
				}
			}
		}
		out = append(out, comp)
	}
	return out
}
