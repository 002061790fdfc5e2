package regionizer

import (
	"testing"

	"github.com/signalsfoundry/tickregions/model"
)

func TestAdjacencyNeighbourCounts(t *testing.T) {
	cases := []struct {
		adj  Adjacency
		want int
	}{
		{Adjacency{Radius: 1}, 4},
		{Adjacency{Diagonals: true, Radius: 1}, 8},
		{Adjacency{Radius: 2}, 12},
		{Adjacency{Diagonals: true, Radius: 2}, 24},
		{Adjacency{}, 4},
	}
	for _, tc := range cases {
		if got := len(tc.adj.Neighbours(model.Cell{})); got != tc.want {
			t.Fatalf("%+v: Neighbours() = %d cells, want %d", tc.adj, got, tc.want)
		}
	}
}

func TestAdjacencyComponents(t *testing.T) {
	cells := []model.Cell{{X: 0, Z: 0}, {X: 1, Z: 1}, {X: 5, Z: 5}}

	if got := len(DefaultAdjacency.components(cells)); got != 3 {
		t.Fatalf("4-neighbour components = %d, want 3", got)
	}
	if got := len((Adjacency{Diagonals: true, Radius: 1}).components(cells)); got != 2 {
		t.Fatalf("8-neighbour components = %d, want 2", got)
	}
	if got := len(DefaultAdjacency.components(nil)); got != 0 {
		t.Fatalf("components(nil) = %d, want 0", got)
	}
}
