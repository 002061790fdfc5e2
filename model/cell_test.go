package model

import "testing"

func TestCellAtFloorsNegativeBlocks(t *testing.T) {
	cases := []struct {
		x, z float64
		want Cell
	}{
		{0, 0, Cell{0, 0}},
		{15.9, 15.9, Cell{0, 0}},
		{16, -1, Cell{1, -1}},
		{-16, -16.5, Cell{-1, -2}},
	}
	for _, tc := range cases {
		if got := CellAt(tc.x, tc.z); got != tc.want {
			t.Fatalf("CellAt(%v, %v) = %s, want %s", tc.x, tc.z, got, tc.want)
		}
	}
}

func TestCellKeyRoundTrip(t *testing.T) {
	for _, c := range []Cell{{0, 0}, {-1, 1}, {1 << 20, -(1 << 20)}, {-2147483648, 2147483647}} {
		if got := CellFromKey(c.Key()); got != c {
			t.Fatalf("CellFromKey(Key(%s)) = %s", c, got)
		}
	}
	if (Cell{1, 2}).Key() == (Cell{2, 1}).Key() {
		t.Fatalf("distinct cells share a key")
	}
}

func TestDistances(t *testing.T) {
	a, b := Cell{0, 0}, Cell{3, -4}
	if got := a.Chebyshev(b); got != 4 {
		t.Fatalf("Chebyshev = %d, want 4", got)
	}
	if got := a.Manhattan(b); got != 7 {
		t.Fatalf("Manhattan = %d, want 7", got)
	}
}

func TestAreaCellsAndContains(t *testing.T) {
	area := Area{Center: Cell{2, 2}, Radius: 1}
	cells := area.Cells()
	if len(cells) != 9 {
		t.Fatalf("len(Cells) = %d, want 9", len(cells))
	}
	if cells[0] != (Cell{1, 1}) || cells[8] != (Cell{3, 3}) {
		t.Fatalf("Cells not row-major: first %s last %s", cells[0], cells[8])
	}
	for _, c := range cells {
		if !area.Contains(c) {
			t.Fatalf("area does not contain its own cell %s", c)
		}
	}
	if area.Contains(Cell{4, 2}) {
		t.Fatalf("area contains cell outside its radius")
	}
	if got := (Area{Radius: -1}).Cells(); got != nil {
		t.Fatalf("negative radius Cells = %v, want nil", got)
	}
}

func TestAreaAroundBlock(t *testing.T) {
	got := AreaAroundBlock(40, -8, 33)
	want := Area{Center: Cell{2, -1}, Radius: 2}
	if got != want {
		t.Fatalf("AreaAroundBlock = %+v, want %+v", got, want)
	}
}
