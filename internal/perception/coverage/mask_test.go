package coverage

import (
	"testing"

	"sightline.ai/internal/geom"
)

func TestFillPolygon_Square(t *testing.T) {
	m := New(20, 20, 1)
	sq := geom.Polygon{geom.Pt(2, 2), geom.Pt(6, 2), geom.Pt(6, 6), geom.Pt(2, 6)}
	if n := m.FillPolygon(sq); n != 16 {
		t.Fatalf("filled %d cells want 16", n)
	}
	if !m.Explored(2.5, 2.5) || m.Explored(6.5, 2.5) || m.Explored(1.5, 5) {
		t.Fatalf("explored mismatch")
	}
	// Same polygon, reversed winding, adds nothing.
	rev := geom.Polygon{sq[3], sq[2], sq[1], sq[0]}
	if n := m.FillPolygon(rev); n != 0 {
		t.Fatalf("refill added %d", n)
	}
}

func TestFillPolygon_ClipsToGrid(t *testing.T) {
	m := New(4, 4, 2)
	big := geom.Polygon{geom.Pt(-100, -100), geom.Pt(100, -100), geom.Pt(100, 100), geom.Pt(-100, 100)}
	m.FillPolygon(big)
	if m.Count() != 16 {
		t.Fatalf("count=%d want 16", m.Count())
	}
}

func TestUnionMonotonic(t *testing.T) {
	a := New(10, 10, 1)
	b := New(10, 10, 1)
	a.Set(1, 1)
	b.Set(1, 1)
	b.Set(5, 5)
	before := a.Clone()
	if n := a.Union(b); n != 1 {
		t.Fatalf("added=%d want 1", n)
	}
	if !a.Covers(before) || !a.Covers(b) {
		t.Fatalf("union lost coverage")
	}
	if a.Union(New(3, 3, 1)) != 0 {
		t.Fatalf("mismatched shapes must be ignored")
	}
	a.Clear()
	if !a.Empty() || a.Equal(b) {
		t.Fatalf("clear failed")
	}
}

func TestForScene(t *testing.T) {
	m := ForScene(100, 50, 8)
	if m.W != 13 || m.H != 7 {
		t.Fatalf("shape=%dx%d", m.W, m.H)
	}
}
