package polygon

import (
	"math"
	"testing"

	"sightline.ai/internal/geom"
	"sightline.ai/internal/perception/edges"
)

// roomWithDoor builds a 10x10 room with a door in its west wall (x=0,
// y 4..6) opening onto a corridor that runs west to x=-10.
func roomWithDoor(t *testing.T) *edges.Index {
	t.Helper()
	ix := edges.NewIndex(4, 1e-9)
	walls := map[string]edges.Patch{
		"south":      edges.Segment(0, 0, 10, 0),
		"east":       edges.Segment(10, 0, 10, 10),
		"north":      edges.Segment(10, 10, 0, 10),
		"west-low":   edges.Segment(0, 0, 0, 4),
		"west-high":  edges.Segment(0, 6, 0, 10),
		"corridor-s": edges.Segment(-10, 4, 0, 4),
		"corridor-n": edges.Segment(-10, 6, 0, 6),
	}
	for id, p := range walls {
		if _, err := ix.Upsert(id, p); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	door := edges.Segment(0, 4, 0, 6)
	k := edges.DoorDoor
	door.Door = &k
	if _, err := ix.Upsert("door", door); err != nil {
		t.Fatalf("upsert door: %v", err)
	}
	return ix
}

func TestCompute_RoomDoor(t *testing.T) {
	ix := roomWithDoor(t)
	b := New(DefaultTuning())
	cfg := Config{Origin: geom.Pt(5, 5), Radius: 20, Sense: edges.SenseSight, Walls: true}

	closed := b.Compute(cfg, ix)
	if a := closed.Area(); math.Abs(a-100) > 1e-6 {
		t.Fatalf("closed door: area=%v want 100", a)
	}
	if closed.Contains(geom.Pt(-3, 5)) {
		t.Fatalf("closed door: corridor should be hidden")
	}
	if !closed.Contains(geom.Pt(9, 9)) || !closed.Contains(geom.Pt(1, 1)) {
		t.Fatalf("closed door: room interior missing")
	}

	if _, err := ix.SetDoor("door", edges.DoorOpen); err != nil {
		t.Fatalf("open door: %v", err)
	}
	open := b.Compute(cfg, ix)
	if !open.Contains(geom.Pt(-3, 5)) {
		t.Fatalf("open door: corridor should be visible")
	}
	if open.Contains(geom.Pt(-3, 3)) || open.Contains(geom.Pt(-3, 7)) {
		t.Fatalf("open door: area behind corridor walls leaked")
	}
	if open.Area() <= closed.Area() {
		t.Fatalf("open area %v should exceed closed %v", open.Area(), closed.Area())
	}
}

func TestCompute_WallsDisabledIsFullSector(t *testing.T) {
	ix := roomWithDoor(t)
	b := New(DefaultTuning())
	cfg := Config{Origin: geom.Pt(5, 5), Radius: 20, Sense: edges.SenseSight, Walls: false}
	got := b.Compute(cfg, ix)
	want := b.Sector(cfg)
	if len(got) != len(want) {
		t.Fatalf("len=%d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("vertex %d: %v want %v", i, got[i], want[i])
		}
	}
	disc := math.Pi * 20 * 20
	if a := got.Area(); a > disc || a < 0.95*disc {
		t.Fatalf("sector area=%v, disc=%v", a, disc)
	}
}

func TestCompute_NoEdgesInRange(t *testing.T) {
	ix := edges.NewIndex(4, 1e-9)
	if _, err := ix.Upsert("far", edges.Segment(100, 100, 110, 100)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	b := New(DefaultTuning())
	cfg := Config{Origin: geom.Pt(0, 0), Radius: 10, Sense: edges.SenseSight, Walls: true}
	got := b.Compute(cfg, ix)
	if len(got) != b.VertexCount(10) {
		t.Fatalf("want plain circle with %d vertices, got %d", b.VertexCount(10), len(got))
	}
}

func TestCompute_ZeroRadius(t *testing.T) {
	b := New(DefaultTuning())
	if got := b.Compute(Config{Origin: geom.Pt(0, 0), Radius: 0, Walls: true}, edges.NewIndex(4, 1e-9)); got != nil {
		t.Fatalf("radius 0: got %v", got)
	}
}

func TestCompute_LimitedWindowIncludesOrigin(t *testing.T) {
	ix := roomWithDoor(t)
	b := New(DefaultTuning())
	cfg := Config{Origin: geom.Pt(5, 5), Radius: 20, Rotation: 0, Angle: 90, Sense: edges.SenseSight, Walls: true}
	got := b.Compute(cfg, ix)
	if len(got) < 3 || got[0] != cfg.Origin {
		t.Fatalf("first vertex should be origin: %v", got)
	}
	if !got.Contains(geom.Pt(9, 5)) {
		t.Fatalf("window facing +x should see (9,5)")
	}
	if got.Contains(geom.Pt(1, 5)) || got.Contains(geom.Pt(5, 9)) {
		t.Fatalf("window leaked outside its angle")
	}
	// Facing east, the window spans the east wall from y=0 to y=10.
	if a := got.Area(); math.Abs(a-25) > 1e-6 {
		t.Fatalf("wedge area=%v want 25", a)
	}
}

func TestCompute_RestrictedClip(t *testing.T) {
	b := New(DefaultTuning())
	cfg := Config{
		Origin: geom.Pt(0, 0),
		Radius: 10,
		Walls:  false,
		Restricted: []geom.Polygon{
			{geom.Pt(-2, -2), geom.Pt(2, -2), geom.Pt(2, 2), geom.Pt(-2, 2)},
		},
	}
	got := b.Compute(cfg, nil)
	if a := got.Area(); math.Abs(a-16) > 1e-9 {
		t.Fatalf("restricted area=%v want 16", a)
	}
}

func TestCompute_WallShadow(t *testing.T) {
	ix := edges.NewIndex(4, 1e-9)
	if _, err := ix.Upsert("w", edges.Segment(3, -2, 3, 2)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	b := New(DefaultTuning())
	got := b.Compute(Config{Origin: geom.Pt(0, 0), Radius: 10, Sense: edges.SenseSight, Walls: true}, ix)
	if got.Contains(geom.Pt(6, 0)) {
		t.Fatalf("point behind wall should be shadowed")
	}
	if !got.Contains(geom.Pt(2, 0)) || !got.Contains(geom.Pt(-6, 0)) || !got.Contains(geom.Pt(6, 5)) {
		t.Fatalf("visible points missing")
	}
}
