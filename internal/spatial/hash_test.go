package spatial

import (
	"sort"
	"testing"

	"sightline.ai/internal/geom"
)

func TestHash_InsertQueryRemove(t *testing.T) {
	h := New[string](10)
	h.Insert("a", geom.BoxOf(geom.Pt(0, 0), geom.Pt(5, 5)))
	h.Insert("b", geom.BoxOf(geom.Pt(25, 25), geom.Pt(35, 28)))
	h.Insert("c", geom.BoxOf(geom.Pt(-40, -40), geom.Pt(-31, -31)))

	got := h.Query(nil, geom.BoxOf(geom.Pt(-1, -1), geom.Pt(30, 30)))
	sort.Strings(got)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("query: got %v", got)
	}

	if _, ok := h.Remove("a"); !ok {
		t.Fatalf("remove a: not found")
	}
	got = h.Query(nil, geom.BoxOf(geom.Pt(0, 0), geom.Pt(5, 5)))
	if len(got) != 0 {
		t.Fatalf("after remove: got %v", got)
	}
	if h.Len() != 2 {
		t.Fatalf("len=%d want 2", h.Len())
	}
}

func TestHash_ReinsertMoves(t *testing.T) {
	h := New[int](4)
	h.Insert(1, geom.BoxOf(geom.Pt(0, 0), geom.Pt(1, 1)))
	h.Insert(1, geom.BoxOf(geom.Pt(100, 100), geom.Pt(101, 101)))
	if got := h.Query(nil, geom.BoxOf(geom.Pt(0, 0), geom.Pt(2, 2))); len(got) != 0 {
		t.Fatalf("stale cell: %v", got)
	}
	if got := h.Query(nil, geom.BoxOf(geom.Pt(99, 99), geom.Pt(102, 102))); len(got) != 1 {
		t.Fatalf("moved item missing: %v", got)
	}
}

func TestHash_OverflowItems(t *testing.T) {
	h := New[string](1)
	h.Insert("huge", geom.BoxOf(geom.Pt(-1000, -1000), geom.Pt(1000, 1000)))
	h.Insert("tiny", geom.BoxOf(geom.Pt(3, 3), geom.Pt(3.5, 3.5)))
	got := h.Query(nil, geom.BoxOf(geom.Pt(2, 2), geom.Pt(4, 4)))
	sort.Strings(got)
	if len(got) != 2 || got[0] != "huge" {
		t.Fatalf("got %v", got)
	}
	if _, ok := h.Remove("huge"); !ok {
		t.Fatalf("remove huge failed")
	}
	if got := h.Query(nil, geom.BoxOf(geom.Pt(500, 500), geom.Pt(501, 501))); len(got) != 0 {
		t.Fatalf("got %v", got)
	}
}

func TestHash_HugeCoordinates(t *testing.T) {
	h := New[string](8)
	h.Insert("span", geom.BoxOf(geom.Pt(-1e12, 5), geom.Pt(1e12, 5)))
	h.Insert("far", geom.BoxOf(geom.Pt(3e12, 3e12), geom.Pt(3e12+1, 3e12+1)))
	h.Insert("near", geom.BoxOf(geom.Pt(0, 0), geom.Pt(1, 1)))

	got := h.Query(nil, geom.BoxOf(geom.Pt(0, 0), geom.Pt(0, 10)))
	sort.Strings(got)
	if len(got) != 2 || got[0] != "near" || got[1] != "span" {
		t.Fatalf("query near origin: got %v", got)
	}
	if got := h.Query(nil, geom.BoxOf(geom.Pt(3e12, 3e12), geom.Pt(3e12+2, 3e12+2))); len(got) != 1 || got[0] != "far" {
		t.Fatalf("query far: got %v", got)
	}
	if _, ok := h.Remove("far"); !ok {
		t.Fatalf("remove far")
	}
	if got := h.Query(nil, geom.BoxOf(geom.Pt(3e12, 3e12), geom.Pt(3e12+2, 3e12+2))); len(got) != 0 {
		t.Fatalf("far survived remove: %v", got)
	}
}
