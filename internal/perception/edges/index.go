package edges

import (
	"fmt"
	"sort"

	"sightline.ai/internal/geom"
	"sightline.ai/internal/spatial"
)

// Mode selects how many intersections Intersect reports.
type Mode uint8

const (
	ModeClosest Mode = iota
	ModeAll
	ModeAny
)

// Ray is the segment A→B; intersections outside it are ignored.
type Ray struct {
	A, B geom.Point
}

type Hit struct {
	Edge  Edge
	Point geom.Point
	T0    float64 // along the ray
	T1    float64 // along the edge
}

// Querier is the read surface the polygon backend computes against. Both the
// live Index and its snapshots satisfy it.
type Querier interface {
	Intersect(ray Ray, senses SenseSet, mode Mode) []Hit
	Endpoints(box geom.Box, sense Sense) []geom.Point
	Query(box geom.Box) []Edge
}

// Index stores edges in a uniform spatial hash. It is owned by one goroutine;
// workers read Snapshot copies.
type Index struct {
	eps   float64
	edges map[string]*Edge
	hash  *spatial.Hash[string]
}

func NewIndex(cellSize, eps float64) *Index {
	return &Index{
		eps:   eps,
		edges: map[string]*Edge{},
		hash:  spatial.New[string](cellSize),
	}
}

func (ix *Index) Len() int { return len(ix.edges) }

func (ix *Index) Get(id string) (Edge, bool) {
	e, ok := ix.edges[id]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// Upsert inserts a new edge or partially updates an existing one. New edges
// need all four coordinates. The returned box covers the old and new extents.
func (ix *Index) Upsert(id string, p Patch) (geom.Box, error) {
	if id == "" {
		return geom.Box{}, fmt.Errorf("%w: empty id", ErrMalformedEdge)
	}
	old, exists := ix.edges[id]
	var next Edge
	if exists {
		next = *old
	} else {
		if !p.hasCoords() {
			return geom.Box{}, fmt.Errorf("%w: %s: new edge needs x0,y0,x1,y1", ErrMalformedEdge, id)
		}
		next = Edge{ID: id}
		if p.State != nil && p.Door == nil {
			k := DoorDoor
			p.Door = &k
		}
	}
	if err := p.apply(&next); err != nil {
		return geom.Box{}, err
	}
	if err := next.validate(); err != nil {
		return geom.Box{}, err
	}
	box := next.Bounds()
	if exists {
		box = geom.BoxUnion(box, old.Bounds())
	}
	ix.edges[id] = &next
	ix.hash.Insert(id, next.Bounds())
	return box, nil
}

// Remove deletes id and returns the box it occupied.
func (ix *Index) Remove(id string) (geom.Box, error) {
	if _, ok := ix.edges[id]; !ok {
		return geom.Box{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(ix.edges, id)
	b, _ := ix.hash.Remove(id)
	return b, nil
}

// SetDoor moves a door through closed/open/locked.
func (ix *Index) SetDoor(id string, state DoorState) (geom.Box, error) {
	e, ok := ix.edges[id]
	if !ok {
		return geom.Box{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.Door != DoorDoor {
		return geom.Box{}, fmt.Errorf("%w: %s", ErrNotDoor, id)
	}
	if !e.State.CanTransition(state) {
		return geom.Box{}, fmt.Errorf("%w: %s: %s -> %s", ErrDoorTransition, id, e.State, state)
	}
	e.State = state
	return e.Bounds(), nil
}

// Query returns copies of every edge whose box overlaps b, ordered by id.
func (ix *Index) Query(b geom.Box) []Edge {
	ids := ix.hash.Query(nil, b)
	sort.Strings(ids)
	out := make([]Edge, 0, len(ids))
	for _, id := range ids {
		out = append(out, *ix.edges[id])
	}
	return out
}

// All returns every edge ordered by id.
func (ix *Index) All() []Edge {
	out := make([]Edge, 0, len(ix.edges))
	for _, e := range ix.edges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot copies the edges overlapping b into a new index that is safe to
// read from other goroutines while the original keeps changing.
func (ix *Index) Snapshot(b geom.Box) *Index {
	snap := &Index{
		eps:   ix.eps,
		edges: map[string]*Edge{},
		hash:  spatial.New[string](ix.hash.CellSize()),
	}
	for _, e := range ix.Query(b) {
		e := e
		snap.edges[e.ID] = &e
		snap.hash.Insert(e.ID, e.Bounds())
	}
	return snap
}

// Intersect casts ray against every edge that blocks any of senses.
// ModeClosest returns at most one hit (smallest T0, then smallest T1);
// ModeAny returns the first blocking hit found; ModeAll returns every hit
// ordered along the ray.
func (ix *Index) Intersect(ray Ray, senses SenseSet, mode Mode) []Hit {
	ids := ix.hash.Query(nil, geom.BoxOf(ray.A, ray.B))
	dir := geom.Sub(ray.B, ray.A)
	var hits []Hit
	for _, id := range ids {
		e := ix.edges[id]
		x, ok := geom.SegmentIntersection(ray.A, ray.B, e.A, e.B, ix.eps)
		if !ok {
			continue
		}
		if !blocksAny(*e, senses, ray.A, dir, x.Point) {
			continue
		}
		h := Hit{Edge: *e, Point: x.Point, T0: x.T0, T1: x.T1}
		if mode == ModeAny {
			return []Hit{h}
		}
		hits = append(hits, h)
	}
	if len(hits) == 0 {
		return nil
	}
	sort.Slice(hits, func(i, j int) bool { return hitLess(hits[i], hits[j]) })
	if mode == ModeClosest {
		return hits[:1]
	}
	return hits
}

// Closest is Intersect in ModeClosest for a single sense.
func (ix *Index) Closest(ray Ray, s Sense) (Hit, bool) {
	hits := ix.Intersect(ray, Senses(s), ModeClosest)
	if len(hits) == 0 {
		return Hit{}, false
	}
	return hits[0], true
}

func hitLess(a, b Hit) bool {
	if a.T0 != b.T0 {
		return a.T0 < b.T0
	}
	if a.T1 != b.T1 {
		return a.T1 < b.T1
	}
	return a.Edge.ID < b.Edge.ID
}

func blocksAny(e Edge, senses SenseSet, origin, dir, hit geom.Point) bool {
	for s := Sense(0); s < NumSenses; s++ {
		if senses.Has(s) && e.Blocks(s, origin, dir, hit) {
			return true
		}
	}
	return false
}

// Endpoints returns the unique endpoints inside b of edges that can block s,
// sorted by x then y.
func (ix *Index) Endpoints(b geom.Box, s Sense) []geom.Point {
	seen := map[geom.Point]struct{}{}
	var out []geom.Point
	for _, id := range ix.hash.Query(nil, b) {
		e := ix.edges[id]
		if !e.BlocksSense(s) {
			continue
		}
		for _, p := range [2]geom.Point{e.A, e.B} {
			if !geom.BoxContains(b, p) {
				continue
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Y < out[j].Y
	})
	return out
}
