// Package polygon computes radial visibility polygons against an edge index.
package polygon

import (
	"math"
	"sort"

	"sightline.ai/internal/geom"
	"sightline.ai/internal/perception/edges"
)

type Tuning struct {
	Epsilon        float64 `yaml:"epsilon"`
	RayOffset      float64 `yaml:"ray_offset"` // radians
	ArcTolerance   float64 `yaml:"arc_tolerance"`
	ArcMinVertices int     `yaml:"arc_min_vertices"`
	ArcMaxVertices int     `yaml:"arc_max_vertices"`
}

func DefaultTuning() Tuning {
	return Tuning{
		Epsilon:        1e-9,
		RayOffset:      1e-4,
		ArcTolerance:   0.25,
		ArcMinVertices: 8,
		ArcMaxVertices: 256,
	}
}

func (t *Tuning) applyDefaults() {
	d := DefaultTuning()
	if t.Epsilon <= 0 {
		t.Epsilon = d.Epsilon
	}
	if t.RayOffset <= 0 {
		t.RayOffset = d.RayOffset
	}
	if t.ArcTolerance <= 0 {
		t.ArcTolerance = d.ArcTolerance
	}
	if t.ArcMinVertices < 3 {
		t.ArcMinVertices = d.ArcMinVertices
	}
	if t.ArcMaxVertices < t.ArcMinVertices {
		t.ArcMaxVertices = t.ArcMinVertices
	}
}

// Config describes one computation. Rotation and Angle are degrees; Rotation
// is the window's center direction (0 = +x, counter-clockwise) and Angle its
// width. Angle <= 0 or >= 360 means unrestricted.
type Config struct {
	Origin     geom.Point
	Radius     float64
	Rotation   float64
	Angle      float64
	Sense      edges.Sense
	Walls      bool
	Restricted []geom.Polygon
}

func (c Config) Full() bool { return c.Angle <= 0 || c.Angle >= 360 }

type Backend struct {
	t Tuning
}

func New(t Tuning) *Backend {
	t.applyDefaults()
	return &Backend{t: t}
}

func (b *Backend) Tuning() Tuning { return b.t }

// VertexCount is the full-circle vertex budget for radius r.
func (b *Backend) VertexCount(r float64) int {
	return geom.ArcVertexCount(r, b.t.ArcTolerance, b.t.ArcMinVertices, b.t.ArcMaxVertices)
}

type vertex struct {
	rel      float64 // angle from the window start, [0, span]
	p        geom.Point
	onCircle bool
}

// Compute returns the visible region. A zero radius yields nil. Without walls
// (or with nothing blocking in range) the result is the plain sector.
func (b *Backend) Compute(cfg Config, q edges.Querier) geom.Polygon {
	if cfg.Radius <= 0 || !geom.Finite(cfg.Origin) {
		return nil
	}
	var poly geom.Polygon
	if !cfg.Walls || q == nil {
		poly = b.Sector(cfg)
	} else {
		poly = b.cast(cfg, q)
	}
	for _, r := range cfg.Restricted {
		if len(poly) == 0 {
			break
		}
		poly = geom.ClipConvex(poly, r)
	}
	return poly
}

func (b *Backend) window(cfg Config) (start, span float64) {
	if cfg.Full() {
		return 0, geom.TwoPi
	}
	span = geom.Radians(cfg.Angle)
	start = geom.NormalizeAngle(geom.Radians(cfg.Rotation) - span/2)
	return start, span
}

// Sector is the unobstructed shape: a circle or, for limited windows, a
// wedge that includes the origin.
func (b *Backend) Sector(cfg Config) geom.Polygon {
	if cfg.Radius <= 0 {
		return nil
	}
	n := b.VertexCount(cfg.Radius)
	if cfg.Full() {
		return geom.Circle(cfg.Origin, cfg.Radius, n)
	}
	start, span := b.window(cfg)
	step := geom.TwoPi / float64(n)
	out := geom.Polygon{cfg.Origin, geom.PolarPoint(cfg.Origin, start, cfg.Radius)}
	out = append(out, geom.ArcPoints(cfg.Origin, cfg.Radius, start, start+span, step)...)
	out = append(out, geom.PolarPoint(cfg.Origin, start+span, cfg.Radius))
	return out
}

func (b *Backend) cast(cfg Config, q edges.Querier) geom.Polygon {
	o, r := cfg.Origin, cfg.Radius
	box := geom.BoxAround(o, r)
	inRange := q.Query(box)
	var blocking []edges.Edge
	for _, e := range inRange {
		if e.BlocksSense(cfg.Sense) {
			blocking = append(blocking, e)
		}
	}
	if len(blocking) == 0 {
		return b.Sector(cfg)
	}

	full := cfg.Full()
	start, span := b.window(cfg)
	n := b.VertexCount(r)
	step := geom.TwoPi / float64(n)

	var angles []float64
	addRel := func(theta float64) {
		rel := geom.NormalizeAngle(theta - start)
		if !full && rel > span {
			switch {
			case rel-span < 1e-12:
				rel = span
			case geom.TwoPi-rel < 1e-12:
				rel = 0
			default:
				return
			}
		}
		angles = append(angles, rel)
	}

	for _, p := range q.Endpoints(box, cfg.Sense) {
		d := geom.Dist(o, p)
		if d < b.t.Epsilon || d > r {
			continue
		}
		theta := geom.AngleTo(o, p)
		addRel(theta - b.t.RayOffset)
		addRel(theta)
		addRel(theta + b.t.RayOffset)
	}
	for _, e := range blocking {
		for _, p := range geom.CircleSegment(o, r, e.A, e.B) {
			addRel(geom.AngleTo(o, p))
		}
	}
	for i := 0; i < n; i++ {
		addRel(float64(i) * step)
	}
	if !full {
		angles = append(angles, 0, span)
	}

	sort.Float64s(angles)
	verts := make([]vertex, 0, len(angles))
	last := math.Inf(-1)
	for _, rel := range angles {
		if rel-last < 1e-12 {
			continue
		}
		last = rel
		theta := start + rel
		end := geom.PolarPoint(o, theta, r)
		v := vertex{rel: rel, p: end, onCircle: true}
		if hits := q.Intersect(edges.Ray{A: o, B: end}, edges.Senses(cfg.Sense), edges.ModeClosest); len(hits) > 0 {
			v.p = hits[0].Point
			v.onCircle = false
		}
		verts = append(verts, v)
	}

	var out geom.Polygon
	if !full {
		out = append(out, o)
	}
	minGap := b.t.Epsilon * math.Max(1, r)
	push := func(p geom.Point) {
		if len(out) > 0 && geom.Dist(out[len(out)-1], p) <= minGap {
			return
		}
		out = append(out, p)
	}
	for i, v := range verts {
		push(v.p)
		var next vertex
		if i+1 < len(verts) {
			next = verts[i+1]
		} else if full && len(verts) > 0 {
			next = verts[0]
			next.rel += geom.TwoPi
		} else {
			break
		}
		if v.onCircle && next.onCircle && next.rel-v.rel > step {
			for _, p := range geom.ArcPoints(o, r, start+v.rel, start+next.rel, step) {
				push(p)
			}
		}
	}
	if full && len(out) > 1 && geom.Dist(out[0], out[len(out)-1]) <= minGap {
		out = out[:len(out)-1]
	}
	if len(out) < 3 {
		return nil
	}
	return out
}
