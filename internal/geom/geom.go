package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Point is a scene-space position. Scene units are arbitrary (pixels or grid units).
type Point = r2.Vec

// Box is an axis-aligned rectangle; Min is inclusive, Max is inclusive.
type Box = r2.Box

func Pt(x, y float64) Point { return Point{X: x, Y: y} }

func Sub(a, b Point) Point { return r2.Sub(a, b) }

func Cross(a, b Point) float64 { return r2.Cross(a, b) }

func Finite(p Point) bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

func Dist(a, b Point) float64 { return r2.Norm(r2.Sub(b, a)) }

func Dist2(a, b Point) float64 { return r2.Norm2(r2.Sub(b, a)) }

// Orient returns the signed area of (a, b, p): positive when p lies left of a→b.
func Orient(a, b, p Point) float64 {
	return r2.Cross(r2.Sub(b, a), r2.Sub(p, a))
}

func BoxOf(a, b Point) Box {
	return Box{
		Min: Point{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y)},
		Max: Point{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y)},
	}
}

func BoxAround(c Point, r float64) Box {
	return Box{
		Min: Point{X: c.X - r, Y: c.Y - r},
		Max: Point{X: c.X + r, Y: c.Y + r},
	}
}

func BoxUnion(a, b Box) Box {
	return Box{
		Min: Point{X: math.Min(a.Min.X, b.Min.X), Y: math.Min(a.Min.Y, b.Min.Y)},
		Max: Point{X: math.Max(a.Max.X, b.Max.X), Y: math.Max(a.Max.Y, b.Max.Y)},
	}
}

func BoxOverlaps(a, b Box) bool {
	return a.Min.X <= b.Max.X && b.Min.X <= a.Max.X && a.Min.Y <= b.Max.Y && b.Min.Y <= a.Max.Y
}

func BoxContains(b Box, p Point) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X && p.Y >= b.Min.Y && p.Y <= b.Max.Y
}

// Intersection is a crossing between a ray a→b and a segment c→d.
// T0 is the parameter along the ray, T1 along the segment.
type Intersection struct {
	Point Point
	T0    float64
	T1    float64
}

// paramSlack absorbs rounding when a ray passes exactly through a segment endpoint.
const paramSlack = 1e-10

// SegmentIntersection solves a + t0·(b-a) = c + t1·(d-c). Segments whose
// directions differ by less than eps (as the sine of the angle between them)
// are treated as parallel and never intersect.
func SegmentIntersection(a, b, c, d Point, eps float64) (Intersection, bool) {
	r := r2.Sub(b, a)
	s := r2.Sub(d, c)
	denom := r2.Cross(r, s)
	scale := r2.Norm(r) * r2.Norm(s)
	if scale == 0 || math.Abs(denom) <= eps*scale {
		return Intersection{}, false
	}
	qp := r2.Sub(c, a)
	t0 := r2.Cross(qp, s) / denom
	t1 := r2.Cross(qp, r) / denom
	if t1 < -paramSlack || t1 > 1+paramSlack || t0 < -paramSlack || t0 > 1+paramSlack {
		return Intersection{}, false
	}
	t0 = clamp01(t0)
	t1 = clamp01(t1)
	return Intersection{Point: r2.Add(a, r2.Scale(t0, r)), T0: t0, T1: t1}, true
}

// CircleSegment returns the points where segment a→b crosses the circle (c, r).
func CircleSegment(c Point, r float64, a, b Point) []Point {
	d := r2.Sub(b, a)
	f := r2.Sub(a, c)
	qa := r2.Dot(d, d)
	if qa == 0 {
		return nil
	}
	qb := 2 * r2.Dot(f, d)
	qc := r2.Dot(f, f) - r*r
	disc := qb*qb - 4*qa*qc
	if disc < 0 {
		return nil
	}
	sq := math.Sqrt(disc)
	var out []Point
	for _, t := range [2]float64{(-qb - sq) / (2 * qa), (-qb + sq) / (2 * qa)} {
		if t < 0 || t > 1 {
			continue
		}
		p := r2.Add(a, r2.Scale(t, d))
		if len(out) == 1 && Dist2(out[0], p) == 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
