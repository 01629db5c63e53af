package geom

import "math"

// Polygon is a closed ring of vertices; the closing edge is implicit.
type Polygon []Point

// Area returns the signed area (positive for counter-clockwise rings).
func (p Polygon) Area() float64 {
	if len(p) < 3 {
		return 0
	}
	var s float64
	for i := range p {
		j := (i + 1) % len(p)
		s += p[i].X*p[j].Y - p[j].X*p[i].Y
	}
	return s / 2
}

func (p Polygon) Bounds() Box {
	if len(p) == 0 {
		return Box{}
	}
	b := Box{Min: p[0], Max: p[0]}
	for _, v := range p[1:] {
		b.Min.X = math.Min(b.Min.X, v.X)
		b.Min.Y = math.Min(b.Min.Y, v.Y)
		b.Max.X = math.Max(b.Max.X, v.X)
		b.Max.Y = math.Max(b.Max.Y, v.Y)
	}
	return b
}

// Contains reports whether q is inside p using the even-odd rule.
func (p Polygon) Contains(q Point) bool {
	if len(p) < 3 {
		return false
	}
	in := false
	j := len(p) - 1
	for i := range p {
		a, b := p[i], p[j]
		if (a.Y > q.Y) != (b.Y > q.Y) {
			x := a.X + (q.Y-a.Y)*(b.X-a.X)/(b.Y-a.Y)
			if q.X < x {
				in = !in
			}
		}
		j = i
	}
	return in
}

func (p Polygon) Clone() Polygon {
	if p == nil {
		return nil
	}
	out := make(Polygon, len(p))
	copy(out, p)
	return out
}

// ClipConvex clips subject against a convex clip ring (Sutherland–Hodgman).
// The clip ring may be given in either orientation.
func ClipConvex(subject, clip Polygon) Polygon {
	if len(subject) < 3 || len(clip) < 3 {
		return nil
	}
	if clip.Area() < 0 {
		rev := make(Polygon, len(clip))
		for i := range clip {
			rev[i] = clip[len(clip)-1-i]
		}
		clip = rev
	}
	out := subject.Clone()
	for i := range clip {
		a := clip[i]
		b := clip[(i+1)%len(clip)]
		in := out
		out = nil
		if len(in) == 0 {
			break
		}
		prev := in[len(in)-1]
		prevIn := Orient(a, b, prev) >= 0
		for _, cur := range in {
			curIn := Orient(a, b, cur) >= 0
			if curIn != prevIn {
				if x, ok := lineCross(prev, cur, a, b); ok {
					out = append(out, x)
				}
			}
			if curIn {
				out = append(out, cur)
			}
			prev, prevIn = cur, curIn
		}
	}
	if len(out) < 3 {
		return nil
	}
	return out
}

// lineCross intersects segment p→q with the infinite line through a, b.
func lineCross(p, q, a, b Point) (Point, bool) {
	dp := Orient(a, b, p)
	dq := Orient(a, b, q)
	den := dp - dq
	if den == 0 {
		return Point{}, false
	}
	t := dp / den
	return Point{X: p.X + t*(q.X-p.X), Y: p.Y + t*(q.Y-p.Y)}, true
}

// Circle approximates a full circle with n vertices, counter-clockwise from angle 0.
func Circle(o Point, r float64, n int) Polygon {
	if r <= 0 || n < 3 {
		return nil
	}
	out := make(Polygon, n)
	for i := 0; i < n; i++ {
		out[i] = PolarPoint(o, TwoPi*float64(i)/float64(n), r)
	}
	return out
}
