package geom

import "math"

const TwoPi = 2 * math.Pi

func Radians(deg float64) float64 { return deg * math.Pi / 180 }

// NormalizeAngle maps a to [0, 2π).
func NormalizeAngle(a float64) float64 {
	a = math.Mod(a, TwoPi)
	if a < 0 {
		a += TwoPi
	}
	if a >= TwoPi {
		a = 0
	}
	return a
}

func AngleTo(o, p Point) float64 {
	return math.Atan2(p.Y-o.Y, p.X-o.X)
}

func PolarPoint(o Point, angle, r float64) Point {
	return Point{X: o.X + r*math.Cos(angle), Y: o.Y + r*math.Sin(angle)}
}

// ArcVertexCount is the number of vertices used to approximate a full circle
// of radius r so that the chord never strays more than tol from the true arc.
// Small radii need fewer vertices; the result is clamped to [min, max].
func ArcVertexCount(r, tol float64, min, max int) int {
	if min < 3 {
		min = 3
	}
	if max < min {
		max = min
	}
	if r <= 0 || tol <= 0 {
		return min
	}
	if tol >= r {
		return min
	}
	n := int(math.Ceil(math.Pi / math.Sqrt(2*tol/r)))
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// ArcPoints returns points on the circle (o, r) strictly between angles from
// and to (counter-clockwise, to > from) spaced at most step radians apart.
func ArcPoints(o Point, r, from, to, step float64) []Point {
	span := to - from
	if span <= 0 || step <= 0 {
		return nil
	}
	n := int(math.Ceil(span/step)) - 1
	if n <= 0 {
		return nil
	}
	d := span / float64(n+1)
	out := make([]Point, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, PolarPoint(o, from+d*float64(i), r))
	}
	return out
}
