// Package coverage holds explored-area bitmasks over a scene grid.
package coverage

import (
	"math"
	"math/bits"
	"sort"

	"sightline.ai/internal/geom"
)

// Mask is a W×H bitset; cell (i, j) covers scene rectangle
// [i*Cell, (i+1)*Cell) × [j*Cell, (j+1)*Cell).
type Mask struct {
	W, H int
	Cell float64
	bits []uint64
}

func New(w, h int, cell float64) *Mask {
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	if cell <= 0 {
		cell = 1
	}
	return &Mask{W: w, H: h, Cell: cell, bits: make([]uint64, (w*h+63)/64)}
}

// ForScene sizes a mask to cover a width×height scene.
func ForScene(width, height, cell float64) *Mask {
	if cell <= 0 {
		cell = 1
	}
	return New(int(math.Ceil(width/cell)), int(math.Ceil(height/cell)), cell)
}

func (m *Mask) Len() int { return m.W * m.H }

func (m *Mask) SameShape(o *Mask) bool {
	return o != nil && m.W == o.W && m.H == o.H && m.Cell == o.Cell
}

func (m *Mask) in(i, j int) bool { return i >= 0 && j >= 0 && i < m.W && j < m.H }

func (m *Mask) Set(i, j int) {
	if !m.in(i, j) {
		return
	}
	k := j*m.W + i
	m.bits[k>>6] |= 1 << (k & 63)
}

func (m *Mask) Get(i, j int) bool {
	if !m.in(i, j) {
		return false
	}
	k := j*m.W + i
	return m.bits[k>>6]&(1<<(k&63)) != 0
}

// At reads cell k in row-major order.
func (m *Mask) At(k int) bool {
	if k < 0 || k >= m.Len() {
		return false
	}
	return m.bits[k>>6]&(1<<(k&63)) != 0
}

// SetAt sets cell k in row-major order.
func (m *Mask) SetAt(k int) {
	if k < 0 || k >= m.Len() {
		return
	}
	m.bits[k>>6] |= 1 << (k & 63)
}

// Explored reports whether the cell containing scene point (x, y) is set.
func (m *Mask) Explored(x, y float64) bool {
	return m.Get(int(math.Floor(x/m.Cell)), int(math.Floor(y/m.Cell)))
}

func (m *Mask) Count() int {
	n := 0
	for _, w := range m.bits {
		n += bits.OnesCount64(w)
	}
	return n
}

func (m *Mask) Empty() bool {
	for _, w := range m.bits {
		if w != 0 {
			return false
		}
	}
	return true
}

// Union ORs o into m and returns the number of newly set cells. Masks of a
// different shape are ignored.
func (m *Mask) Union(o *Mask) int {
	if !m.SameShape(o) {
		return 0
	}
	added := 0
	for i, w := range o.bits {
		added += bits.OnesCount64(w &^ m.bits[i])
		m.bits[i] |= w
	}
	return added
}

// Covers reports whether every cell set in o is also set in m.
func (m *Mask) Covers(o *Mask) bool {
	if !m.SameShape(o) {
		return false
	}
	for i, w := range o.bits {
		if w&^m.bits[i] != 0 {
			return false
		}
	}
	return true
}

func (m *Mask) Equal(o *Mask) bool {
	if !m.SameShape(o) {
		return false
	}
	for i, w := range o.bits {
		if m.bits[i] != w {
			return false
		}
	}
	return true
}

func (m *Mask) Clone() *Mask {
	c := *m
	c.bits = append([]uint64(nil), m.bits...)
	return &c
}

func (m *Mask) Clear() {
	for i := range m.bits {
		m.bits[i] = 0
	}
}

type crossing struct {
	x   float64
	dir int
}

// FillPolygon sets every cell whose center lies inside p (nonzero winding)
// and returns the number of newly set cells.
func (m *Mask) FillPolygon(p geom.Polygon) int {
	if len(p) < 3 || m.W == 0 || m.H == 0 {
		return 0
	}
	b := p.Bounds()
	j0 := int(math.Max(0, math.Floor(b.Min.Y/m.Cell-0.5)))
	j1 := int(math.Min(float64(m.H-1), math.Ceil(b.Max.Y/m.Cell-0.5)))
	added := 0
	var xs []crossing
	for j := j0; j <= j1; j++ {
		yc := (float64(j) + 0.5) * m.Cell
		xs = xs[:0]
		for k := range p {
			a, c := p[k], p[(k+1)%len(p)]
			dir := 0
			switch {
			case a.Y <= yc && c.Y > yc:
				dir = 1
			case c.Y <= yc && a.Y > yc:
				dir = -1
			default:
				continue
			}
			x := a.X + (yc-a.Y)*(c.X-a.X)/(c.Y-a.Y)
			xs = append(xs, crossing{x: x, dir: dir})
		}
		sort.Slice(xs, func(a, b int) bool { return xs[a].x < xs[b].x })
		wind := 0
		for k := 0; k+1 < len(xs); k++ {
			wind += xs[k].dir
			if wind == 0 {
				continue
			}
			i0 := int(math.Ceil(xs[k].x/m.Cell - 0.5))
			i1 := int(math.Ceil(xs[k+1].x/m.Cell-0.5)) - 1
			if i0 < 0 {
				i0 = 0
			}
			if i1 >= m.W {
				i1 = m.W - 1
			}
			for i := i0; i <= i1; i++ {
				if !m.Get(i, j) {
					m.Set(i, j)
					added++
				}
			}
		}
	}
	return added
}
