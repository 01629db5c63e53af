// Package spatial provides a uniform-cell spatial hash for boxed objects.
package spatial

import (
	"math"

	"sightline.ai/internal/geom"
)

type cellKey struct{ X, Y int32 }

// MaxCellsPerItem caps the number of cells one box may occupy. Larger boxes
// are kept in an overflow list that every query scans.
const MaxCellsPerItem = 4096

// cellLimit bounds cell coordinates. Coordinates past it share the outermost
// cell, so a span always fits in int32 and a cell count in int64.
const cellLimit = 1 << 30

// Hash maps keys to the cells their boxes overlap. It is not safe for
// concurrent use; the canvas loop owns it.
type Hash[K comparable] struct {
	cellSize float64
	cells    map[cellKey][]K
	boxes    map[K]geom.Box
	overflow map[K]struct{}
}

func New[K comparable](cellSize float64) *Hash[K] {
	if cellSize <= 0 {
		cellSize = 1
	}
	return &Hash[K]{
		cellSize: cellSize,
		cells:    map[cellKey][]K{},
		boxes:    map[K]geom.Box{},
		overflow: map[K]struct{}{},
	}
}

func (h *Hash[K]) Len() int { return len(h.boxes) }

func (h *Hash[K]) CellSize() float64 { return h.cellSize }

func (h *Hash[K]) Box(k K) (geom.Box, bool) {
	b, ok := h.boxes[k]
	return b, ok
}

func (h *Hash[K]) cell(v float64) int32 {
	c := math.Floor(v / h.cellSize)
	switch {
	case math.IsNaN(c):
		return 0
	case c < -cellLimit:
		return -cellLimit
	case c > cellLimit:
		return cellLimit
	}
	return int32(c)
}

func (h *Hash[K]) span(b geom.Box) (x0, y0, x1, y1 int32) {
	return h.cell(b.Min.X), h.cell(b.Min.Y), h.cell(b.Max.X), h.cell(b.Max.Y)
}

func cellCount(x0, y0, x1, y1 int32) int64 {
	return (int64(x1) - int64(x0) + 1) * (int64(y1) - int64(y0) + 1)
}

// Insert places k at b, replacing any previous placement.
func (h *Hash[K]) Insert(k K, b geom.Box) {
	if _, ok := h.boxes[k]; ok {
		h.Remove(k)
	}
	h.boxes[k] = b
	x0, y0, x1, y1 := h.span(b)
	if cellCount(x0, y0, x1, y1) > MaxCellsPerItem {
		h.overflow[k] = struct{}{}
		return
	}
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			c := cellKey{x, y}
			h.cells[c] = append(h.cells[c], k)
		}
	}
}

// Remove drops k and returns its last box.
func (h *Hash[K]) Remove(k K) (geom.Box, bool) {
	b, ok := h.boxes[k]
	if !ok {
		return geom.Box{}, false
	}
	delete(h.boxes, k)
	if _, big := h.overflow[k]; big {
		delete(h.overflow, k)
		return b, true
	}
	x0, y0, x1, y1 := h.span(b)
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			c := cellKey{x, y}
			list := h.cells[c]
			for i, v := range list {
				if v == k {
					list[i] = list[len(list)-1]
					list = list[:len(list)-1]
					break
				}
			}
			if len(list) == 0 {
				delete(h.cells, c)
			} else {
				h.cells[c] = list
			}
		}
	}
	return b, true
}

// Query appends to dst every key whose box overlaps b, each once.
func (h *Hash[K]) Query(dst []K, b geom.Box) []K {
	seen := map[K]struct{}{}
	x0, y0, x1, y1 := h.span(b)
	if cellCount(x0, y0, x1, y1) > int64(len(h.cells)) {
		// Cheaper to walk every item than every cell.
		for k, kb := range h.boxes {
			if geom.BoxOverlaps(kb, b) {
				dst = append(dst, k)
			}
		}
		return dst
	}
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			for _, k := range h.cells[cellKey{x, y}] {
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
				if geom.BoxOverlaps(h.boxes[k], b) {
					dst = append(dst, k)
				}
			}
		}
	}
	for k := range h.overflow {
		if geom.BoxOverlaps(h.boxes[k], b) {
			dst = append(dst, k)
		}
	}
	return dst
}
