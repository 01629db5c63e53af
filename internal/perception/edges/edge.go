// Package edges owns the blocking segments of a scene and answers ray and
// endpoint queries against them.
package edges

import (
	"errors"
	"fmt"
	"strings"

	"sightline.ai/internal/geom"
)

var (
	ErrMalformedEdge  = errors.New("malformed edge")
	ErrDoorTransition = errors.New("illegal door transition")
	ErrNotDoor        = errors.New("edge is not a door")
	ErrNotFound       = errors.New("edge not found")
)

// Sense is one perception channel an edge may block.
type Sense uint8

const (
	SenseMove Sense = iota
	SenseSight
	SenseLight
	SenseSound

	NumSenses = 4
)

var senseNames = [NumSenses]string{"move", "sight", "light", "sound"}

func (s Sense) String() string {
	if int(s) < NumSenses {
		return senseNames[s]
	}
	return fmt.Sprintf("sense(%d)", s)
}

func ParseSense(v string) (Sense, error) {
	for i, n := range senseNames {
		if strings.EqualFold(v, n) {
			return Sense(i), nil
		}
	}
	return 0, fmt.Errorf("unknown sense %q", v)
}

func (s Sense) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Sense) UnmarshalText(b []byte) error {
	v, err := ParseSense(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// SenseSet is a bitmask of senses.
type SenseSet uint8

func Senses(ss ...Sense) SenseSet {
	var out SenseSet
	for _, s := range ss {
		out |= 1 << s
	}
	return out
}

func (m SenseSet) Has(s Sense) bool { return m&(1<<s) != 0 }

// BlockMode says how an edge treats one sense.
type BlockMode uint8

const (
	BlockNormal BlockMode = iota
	BlockNone
	BlockProximity
)

func (m BlockMode) String() string {
	switch m {
	case BlockNormal:
		return "blocked"
	case BlockNone:
		return "unblocked"
	case BlockProximity:
		return "proximity"
	default:
		return fmt.Sprintf("block(%d)", m)
	}
}

func (m BlockMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *BlockMode) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "blocked", "normal", "":
		*m = BlockNormal
	case "unblocked", "none":
		*m = BlockNone
	case "proximity":
		*m = BlockProximity
	default:
		return fmt.Errorf("unknown block mode %q", b)
	}
	return nil
}

// SenseRule is the per-sense blocking behavior. Threshold only applies to
// BlockProximity: the edge blocks when the ray origin is farther than
// Threshold from the hit point.
type SenseRule struct {
	Mode      BlockMode `json:"mode" yaml:"mode"`
	Threshold float64   `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// Direction restricts which side of A→B an edge blocks from.
type Direction uint8

const (
	DirBoth Direction = iota
	DirLeft
	DirRight
)

func (d Direction) String() string {
	switch d {
	case DirLeft:
		return "left"
	case DirRight:
		return "right"
	default:
		return "none"
	}
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Direction) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "none", "both", "":
		*d = DirBoth
	case "left":
		*d = DirLeft
	case "right":
		*d = DirRight
	default:
		return fmt.Errorf("unknown direction %q", b)
	}
	return nil
}

type DoorKind uint8

const (
	DoorNone DoorKind = iota
	DoorDoor
)

func (k DoorKind) String() string {
	if k == DoorDoor {
		return "door"
	}
	return "none"
}

func (k DoorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *DoorKind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "none", "":
		*k = DoorNone
	case "door":
		*k = DoorDoor
	default:
		return fmt.Errorf("unknown door kind %q", b)
	}
	return nil
}

type DoorState uint8

const (
	DoorClosed DoorState = iota
	DoorOpen
	DoorLocked
)

func (s DoorState) String() string {
	switch s {
	case DoorOpen:
		return "open"
	case DoorLocked:
		return "locked"
	default:
		return "closed"
	}
}

func (s DoorState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *DoorState) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "closed", "":
		*s = DoorClosed
	case "open":
		*s = DoorOpen
	case "locked":
		*s = DoorLocked
	default:
		return fmt.Errorf("unknown door state %q", b)
	}
	return nil
}

// CanTransition reports whether a door may move from s to next.
// Open and locked are only reachable through closed.
func (s DoorState) CanTransition(next DoorState) bool {
	if s == next {
		return true
	}
	switch s {
	case DoorClosed:
		return next == DoorOpen || next == DoorLocked
	case DoorOpen, DoorLocked:
		return next == DoorClosed
	}
	return false
}

// Edge is one blocking wall segment. Edges are values; the index hands out copies.
type Edge struct {
	ID        string
	A, B      geom.Point
	Senses    [NumSenses]SenseRule
	Direction Direction
	Door      DoorKind
	State     DoorState
}

func (e Edge) Bounds() geom.Box { return geom.BoxOf(e.A, e.B) }

// Passable reports whether the edge is an open door.
func (e Edge) Passable() bool { return e.Door == DoorDoor && e.State == DoorOpen }

// BlocksSense reports whether the edge can block s at all, ignoring ray geometry.
func (e Edge) BlocksSense(s Sense) bool {
	if e.Passable() || int(s) >= NumSenses {
		return false
	}
	return e.Senses[s].Mode != BlockNone
}

// Blocks decides whether a ray from origin travelling along dir, hitting the
// edge at hit, is stopped for sense s.
func (e Edge) Blocks(s Sense, origin, dir, hit geom.Point) bool {
	if !e.BlocksSense(s) {
		return false
	}
	rule := e.Senses[s]
	if rule.Mode == BlockProximity && geom.Dist(origin, hit) <= rule.Threshold {
		return false
	}
	switch e.Direction {
	case DirLeft:
		// From the left half-plane of A→B into the right one.
		return geom.Cross(geom.Sub(e.B, e.A), dir) < 0
	case DirRight:
		return geom.Cross(geom.Sub(e.B, e.A), dir) > 0
	}
	return true
}

func (e Edge) validate() error {
	if !geom.Finite(e.A) || !geom.Finite(e.B) {
		return fmt.Errorf("%w: %s: non-finite coordinates", ErrMalformedEdge, e.ID)
	}
	if e.A == e.B {
		return fmt.Errorf("%w: %s: zero length", ErrMalformedEdge, e.ID)
	}
	if e.Door == DoorNone && e.State != DoorClosed {
		return fmt.Errorf("%w: %s: door state on a plain wall", ErrMalformedEdge, e.ID)
	}
	for i, r := range e.Senses {
		if r.Mode == BlockProximity && r.Threshold < 0 {
			return fmt.Errorf("%w: %s: negative %s threshold", ErrMalformedEdge, e.ID, Sense(i))
		}
	}
	return nil
}

// Patch is a partial edge update. Nil fields are left unchanged.
type Patch struct {
	X0 *float64 `json:"x0,omitempty" yaml:"x0,omitempty"`
	Y0 *float64 `json:"y0,omitempty" yaml:"y0,omitempty"`
	X1 *float64 `json:"x1,omitempty" yaml:"x1,omitempty"`
	Y1 *float64 `json:"y1,omitempty" yaml:"y1,omitempty"`

	Move  *SenseRule `json:"move,omitempty" yaml:"move,omitempty"`
	Sight *SenseRule `json:"sight,omitempty" yaml:"sight,omitempty"`
	Light *SenseRule `json:"light,omitempty" yaml:"light,omitempty"`
	Sound *SenseRule `json:"sound,omitempty" yaml:"sound,omitempty"`

	Direction *Direction `json:"direction,omitempty" yaml:"direction,omitempty"`
	Door      *DoorKind  `json:"door,omitempty" yaml:"door,omitempty"`
	State     *DoorState `json:"state,omitempty" yaml:"state,omitempty"`
}

func (p Patch) hasCoords() bool { return p.X0 != nil && p.Y0 != nil && p.X1 != nil && p.Y1 != nil }

// Segment builds a coordinate-only patch.
func Segment(x0, y0, x1, y1 float64) Patch {
	return Patch{X0: &x0, Y0: &y0, X1: &x1, Y1: &y1}
}

func (p Patch) apply(e *Edge) error {
	if p.X0 != nil {
		e.A.X = *p.X0
	}
	if p.Y0 != nil {
		e.A.Y = *p.Y0
	}
	if p.X1 != nil {
		e.B.X = *p.X1
	}
	if p.Y1 != nil {
		e.B.Y = *p.Y1
	}
	for s, r := range [NumSenses]*SenseRule{p.Move, p.Sight, p.Light, p.Sound} {
		if r != nil {
			e.Senses[s] = *r
		}
	}
	if p.Direction != nil {
		e.Direction = *p.Direction
	}
	if p.Door != nil {
		e.Door = *p.Door
		if e.Door == DoorNone {
			e.State = DoorClosed
		}
	}
	if p.State != nil {
		if e.Door != DoorDoor {
			return fmt.Errorf("%w: %s", ErrNotDoor, e.ID)
		}
		if !e.State.CanTransition(*p.State) {
			return fmt.Errorf("%w: %s: %s -> %s", ErrDoorTransition, e.ID, e.State, *p.State)
		}
		e.State = *p.State
	}
	return nil
}
