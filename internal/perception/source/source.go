// Package source implements radial perception sources (lights, vision,
// sound, movement) and the registry that tracks them.
package source

import (
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"sightline.ai/internal/geom"
	"sightline.ai/internal/logging"
	"sightline.ai/internal/perception/edges"
	"sightline.ai/internal/perception/polygon"
)

type Kind uint8

const (
	KindLight Kind = iota
	KindVision
	KindSound
	KindMovement
)

func (k Kind) String() string {
	switch k {
	case KindLight:
		return "light"
	case KindVision:
		return "vision"
	case KindSound:
		return "sound"
	case KindMovement:
		return "movement"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

func ParseKind(v string) (Kind, error) {
	switch strings.ToLower(v) {
	case "light":
		return KindLight, nil
	case "vision", "sight":
		return KindVision, nil
	case "sound":
		return KindSound, nil
	case "movement", "move":
		return KindMovement, nil
	}
	return 0, fmt.Errorf("unknown source kind %q", v)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Sense is the edge channel a kind is blocked by.
func (k Kind) Sense() edges.Sense {
	switch k {
	case KindLight:
		return edges.SenseLight
	case KindSound:
		return edges.SenseSound
	case KindMovement:
		return edges.SenseMove
	default:
		return edges.SenseSight
	}
}

// Reveals reports whether shapes of this kind contribute to explored fog.
func (k Kind) Reveals() bool { return k == KindVision || k == KindLight }

type State uint8

const (
	StateUninitialized State = iota
	StateInitialized
	StateActive
	StateDisabled
	StateSuppressed
	StateDestroyed
)

func (s State) String() string {
	return [...]string{"uninitialized", "initialized", "active", "disabled", "suppressed", "destroyed"}[s]
}

// Data is the full configuration of a source. Rotation and Angle are degrees.
type Data struct {
	X              float64 `json:"x" yaml:"x"`
	Y              float64 `json:"y" yaml:"y"`
	Elevation      float64 `json:"elevation" yaml:"elevation"`
	Z              float64 `json:"z" yaml:"z"`
	Radius         float64 `json:"radius" yaml:"radius"`
	ExternalRadius float64 `json:"externalRadius" yaml:"external_radius"`
	Rotation       float64 `json:"rotation" yaml:"rotation"`
	Angle          float64 `json:"angle" yaml:"angle"`
	Walls          bool    `json:"walls" yaml:"walls"`
	Disabled       bool    `json:"disabled" yaml:"disabled"`
}

func DefaultData() Data { return Data{Angle: 360, Walls: true} }

func (d Data) Origin() geom.Point { return geom.Pt(d.X, d.Y) }

// Patch is a partial configuration; nil fields are left unchanged.
type Patch struct {
	X              *float64 `json:"x,omitempty" yaml:"x,omitempty"`
	Y              *float64 `json:"y,omitempty" yaml:"y,omitempty"`
	Elevation      *float64 `json:"elevation,omitempty" yaml:"elevation,omitempty"`
	Z              *float64 `json:"z,omitempty" yaml:"z,omitempty"`
	Radius         *float64 `json:"radius,omitempty" yaml:"radius,omitempty"`
	ExternalRadius *float64 `json:"externalRadius,omitempty" yaml:"external_radius,omitempty"`
	Rotation       *float64 `json:"rotation,omitempty" yaml:"rotation,omitempty"`
	Angle          *float64 `json:"angle,omitempty" yaml:"angle,omitempty"`
	Walls          *bool    `json:"walls,omitempty" yaml:"walls,omitempty"`
	Disabled       *bool    `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// merge applies p to d and reports whether a geometry-relevant field changed.
func (p Patch) merge(d *Data) (geometry bool) {
	setF := func(dst *float64, v *float64, geo bool) {
		if v == nil || *dst == *v {
			return
		}
		*dst = *v
		if geo {
			geometry = true
		}
	}
	setF(&d.X, p.X, true)
	setF(&d.Y, p.Y, true)
	setF(&d.Elevation, p.Elevation, false)
	setF(&d.Z, p.Z, false)
	setF(&d.Radius, p.Radius, true)
	setF(&d.ExternalRadius, p.ExternalRadius, false)
	setF(&d.Rotation, p.Rotation, true)
	setF(&d.Angle, p.Angle, true)
	if p.Walls != nil && *p.Walls != d.Walls {
		d.Walls = *p.Walls
		geometry = true
	}
	if p.Disabled != nil {
		d.Disabled = *p.Disabled
	}
	return geometry
}

// Request is a snapshot of everything needed to compute a shape off the
// owning goroutine.
type Request struct {
	ID      string
	Kind    Kind
	Counter uint64
	Config  polygon.Config
}

// Run computes the shape for r against q.
func (r Request) Run(b *polygon.Backend, q edges.Querier) Result {
	return Result{
		ID:            r.ID,
		Counter:       r.Counter,
		Shape:         b.Compute(r.Config, q),
		Unconstrained: !r.Config.Walls,
	}
}

type Result struct {
	ID            string
	Counter       uint64
	Shape         geom.Polygon
	Unconstrained bool
}

// Source is one radial effect origin. Its owner is referenced by id and
// resolved through the Registry.
type Source struct {
	ID    string
	Kind  Kind
	Owner string

	data       Data
	restricted []geom.Polygon
	state      State
	counter    uint64

	shape         geom.Polygon
	unconstrained bool
	needsCompute  bool
	edgesDirty    bool
	pending       bool

	log logrus.FieldLogger
}

func New(id string, kind Kind, owner string, log logrus.FieldLogger) *Source {
	log = logging.OrDiscard(log)
	return &Source{
		ID:    id,
		Kind:  kind,
		Owner: owner,
		data:  DefaultData(),
		log:   log.WithFields(logrus.Fields{"source": id, "kind": kind.String()}),
	}
}

func (s *Source) Data() Data                 { return s.data }
func (s *Source) State() State               { return s.state }
func (s *Source) Counter() uint64            { return s.counter }
func (s *Source) Shape() geom.Polygon        { return s.shape }
func (s *Source) Unconstrained() bool        { return s.unconstrained }
func (s *Source) NeedsCompute() bool         { return s.needsCompute && s.state != StateDestroyed }
func (s *Source) Restricted() []geom.Polygon { return s.restricted }

// Active reports whether the source currently contributes its shape.
func (s *Source) Active() bool { return s.state == StateActive }

// Bounds covers the largest extent the source can affect.
func (s *Source) Bounds() geom.Box {
	r := math.Max(s.data.Radius, s.data.ExternalRadius)
	return geom.BoxAround(s.data.Origin(), r)
}

// Configure merges p, clamps the radius and bumps the update counter. It
// returns whether the shape must be recomputed.
func (s *Source) Configure(p Patch) bool {
	if s.state == StateDestroyed {
		s.log.Warn("configure on destroyed source ignored")
		return false
	}
	geometry := p.merge(&s.data)
	if s.data.Radius < 0 || math.IsNaN(s.data.Radius) {
		s.data.Radius = 0
	}
	if s.data.ExternalRadius < 0 || math.IsNaN(s.data.ExternalRadius) {
		s.data.ExternalRadius = 0
	}
	s.counter++
	if s.state == StateUninitialized {
		s.state = StateInitialized
		geometry = true
	}
	if geometry || s.edgesDirty || s.pending {
		s.needsCompute = true
	}
	return s.needsCompute
}

// SetRestricted replaces the convex polygons vision is clipped to.
func (s *Source) SetRestricted(polys []geom.Polygon) {
	s.restricted = polys
	s.counter++
	s.needsCompute = true
}

// MarkEdgesDirty forces the next compute after walls changed nearby.
func (s *Source) MarkEdgesDirty() {
	if s.state == StateDestroyed {
		return
	}
	s.edgesDirty = true
	s.needsCompute = true
	s.counter++
}

// Prepare snapshots a compute request for the current counter.
func (s *Source) Prepare() Request {
	s.pending = true
	cfg := polygon.Config{
		Origin:   s.data.Origin(),
		Radius:   s.data.Radius,
		Rotation: s.data.Rotation,
		Angle:    s.data.Angle,
		Sense:    s.Kind.Sense(),
		Walls:    s.data.Walls,
	}
	if s.Kind == KindVision {
		cfg.Restricted = s.restricted
	}
	return Request{ID: s.ID, Kind: s.Kind, Counter: s.counter, Config: cfg}
}

// Complete installs r unless the source changed since r was prepared.
func (s *Source) Complete(r Result) bool {
	if s.state == StateDestroyed || r.Counter != s.counter {
		return false
	}
	s.shape = r.Shape
	s.unconstrained = r.Unconstrained
	s.needsCompute = false
	s.edgesDirty = false
	s.pending = false
	return true
}

// Initialize merges p and recomputes synchronously when needed.
func (s *Source) Initialize(p Patch, b *polygon.Backend, q edges.Querier) bool {
	if !s.Configure(p) {
		return false
	}
	return s.Complete(s.Prepare().Run(b, q))
}

// Refresh recomputes the classification only.
func (s *Source) Refresh(suppressed bool) State {
	switch s.state {
	case StateUninitialized:
		panic(fmt.Sprintf("source %s: refresh before initialize", s.ID))
	case StateDestroyed:
		s.log.Warn("refresh on destroyed source ignored")
		return s.state
	}
	switch {
	case s.data.Disabled || s.data.Radius == 0:
		s.state = StateDisabled
	case suppressed:
		s.state = StateSuppressed
	default:
		s.state = StateActive
	}
	return s.state
}

// Destroy releases the shape. The registry removes the source from its index.
func (s *Source) Destroy() {
	s.shape = nil
	s.needsCompute = false
	s.pending = false
	s.state = StateDestroyed
}
