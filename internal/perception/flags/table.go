// Package flags batches named render flags into one flush per frame.
package flags

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrCycle       = errors.New("flag propagation cycle")
	ErrUnknownFlag = errors.New("unknown flag")
	ErrDuplicate   = errors.New("duplicate flag")
	ErrTooDeep     = errors.New("flag propagation exceeds hop limit")
)

// Def declares one flag. Raising it also raises every flag in Propagate.
// Action names the handler run when the flag is flushed; it defaults to Name.
// Lower Priority runs first.
type Def struct {
	Name      string   `yaml:"name" json:"name"`
	Propagate []string `yaml:"propagate,omitempty" json:"propagate,omitempty"`
	Action    string   `yaml:"action,omitempty" json:"action,omitempty"`
	Priority  int      `yaml:"priority" json:"priority"`
}

// Table is a validated, immutable set of flag definitions.
type Table struct {
	defs    map[string]Def
	names   []string
	maxHops int
}

// NewTable validates defs: names are unique, every propagation target
// exists, the graph is acyclic and no chain is longer than maxHops.
func NewTable(defs []Def, maxHops int) (*Table, error) {
	if maxHops <= 0 {
		maxHops = 8
	}
	t := &Table{defs: make(map[string]Def, len(defs)), maxHops: maxHops}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("flag with empty name")
		}
		if _, ok := t.defs[d.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, d.Name)
		}
		if d.Action == "" {
			d.Action = d.Name
		}
		t.defs[d.Name] = d
		t.names = append(t.names, d.Name)
	}
	sort.Strings(t.names)
	for _, n := range t.names {
		for _, p := range t.defs[n].Propagate {
			if _, ok := t.defs[p]; !ok {
				return nil, fmt.Errorf("%w: %s propagates to %s", ErrUnknownFlag, n, p)
			}
		}
	}

	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	depth := map[string]int{}
	var visit func(n string, path []string) error
	visit = func(n string, path []string) error {
		switch color[n] {
		case grey:
			return fmt.Errorf("%w: %v", ErrCycle, append(path, n))
		case black:
			return nil
		}
		color[n] = grey
		d := 0
		for _, p := range t.defs[n].Propagate {
			if err := visit(p, append(path, n)); err != nil {
				return err
			}
			if depth[p]+1 > d {
				d = depth[p] + 1
			}
		}
		color[n] = black
		depth[n] = d
		if d > t.maxHops {
			return fmt.Errorf("%w: %s reaches %d hops (limit %d)", ErrTooDeep, n, d, t.maxHops)
		}
		return nil
	}
	for _, n := range t.names {
		if err := visit(n, nil); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) Has(name string) bool {
	_, ok := t.defs[name]
	return ok
}

func (t *Table) Def(name string) (Def, bool) {
	d, ok := t.defs[name]
	return d, ok
}

func (t *Table) Names() []string { return append([]string(nil), t.names...) }

func (t *Table) MaxHops() int { return t.maxHops }

// Actions returns the distinct handler names the table can invoke.
func (t *Table) Actions() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, n := range t.names {
		a := t.defs[n].Action
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Flag names used by the canvas.
const (
	RefreshEdges       = "refreshEdges"
	InitializeLighting = "initializeLighting"
	InitializeVision   = "initializeVision"
	InitializeSounds   = "initializeSounds"
	InitializeMovement = "initializeMovement"
	RefreshLighting    = "refreshLighting"
	RefreshVision      = "refreshVision"
	RefreshSounds      = "refreshSounds"
	RefreshMovement    = "refreshMovement"
	RefreshFog         = "refreshFog"
)

// CanvasDefs is the perception flag graph: edge changes re-initialize every
// source kind, lighting feeds vision, and vision feeds fog.
func CanvasDefs() []Def {
	return []Def{
		{Name: RefreshEdges, Propagate: []string{InitializeLighting, InitializeVision, InitializeSounds, InitializeMovement}, Priority: 0},
		{Name: InitializeLighting, Propagate: []string{RefreshLighting}, Priority: 1},
		{Name: InitializeVision, Propagate: []string{RefreshVision}, Priority: 1},
		{Name: InitializeSounds, Propagate: []string{RefreshSounds}, Priority: 1},
		{Name: InitializeMovement, Propagate: []string{RefreshMovement}, Priority: 1},
		{Name: RefreshLighting, Propagate: []string{RefreshVision}, Priority: 2},
		{Name: RefreshSounds, Priority: 2},
		{Name: RefreshMovement, Priority: 2},
		{Name: RefreshVision, Propagate: []string{RefreshFog}, Priority: 3},
		{Name: RefreshFog, Priority: 4},
	}
}
