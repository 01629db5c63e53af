// Package scene loads YAML scene seed files: extent, blocking edges,
// perception sources and their owners.
package scene

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"sightline.ai/internal/perception/edges"
	"sightline.ai/internal/perception/source"
)

var ErrInvalid = errors.New("invalid scene")

type Scene struct {
	ID      string         `yaml:"id"`
	Width   float64        `yaml:"width"`
	Height  float64        `yaml:"height"`
	Edges   []Edge         `yaml:"edges"`
	Sources []Source       `yaml:"sources"`
	Owners  []source.Owner `yaml:"owners"`
}

type Edge struct {
	ID          string `yaml:"id"`
	edges.Patch `yaml:",inline"`
}

type Source struct {
	ID           string      `yaml:"id"`
	Kind         source.Kind `yaml:"kind"`
	Owner        string      `yaml:"owner"`
	source.Patch `yaml:",inline"`
}

func Load(path string) (Scene, error) {
	var s Scene
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("scene %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("scene %s: %w", path, err)
	}
	return s, nil
}

// Validate checks ids and extent. Edge geometry is checked when the edges
// are applied to an index.
func (s Scene) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("%w: extent %gx%g", ErrInvalid, s.Width, s.Height)
	}
	seen := map[string]bool{}
	for _, e := range s.Edges {
		if e.ID == "" || seen["e:"+e.ID] {
			return fmt.Errorf("%w: edge id %q", ErrInvalid, e.ID)
		}
		seen["e:"+e.ID] = true
	}
	for _, o := range s.Owners {
		if o.ID == "" || seen["o:"+o.ID] {
			return fmt.Errorf("%w: owner id %q", ErrInvalid, o.ID)
		}
		seen["o:"+o.ID] = true
	}
	for _, src := range s.Sources {
		if src.ID == "" || seen["s:"+src.ID] {
			return fmt.Errorf("%w: source id %q", ErrInvalid, src.ID)
		}
		seen["s:"+src.ID] = true
		if src.Owner != "" && !seen["o:"+src.Owner] {
			return fmt.Errorf("%w: source %s has unknown owner %q", ErrInvalid, src.ID, src.Owner)
		}
	}
	return nil
}

// Viewers lists every user named by an owner, deduplicated in file order.
func (s Scene) Viewers() []string {
	var out []string
	seen := map[string]bool{}
	for _, o := range s.Owners {
		for _, v := range o.Viewers {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
