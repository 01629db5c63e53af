package source

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"sightline.ai/internal/geom"
	"sightline.ai/internal/logging"
	"sightline.ai/internal/spatial"
)

var (
	ErrDuplicate = errors.New("duplicate source id")
	ErrNotFound  = errors.New("source not found")
)

// Owner is the scene object a source belongs to. Viewers lists the users
// whose explored fog the owner's vision and light reveal.
type Owner struct {
	ID      string   `json:"id" yaml:"id"`
	Viewers []string `json:"viewers,omitempty" yaml:"viewers,omitempty"`
	Hidden  bool     `json:"hidden,omitempty" yaml:"hidden,omitempty"`
}

// Registry maps ids to sources and owners and indexes sources by bounds.
type Registry struct {
	sources map[string]*Source
	owners  map[string]Owner
	hash    *spatial.Hash[string]
	log     logrus.FieldLogger
}

func NewRegistry(cellSize float64, log logrus.FieldLogger) *Registry {
	return &Registry{
		sources: map[string]*Source{},
		owners:  map[string]Owner{},
		hash:    spatial.New[string](cellSize),
		log:     logging.OrDiscard(log),
	}
}

func (r *Registry) Len() int { return len(r.sources) }

// Create registers a new uninitialized source.
func (r *Registry) Create(id string, kind Kind, owner string) (*Source, error) {
	if id == "" {
		return nil, fmt.Errorf("empty source id")
	}
	if _, ok := r.sources[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	s := New(id, kind, owner, r.log)
	r.sources[id] = s
	return s, nil
}

func (r *Registry) Get(id string) (*Source, bool) {
	s, ok := r.sources[id]
	return s, ok
}

// Reindex updates the spatial placement of id after its bounds changed.
func (r *Registry) Reindex(id string) {
	s, ok := r.sources[id]
	if !ok || s.state == StateDestroyed || s.state == StateUninitialized {
		return
	}
	r.hash.Insert(id, s.Bounds())
}

// Remove destroys the source and drops it from every index.
func (r *Registry) Remove(id string) (geom.Box, error) {
	s, ok := r.sources[id]
	if !ok {
		return geom.Box{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	b := s.Bounds()
	s.Destroy()
	r.hash.Remove(id)
	delete(r.sources, id)
	return b, nil
}

// Overlapping returns live sources whose bounds overlap b, ordered by id.
func (r *Registry) Overlapping(b geom.Box) []*Source {
	ids := r.hash.Query(nil, b)
	sort.Strings(ids)
	out := make([]*Source, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.sources[id])
	}
	return out
}

// All returns every source ordered by id.
func (r *Registry) All() []*Source {
	out := make([]*Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) OfKind(k Kind) []*Source {
	var out []*Source
	for _, s := range r.All() {
		if s.Kind == k {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) SetOwner(o Owner) { r.owners[o.ID] = o }

func (r *Registry) Owner(id string) (Owner, bool) {
	o, ok := r.owners[id]
	return o, ok
}

func (r *Registry) Owners() []Owner {
	out := make([]Owner, 0, len(r.owners))
	for _, o := range r.owners {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoveOwner drops the owner and destroys every source it owns.
func (r *Registry) RemoveOwner(id string) []string {
	delete(r.owners, id)
	var removed []string
	for _, s := range r.All() {
		if s.Owner == id {
			_, _ = r.Remove(s.ID)
			removed = append(removed, s.ID)
		}
	}
	return removed
}

// OwnedBy returns the sources owned by id, ordered by source id.
func (r *Registry) OwnedBy(id string) []*Source {
	var out []*Source
	for _, s := range r.All() {
		if s.Owner == id {
			out = append(out, s)
		}
	}
	return out
}

// Suppressed reports whether s's owner is hidden. Unknown owners are not.
func (r *Registry) Suppressed(s *Source) bool {
	o, ok := r.owners[s.Owner]
	return ok && o.Hidden
}

// Viewers returns the users s reveals fog for.
func (r *Registry) Viewers(s *Source) []string {
	o, ok := r.owners[s.Owner]
	if !ok {
		return nil
	}
	return o.Viewers
}

// Clear destroys every source; owners are kept.
func (r *Registry) Clear() {
	for id := range r.sources {
		_, _ = r.Remove(id)
	}
}
