package canvas

import (
	"context"

	"sightline.ai/internal/perception/fog"
)

type ViewerState struct {
	ID       string `json:"id"`
	Explored int    `json:"explored"`
	Pending  int    `json:"pending"`
}

// State is a consistent snapshot taken on the canvas goroutine.
type State struct {
	SceneID      string        `json:"scene_id"`
	Frame        uint64        `json:"frame"`
	Edges        int           `json:"edges"`
	Sources      int           `json:"sources"`
	Active       int           `json:"active_sources"`
	PendingFlags []string      `json:"pending_flags,omitempty"`
	LastFlush    []string      `json:"last_flush_actions,omitempty"`
	Viewers      []ViewerState `json:"viewers"`
	Fog          fog.Stats     `json:"fog"`
}

func (c *Canvas) State() State {
	st := State{
		SceneID:      c.cfg.SceneID,
		Frame:        c.sched.Frame(),
		Edges:        c.edges.Len(),
		Sources:      c.sources.Len(),
		PendingFlags: c.sched.Pending(),
		LastFlush:    c.lastRep.Actions,
		Fog:          c.fog.Stats(),
	}
	for _, s := range c.sources.All() {
		if s.Active() {
			st.Active++
		}
	}
	for _, u := range c.fog.Viewers() {
		vs := ViewerState{ID: u, Pending: c.fog.Pending(u)}
		if m, ok := c.fog.Mask(u); ok {
			vs.Explored = m.Count()
		}
		st.Viewers = append(st.Viewers, vs)
	}
	return st
}

type stateReq struct {
	Resp chan State
}

// RequestState fetches State from any goroutine.
func (c *Canvas) RequestState(ctx context.Context) (State, error) {
	req := stateReq{Resp: make(chan State, 1)}
	select {
	case c.stateReq <- req:
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
	select {
	case st := <-req.Resp:
		return st, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Metrics is a read-only view of runtime counters, updated every frame from
// the canvas goroutine and safe to read from HTTP handlers.
type Metrics struct {
	Frame         uint64  `json:"frame"`
	Edges         int     `json:"edges"`
	Sources       int     `json:"sources"`
	InboxDepth    int     `json:"inbox_depth"`
	LastFlushMS   float64 `json:"last_flush_ms"`
	Computed      uint64  `json:"sources_computed"`
	Stale         uint64  `json:"stale_discarded"`
	FogPersists   uint64  `json:"fog_persists"`
	FogFailures   uint64  `json:"fog_failures"`
	FogCoalesced  uint64  `json:"fog_coalesced"`
	FogDiscarded  uint64  `json:"fog_discarded"`
	FlushFailures int     `json:"last_flush_failures"`
}

func (c *Canvas) Metrics() Metrics {
	v, ok := c.metrics.Load().(Metrics)
	if !ok {
		return Metrics{}
	}
	return v
}

func (c *Canvas) publishMetrics() {
	fs := c.fog.Stats()
	c.metrics.Store(Metrics{
		Frame:         c.sched.Frame(),
		Edges:         c.edges.Len(),
		Sources:       c.sources.Len(),
		InboxDepth:    len(c.inbox),
		LastFlushMS:   float64(c.lastRep.Duration.Microseconds()) / 1000,
		Computed:      c.computed,
		Stale:         c.stale,
		FogPersists:   fs.Persists,
		FogFailures:   fs.Failures,
		FogCoalesced:  fs.Coalesced,
		FogDiscarded:  fs.Discarded,
		FlushFailures: len(c.lastRep.Failed),
	})
}
