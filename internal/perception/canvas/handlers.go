package canvas

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"sightline.ai/internal/geom"
	"sightline.ai/internal/perception/edges"
	"sightline.ai/internal/perception/flags"
	"sightline.ai/internal/perception/source"
)

func (c *Canvas) registerHandlers() error {
	hs := map[string]flags.Handler{
		flags.RefreshEdges:       c.refreshEdges,
		flags.InitializeLighting: c.initializeKind(source.KindLight),
		flags.InitializeVision:   c.initializeKind(source.KindVision),
		flags.InitializeSounds:   c.initializeKind(source.KindSound),
		flags.InitializeMovement: c.initializeKind(source.KindMovement),
		flags.RefreshLighting:    c.refreshKind(source.KindLight),
		flags.RefreshVision:      c.refreshKind(source.KindVision),
		flags.RefreshSounds:      c.refreshKind(source.KindSound),
		flags.RefreshMovement:    c.refreshKind(source.KindMovement),
		flags.RefreshFog:         c.refreshFog,
	}
	for action, fn := range hs {
		if err := c.sched.Handle(action, fn); err != nil {
			return err
		}
	}
	return nil
}

// refreshEdges has no work of its own: edge mutations already marked the
// overlapping sources, and the flag fans out to every initialize pass.
func (c *Canvas) refreshEdges(context.Context) error {
	c.log.WithField("edges", c.edges.Len()).Debug("edges refreshed")
	return nil
}

type job struct {
	req  source.Request
	snap edges.Querier
}

// initializeKind recomputes every source of kind k that needs it. Requests
// are prepared here, computed on workers against edge snapshots, and
// installed here; results for sources that changed meanwhile are dropped.
func (c *Canvas) initializeKind(k source.Kind) flags.Handler {
	return func(ctx context.Context) error {
		var jobs []job
		for _, s := range c.sources.OfKind(k) {
			if !s.NeedsCompute() {
				continue
			}
			r := s.Prepare()
			j := job{req: r}
			if r.Config.Walls && r.Config.Radius > 0 {
				j.snap = c.edges.Snapshot(geom.BoxAround(r.Config.Origin, r.Config.Radius))
			}
			jobs = append(jobs, j)
		}
		if len(jobs) == 0 {
			return nil
		}
		results := c.compute(ctx, jobs)

		computed, stale := 0, 0
		for _, res := range results {
			s, ok := c.sources.Get(res.ID)
			if !ok || !s.Complete(res) {
				stale++
				continue
			}
			computed++
			if k.Reveals() && s.Active() {
				c.markViewers(s)
			}
		}
		c.computed += uint64(computed)
		c.stale += uint64(stale)
		c.perf.Computed(computed, stale)
		if stale > 0 {
			c.log.WithFields(logrus.Fields{"kind": k.String(), "stale": stale}).Debug("discarded stale shapes")
		}
		return ctx.Err()
	}
}

// compute runs jobs on up to cfg.Workers goroutines. Jobs not started
// before ctx is cancelled produce no result.
func (c *Canvas) compute(ctx context.Context, jobs []job) []source.Result {
	out := make([]source.Result, len(jobs))
	done := make([]bool, len(jobs))
	workers := c.cfg.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	next := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				if ctx.Err() != nil {
					continue
				}
				j := jobs[i]
				out[i] = j.req.Run(c.backend, j.snap)
				done[i] = true
			}
		}()
	}
	for i := range jobs {
		next <- i
	}
	close(next)
	wg.Wait()

	res := out[:0]
	for i := range out {
		if done[i] {
			res = append(res, out[i])
		}
	}
	return res
}

// refreshKind reclassifies every initialized source of kind k. A revealing
// source that becomes active marks its viewers for the next fog refresh.
func (c *Canvas) refreshKind(k source.Kind) flags.Handler {
	return func(context.Context) error {
		for _, s := range c.sources.OfKind(k) {
			if s.State() == source.StateUninitialized {
				continue
			}
			was := s.Active()
			s.Refresh(c.sources.Suppressed(s))
			if k.Reveals() && s.Active() && !was {
				c.markViewers(s)
			}
		}
		return nil
	}
}

func (c *Canvas) markViewers(s *source.Source) {
	for _, v := range c.sources.Viewers(s) {
		c.fogDirty[v] = struct{}{}
	}
}

// refreshFog unions the current revealing shapes into each marked viewer's
// buffer, then offers the fog manager a commit.
func (c *Canvas) refreshFog(ctx context.Context) error {
	users := make([]string, 0, len(c.fogDirty))
	for u := range c.fogDirty {
		users = append(users, u)
	}
	sort.Strings(users)
	c.fogDirty = map[string]struct{}{}

	for _, u := range users {
		polys := c.revealing(u)
		if len(polys) == 0 {
			continue
		}
		if _, err := c.fog.Accumulate(u, polys...); err != nil {
			c.log.WithError(err).WithField("viewer", u).Warn("fog accumulate")
		}
	}
	return c.fog.Commit(ctx)
}

// revealing returns the active vision and light shapes of every owner that
// lists viewer.
func (c *Canvas) revealing(viewer string) []geom.Polygon {
	var out []geom.Polygon
	for _, o := range c.sources.Owners() {
		if !contains(o.Viewers, viewer) {
			continue
		}
		for _, s := range c.sources.OwnedBy(o.ID) {
			if s.Kind.Reveals() && s.Active() && len(s.Shape()) >= 3 {
				out = append(out, s.Shape())
			}
		}
	}
	return out
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
