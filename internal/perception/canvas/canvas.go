// Package canvas owns one scene's perception state: the edge index, the
// sources, the flag scheduler and the fog manager. All state is confined to
// the goroutine running Run; other goroutines talk to it through channels.
package canvas

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"sightline.ai/internal/geom"
	"sightline.ai/internal/logging"
	"sightline.ai/internal/perception/edges"
	"sightline.ai/internal/perception/flags"
	"sightline.ai/internal/perception/fog"
	"sightline.ai/internal/perception/polygon"
	"sightline.ai/internal/perception/source"
	"sightline.ai/internal/scene"
	"sightline.ai/internal/telemetry"
	"sightline.ai/internal/tuning"
)

var ErrSceneMismatch = errors.New("scene id does not match canvas")

type Config struct {
	SceneID string
	Width   float64
	Height  float64

	IndexCellSize float64
	Geometry      polygon.Tuning
	MaxHops       int
	Workers       int
	FrameRateHz   int
	PerfWindow    int

	Fog fog.Config
}

// ConfigFrom combines engine tuning with a scene's extent.
func ConfigFrom(t tuning.Tuning, sc scene.Scene) Config {
	return Config{
		SceneID:       sc.ID,
		Width:         sc.Width,
		Height:        sc.Height,
		IndexCellSize: t.IndexCellSize,
		Geometry:      t.Geometry,
		MaxHops:       t.Flags.MaxHops,
		Workers:       t.Workers,
		FrameRateHz:   t.FrameRateHz,
		PerfWindow:    t.FrameRateHz * 10,
		Fog:           t.FogConfig(sc.Width, sc.Height),
	}
}

func (c *Config) applyDefaults() {
	if c.IndexCellSize <= 0 {
		c.IndexCellSize = 64
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.FrameRateHz <= 0 {
		c.FrameRateHz = 30
	}
	if c.PerfWindow <= 0 {
		c.PerfWindow = c.FrameRateHz * 10
	}
	c.Fog.Width = c.Width
	c.Fog.Height = c.Height
}

type options struct {
	store    fog.Store
	notifier fog.Notifier
	auditor  fog.Auditor
	sinks    []func(scene string, r flags.FlushReport)
	perfOut  *telemetry.Output
}

type Option func(*options)

func WithFogStore(s fog.Store) Option    { return func(o *options) { o.store = s } }
func WithNotifier(n fog.Notifier) Option { return func(o *options) { o.notifier = n } }
func WithAuditor(a fog.Auditor) Option   { return func(o *options) { o.auditor = a } }

func WithPerfOutput(out *telemetry.Output) Option {
	return func(o *options) { o.perfOut = out }
}

// WithFlushSink receives every non-empty flush report, on the canvas goroutine.
func WithFlushSink(fn func(scene string, r flags.FlushReport)) Option {
	return func(o *options) { o.sinks = append(o.sinks, fn) }
}

type Canvas struct {
	cfg Config
	log logrus.FieldLogger

	edges   *edges.Index
	sources *source.Registry
	backend *polygon.Backend
	sched   *flags.Scheduler
	fog     *fog.Manager

	// Viewers whose revealing shapes changed since the last fog refresh.
	fogDirty map[string]struct{}

	perf    *telemetry.Collector
	perfOut *telemetry.Output

	inbox    chan Envelope
	join     chan joinReq
	fogReq   chan fogReq
	stateReq chan stateReq

	metrics  atomic.Value
	computed uint64
	stale    uint64
	lastRep  flags.FlushReport
}

// New builds a canvas. An invalid flag table is a startup error.
func New(cfg Config, log logrus.FieldLogger, opts ...Option) (*Canvas, error) {
	cfg.applyDefaults()
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	log = logging.OrDiscard(log).WithField("scene", cfg.SceneID)

	table, err := flags.NewTable(flags.CanvasDefs(), cfg.MaxHops)
	if err != nil {
		return nil, fmt.Errorf("flag table: %w", err)
	}
	c := &Canvas{
		cfg:      cfg,
		log:      log,
		edges:    edges.NewIndex(cfg.IndexCellSize, cfg.Geometry.Epsilon),
		sources:  source.NewRegistry(cfg.IndexCellSize, log),
		backend:  polygon.New(cfg.Geometry),
		sched:    flags.NewScheduler(table, log),
		fogDirty: map[string]struct{}{},
		perf:     telemetry.NewCollector(cfg.SceneID, cfg.PerfWindow),
		perfOut:  o.perfOut,
		inbox:    make(chan Envelope, 1024),
		join:     make(chan joinReq, 64),
		fogReq:   make(chan fogReq, 8),
		stateReq: make(chan stateReq, 8),
	}
	var fogOpts []fog.Option
	if o.notifier != nil {
		fogOpts = append(fogOpts, fog.WithNotifier(o.notifier))
	}
	if o.auditor != nil {
		fogOpts = append(fogOpts, fog.WithAuditor(o.auditor))
	}
	c.fog = fog.NewManager(cfg.Fog, o.store, log, fogOpts...)

	if err := c.registerHandlers(); err != nil {
		return nil, err
	}
	for _, fn := range o.sinks {
		fn := fn
		c.sched.Subscribe(func(r flags.FlushReport) { fn(cfg.SceneID, r) })
	}
	c.metrics.Store(Metrics{})
	return c, nil
}

func (c *Canvas) SceneID() string             { return c.cfg.SceneID }
func (c *Canvas) Config() Config              { return c.cfg }
func (c *Canvas) Edges() *edges.Index         { return c.edges }
func (c *Canvas) Sources() *source.Registry   { return c.sources }
func (c *Canvas) Fog() *fog.Manager           { return c.fog }
func (c *Canvas) Scheduler() *flags.Scheduler { return c.sched }

func (c *Canvas) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.cfg.FrameRateHz)
}

// Load seeds the canvas from a scene file and loads persisted fog for every
// viewer it names. Malformed entries are skipped and reported together.
func (c *Canvas) Load(ctx context.Context, sc scene.Scene) error {
	if sc.ID != c.cfg.SceneID {
		return fmt.Errorf("%w: %s != %s", ErrSceneMismatch, sc.ID, c.cfg.SceneID)
	}
	var errs []error
	if err := c.fog.Initialize(ctx, sc.ID, sc.Viewers()); err != nil {
		c.log.WithError(err).Warn("fog initialize")
	}
	for _, e := range sc.Edges {
		if err := c.ApplyEdge(e.ID, e.Patch); err != nil {
			errs = append(errs, fmt.Errorf("edge %s: %w", e.ID, err))
		}
	}
	for _, o := range sc.Owners {
		c.SetOwner(ctx, o)
	}
	for _, s := range sc.Sources {
		if err := c.UpsertSource(s.ID, s.Kind, s.Owner, s.Patch); err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", s.ID, err))
		}
	}
	c.log.WithFields(logrus.Fields{
		"edges":   c.edges.Len(),
		"sources": c.sources.Len(),
		"viewers": len(c.fog.Viewers()),
	}).Info("scene loaded")
	return errors.Join(errs...)
}

// ApplyEdge inserts or patches an edge and invalidates the sources it can
// affect.
func (c *Canvas) ApplyEdge(id string, p edges.Patch) error {
	box, err := c.edges.Upsert(id, p)
	if err != nil {
		return err
	}
	c.invalidate(box)
	return nil
}

func (c *Canvas) SetDoor(id string, state edges.DoorState) error {
	box, err := c.edges.SetDoor(id, state)
	if err != nil {
		return err
	}
	c.invalidate(box)
	return nil
}

func (c *Canvas) RemoveEdge(id string) error {
	box, err := c.edges.Remove(id)
	if err != nil {
		return err
	}
	c.invalidate(box)
	return nil
}

// invalidate marks wall-constrained sources overlapping box for recompute.
func (c *Canvas) invalidate(box geom.Box) {
	for _, s := range c.sources.Overlapping(box) {
		if s.Data().Walls {
			s.MarkEdgesDirty()
		}
	}
	c.raise(flags.RefreshEdges)
}

// UpsertSource creates or reconfigures a source. Changing the kind of an
// existing source replaces it.
func (c *Canvas) UpsertSource(id string, kind source.Kind, owner string, p source.Patch) error {
	s, ok := c.sources.Get(id)
	if ok && s.Kind != kind {
		if err := c.RemoveSource(id); err != nil {
			return err
		}
		ok = false
	}
	if !ok {
		var err error
		if s, err = c.sources.Create(id, kind, owner); err != nil {
			return err
		}
	} else if owner != "" && owner != s.Owner {
		s.Owner = owner
	}
	if s.Configure(p) {
		c.raise(initFlag(kind))
	} else {
		c.raise(refreshFlag(kind))
	}
	c.sources.Reindex(id)
	return nil
}

func (c *Canvas) RemoveSource(id string) error {
	s, ok := c.sources.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", source.ErrNotFound, id)
	}
	kind := s.Kind
	if _, err := c.sources.Remove(id); err != nil {
		return err
	}
	c.raise(refreshFlag(kind))
	return nil
}

// SetRestricted replaces the convex regions a vision source is clipped to.
func (c *Canvas) SetRestricted(id string, polys []geom.Polygon) error {
	s, ok := c.sources.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", source.ErrNotFound, id)
	}
	s.SetRestricted(polys)
	c.raise(initFlag(s.Kind))
	return nil
}

// SetOwner registers or replaces an owner. Its viewers get fog buffers and
// receive the owner's current shapes on the next fog refresh.
func (c *Canvas) SetOwner(ctx context.Context, o source.Owner) {
	c.sources.SetOwner(o)
	for _, v := range o.Viewers {
		if err := c.fog.Ensure(ctx, v); err != nil {
			c.log.WithError(err).WithField("viewer", v).Warn("fog ensure")
		}
		c.fogDirty[v] = struct{}{}
	}
	for _, s := range c.sources.OwnedBy(o.ID) {
		c.raise(refreshFlag(s.Kind))
	}
	if len(o.Viewers) > 0 {
		c.raise(flags.RefreshFog)
	}
}

// RemoveOwner drops the owner and every source it owns.
func (c *Canvas) RemoveOwner(id string) []string {
	kinds := map[source.Kind]struct{}{}
	for _, s := range c.sources.OwnedBy(id) {
		kinds[s.Kind] = struct{}{}
	}
	removed := c.sources.RemoveOwner(id)
	for k := range kinds {
		c.raise(refreshFlag(k))
	}
	return removed
}

// Update raises flags for the next frame.
func (c *Canvas) Update(names ...string) error { return c.sched.Update(names...) }

func (c *Canvas) raise(name string) {
	if err := c.sched.Update(name); err != nil {
		c.log.WithError(err).WithField("flag", name).Error("raise flag")
	}
}

// Frame runs one scheduler flush and records perf.
func (c *Canvas) Frame(ctx context.Context) flags.FlushReport {
	rep := c.sched.Apply(ctx)
	if len(rep.Actions) > 0 {
		c.lastRep = rep
	}
	if w, ok := c.perf.Frame(rep); ok {
		if err := c.perfOut.Write(w); err != nil {
			c.log.WithError(err).Warn("perf write")
		}
	}
	c.publishMetrics()
	return rep
}

func initFlag(k source.Kind) string {
	switch k {
	case source.KindLight:
		return flags.InitializeLighting
	case source.KindSound:
		return flags.InitializeSounds
	case source.KindMovement:
		return flags.InitializeMovement
	default:
		return flags.InitializeVision
	}
}

func refreshFlag(k source.Kind) string {
	switch k {
	case source.KindLight:
		return flags.RefreshLighting
	case source.KindSound:
		return flags.RefreshSounds
	case source.KindMovement:
		return flags.RefreshMovement
	default:
		return flags.RefreshVision
	}
}
