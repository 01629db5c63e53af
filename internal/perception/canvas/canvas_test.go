package canvas

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"sightline.ai/internal/geom"
	"sightline.ai/internal/perception/edges"
	"sightline.ai/internal/perception/flags"
	"sightline.ai/internal/perception/fog"
	"sightline.ai/internal/perception/polygon"
	"sightline.ai/internal/perception/source"
	"sightline.ai/internal/persistence/fogblob"
	"sightline.ai/internal/protocol"
	"sightline.ai/internal/scene"
)

type memStore struct {
	mu    sync.Mutex
	recs  map[string]fog.Record
	saves int
}

func newMemStore() *memStore { return &memStore{recs: map[string]fog.Record{}} }

func (s *memStore) Load(_ context.Context, sc, user string) (fog.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[sc+"/"+user]
	return r, ok, nil
}

func (s *memStore) Save(_ context.Context, r fog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.recs[r.SceneID+"/"+r.UserID] = r
	return nil
}

func (s *memStore) DeleteScene(_ context.Context, sc string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, r := range s.recs {
		if r.SceneID == sc {
			delete(s.recs, k)
			n++
		}
	}
	return n, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *memStore) get(sc, user string) (fog.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[sc+"/"+user]
	return r, ok
}

func f(v float64) *float64 { return &v }

func testConfig(threshold int) Config {
	return Config{
		SceneID:       "cellar",
		Width:         40,
		Height:        40,
		IndexCellSize: 4,
		Geometry:      polygon.DefaultTuning(),
		Workers:       3,
		FrameRateHz:   200,
		Fog:           fog.Config{CellSize: 1, CommitThreshold: threshold},
	}
}

func newCanvas(t *testing.T, threshold int, store fog.Store, opts ...Option) *Canvas {
	t.Helper()
	if store != nil {
		opts = append(opts, WithFogStore(store))
	}
	c, err := New(testConfig(threshold), nil, opts...)
	if err != nil {
		t.Fatalf("new canvas: %v", err)
	}
	return c
}

// roomScene is a 10x10 room with a closed door in its west wall leading to
// a corridor, watched by one vision source at its center.
func roomScene() scene.Scene {
	door := edges.Segment(0, 4, 0, 6)
	k := edges.DoorDoor
	door.Door = &k
	return scene.Scene{
		ID: "cellar", Width: 40, Height: 40,
		Edges: []scene.Edge{
			{ID: "south", Patch: edges.Segment(0, 0, 10, 0)},
			{ID: "east", Patch: edges.Segment(10, 0, 10, 10)},
			{ID: "north", Patch: edges.Segment(10, 10, 0, 10)},
			{ID: "west-low", Patch: edges.Segment(0, 0, 0, 4)},
			{ID: "west-high", Patch: edges.Segment(0, 6, 0, 10)},
			{ID: "corridor-s", Patch: edges.Segment(-10, 4, 0, 4)},
			{ID: "corridor-n", Patch: edges.Segment(-10, 6, 0, 6)},
			{ID: "door", Patch: door},
		},
		Owners: []source.Owner{{ID: "hero", Viewers: []string{"alice"}}},
		Sources: []scene.Source{
			{ID: "eyes", Kind: source.KindVision, Owner: "hero", Patch: source.Patch{X: f(5), Y: f(5), Radius: f(20)}},
		},
	}
}

func hasAction(rep flags.FlushReport, a string) bool {
	for _, x := range rep.Actions {
		if x == a {
			return true
		}
	}
	return false
}

func TestCanvas_RoomDoorRecomputesOnEdgeChange(t *testing.T) {
	ctx := context.Background()
	c := newCanvas(t, 100, nil)
	if err := c.Load(ctx, roomScene()); err != nil {
		t.Fatalf("load: %v", err)
	}
	rep := c.Frame(ctx)
	for _, a := range []string{flags.RefreshEdges, flags.InitializeVision, flags.RefreshVision, flags.RefreshFog} {
		if !hasAction(rep, a) {
			t.Fatalf("first flush missing %s: %v", a, rep.Actions)
		}
	}
	eyes, _ := c.Sources().Get("eyes")
	if !eyes.Active() {
		t.Fatalf("eyes state=%v", eyes.State())
	}
	if a := eyes.Shape().Area(); math.Abs(a-100) > 1e-6 {
		t.Fatalf("closed room area=%v want 100", a)
	}
	if !c.Fog().Explored("alice", 5, 5) || c.Fog().Explored("alice", 15, 5) {
		t.Fatalf("fog should cover exactly the room")
	}

	counter := eyes.Counter()
	if rep := c.Frame(ctx); len(rep.Actions) != 0 {
		t.Fatalf("idle frame ran %v", rep.Actions)
	}

	// An edge outside the source's reach does not recompute it.
	if err := c.ApplyEdge("far", edges.Segment(100, 100, 110, 100)); err != nil {
		t.Fatalf("far edge: %v", err)
	}
	c.Frame(ctx)
	if eyes.Counter() != counter {
		t.Fatalf("far edge recomputed eyes: %d -> %d", counter, eyes.Counter())
	}

	if err := c.SetDoor("door", edges.DoorOpen); err != nil {
		t.Fatalf("open door: %v", err)
	}
	rep = c.Frame(ctx)
	if !hasAction(rep, flags.InitializeVision) {
		t.Fatalf("door change did not reinitialize vision: %v", rep.Actions)
	}
	if eyes.Counter() == counter {
		t.Fatalf("door change did not touch eyes")
	}
	if !eyes.Shape().Contains(geom.Pt(-3, 5)) {
		t.Fatalf("open door: corridor should be visible")
	}
}

func TestCanvas_TwoLightsPersistUnion(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newCanvas(t, 1, store)
	sc := scene.Scene{
		ID: "cellar", Width: 40, Height: 40,
		Owners: []source.Owner{{ID: "party", Viewers: []string{"alice"}}},
		Sources: []scene.Source{
			{ID: "l1", Kind: source.KindLight, Owner: "party", Patch: source.Patch{X: f(15), Y: f(20), Radius: f(10)}},
			{ID: "l2", Kind: source.KindLight, Owner: "party", Patch: source.Patch{X: f(20), Y: f(20), Radius: f(10)}},
		},
	}
	if err := c.Load(ctx, sc); err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Frame(ctx)
	if err := c.Fog().Settle(ctx); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("saves=%d want 1", store.count())
	}

	rec, ok := store.get("cellar", "alice")
	if !ok {
		t.Fatalf("no record persisted")
	}
	got, _, err := fogblob.Decode(rec.Blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Two r=10 discs 5 apart: 2*pi*r^2 minus the lens
	// 2r^2*acos(d/2r) - (d/2)*sqrt(4r^2-d^2).
	const r, d = 10.0, 5.0
	lens := 2*r*r*math.Acos(d/(2*r)) - d/2*math.Sqrt(4*r*r-d*d)
	area := 2*math.Pi*r*r - lens
	// Arc chords sit up to ArcTolerance inside each circle.
	if n := float64(got.Count()); math.Abs(n-area)/area > 0.08 {
		t.Fatalf("explored %v cells, analytic union area %.1f", n, area)
	}
	centers := []geom.Point{geom.Pt(15, 20), geom.Pt(20, 20)}
	for j := 0; j < got.H; j++ {
		for i := 0; i < got.W; i++ {
			p := geom.Pt(float64(i)+0.5, float64(j)+0.5)
			near := math.Min(geom.Dist(p, centers[0]), geom.Dist(p, centers[1]))
			switch {
			case near < r-1 && !got.Get(i, j):
				t.Fatalf("cell (%d,%d) %.2f from a light is unexplored", i, j, near)
			case near > r+1 && got.Get(i, j):
				t.Fatalf("cell (%d,%d) %.2f from both lights is explored", i, j, near)
			}
		}
	}
}

func TestCanvas_CommitThreshold(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newCanvas(t, 3, store)
	if err := c.Load(ctx, roomScene()); err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Frame(ctx) // first shape: 1 refresh
	c.Frame(ctx) // idle: not counted
	if p := c.Fog().Pending("alice"); p != 1 {
		t.Fatalf("pending=%d want 1", p)
	}
	move := func(x float64) {
		t.Helper()
		if err := c.UpsertSource("eyes", source.KindVision, "", source.Patch{X: f(x)}); err != nil {
			t.Fatalf("move: %v", err)
		}
		c.Frame(ctx)
		if err := c.Fog().Settle(ctx); err != nil {
			t.Fatalf("settle: %v", err)
		}
	}
	move(4)
	if store.count() != 0 {
		t.Fatalf("persisted below threshold")
	}
	move(3)
	if store.count() != 1 {
		t.Fatalf("saves=%d want 1 at threshold", store.count())
	}
	if p := c.Fog().Pending("alice"); p != 0 {
		t.Fatalf("pending after persist=%d", p)
	}
}

func TestCanvas_HiddenOwnerSuppresses(t *testing.T) {
	ctx := context.Background()
	c := newCanvas(t, 100, nil)
	sc := roomScene()
	sc.Owners[0].Hidden = true
	if err := c.Load(ctx, sc); err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Frame(ctx)
	eyes, _ := c.Sources().Get("eyes")
	if eyes.State() != source.StateSuppressed {
		t.Fatalf("state=%v want suppressed", eyes.State())
	}
	if c.Fog().Explored("alice", 5, 5) {
		t.Fatalf("suppressed vision revealed fog")
	}

	c.SetOwner(ctx, source.Owner{ID: "hero", Viewers: []string{"alice"}})
	c.Frame(ctx)
	if !eyes.Active() || !c.Fog().Explored("alice", 5, 5) {
		t.Fatalf("unhiding owner should activate and reveal")
	}
}

func TestCanvas_ApplyErrors(t *testing.T) {
	ctx := context.Background()
	c := newCanvas(t, 100, nil)
	if err := c.Load(ctx, roomScene()); err != nil {
		t.Fatalf("load: %v", err)
	}
	cases := []struct {
		msg  any
		want error
	}{
		{protocol.EdgeMsg{ID: "bad", Patch: edges.Segment(1, 1, 1, 1)}, edges.ErrMalformedEdge},
		{protocol.DoorMsg{ID: "south", State: edges.DoorOpen}, edges.ErrNotDoor},
		{protocol.EdgeMsg{ID: "ghost", Remove: true}, edges.ErrNotFound},
		{protocol.SourceMsg{ID: "ghost", Remove: true}, source.ErrNotFound},
		{protocol.FlagsMsg{Flags: []string{"bogus"}}, flags.ErrUnknownFlag},
		{"hello", ErrUnsupported},
	}
	for _, tc := range cases {
		if err := c.Apply(tc.msg); !errors.Is(err, tc.want) {
			t.Fatalf("%T: err=%v want %v", tc.msg, err, tc.want)
		}
	}

	if err := c.Apply(protocol.DoorMsg{ID: "door", State: edges.DoorOpen}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.Apply(protocol.DoorMsg{ID: "door", State: edges.DoorLocked}); !errors.Is(err, edges.ErrDoorTransition) {
		t.Fatalf("open -> locked: %v", err)
	}
}

func TestCanvas_KindChangeReplacesSource(t *testing.T) {
	ctx := context.Background()
	c := newCanvas(t, 100, nil)
	if err := c.Load(ctx, roomScene()); err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Frame(ctx)
	if err := c.UpsertSource("eyes", source.KindSound, "hero", source.Patch{}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rep := c.Frame(ctx)
	s, _ := c.Sources().Get("eyes")
	if s.Kind != source.KindSound || !hasAction(rep, flags.InitializeSounds) {
		t.Fatalf("kind=%v actions=%v", s.Kind, rep.Actions)
	}
	if len(c.Sources().OfKind(source.KindVision)) != 0 {
		t.Fatalf("old vision source survived")
	}
}

func TestCanvas_RunLoop(t *testing.T) {
	store := newMemStore()
	var mu sync.Mutex
	var reports []flags.FlushReport
	sink := func(sc string, r flags.FlushReport) {
		mu.Lock()
		defer mu.Unlock()
		if sc == "cellar" {
			reports = append(reports, r)
		}
	}
	c := newCanvas(t, 1, store, WithFlushSink(sink))
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Load(ctx, roomScene()); err != nil {
		t.Fatalf("load: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
	defer rcancel()

	resp := make(chan error, 1)
	if err := c.Submit(rctx, Envelope{ViewerID: "alice", Msg: protocol.DoorMsg{ID: "door", State: edges.DoorOpen}, Resp: resp}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case err := <-resp:
		if err != nil {
			t.Fatalf("door: %v", err)
		}
	case <-rctx.Done():
		t.Fatalf("no response")
	}

	w, err := c.Join(rctx, "bob")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if w.SceneID != "cellar" || w.Explored != 0 {
		t.Fatalf("welcome=%+v", w)
	}
	if m, _, err := fogblob.Decode(w.Blob); err != nil || !m.Empty() {
		t.Fatalf("bob blob: %v", err)
	}

	st, err := c.RequestState(rctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Edges != 8 || st.Sources != 1 || len(st.Viewers) != 2 {
		t.Fatalf("state=%+v", st)
	}

	res, err := c.RequestFogReset(rctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res.RequestID == "" || len(res.Viewers) != 2 {
		t.Fatalf("reset result=%+v", res)
	}
	if _, ok := store.get("cellar", "alice"); ok {
		t.Fatalf("reset left a persisted record")
	}
	st, _ = c.RequestState(rctx)
	for _, v := range st.Viewers {
		if v.Explored != 0 {
			t.Fatalf("viewer %s kept %d cells after reset", v.ID, v.Explored)
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(reports) == 0 || reports[0].Frame != 1 {
		t.Fatalf("flush sink saw %d reports", len(reports))
	}
	if m := c.Metrics(); m.Frame == 0 || m.Edges != 8 {
		t.Fatalf("metrics=%+v", m)
	}
}
