package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"sightline.ai/internal/perception/canvas"
	"sightline.ai/internal/perception/fog"
	"sightline.ai/internal/persistence/fogdb"
	"sightline.ai/internal/protocol"
	"sightline.ai/internal/scene"
	"sightline.ai/internal/transport/bus"
	"sightline.ai/internal/tuning"
)

func findRepoRootForServerTests(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not locate go.mod from %s", dir)
		}
		dir = parent
	}
}

// failStore loads nothing and refuses every write.
type failStore struct{}

func (failStore) Load(context.Context, string, string) (fog.Record, bool, error) {
	return fog.Record{}, false, nil
}
func (failStore) Save(context.Context, fog.Record) error { return errors.New("disk full") }
func (failStore) DeleteScene(context.Context, string) (int, error) {
	return 0, errors.New("disk full")
}

func newTestCanvasForServer(t *testing.T, store fog.Store) *canvas.Canvas {
	t.Helper()
	root := findRepoRootForServerTests(t)
	sc, err := scene.Load(filepath.Join(root, "configs", "scenes", "cellar.yaml"))
	if err != nil {
		t.Fatalf("load scene: %v", err)
	}
	cv, err := canvas.New(canvas.ConfigFrom(tuning.Defaults(), sc), nil, canvas.WithFogStore(store))
	if err != nil {
		t.Fatalf("canvas: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := cv.Load(ctx, sc); err != nil {
		cancel()
		t.Fatalf("load canvas: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		cv.Close()
	})
	return cv
}

func doRequest(h http.Handler, method, path, remote string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBuildRouter_AdminLoopbackAndFogReset(t *testing.T) {
	db, err := fogdb.Open(filepath.Join(t.TempDir(), "fog.sqlite"))
	if err != nil {
		t.Fatalf("open fogdb: %v", err)
	}
	defer db.Close()
	cv := newTestCanvasForServer(t, db)
	r := buildRouter(routerDeps{Engine: cv, DB: db, EnableAdmin: true, AdminRate: 100, AdminBurst: 100})

	rec := doRequest(r, http.MethodGet, "/admin/v1/state", "8.8.8.8:1234", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-loopback admin state, got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doRequest(r, http.MethodGet, "/admin/v1/state", "127.0.0.1:1234", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("state status=%d body=%s", rec.Code, rec.Body.String())
	}
	var st struct {
		State canvas.State `json:"state"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.State.SceneID != "cellar" || st.State.Edges != 7 || st.State.Sources != 3 {
		t.Fatalf("unexpected state: %+v", st.State)
	}

	rec = doRequest(r, http.MethodPost, "/admin/v1/fog/reset", "127.0.0.1:1234", protocol.FogResetRequest{SceneID: "attic"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign scene, got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doRequest(r, http.MethodPost, "/admin/v1/fog/reset", "[::1]:1234", protocol.FogResetRequest{SceneID: "cellar"})
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp protocol.FogResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode reset response: %v", err)
	}
	if !resp.OK || resp.RequestID == "" || resp.SceneID != "cellar" {
		t.Fatalf("unexpected reset response: %+v", resp)
	}
	if len(resp.Viewers) != 1 || resp.Viewers[0] != "alice" {
		t.Fatalf("reset viewers=%v", resp.Viewers)
	}

	rec = doRequest(r, http.MethodGet, "/admin/v1/fog/records", "127.0.0.1:1234", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("records status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestBuildRouter_FogSyncUnknownViewer(t *testing.T) {
	cv := newTestCanvasForServer(t, nil)
	r := buildRouter(routerDeps{Engine: cv, EnableAdmin: true})

	rec := doRequest(r, http.MethodPost, "/admin/v1/fog/sync", "127.0.0.1:1", protocol.FogSyncRequest{SceneID: "cellar", From: "nobody"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp protocol.FogResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK || resp.Code != protocol.ErrNotFound {
		t.Fatalf("unexpected response: %+v", resp)
	}

	rec = doRequest(r, http.MethodPost, "/admin/v1/fog/sync", "127.0.0.1:1", protocol.FogSyncRequest{SceneID: "cellar"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing from, got %d", rec.Code)
	}
}

func TestBuildRouter_StoreFailureIsBadGateway(t *testing.T) {
	cv := newTestCanvasForServer(t, failStore{})
	r := buildRouter(routerDeps{Engine: cv, EnableAdmin: true})

	rec := doRequest(r, http.MethodPost, "/admin/v1/fog/reset", "127.0.0.1:1", protocol.FogResetRequest{SceneID: "cellar"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp protocol.FogResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK || resp.Code != protocol.ErrFogIO || !strings.Contains(resp.Error, "disk full") {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestBuildRouter_AdminRateLimit(t *testing.T) {
	cv := newTestCanvasForServer(t, nil)
	r := buildRouter(routerDeps{Engine: cv, EnableAdmin: true, AdminRate: 0.001, AdminBurst: 1})

	if rec := doRequest(r, http.MethodGet, "/admin/v1/state", "127.0.0.1:1", nil); rec.Code != http.StatusOK {
		t.Fatalf("first call status=%d", rec.Code)
	}
	rec := doRequest(r, http.MethodGet, "/admin/v1/state", "127.0.0.1:1", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), protocol.ErrRateLimit) {
		t.Fatalf("missing rate limit code: %s", rec.Body.String())
	}
}

func TestBuildRouter_MetricsAndDisabledAdmin(t *testing.T) {
	cv := newTestCanvasForServer(t, nil)
	r := buildRouter(routerDeps{Engine: cv, EnableAdmin: false})

	rec := doRequest(r, http.MethodGet, "/metrics", "8.8.8.8:1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{
		`sightline_canvas_edges{scene="cellar"} `,
		`sightline_sources_total{scene="cellar",result="computed"}`,
		`sightline_fog_saves_total{scene="cellar",result="persisted"}`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "sightline_fog_mirror_") || strings.Contains(body, "sightline_bus_") {
		t.Fatalf("mirror or bus metrics without one configured:\n%s", body)
	}

	if rec := doRequest(r, http.MethodGet, "/admin/v1/state", "127.0.0.1:1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with admin disabled, got %d", rec.Code)
	}
	if rec := doRequest(r, http.MethodGet, "/healthz", "8.8.8.8:1", nil); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz=%d %q", rec.Code, rec.Body.String())
	}
}

func TestBuildRouter_BusMetrics(t *testing.T) {
	cv := newTestCanvasForServer(t, nil)
	fanout := bus.New(bus.Config{Brokers: []string{"127.0.0.1:1"}, Origin: "node-a"}, nil)
	defer fanout.Close()
	r := buildRouter(routerDeps{Engine: cv, Bus: fanout})

	body := doRequest(r, http.MethodGet, "/metrics", "127.0.0.1:1", nil).Body.String()
	for _, want := range []string{
		"sightline_bus_queue_depth 0",
		`sightline_bus_events_total{result="dropped"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

type slowStopRunner struct {
	stopped atomic.Bool
}

func (r *slowStopRunner) Run(ctx context.Context) error {
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	r.stopped.Store(true)
	return ctx.Err()
}

func TestStartLoop_DoneAfterRunReturns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &slowStopRunner{}
	done := startLoop(ctx, r, logrus.New())
	select {
	case <-done:
		t.Fatalf("done before cancel")
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	<-done
	if !r.stopped.Load() {
		t.Fatalf("done closed before Run returned")
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:80":     true,
		"::1":          true,
		"10.0.0.1:80":  false,
		"garbage":      false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", in, got, want)
		}
	}
}

func TestEnvBool(t *testing.T) {
	if !envBool("", true) || envBool("", false) {
		t.Fatalf("empty should return default")
	}
	if !envBool("true", false) || envBool("0", true) || !envBool("nope", true) {
		t.Fatalf("unexpected parse")
	}
	if defaultEnableAdminHTTP("production") || !defaultEnableAdminHTTP("dev") {
		t.Fatalf("unexpected admin default")
	}
}
