package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"sightline.ai/internal/logging"
	"sightline.ai/internal/perception/canvas"
	"sightline.ai/internal/persistence/fogdb"
	"sightline.ai/internal/persistence/fogs3"
	"sightline.ai/internal/protocol"
	"sightline.ai/internal/transport/bus"
	"sightline.ai/internal/transport/ws"
)

// engine is the slice of the canvas the HTTP surface drives.
type engine interface {
	SceneID() string
	Metrics() canvas.Metrics
	RequestState(ctx context.Context) (canvas.State, error)
	RequestFogReset(ctx context.Context) (canvas.FogResult, error)
	RequestFogSync(ctx context.Context, from string, to []string) (canvas.FogResult, error)
}

type routerDeps struct {
	Engine engine
	Hub    *ws.Hub
	WS     *ws.Server
	Mirror *fogs3.Mirror
	DB     *fogdb.Store
	Bus    *bus.Bus

	AdminRate   float64
	AdminBurst  int
	EnableAdmin bool
	EnablePprof bool

	Log logrus.FieldLogger
}

const adminTimeout = 5 * time.Second

func buildRouter(d routerDeps) *mux.Router {
	log := logging.OrDiscard(d.Log).WithField("component", "http")
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/metrics", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		sessions := 0
		if d.Hub != nil {
			sessions = d.Hub.Len()
		}
		writeCanvasMetrics(rw, d.Engine.SceneID(), d.Engine.Metrics(), sessions)
		if d.DB != nil {
			fmt.Fprintf(rw, "# HELP sightline_fogdb_dropped_total Audit and flush rows dropped because the writer queue was full.\n")
			fmt.Fprintf(rw, "# TYPE sightline_fogdb_dropped_total counter\n")
			fmt.Fprintf(rw, "sightline_fogdb_dropped_total %d\n", d.DB.Dropped())
		}
		writeMirrorMetrics(rw, d.Mirror)
		writeBusMetrics(rw, d.Bus)
	}).Methods(http.MethodGet)

	if d.WS != nil {
		r.HandleFunc("/v1/ws", d.WS.Handler())
	}

	if d.EnableAdmin {
		rps := d.AdminRate
		if rps <= 0 {
			rps = 5
		}
		burst := d.AdminBurst
		if burst <= 0 {
			burst = 10
		}
		admin := r.PathPrefix("/admin/v1").Subrouter()
		admin.Use(loopbackOnly, rateLimited(rate.NewLimiter(rate.Limit(rps), burst)))
		h := adminHandlers{e: d.Engine, db: d.DB, log: log}
		admin.HandleFunc("/state", h.state).Methods(http.MethodGet)
		admin.HandleFunc("/fog/reset", h.fogReset).Methods(http.MethodPost)
		admin.HandleFunc("/fog/sync", h.fogSync).Methods(http.MethodPost)
		admin.HandleFunc("/fog/records", h.fogRecords).Methods(http.MethodGet)
	}

	if d.EnablePprof {
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	}
	return r
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func rateLimited(lim *rate.Limiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				writeJSONStatus(rw, http.StatusTooManyRequests, protocol.FogResponse{
					Code:  protocol.ErrRateLimit,
					Error: "admin rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(rw, r)
		})
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type adminHandlers struct {
	e   engine
	db  *fogdb.Store
	log logrus.FieldLogger
}

func (h adminHandlers) state(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	st, err := h.e.RequestState(ctx)
	if err != nil {
		writeJSONStatus(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSONStatus(rw, http.StatusOK, struct {
		State   canvas.State   `json:"state"`
		Metrics canvas.Metrics `json:"metrics"`
	}{st, h.e.Metrics()})
}

func (h adminHandlers) fogReset(rw http.ResponseWriter, r *http.Request) {
	var req protocol.FogResetRequest
	if !h.decode(rw, r, &req) {
		return
	}
	if !h.sceneMatches(rw, req.SceneID) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	res, err := h.e.RequestFogReset(ctx)
	h.writeFogResult(rw, req.SceneID, "reset", res, err)
}

func (h adminHandlers) fogSync(rw http.ResponseWriter, r *http.Request) {
	var req protocol.FogSyncRequest
	if !h.decode(rw, r, &req) {
		return
	}
	if !h.sceneMatches(rw, req.SceneID) {
		return
	}
	if strings.TrimSpace(req.From) == "" {
		writeJSONStatus(rw, http.StatusBadRequest, protocol.FogResponse{
			SceneID: req.SceneID, Code: protocol.ErrBadRequest, Error: "missing from",
		})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	res, err := h.e.RequestFogSync(ctx, req.From, req.To)
	h.writeFogResult(rw, req.SceneID, "sync", res, err)
}

func (h adminHandlers) fogRecords(rw http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		http.Error(rw, "fog store disabled", http.StatusNotFound)
		return
	}
	sceneID := h.e.SceneID()
	limit, _ := strconv.Atoi(r.URL.Query().Get("audit_limit"))
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	recs, err := h.db.ListScene(ctx, sceneID)
	if err != nil {
		writeJSONStatus(rw, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	audit, err := h.db.AuditRows(ctx, sceneID, limit)
	if err != nil {
		writeJSONStatus(rw, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSONStatus(rw, http.StatusOK, map[string]any{
		"ok":       true,
		"scene_id": sceneID,
		"records":  recs,
		"audit":    audit,
	})
}

func (h adminHandlers) decode(rw http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 1<<16)).Decode(v); err != nil {
		writeJSONStatus(rw, http.StatusBadRequest, protocol.FogResponse{
			Code: protocol.ErrBadRequest, Error: "bad json: " + err.Error(),
		})
		return false
	}
	return true
}

func (h adminHandlers) sceneMatches(rw http.ResponseWriter, sceneID string) bool {
	if sceneID == h.e.SceneID() {
		return true
	}
	writeJSONStatus(rw, http.StatusNotFound, protocol.FogResponse{
		SceneID: sceneID, Code: protocol.ErrSceneNotFound, Error: "scene not served here",
	})
	return false
}

func (h adminHandlers) writeFogResult(rw http.ResponseWriter, sceneID, op string, res canvas.FogResult, err error) {
	if err == nil {
		writeJSONStatus(rw, http.StatusOK, protocol.FogResponse{
			OK: true, RequestID: res.RequestID, SceneID: sceneID, Viewers: res.Viewers,
		})
		return
	}
	code := protocol.CodeFor(err)
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	case code == protocol.ErrNotFound || code == protocol.ErrSceneNotFound:
		status = http.StatusNotFound
	case code == protocol.ErrInternal:
		// Anything unclassified failed in the store.
		code = protocol.ErrFogIO
	}
	h.log.WithError(err).WithFields(logrus.Fields{"scene": sceneID, "op": op}).Warn("admin fog request failed")
	writeJSONStatus(rw, status, protocol.FogResponse{SceneID: sceneID, Code: code, Error: err.Error()})
}

func writeJSONStatus(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeCanvasMetrics(rw http.ResponseWriter, sceneID string, m canvas.Metrics, sessions int) {
	fmt.Fprintf(rw, "# HELP sightline_canvas_frame Current flush frame.\n")
	fmt.Fprintf(rw, "# TYPE sightline_canvas_frame gauge\n")
	fmt.Fprintf(rw, "sightline_canvas_frame{scene=%q} %d\n", sceneID, m.Frame)

	fmt.Fprintf(rw, "# HELP sightline_canvas_edges Edges in the spatial index.\n")
	fmt.Fprintf(rw, "# TYPE sightline_canvas_edges gauge\n")
	fmt.Fprintf(rw, "sightline_canvas_edges{scene=%q} %d\n", sceneID, m.Edges)

	fmt.Fprintf(rw, "# HELP sightline_canvas_sources Registered perception sources.\n")
	fmt.Fprintf(rw, "# TYPE sightline_canvas_sources gauge\n")
	fmt.Fprintf(rw, "sightline_canvas_sources{scene=%q} %d\n", sceneID, m.Sources)

	fmt.Fprintf(rw, "# HELP sightline_canvas_sessions Connected viewer sessions.\n")
	fmt.Fprintf(rw, "# TYPE sightline_canvas_sessions gauge\n")
	fmt.Fprintf(rw, "sightline_canvas_sessions{scene=%q} %d\n", sceneID, sessions)

	fmt.Fprintf(rw, "# HELP sightline_canvas_queue_depth Inbox backlog depth.\n")
	fmt.Fprintf(rw, "# TYPE sightline_canvas_queue_depth gauge\n")
	fmt.Fprintf(rw, "sightline_canvas_queue_depth{scene=%q,queue=%q} %d\n", sceneID, "inbox", m.InboxDepth)

	fmt.Fprintf(rw, "# HELP sightline_canvas_flush_ms Last flush duration in milliseconds.\n")
	fmt.Fprintf(rw, "# TYPE sightline_canvas_flush_ms gauge\n")
	fmt.Fprintf(rw, "sightline_canvas_flush_ms{scene=%q} %.3f\n", sceneID, m.LastFlushMS)

	fmt.Fprintf(rw, "# HELP sightline_canvas_flush_failures Failed handlers in the last flush.\n")
	fmt.Fprintf(rw, "# TYPE sightline_canvas_flush_failures gauge\n")
	fmt.Fprintf(rw, "sightline_canvas_flush_failures{scene=%q} %d\n", sceneID, m.FlushFailures)

	fmt.Fprintf(rw, "# HELP sightline_sources_total Source polygon computations by result.\n")
	fmt.Fprintf(rw, "# TYPE sightline_sources_total counter\n")
	fmt.Fprintf(rw, "sightline_sources_total{scene=%q,result=%q} %d\n", sceneID, "computed", m.Computed)
	fmt.Fprintf(rw, "sightline_sources_total{scene=%q,result=%q} %d\n", sceneID, "stale", m.Stale)

	fmt.Fprintf(rw, "# HELP sightline_fog_saves_total Fog persistence outcomes.\n")
	fmt.Fprintf(rw, "# TYPE sightline_fog_saves_total counter\n")
	fmt.Fprintf(rw, "sightline_fog_saves_total{scene=%q,result=%q} %d\n", sceneID, "persisted", m.FogPersists)
	fmt.Fprintf(rw, "sightline_fog_saves_total{scene=%q,result=%q} %d\n", sceneID, "failed", m.FogFailures)
	fmt.Fprintf(rw, "sightline_fog_saves_total{scene=%q,result=%q} %d\n", sceneID, "coalesced", m.FogCoalesced)
	fmt.Fprintf(rw, "sightline_fog_saves_total{scene=%q,result=%q} %d\n", sceneID, "discarded", m.FogDiscarded)
}

func writeMirrorMetrics(rw http.ResponseWriter, mirror *fogs3.Mirror) {
	if mirror == nil {
		return
	}
	s := mirror.Stats()
	fmt.Fprintf(rw, "# HELP sightline_fog_mirror_queue_depth Current S3 mirror queue depth.\n")
	fmt.Fprintf(rw, "# TYPE sightline_fog_mirror_queue_depth gauge\n")
	fmt.Fprintf(rw, "sightline_fog_mirror_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP sightline_fog_mirror_queue_capacity S3 mirror queue capacity.\n")
	fmt.Fprintf(rw, "# TYPE sightline_fog_mirror_queue_capacity gauge\n")
	fmt.Fprintf(rw, "sightline_fog_mirror_queue_capacity %d\n", s.QueueCapacity)

	fmt.Fprintf(rw, "# HELP sightline_fog_mirror_enqueued_total Total mirror enqueue attempts.\n")
	fmt.Fprintf(rw, "# TYPE sightline_fog_mirror_enqueued_total counter\n")
	fmt.Fprintf(rw, "sightline_fog_mirror_enqueued_total %d\n", s.EnqueuedTotal)

	fmt.Fprintf(rw, "# HELP sightline_fog_mirror_queue_saturated_total Enqueue attempts that found the queue full.\n")
	fmt.Fprintf(rw, "# TYPE sightline_fog_mirror_queue_saturated_total counter\n")
	fmt.Fprintf(rw, "sightline_fog_mirror_queue_saturated_total %d\n", s.QueueSaturatedTotal)

	fmt.Fprintf(rw, "# HELP sightline_fog_mirror_dropped_total Records dropped because the queue stayed full.\n")
	fmt.Fprintf(rw, "# TYPE sightline_fog_mirror_dropped_total counter\n")
	fmt.Fprintf(rw, "sightline_fog_mirror_dropped_total %d\n", s.DroppedTotal)

	fmt.Fprintf(rw, "# HELP sightline_fog_mirror_upload_success_total Successful mirror uploads.\n")
	fmt.Fprintf(rw, "# TYPE sightline_fog_mirror_upload_success_total counter\n")
	fmt.Fprintf(rw, "sightline_fog_mirror_upload_success_total %d\n", s.UploadSuccessTotal)

	fmt.Fprintf(rw, "# HELP sightline_fog_mirror_upload_fail_total Failed mirror uploads after retry.\n")
	fmt.Fprintf(rw, "# TYPE sightline_fog_mirror_upload_fail_total counter\n")
	fmt.Fprintf(rw, "sightline_fog_mirror_upload_fail_total %d\n", s.UploadFailTotal)

	fmt.Fprintf(rw, "# HELP sightline_fog_mirror_fenced_total Uploads discarded because the scene was reset after they were queued.\n")
	fmt.Fprintf(rw, "# TYPE sightline_fog_mirror_fenced_total counter\n")
	fmt.Fprintf(rw, "sightline_fog_mirror_fenced_total %d\n", s.FencedTotal)

	fmt.Fprintf(rw, "# HELP sightline_fog_mirror_last_success_unix Unix time of the last successful upload.\n")
	fmt.Fprintf(rw, "# TYPE sightline_fog_mirror_last_success_unix gauge\n")
	fmt.Fprintf(rw, "sightline_fog_mirror_last_success_unix %d\n", s.LastSuccessUnix)

	fmt.Fprintf(rw, "# HELP sightline_fog_mirror_last_error_unix Unix time of the last failed upload.\n")
	fmt.Fprintf(rw, "# TYPE sightline_fog_mirror_last_error_unix gauge\n")
	fmt.Fprintf(rw, "sightline_fog_mirror_last_error_unix %d\n", s.LastErrorUnix)
}

func writeBusMetrics(rw http.ResponseWriter, b *bus.Bus) {
	if b == nil {
		return
	}
	s := b.Stats()
	fmt.Fprintf(rw, "# HELP sightline_bus_queue_depth Fog notices waiting to be published.\n")
	fmt.Fprintf(rw, "# TYPE sightline_bus_queue_depth gauge\n")
	fmt.Fprintf(rw, "sightline_bus_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP sightline_bus_events_total Fog notices by publish outcome.\n")
	fmt.Fprintf(rw, "# TYPE sightline_bus_events_total counter\n")
	fmt.Fprintf(rw, "sightline_bus_events_total{result=\"published\"} %d\n", s.PublishedTotal)
	fmt.Fprintf(rw, "sightline_bus_events_total{result=\"failed\"} %d\n", s.FailedTotal)
	fmt.Fprintf(rw, "sightline_bus_events_total{result=\"dropped\"} %d\n", s.DroppedTotal)
}
