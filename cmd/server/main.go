package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"

	"sightline.ai/internal/logging"
	"sightline.ai/internal/perception/canvas"
	"sightline.ai/internal/perception/flags"
	"sightline.ai/internal/perception/fog"
	persistlog "sightline.ai/internal/persistence/log"
	"sightline.ai/internal/protocol"
	"sightline.ai/internal/scene"
	"sightline.ai/internal/telemetry"
	"sightline.ai/internal/transport/bus"
	"sightline.ai/internal/transport/ws"
	"sightline.ai/internal/tuning"
)

// envConfig holds the settings read from the environment. Flags cover the
// paths; everything deployment specific comes from here.
type envConfig struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	DeployEnv string `env:"DEPLOY_ENV"`

	AdminHTTP string `env:"SIGHTLINE_ENABLE_ADMIN_HTTP"`
	PprofHTTP bool   `env:"SIGHTLINE_ENABLE_PPROF_HTTP"`

	Mirror mirrorConfig `envPrefix:"FOG_S3_"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"sightline.fog"`
	KafkaGroup   string   `env:"KAFKA_GROUP"`
}

func (c envConfig) adminEnabled() bool {
	return envBool(c.AdminHTTP, defaultEnableAdminHTTP(c.DeployEnv))
}

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		scenePath  = flag.String("scene", "", "path to the scene yaml (default: <configs>/scenes/cellar.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		perfDir    = flag.String("perf_dir", "", "directory for perf.csv (empty to disable)")
	)
	flag.Parse()

	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		logrus.Fatalf("parse env: %v", err)
	}
	root := logging.New(ec.LogLevel, ec.LogFormat)
	logger := root.WithField("component", "server")

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Warnf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	sp := strings.TrimSpace(*scenePath)
	if sp == "" {
		sp = filepath.Join(*configDir, "scenes", "cellar.yaml")
	}
	sc, err := scene.Load(sp)
	if err != nil {
		logger.Fatalf("load scene: %v", err)
	}
	logger = logger.WithField("scene", sc.ID)

	sceneDir := filepath.Join(*dataDir, "scenes", sc.ID)
	if err := os.MkdirAll(sceneDir, 0o755); err != nil {
		logger.Fatalf("create scene dir: %v", err)
	}

	stores, err := openFogStores(sceneDir, ec.Mirror, root)
	if err != nil {
		logger.Fatalf("open fog store: %v", err)
	}
	defer stores.Close()

	flushLog := persistlog.NewFlushLogger(sceneDir, root)
	auditLog := persistlog.NewAuditLogger(sceneDir, root)
	defer flushLog.Close()
	defer auditLog.Close()

	perfOut, err := telemetry.NewOutput(strings.TrimSpace(*perfDir))
	if err != nil {
		logger.Fatalf("perf output: %v", err)
	}
	defer perfOut.Close()

	hub := ws.NewHub(root)
	notifiers := fog.Notifiers{hub}
	var fanout *bus.Bus
	if len(ec.KafkaBrokers) > 0 {
		fanout = bus.New(bus.Config{Brokers: ec.KafkaBrokers, Topic: ec.KafkaTopic}, root)
		defer fanout.Close()
		notifiers = append(notifiers, fanout)
	}

	cv, err := canvas.New(canvas.ConfigFrom(tune, sc), root,
		canvas.WithFogStore(stores.Store()),
		canvas.WithNotifier(notifiers),
		canvas.WithAuditor(persistlog.Auditors{stores.db, auditLog}),
		canvas.WithPerfOutput(perfOut),
		canvas.WithFlushSink(func(sceneID string, r flags.FlushReport) {
			if len(r.Actions) == 0 {
				return
			}
			hub.BroadcastFlush(sceneID, r)
			flushLog.WriteFlush(sceneID, r)
			stores.db.RecordFlush(sceneID, r)
		}),
	)
	if err != nil {
		logger.Fatalf("canvas: %v", err)
	}
	defer cv.Close()

	ctx, cancel := signalContext()
	defer cancel()

	loadCtx, loadCancel := context.WithTimeout(ctx, 30*time.Second)
	err = cv.Load(loadCtx, sc)
	loadCancel()
	if err != nil {
		logger.Fatalf("load scene into canvas: %v", err)
	}
	logger.WithFields(logrus.Fields{"edges": len(sc.Edges), "sources": len(sc.Sources)}).Info("scene loaded")

	runDone := startLoop(ctx, cv, logger)

	if fanout != nil {
		group := strings.TrimSpace(ec.KafkaGroup)
		if group == "" {
			group = "sightline-" + fanout.Origin()
		}
		go fanout.Subscribe(ctx, group, func(n fog.Notice) {
			if n.SceneID != sc.ID {
				return
			}
			_ = hub.Notify(ctx, n)
		})
	}

	if !ec.adminEnabled() {
		logger.Info("admin endpoints disabled (SIGHTLINE_ENABLE_ADMIN_HTTP=false)")
	}
	if !ec.PprofHTTP {
		logger.Info("pprof endpoints disabled (SIGHTLINE_ENABLE_PPROF_HTTP=false)")
	}
	router := buildRouter(routerDeps{
		Engine: cv,
		Hub:    hub,
		WS: ws.NewServer(cv, hub, ws.Config{
			Scene: protocol.SceneParams{Width: sc.Width, Height: sc.Height, CellSize: tune.Fog.CellSize},
		}, root),
		Mirror:      stores.mirror,
		DB:          stores.db,
		Bus:         fanout,
		AdminRate:   tune.Admin.RatePerSec,
		AdminBurst:  tune.Admin.Burst,
		EnableAdmin: ec.adminEnabled(),
		EnablePprof: ec.PprofHTTP,
		Log:         root,
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Infof("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	// The deferred cv.Close must not race the loop's last save dispatch.
	cancel()
	<-runDone
}

type loopRunner interface {
	Run(ctx context.Context) error
}

// startLoop runs r until ctx is done. The returned channel closes once Run
// has returned.
func startLoop(ctx context.Context, r loopRunner, log logrus.FieldLogger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("canvas stopped")
		}
	}()
	return done
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func defaultEnableAdminHTTP(deployEnv string) bool {
	switch strings.ToLower(strings.TrimSpace(deployEnv)) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
