package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"sightline.ai/internal/perception/fog"
	"sightline.ai/internal/persistence/fogdb"
	"sightline.ai/internal/persistence/fogs3"
)

type mirrorConfig struct {
	Enabled bool `env:"MIRROR"`
	Workers int  `env:"UPLOAD_WORKERS" envDefault:"2"`
	Queue   int  `env:"QUEUE" envDefault:"1024"`
	Create  bool `env:"CREATE_BUCKET"`

	fogs3.Config
}

// fogStores is the fog persistence stack: a local sqlite store, optionally
// mirrored to an S3 bucket.
type fogStores struct {
	db     *fogdb.Store
	mirror *fogs3.Mirror
}

func openFogStores(sceneDir string, cfg mirrorConfig, log logrus.FieldLogger) (*fogStores, error) {
	db, err := fogdb.Open(filepath.Join(sceneDir, "fog.sqlite"))
	if err != nil {
		return nil, err
	}
	s := &fogStores{db: db}
	if !cfg.Enabled {
		return s, nil
	}

	remote, err := fogs3.New(cfg.Config)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("FOG_S3_MIRROR=true but the bucket is not usable: %w", err)
	}
	if cfg.Create {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := remote.EnsureBucket(ctx, cfg.Config.Region)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	s.mirror = fogs3.NewMirror(db, remote, cfg.Workers, cfg.Queue, 0, log)
	return s, nil
}

// Store returns the store the fog manager persists through.
func (s *fogStores) Store() fog.Store {
	if s.mirror != nil {
		return s.mirror
	}
	return s.db
}

func (s *fogStores) Close() {
	if s == nil {
		return
	}
	if s.mirror != nil {
		s.mirror.Close()
	}
	_ = s.db.Close()
}

func envBool(v string, def bool) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
