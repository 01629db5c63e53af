package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"sightline.ai/internal/perception/fog"
	"sightline.ai/internal/perception/polygon"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	FrameRateHz int `yaml:"frame_rate_hz"`
	Workers     int `yaml:"workers"`

	// Cell size of the edge and source spatial hashes, in scene units.
	IndexCellSize float64 `yaml:"index_cell_size"`

	Geometry polygon.Tuning `yaml:"geometry"`
	Flags    Flags          `yaml:"flags"`
	Fog      Fog            `yaml:"fog"`
	Admin    Admin          `yaml:"admin"`
}

type Flags struct {
	MaxHops int `yaml:"max_hops"`
}

type Fog struct {
	CellSize          float64 `yaml:"cell_size"`
	CommitThreshold   int     `yaml:"commit_threshold"`
	WarnAfterFailures int     `yaml:"warn_after_failures"`
	SaveTimeoutMs     int     `yaml:"save_timeout_ms"`
}

type Admin struct {
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		FrameRateHz:     30,
		Workers:         4,
		IndexCellSize:   64,
		Geometry:        polygon.DefaultTuning(),
		Flags:           Flags{MaxHops: 8},
		Fog: Fog{
			CellSize:          1,
			CommitThreshold:   10,
			WarnAfterFailures: 3,
			SaveTimeoutMs:     5000,
		},
		Admin: Admin{RatePerSec: 5, Burst: 10},
	}
}

// applyDefaults fills zero values so a partial tuning.yaml stays usable.
func (t *Tuning) applyDefaults() {
	d := Defaults()
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = d.ProtocolVersion
	}
	if t.FrameRateHz <= 0 {
		t.FrameRateHz = d.FrameRateHz
	}
	if t.Workers <= 0 {
		t.Workers = d.Workers
	}
	if t.IndexCellSize <= 0 {
		t.IndexCellSize = d.IndexCellSize
	}
	g := &t.Geometry
	if g.Epsilon <= 0 {
		g.Epsilon = d.Geometry.Epsilon
	}
	if g.RayOffset <= 0 {
		g.RayOffset = d.Geometry.RayOffset
	}
	if g.ArcTolerance <= 0 {
		g.ArcTolerance = d.Geometry.ArcTolerance
	}
	if g.ArcMinVertices <= 0 {
		g.ArcMinVertices = d.Geometry.ArcMinVertices
	}
	if g.ArcMaxVertices < g.ArcMinVertices {
		g.ArcMaxVertices = d.Geometry.ArcMaxVertices
		if g.ArcMaxVertices < g.ArcMinVertices {
			g.ArcMaxVertices = g.ArcMinVertices
		}
	}
	if t.Flags.MaxHops <= 0 {
		t.Flags.MaxHops = d.Flags.MaxHops
	}
	if t.Fog.CellSize <= 0 {
		t.Fog.CellSize = d.Fog.CellSize
	}
	if t.Fog.CommitThreshold <= 0 {
		t.Fog.CommitThreshold = d.Fog.CommitThreshold
	}
	if t.Fog.WarnAfterFailures <= 0 {
		t.Fog.WarnAfterFailures = d.Fog.WarnAfterFailures
	}
	if t.Fog.SaveTimeoutMs <= 0 {
		t.Fog.SaveTimeoutMs = d.Fog.SaveTimeoutMs
	}
	if t.Admin.RatePerSec <= 0 {
		t.Admin.RatePerSec = d.Admin.RatePerSec
	}
	if t.Admin.Burst <= 0 {
		t.Admin.Burst = d.Admin.Burst
	}
}

func (t Tuning) FrameInterval() time.Duration {
	return time.Second / time.Duration(t.FrameRateHz)
}

// FogConfig builds the fog manager config for a scene of the given size.
func (t Tuning) FogConfig(width, height float64) fog.Config {
	return fog.Config{
		Width:             width,
		Height:            height,
		CellSize:          t.Fog.CellSize,
		CommitThreshold:   t.Fog.CommitThreshold,
		WarnAfterFailures: t.Fog.WarnAfterFailures,
		SaveTimeout:       time.Duration(t.Fog.SaveTimeoutMs) * time.Millisecond,
	}
}

func Load(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.applyDefaults()
	return t, nil
}
