package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_RepoConfig(t *testing.T) {
	tu, err := Load(filepath.Join("..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.FrameRateHz != 30 || tu.Workers != 4 {
		t.Fatalf("unexpected tuning: %+v", tu)
	}
	if tu.Geometry != Defaults().Geometry {
		t.Fatalf("geometry mismatch: %+v", tu.Geometry)
	}
	if tu.FrameInterval() != time.Second/30 {
		t.Fatalf("frame interval: %v", tu.FrameInterval())
	}
}

func TestLoad_PartialFillsDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte("fog:\n  commit_threshold: 3\ngeometry:\n  arc_tolerance: 0.5\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tu, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d := Defaults()
	if tu.Fog.CommitThreshold != 3 || tu.Geometry.ArcTolerance != 0.5 {
		t.Fatalf("overrides lost: %+v", tu)
	}
	if tu.Flags.MaxHops != d.Flags.MaxHops || tu.Geometry.Epsilon != d.Geometry.Epsilon || tu.Fog.SaveTimeoutMs != d.Fog.SaveTimeoutMs {
		t.Fatalf("defaults not applied: %+v", tu)
	}
	fc := tu.FogConfig(100, 50)
	if fc.Width != 100 || fc.Height != 50 || fc.CommitThreshold != 3 || fc.SaveTimeout != 5*time.Second {
		t.Fatalf("fog config: %+v", fc)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist, got %v", err)
	}
	p := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(p, []byte("frame_rate_hz: [\n"), 0o644)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected parse error")
	}
}
