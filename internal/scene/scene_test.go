package scene

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"sightline.ai/internal/perception/edges"
	"sightline.ai/internal/perception/source"
)

func TestLoad_Cellar(t *testing.T) {
	s, err := Load(filepath.Join("..", "..", "configs", "scenes", "cellar.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.ID != "cellar" || s.Width != 40 || s.Height != 20 {
		t.Fatalf("header: %+v", s)
	}
	if len(s.Edges) != 7 || len(s.Sources) != 3 || len(s.Owners) != 2 {
		t.Fatalf("counts: edges=%d sources=%d owners=%d", len(s.Edges), len(s.Sources), len(s.Owners))
	}

	var door, curtain Edge
	for _, e := range s.Edges {
		switch e.ID {
		case "door-w":
			door = e
		case "curtain":
			curtain = e
		}
	}
	if door.Door == nil || *door.Door != edges.DoorDoor || door.State == nil || *door.State != edges.DoorClosed {
		t.Fatalf("door patch: %+v", door.Patch)
	}
	if curtain.Sight == nil || curtain.Sight.Mode != edges.BlockProximity || curtain.Sight.Threshold != 4 {
		t.Fatalf("curtain sight: %+v", curtain.Sight)
	}
	if curtain.Move == nil || curtain.Move.Mode != edges.BlockNone {
		t.Fatalf("curtain move: %+v", curtain.Move)
	}

	ix := edges.NewIndex(8, 1e-9)
	for _, e := range s.Edges {
		if _, err := ix.Upsert(e.ID, e.Patch); err != nil {
			t.Fatalf("upsert %s: %v", e.ID, err)
		}
	}
	if ix.Len() != 7 {
		t.Fatalf("index len=%d", ix.Len())
	}

	sconce := s.Sources[2]
	if sconce.Kind != source.KindLight || sconce.Angle == nil || *sconce.Angle != 180 || sconce.Walls != nil {
		t.Fatalf("sconce: %+v", sconce)
	}
	if got := s.Viewers(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("viewers=%v", got)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"missing id":    "width: 1\nheight: 1\n",
		"bad extent":    "id: x\nwidth: 0\nheight: 1\n",
		"dup edge":      "id: x\nwidth: 1\nheight: 1\nedges:\n  - {id: a}\n  - {id: a}\n",
		"unknown owner": "id: x\nwidth: 1\nheight: 1\nsources:\n  - {id: s, kind: light, owner: ghost}\n",
	}
	dir := t.TempDir()
	for name, body := range cases {
		p := filepath.Join(dir, "scene.yaml")
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(p); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestLoad_BadKind(t *testing.T) {
	p := filepath.Join(t.TempDir(), "scene.yaml")
	_ = os.WriteFile(p, []byte("id: x\nwidth: 1\nheight: 1\nsources:\n  - {id: s, kind: smell}\n"), 0o644)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected kind error")
	}
}
