package fogblob

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/klauspost/compress/zstd"

	"sightline.ai/internal/geom"
	"sightline.ai/internal/perception/coverage"
)

func TestEncodeDecode(t *testing.T) {
	m := coverage.New(37, 21, 2)
	m.Set(0, 0)
	m.FillPolygon(geom.Polygon{geom.Pt(10, 10), geom.Pt(40, 12), geom.Pt(20, 35)})
	m.Set(36, 20)

	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, h, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Equal(m) {
		t.Fatalf("decoded mask differs (%d vs %d cells)", got.Count(), m.Count())
	}
	if h.Explored != m.Count() || h.W != 37 || h.H != 21 {
		t.Fatalf("header=%+v", h)
	}
}

func TestEncodeEmpty(t *testing.T) {
	m := coverage.New(8, 8, 1)
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, _, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Empty() || got.W != 8 {
		t.Fatalf("decoded=%dx%d count=%d", got.W, got.H, got.Count())
	}
}

func TestDecodeCorrupt(t *testing.T) {
	if _, _, err := Decode([]byte("not zstd")); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err=%v want ErrCorrupt", err)
	}
	m := coverage.New(4, 4, 1)
	b, _ := Encode(m)
	if _, _, err := Decode(b[:len(b)/2]); err == nil {
		t.Fatalf("truncated blob decoded")
	}
}

func headerOnly(t *testing.T, h Header) []byte {
	t.Helper()
	hb, _ := json.Marshal(h)
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(append(hb, '\n'), nil)
}

func TestDecode_RejectsOversizedShape(t *testing.T) {
	b := headerOnly(t, Header{Version: Version, W: 1 << 14, H: 1 << 14, Cell: 1})
	if _, _, err := Decode(b); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err=%v want ErrCorrupt", err)
	}
}

func TestDecodeShape(t *testing.T) {
	m := coverage.New(4, 4, 1)
	m.Set(2, 3)
	b, _ := Encode(m)
	got, _, err := DecodeShape(b, 4, 4)
	if err != nil || !got.Equal(m) {
		t.Fatalf("DecodeShape: err=%v", err)
	}
	if _, _, err := DecodeShape(b, 8, 4); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("err=%v want ErrShapeMismatch", err)
	}
	big := headerOnly(t, Header{Version: Version, W: 4096, H: 4096, Cell: 1})
	if _, _, err := DecodeShape(big, 4, 4); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("err=%v want ErrShapeMismatch", err)
	}
}
