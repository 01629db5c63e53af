// Package fogblob is the on-disk form of an explored-coverage mask:
// a JSON header line followed by alternating run lengths, zstd-compressed.
package fogblob

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"sightline.ai/internal/perception/coverage"
)

const Version = 1

// MaxCells bounds the mask a blob may declare.
const MaxCells = 1 << 26

var (
	ErrCorrupt       = errors.New("corrupt fog blob")
	ErrShapeMismatch = errors.New("fog blob shape mismatch")
)

type Header struct {
	Version  int     `json:"version"`
	W        int     `json:"w"`
	H        int     `json:"h"`
	Cell     float64 `json:"cell"`
	Explored int     `json:"explored"`
}

// Encode writes m. Runs alternate unset/set starting with unset, so a mask
// whose first cell is set begins with a zero-length run.
func Encode(m *coverage.Mask) ([]byte, error) {
	var out bytes.Buffer
	enc, err := zstd.NewWriter(&out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(enc, 32*1024)

	hb, _ := json.Marshal(Header{Version: Version, W: m.W, H: m.H, Cell: m.Cell, Explored: m.Count()})
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return nil, err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return nil, err
	}

	var tmp [binary.MaxVarintLen64]byte
	want := false
	for i, n := 0, m.Len(); i < n; {
		run := 0
		for i < n && m.At(i) == want {
			run++
			i++
		}
		k := binary.PutUvarint(tmp[:], uint64(run))
		if _, err := bw.Write(tmp[:k]); err != nil {
			_ = enc.Close()
			return nil, err
		}
		want = !want
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Decode reads a blob produced by Encode.
func Decode(b []byte) (*coverage.Mask, Header, error) {
	return decode(b, nil)
}

// DecodeShape is Decode for a known grid. A blob declaring any other shape
// is rejected before its mask is allocated.
func DecodeShape(b []byte, w, h int) (*coverage.Mask, Header, error) {
	return decode(b, func(hd Header) error {
		if hd.W != w || hd.H != h {
			return fmt.Errorf("%w: blob %dx%d, grid %dx%d", ErrShapeMismatch, hd.W, hd.H, w, h)
		}
		return nil
	})
}

func decode(b []byte, check func(Header) error) (*coverage.Mask, Header, error) {
	var h Header
	dec, err := zstd.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, h, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer dec.Close()
	br := bufio.NewReader(dec)

	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, h, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, h, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if h.Version != Version {
		return nil, h, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, h.Version)
	}
	if h.W < 0 || h.H < 0 || h.Cell <= 0 || int64(h.W)*int64(h.H) > MaxCells {
		return nil, h, fmt.Errorf("%w: bad shape %dx%d cell %v", ErrCorrupt, h.W, h.H, h.Cell)
	}
	if check != nil {
		if err := check(h); err != nil {
			return nil, h, err
		}
	}

	m := coverage.New(h.W, h.H, h.Cell)
	pos, set, n := 0, false, m.Len()
	for pos < n {
		run, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, h, fmt.Errorf("%w: run at %d: %v", ErrCorrupt, pos, err)
		}
		if uint64(pos)+run > uint64(n) {
			return nil, h, fmt.Errorf("%w: run overflows mask at %d", ErrCorrupt, pos)
		}
		if set {
			for k := 0; k < int(run); k++ {
				m.SetAt(pos + k)
			}
		}
		pos += int(run)
		set = !set
	}
	if pos != n {
		return nil, h, fmt.Errorf("%w: %d of %d cells", ErrCorrupt, pos, n)
	}
	return m, h, nil
}
