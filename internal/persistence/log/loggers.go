// Package log writes hourly-rotated, zstd-compressed JSONL logs.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"sightline.ai/internal/logging"
	"sightline.ai/internal/perception/flags"
	"sightline.ai/internal/perception/fog"
)

// JSONLZstdWriter appends one JSON document per line to
// <dir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst, switching files on the hour.
type JSONLZstdWriter struct {
	dir    string
	prefix string
	now    func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(dir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{dir: dir, prefix: prefix, now: time.Now}
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour || w.w == nil {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Path(hour string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.Path(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f, w.enc, w.curHour = f, enc, hour
	w.w = bufio.NewWriterSize(enc, 64*1024)
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err error
	if w.w != nil {
		_ = w.w.Flush()
		w.w = nil
	}
	if w.enc != nil {
		err = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	return err
}

// FlushEntry is one scheduler flush as logged.
type FlushEntry struct {
	Time     time.Time `json:"time"`
	SceneID  string    `json:"scene_id"`
	Frame    uint64    `json:"frame"`
	Flags    []string  `json:"flags"`
	Actions  []string  `json:"actions"`
	Failed   []string  `json:"failed,omitempty"`
	Duration int64     `json:"duration_us"`
}

// FlushLogger records every scheduler flush of a scene.
type FlushLogger struct {
	w      *JSONLZstdWriter
	log    logrus.FieldLogger
	errors atomic.Uint64
}

func NewFlushLogger(sceneDir string, log logrus.FieldLogger) *FlushLogger {
	return &FlushLogger{w: NewJSONLZstdWriter(filepath.Join(sceneDir, "flushes"), "flushes"), log: logging.OrDiscard(log)}
}

func (l *FlushLogger) WriteFlush(scene string, r flags.FlushReport) {
	err := l.w.Write(FlushEntry{
		Time:     time.Now().UTC(),
		SceneID:  scene,
		Frame:    r.Frame,
		Flags:    r.Flags,
		Actions:  r.Actions,
		Failed:   r.Failed,
		Duration: r.Duration.Microseconds(),
	})
	if err != nil && l.errors.Add(1) == 1 {
		l.log.WithError(err).Warn("flush log write failed")
	}
}

func (l *FlushLogger) Close() error { return l.w.Close() }

// AuditLogger writes fog audit entries; it satisfies fog.Auditor.
type AuditLogger struct {
	w      *JSONLZstdWriter
	log    logrus.FieldLogger
	errors atomic.Uint64
}

func NewAuditLogger(sceneDir string, log logrus.FieldLogger) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(filepath.Join(sceneDir, "audit"), "fog-audit"), log: logging.OrDiscard(log)}
}

func (l *AuditLogger) Audit(e fog.AuditEntry) {
	if err := l.w.Write(e); err != nil && l.errors.Add(1) == 1 {
		l.log.WithError(err).Warn("fog audit write failed")
	}
}

func (l *AuditLogger) Close() error { return l.w.Close() }

// Auditors fans one audit entry out to several sinks.
type Auditors []fog.Auditor

func (a Auditors) Audit(e fog.AuditEntry) {
	for _, x := range a {
		if x != nil {
			x.Audit(e)
		}
	}
}
