// Package fogdb stores fog explorations and audit rows in SQLite.
package fogdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"sightline.ai/internal/perception/flags"
	"sightline.ai/internal/perception/fog"
)

// Store implements fog.Store. Exploration reads and writes are synchronous;
// audit and flush rows go through a buffered background writer.
type Store struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

type reqKind int

const (
	reqAudit reqKind = iota + 1
	reqFlush
)

type req struct {
	kind  reqKind
	audit fog.AuditEntry
	flush flags.FlushReport
	scene string
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, ch: make(chan req, 4096)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS fog_exploration (
			scene_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			blob BLOB NOT NULL,
			modified_at TEXT NOT NULL,
			PRIMARY KEY (scene_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS fog_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			scene_id TEXT NOT NULL,
			action TEXT NOT NULL,
			users TEXT NOT NULL,
			request_id TEXT,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS fog_audit_scene ON fog_audit(scene_id, id);`,
		`CREATE TABLE IF NOT EXISTS flushes (
			scene_id TEXT NOT NULL,
			frame INTEGER NOT NULL,
			flags TEXT NOT NULL,
			actions TEXT NOT NULL,
			failed TEXT,
			duration_ns INTEGER NOT NULL,
			PRIMARY KEY (scene_id, frame)
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) Load(ctx context.Context, sceneID, userID string) (fog.Record, bool, error) {
	rec := fog.Record{SceneID: sceneID, UserID: userID}
	var modified string
	err := s.db.QueryRowContext(ctx,
		`SELECT blob, modified_at FROM fog_exploration WHERE scene_id=? AND user_id=?`,
		sceneID, userID,
	).Scan(&rec.Blob, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return fog.Record{}, false, nil
	}
	if err != nil {
		return fog.Record{}, false, err
	}
	rec.Modified, _ = time.Parse(time.RFC3339Nano, modified)
	return rec, true, nil
}

func (s *Store) Save(ctx context.Context, rec fog.Record) error {
	if rec.SceneID == "" || rec.UserID == "" {
		return fmt.Errorf("fog record needs scene and user")
	}
	mod := rec.Modified
	if mod.IsZero() {
		mod = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fog_exploration(scene_id,user_id,blob,modified_at) VALUES(?,?,?,?)
		 ON CONFLICT(scene_id,user_id) DO UPDATE SET blob=excluded.blob, modified_at=excluded.modified_at`,
		rec.SceneID, rec.UserID, rec.Blob, mod.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) DeleteScene(ctx context.Context, sceneID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fog_exploration WHERE scene_id=?`, sceneID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Summary lists the persisted explorations of a scene without their blobs.
type Summary struct {
	UserID   string    `json:"user_id"`
	Bytes    int       `json:"bytes"`
	Modified time.Time `json:"modified"`
}

func (s *Store) ListScene(ctx context.Context, sceneID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, length(blob), modified_at FROM fog_exploration WHERE scene_id=? ORDER BY user_id`, sceneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var sm Summary
		var mod string
		if err := rows.Scan(&sm.UserID, &sm.Bytes, &mod); err != nil {
			return nil, err
		}
		sm.Modified, _ = time.Parse(time.RFC3339Nano, mod)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// AuditRows returns the most recent audit rows of a scene, newest first.
func (s *Store) AuditRows(ctx context.Context, sceneID string, limit int) ([]fog.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, action, users, COALESCE(request_id,''), COALESCE(error,'') FROM fog_audit WHERE scene_id=? ORDER BY id DESC LIMIT ?`,
		sceneID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fog.AuditEntry
	for rows.Next() {
		e := fog.AuditEntry{SceneID: sceneID}
		var ts, users string
		if err := rows.Scan(&ts, &e.Action, &users, &e.RequestID, &e.Error); err != nil {
			return nil, err
		}
		e.Time, _ = time.Parse(time.RFC3339Nano, ts)
		if users != "" {
			e.Users = strings.Split(users, ",")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Audit queues an audit row. It never blocks the caller.
func (s *Store) Audit(e fog.AuditEntry) {
	s.enqueue(req{kind: reqAudit, audit: e})
}

// RecordFlush queues a scheduler flush row.
func (s *Store) RecordFlush(scene string, r flags.FlushReport) {
	s.enqueue(req{kind: reqFlush, flush: r, scene: scene})
}

func (s *Store) Dropped() uint64 { return s.dropped.Load() }

func (s *Store) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		// Drop if the writer falls behind; the JSONL logs keep the full record.
		s.dropped.Add(1)
	}
}

func (s *Store) loop() {
	ctx := context.Background()
	insertAudit, _ := s.db.Prepare(`INSERT INTO fog_audit(ts,scene_id,action,users,request_id,error) VALUES(?,?,?,?,?,?)`)
	insertFlush, _ := s.db.Prepare(`INSERT OR REPLACE INTO flushes(scene_id,frame,flags,actions,failed,duration_ns) VALUES(?,?,?,?,?,?)`)
	defer func() {
		if insertAudit != nil {
			_ = insertAudit.Close()
		}
		if insertFlush != nil {
			_ = insertFlush.Close()
		}
	}()

	var (
		tx          *sql.Tx
		opCount     int
		lastCommit  = time.Now()
		commitEvery = 256
		maxWait     = time.Second
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqAudit:
			if insertAudit == nil {
				continue
			}
			e := r.audit
			if _, err := tx.Stmt(insertAudit).Exec(
				e.Time.UTC().Format(time.RFC3339Nano), e.SceneID, e.Action,
				strings.Join(e.Users, ","), e.RequestID, e.Error,
			); err != nil {
				continue
			}
		case reqFlush:
			if insertFlush == nil {
				continue
			}
			fl, _ := json.Marshal(r.flush.Flags)
			ac, _ := json.Marshal(r.flush.Actions)
			fa, _ := json.Marshal(r.flush.Failed)
			if _, err := tx.Stmt(insertFlush).Exec(
				r.scene, int64(r.flush.Frame), string(fl), string(ac), string(fa), r.flush.Duration.Nanoseconds(),
			); err != nil {
				continue
			}
		}
		opCount++
		if opCount >= commitEvery || time.Since(lastCommit) >= maxWait || len(s.ch) == 0 {
			commit()
		}
	}
	commit()
}
