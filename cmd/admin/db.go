package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"sightline.ai/internal/persistence/fogblob"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sceneID := fs.String("scene", "", "scene id (required)")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/scenes/<scene>/fog.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	user := fs.String("user", "", "user_id filter (coverage)")
	_ = fs.Parse(args)

	q := "records"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if strings.TrimSpace(*sceneID) == "" {
		fmt.Fprintln(os.Stderr, "missing -scene")
		os.Exit(2)
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "scenes", *sceneID, "fog.sqlite")
	}
	if *limit <= 0 {
		*limit = 20
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	var n int
	switch q {
	case "records":
		n, err = queryRecords(db, *sceneID)
	case "audit":
		n, err = queryAudit(db, *sceneID, *limit)
	case "flushes":
		n, err = queryFlushes(db, *sceneID, *limit)
	case "coverage":
		n, err = queryCoverage(db, *sceneID, strings.TrimSpace(*user))
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db -scene SCENE [-data ./data|-db PATH] [-limit N] [-user U] records|audit|flushes|coverage")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		os.Exit(1)
	}
	if n == 0 {
		fmt.Fprintln(os.Stderr, "no rows")
	}
}

func queryRecords(db *sql.DB, sceneID string) (int, error) {
	rows, err := db.Query(`SELECT user_id,length(blob),modified_at FROM fog_exploration WHERE scene_id=? ORDER BY user_id`, sceneID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var r struct {
			UserID   string `json:"user_id"`
			Bytes    int    `json:"bytes"`
			Modified string `json:"modified"`
		}
		if err := rows.Scan(&r.UserID, &r.Bytes, &r.Modified); err != nil {
			return n, err
		}
		printJSON(r)
		n++
	}
	return n, rows.Err()
}

func queryAudit(db *sql.DB, sceneID string, limit int) (int, error) {
	rows, err := db.Query(`SELECT ts,action,users,COALESCE(request_id,''),COALESCE(error,'') FROM fog_audit WHERE scene_id=? ORDER BY id DESC LIMIT ?`, sceneID, limit)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var r struct {
			Time      string `json:"time"`
			Action    string `json:"action"`
			Users     string `json:"users"`
			RequestID string `json:"request_id,omitempty"`
			Error     string `json:"error,omitempty"`
		}
		if err := rows.Scan(&r.Time, &r.Action, &r.Users, &r.RequestID, &r.Error); err != nil {
			return n, err
		}
		printJSON(r)
		n++
	}
	return n, rows.Err()
}

func queryFlushes(db *sql.DB, sceneID string, limit int) (int, error) {
	rows, err := db.Query(`SELECT frame,flags,actions,COALESCE(failed,'null'),duration_ns FROM flushes WHERE scene_id=? ORDER BY frame DESC LIMIT ?`, sceneID, limit)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var r struct {
			Frame      int64           `json:"frame"`
			Flags      json.RawMessage `json:"flags"`
			Actions    json.RawMessage `json:"actions"`
			Failed     json.RawMessage `json:"failed"`
			DurationNS int64           `json:"duration_ns"`
		}
		var fl, ac, fa string
		if err := rows.Scan(&r.Frame, &fl, &ac, &fa, &r.DurationNS); err != nil {
			return n, err
		}
		r.Flags, r.Actions, r.Failed = json.RawMessage(fl), json.RawMessage(ac), json.RawMessage(fa)
		printJSON(r)
		n++
	}
	return n, rows.Err()
}

// queryCoverage decodes stored blobs and prints their headers.
func queryCoverage(db *sql.DB, sceneID, user string) (int, error) {
	q := `SELECT user_id,blob FROM fog_exploration WHERE scene_id=? ORDER BY user_id`
	args := []any{sceneID}
	if user != "" {
		q = `SELECT user_id,blob FROM fog_exploration WHERE scene_id=? AND user_id=?`
		args = append(args, user)
	}
	rows, err := db.Query(q, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return n, err
		}
		r := struct {
			UserID string         `json:"user_id"`
			Header fogblob.Header `json:"header"`
			Error  string         `json:"error,omitempty"`
		}{UserID: id}
		if m, h, err := fogblob.Decode(blob); err != nil {
			r.Error = err.Error()
		} else {
			r.Header = h
			r.Header.Explored = m.Count()
		}
		printJSON(r)
		n++
	}
	return n, rows.Err()
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
