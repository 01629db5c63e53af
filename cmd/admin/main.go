package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	persistlog "sightline.ai/internal/persistence/log"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "state":
			stateCmd(os.Args[2:])
			return
		case "fog-reset":
			fogResetCmd(os.Args[2:])
			return
		case "fog-sync":
			fogSyncCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "flushes":
			flushesCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "scenes"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name())
		}
	}
}

func flushesCmd(args []string) {
	fs := flag.NewFlagSet("flushes", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sceneID := fs.String("scene", "", "scene id")
	sinceFrame := fs.Uint64("since_frame", 0, "skip flushes before this frame")
	failedOnly := fs.Bool("failed_only", false, "only flushes with failed handlers")
	_ = fs.Parse(args)

	if strings.TrimSpace(*sceneID) == "" {
		fmt.Fprintln(os.Stderr, "missing -scene")
		os.Exit(2)
	}
	dir := filepath.Join(*dataDir, "scenes", *sceneID, "flushes")
	entries, err := readFlushes(dir, *sinceFrame, *failedOnly)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read flushes:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		_ = enc.Encode(e)
	}
	fmt.Fprintf(os.Stderr, "%d flushes\n", len(entries))
}

// readFlushes decodes every hourly flush log in dir, oldest file first.
func readFlushes(dir string, sinceFrame uint64, failedOnly bool) ([]persistlog.FlushEntry, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "flushes-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []persistlog.FlushEntry
	for _, name := range names {
		path := filepath.Join(dir, name)
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		sc := bufio.NewScanner(dec)
		sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
		for sc.Scan() {
			var e persistlog.FlushEntry
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				dec.Close()
				_ = f.Close()
				return nil, fmt.Errorf("%s: unmarshal: %w", name, err)
			}
			if e.Frame < sinceFrame {
				continue
			}
			if failedOnly && len(e.Failed) == 0 {
				continue
			}
			out = append(out, e)
		}
		err = sc.Err()
		dec.Close()
		_ = f.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
