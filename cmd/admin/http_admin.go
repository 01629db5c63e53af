package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"sightline.ai/internal/protocol"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	u := adminURL(*baseURL, "/admin/v1/state")
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func fogResetCmd(args []string) {
	fs := flag.NewFlagSet("fog-reset", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	sceneID := fs.String("scene", "", "scene id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*sceneID) == "" {
		fmt.Fprintln(os.Stderr, "missing -scene")
		os.Exit(2)
	}
	os.Exit(postFog(adminURL(*baseURL, "/admin/v1/fog/reset"), protocol.FogResetRequest{SceneID: *sceneID}, os.Stdout))
}

func fogSyncCmd(args []string) {
	fs := flag.NewFlagSet("fog-sync", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	sceneID := fs.String("scene", "", "scene id")
	from := fs.String("from", "", "viewer whose coverage is copied")
	to := fs.String("to", "", "comma separated target viewers (default: every other viewer)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*sceneID) == "" || strings.TrimSpace(*from) == "" {
		fmt.Fprintln(os.Stderr, "missing -scene or -from")
		os.Exit(2)
	}
	req := protocol.FogSyncRequest{SceneID: *sceneID, From: *from, To: splitList(*to)}
	os.Exit(postFog(adminURL(*baseURL, "/admin/v1/fog/sync"), req, os.Stdout))
}

// postFog sends one fog request and prints the response. It returns the
// process exit code.
func postFog(u string, body any, out io.Writer) int {
	b, err := json.Marshal(body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode:", err)
		return 1
	}
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Post(u, "application/json", bytes.NewReader(b))
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		return 1
	}
	defer resp.Body.Close()
	var fr protocol.FogResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		fmt.Fprintf(os.Stderr, "bad response (status %d): %v\n", resp.StatusCode, err)
		return 1
	}
	if !fr.OK {
		fmt.Fprintf(out, "failed: status=%d code=%s error=%s\n", resp.StatusCode, fr.Code, fr.Error)
		return 1
	}
	fmt.Fprintf(out, "ok: scene=%s request=%s viewers=%s\n", fr.SceneID, fr.RequestID, strings.Join(fr.Viewers, ","))
	return 0
}

func adminURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
