package fogs3

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sightline.ai/internal/perception/fog"
)

type memStore struct {
	mu        sync.Mutex
	recs      map[string]fog.Record
	failN     int
	deletes   int
	saveDelay time.Duration
}

func newMem() *memStore { return &memStore{recs: map[string]fog.Record{}} }

func (s *memStore) Load(_ context.Context, scene, user string) (fog.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[scene+"/"+user]
	return r, ok, nil
}

func (s *memStore) Save(_ context.Context, r fog.Record) error {
	if s.saveDelay > 0 {
		time.Sleep(s.saveDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("transient")
	}
	s.recs[r.SceneID+"/"+r.UserID] = r
	return nil
}

func (s *memStore) DeleteScene(_ context.Context, scene string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	n := 0
	for k, r := range s.recs {
		if r.SceneID == scene {
			delete(s.recs, k)
			n++
		}
	}
	return n, nil
}

func TestMirror_UploadsWithRetry(t *testing.T) {
	primary, remote := newMem(), newMem()
	remote.failN = 2
	m := NewMirror(primary, remote, 1, 8, time.Millisecond, nil)
	m.retryBase = time.Millisecond

	rec := fog.Record{SceneID: "sc", UserID: "u1", Blob: []byte{1}}
	if err := m.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	m.Close()

	if _, ok, _ := remote.Load(context.Background(), "sc", "u1"); !ok {
		t.Fatalf("record not mirrored")
	}
	st := m.Stats()
	if st.UploadSuccessTotal != 1 || st.UploadFailTotal != 0 || st.EnqueuedTotal != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_LoadFallsBackToRemote(t *testing.T) {
	primary, remote := newMem(), newMem()
	_ = remote.Save(context.Background(), fog.Record{SceneID: "sc", UserID: "u1", Blob: []byte{7}})
	m := NewMirror(primary, remote, 1, 8, time.Millisecond, nil)
	defer m.Close()

	rec, ok, err := m.Load(context.Background(), "sc", "u1")
	if err != nil || !ok || rec.Blob[0] != 7 {
		t.Fatalf("Load: ok=%v err=%v rec=%+v", ok, err, rec)
	}
	if _, ok, _ := primary.Load(context.Background(), "sc", "u1"); !ok {
		t.Fatalf("remote record not restored to primary")
	}
}

func TestMirror_DeleteSceneHitsBoth(t *testing.T) {
	primary, remote := newMem(), newMem()
	m := NewMirror(primary, remote, 1, 8, time.Millisecond, nil)
	_ = m.Save(context.Background(), fog.Record{SceneID: "sc", UserID: "u1"})
	m.Close()
	n, err := m.DeleteScene(context.Background(), "sc")
	if err != nil || n != 1 || remote.deletes != 1 {
		t.Fatalf("DeleteScene n=%d err=%v remote deletes=%d", n, err, remote.deletes)
	}
	if _, ok, _ := remote.Load(context.Background(), "sc", "u1"); ok {
		t.Fatalf("remote copy survived reset")
	}
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func TestMirror_DeleteSceneFencesQueuedUploads(t *testing.T) {
	primary, remote := newMem(), newMem()
	remote.saveDelay = 50 * time.Millisecond
	m := NewMirror(primary, remote, 1, 8, time.Millisecond, nil)
	ctx := context.Background()

	// u1 is in flight on the slow remote while u2 waits in the queue.
	_ = m.Save(ctx, fog.Record{SceneID: "sc", UserID: "u1", Blob: []byte{9}})
	_ = m.Save(ctx, fog.Record{SceneID: "sc", UserID: "u2", Blob: []byte{9}})
	_ = m.Save(ctx, fog.Record{SceneID: "other", UserID: "u1", Blob: []byte{4}})
	if n, err := m.DeleteScene(ctx, "sc"); err != nil || n != 2 {
		t.Fatalf("DeleteScene n=%d err=%v", n, err)
	}
	_ = m.Save(ctx, fog.Record{SceneID: "sc", UserID: "u3", Blob: []byte{1}})
	m.Close()

	for _, user := range []string{"u1", "u2"} {
		if rec, ok, err := m.Load(ctx, "sc", user); err != nil || ok {
			t.Fatalf("%s restored after reset: ok=%v rec=%+v err=%v", user, ok, rec, err)
		}
		if _, ok, _ := remote.Load(ctx, "sc", user); ok {
			t.Fatalf("%s uploaded after reset", user)
		}
	}
	if _, ok, _ := remote.Load(ctx, "sc", "u3"); !ok {
		t.Fatalf("post-reset record not mirrored")
	}
	if _, ok, _ := remote.Load(ctx, "other", "u1"); !ok {
		t.Fatalf("other scene's upload was fenced")
	}
	if st := m.Stats(); st.FencedTotal == 0 {
		t.Fatalf("expected fenced uploads, stats=%+v", st)
	}
}

func TestMirror_ResetSceneSkipsRemoteFallback(t *testing.T) {
	primary, remote := newMem(), newMem()
	m := NewMirror(primary, remote, 1, 8, time.Millisecond, nil)
	defer m.Close()
	ctx := context.Background()
	if _, err := m.DeleteScene(ctx, "sc"); err != nil {
		t.Fatalf("DeleteScene: %v", err)
	}
	// A stale object the remote delete missed.
	_ = remote.Save(ctx, fog.Record{SceneID: "sc", UserID: "u1", Blob: []byte{9}})
	if _, ok, err := m.Load(ctx, "sc", "u1"); err != nil || ok {
		t.Fatalf("stale remote record loaded after reset: ok=%v err=%v", ok, err)
	}
	if primary.len() != 0 {
		t.Fatalf("stale record restored to primary")
	}
}

func TestObjectKey(t *testing.T) {
	if got := ObjectKey("/fog/", "scene 1", "user/a"); got != "fog/scene%201/user%2Fa.fog.zst" {
		t.Fatalf("key=%s", got)
	}
	if got := scenePrefix("", "s"); got != "s/" {
		t.Fatalf("prefix=%s", got)
	}
}
