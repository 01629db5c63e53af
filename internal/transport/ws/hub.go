package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"sightline.ai/internal/logging"
	"sightline.ai/internal/perception/flags"
	"sightline.ai/internal/perception/fog"
	"sightline.ai/internal/protocol"
)

type session struct {
	id       string
	viewerID string
	out      chan []byte
}

// Hub tracks connected viewer sessions and fans server messages out to
// them. It is safe for concurrent use.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	log      logrus.FieldLogger
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{sessions: map[string]*session{}, log: logging.OrDiscard(log)}
}

func (h *Hub) add(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.id] = s
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// send delivers b to every session, or only to sessions of viewers when
// viewers is non-empty.
func (h *Hub) send(b []byte, viewers []string) int {
	var want map[string]bool
	if len(viewers) > 0 {
		want = make(map[string]bool, len(viewers))
		for _, v := range viewers {
			want[v] = true
		}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.sessions {
		if want != nil && !want[s.viewerID] {
			continue
		}
		sendLatest(s.out, b)
		n++
	}
	return n
}

// Notify implements fog.Notifier. Resets go to everyone; syncs and warnings
// go to the viewers they name.
func (h *Hub) Notify(_ context.Context, n fog.Notice) error {
	msg := protocol.FogNoticeMsg{
		Type:            string(n.Type),
		ProtocolVersion: protocol.Version,
		SceneID:         n.SceneID,
		RequestID:       n.RequestID,
		Viewers:         n.Viewers,
		Message:         n.Message,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	target := n.Viewers
	if n.Type == fog.NoticeReset {
		target = nil
	}
	sent := h.send(b, target)
	h.log.WithFields(logrus.Fields{"type": n.Type, "sessions": sent}).Debug("fog notice")
	return nil
}

// BroadcastFlush sends a FLUSH to every session. Intended as a canvas flush sink.
func (h *Hub) BroadcastFlush(scene string, r flags.FlushReport) {
	b, err := json.Marshal(protocol.FlushMsg{
		Type:            protocol.TypeFlush,
		ProtocolVersion: protocol.Version,
		SceneID:         scene,
		Frame:           r.Frame,
		Flags:           r.Flags,
		Actions:         r.Actions,
		Failed:          r.Failed,
		DurationUS:      r.Duration.Microseconds(),
	})
	if err != nil {
		h.log.WithError(err).Warn("encode flush")
		return
	}
	h.send(b, nil)
}

// sendLatest never blocks: when the queue is full the oldest message is dropped.
func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
