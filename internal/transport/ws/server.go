package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"sightline.ai/internal/logging"
	"sightline.ai/internal/perception/canvas"
	"sightline.ai/internal/protocol"
)

// Engine is the part of the canvas a session talks to.
type Engine interface {
	SceneID() string
	Join(ctx context.Context, viewerID string) (canvas.Welcome, error)
	Submit(ctx context.Context, env canvas.Envelope) error
}

type Config struct {
	Scene protocol.SceneParams
	// Per-session inbound message budget.
	RatePerSec float64
	Burst      int
	QueueSize  int
}

type Server struct {
	engine Engine
	hub    *Hub
	cfg    Config
	log    logrus.FieldLogger

	upgrader websocket.Upgrader
}

func NewServer(e Engine, hub *Hub, cfg Config, log logrus.FieldLogger) *Server {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Server{
		engine: e,
		hub:    hub,
		cfg:    cfg,
		log:    logging.OrDiscard(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sess := s.handshake(ctx, conn)
		if sess == nil {
			return
		}
		log := s.log.WithFields(logrus.Fields{"session": sess.id, "viewer": sess.viewerID})
		s.hub.add(sess)
		defer s.hub.remove(sess.id)
		log.Info("viewer connected")

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-sess.out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		limiter := rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.Burst)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				s.reply(sess, protocol.ErrProtoBadRequest, "invalid json", "")
				continue
			}
			if base.ProtocolVersion != "" && base.ProtocolVersion != protocol.Version {
				s.reply(sess, protocol.ErrProtoBadRequest, "bad protocol_version", base.Type)
				continue
			}
			if !limiter.Allow() {
				s.reply(sess, protocol.ErrRateLimit, "too many messages", base.Type)
				continue
			}
			m, err := decodeMutation(base.Type, msg)
			if err != nil {
				s.reply(sess, protocol.ErrProtoBadRequest, err.Error(), base.Type)
				continue
			}
			resp := make(chan error, 1)
			if err := s.engine.Submit(ctx, canvas.Envelope{ViewerID: sess.viewerID, Msg: m, Resp: resp}); err != nil {
				break
			}
			go s.await(ctx, sess, base.Type, resp)
		}
		log.Info("viewer disconnected")
	}
}

func decodeMutation(typ string, msg []byte) (any, error) {
	var (
		v   any
		err error
	)
	switch typ {
	case protocol.TypeEdge:
		var m protocol.EdgeMsg
		err = json.Unmarshal(msg, &m)
		v = m
	case protocol.TypeDoor:
		var m protocol.DoorMsg
		err = json.Unmarshal(msg, &m)
		v = m
	case protocol.TypeSource:
		var m protocol.SourceMsg
		err = json.Unmarshal(msg, &m)
		v = m
	case protocol.TypeFlags:
		var m protocol.FlagsMsg
		err = json.Unmarshal(msg, &m)
		v = m
	default:
		return nil, errors.New("unexpected message type " + typ)
	}
	return v, err
}

// await reports a failed mutation back to the session that sent it.
func (s *Server) await(ctx context.Context, sess *session, ref string, resp <-chan error) {
	select {
	case err := <-resp:
		if err != nil {
			s.reply(sess, protocol.CodeFor(err), err.Error(), ref)
		}
	case <-ctx.Done():
	}
}

func (s *Server) reply(sess *session, code, message, ref string) {
	b, err := json.Marshal(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
		Ref:             ref,
	})
	if err != nil {
		return
	}
	sendLatest(sess.out, b)
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, "expected HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, "bad protocol_version")
		return nil
	}
	viewer := strings.TrimSpace(hello.ViewerID)
	if viewer == "" {
		closeWith(conn, "missing viewer_id")
		return nil
	}
	if hello.SceneID != "" && hello.SceneID != s.engine.SceneID() {
		_ = writeJSON(conn, protocol.ErrorMsg{
			Type:            protocol.TypeError,
			ProtocolVersion: protocol.Version,
			Code:            protocol.ErrSceneNotFound,
			Message:         "unknown scene " + hello.SceneID,
			Ref:             protocol.TypeHello,
		})
		closeWith(conn, "unknown scene")
		return nil
	}

	jctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	w, err := s.engine.Join(jctx, viewer)
	if err != nil {
		_ = writeJSON(conn, protocol.ErrorMsg{
			Type:            protocol.TypeError,
			ProtocolVersion: protocol.Version,
			Code:            protocol.CodeFor(err),
			Message:         err.Error(),
			Ref:             protocol.TypeHello,
		})
		return nil
	}

	sess := &session{id: uuid.NewString(), viewerID: viewer, out: make(chan []byte, s.cfg.QueueSize)}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		ViewerID:        viewer,
		SceneID:         w.SceneID,
		Frame:           w.Frame,
		Scene:           s.cfg.Scene,
		Fog: protocol.FogPayload{
			Encoding: protocol.FogEncoding,
			Data:     base64.StdEncoding.EncodeToString(w.Blob),
			Explored: w.Explored,
		},
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	return sess
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
