package canvas

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sightline.ai/internal/perception/fog"
	"sightline.ai/internal/protocol"
)

var ErrUnsupported = errors.New("unsupported message")

// Envelope carries one inbound mutation. Resp, when set, receives the
// result once the mutation is applied at the next frame boundary.
type Envelope struct {
	ViewerID string
	Msg      any
	Resp     chan error
}

func (c *Canvas) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.FrameInterval())
	defer ticker.Stop()

	var pending []Envelope
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-c.inbox:
			pending = append(pending, env)
		case req := <-c.join:
			c.handleJoin(ctx, req)
		case req := <-c.fogReq:
			c.handleFogReq(ctx, req)
		case req := <-c.stateReq:
			req.Resp <- c.State()
		case res := <-c.fog.Results():
			c.fog.HandleSaveResult(ctx, res)
		case <-ticker.C:
			for _, env := range pending {
				err := c.Apply(env.Msg)
				if env.Resp != nil {
					env.Resp <- err
				}
			}
			pending = pending[:0]
			c.Frame(ctx)
		}
	}
}

// Close waits for in-flight fog saves. Call after Run returns.
func (c *Canvas) Close() { c.fog.Close() }

// Submit queues env for the next frame.
func (c *Canvas) Submit(ctx context.Context, env Envelope) error {
	select {
	case c.inbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply performs one wire mutation on the canvas goroutine.
func (c *Canvas) Apply(msg any) error {
	switch m := msg.(type) {
	case protocol.EdgeMsg:
		if m.Remove {
			return c.RemoveEdge(m.ID)
		}
		return c.ApplyEdge(m.ID, m.Patch)
	case protocol.DoorMsg:
		return c.SetDoor(m.ID, m.State)
	case protocol.SourceMsg:
		if m.Remove {
			return c.RemoveSource(m.ID)
		}
		return c.UpsertSource(m.ID, m.Kind, m.OwnerID, m.Patch)
	case protocol.FlagsMsg:
		return c.Update(m.Flags...)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, msg)
	}
}

// Welcome is what a joining viewer needs to draw its fog.
type Welcome struct {
	SceneID  string
	Frame    uint64
	Blob     []byte
	Explored int
}

type joinReq struct {
	ViewerID string
	Resp     chan joinResp
}

type joinResp struct {
	Welcome Welcome
	Err     error
}

// Join registers viewerID with the fog manager and returns its current
// explored coverage. Safe to call from any goroutine.
func (c *Canvas) Join(ctx context.Context, viewerID string) (Welcome, error) {
	req := joinReq{ViewerID: viewerID, Resp: make(chan joinResp, 1)}
	select {
	case c.join <- req:
	case <-ctx.Done():
		return Welcome{}, ctx.Err()
	}
	select {
	case r := <-req.Resp:
		return r.Welcome, r.Err
	case <-ctx.Done():
		return Welcome{}, ctx.Err()
	}
}

func (c *Canvas) handleJoin(ctx context.Context, req joinReq) {
	req.Resp <- c.join1(ctx, req.ViewerID)
}

func (c *Canvas) join1(ctx context.Context, viewer string) joinResp {
	if err := c.fog.Ensure(ctx, viewer); err != nil && errors.Is(err, fog.ErrNoScene) {
		return joinResp{Err: err}
	} else if err != nil {
		c.log.WithError(err).WithField("viewer", viewer).Warn("join: fog load")
	}
	blob, err := c.fog.Blob(viewer)
	if err != nil && blob == nil {
		return joinResp{Err: err}
	}
	w := Welcome{SceneID: c.cfg.SceneID, Frame: c.sched.Frame(), Blob: blob}
	if m, ok := c.fog.Mask(viewer); ok {
		w.Explored = m.Count()
	}
	return joinResp{Welcome: w}
}

// FogResult identifies a completed reset or sync.
type FogResult struct {
	RequestID string
	Viewers   []string
}

type fogOp int

const (
	fogReset fogOp = iota
	fogSync
)

type fogReq struct {
	Op   fogOp
	From string
	To   []string
	Resp chan fogResp
}

type fogResp struct {
	Result FogResult
	Err    error
}

// RequestFogReset asks the canvas goroutine to wipe explored fog for the
// scene. Safe to call from any goroutine.
func (c *Canvas) RequestFogReset(ctx context.Context) (FogResult, error) {
	return c.requestFog(ctx, fogReq{Op: fogReset})
}

// RequestFogSync asks the canvas goroutine to copy from's coverage onto to
// (every other viewer when empty).
func (c *Canvas) RequestFogSync(ctx context.Context, from string, to []string) (FogResult, error) {
	return c.requestFog(ctx, fogReq{Op: fogSync, From: from, To: to})
}

func (c *Canvas) requestFog(ctx context.Context, req fogReq) (FogResult, error) {
	req.Resp = make(chan fogResp, 1)
	select {
	case c.fogReq <- req:
	case <-ctx.Done():
		return FogResult{}, ctx.Err()
	}
	select {
	case r := <-req.Resp:
		return r.Result, r.Err
	case <-ctx.Done():
		return FogResult{}, ctx.Err()
	}
}

func (c *Canvas) handleFogReq(ctx context.Context, req fogReq) {
	var resp fogResp
	switch req.Op {
	case fogReset:
		resp.Result, resp.Err = c.ResetFog(ctx)
	case fogSync:
		resp.Result, resp.Err = c.SyncFog(ctx, req.From, req.To)
	}
	req.Resp <- resp
}

// ResetFog wipes explored fog on the canvas goroutine.
func (c *Canvas) ResetFog(ctx context.Context) (FogResult, error) {
	id, err := c.fog.Reset(ctx)
	if err != nil {
		return FogResult{}, err
	}
	c.fogDirty = map[string]struct{}{}
	return FogResult{RequestID: id, Viewers: c.fog.Viewers()}, nil
}

// SyncFog copies from's coverage on the canvas goroutine.
func (c *Canvas) SyncFog(ctx context.Context, from string, to []string) (FogResult, error) {
	id, err := c.fog.Sync(ctx, from, to)
	if err != nil {
		return FogResult{}, err
	}
	if len(to) == 0 {
		for _, u := range c.fog.Viewers() {
			if u != from {
				to = append(to, u)
			}
		}
	}
	return FogResult{RequestID: id, Viewers: to}, nil
}
