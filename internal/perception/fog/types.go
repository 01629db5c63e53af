// Package fog accumulates explored coverage per viewer and persists it.
package fog

import (
	"context"
	"errors"
	"time"
)

var (
	ErrExtract  = errors.New("fog extraction failed")
	ErrNoViewer = errors.New("unknown fog viewer")
	ErrNoScene  = errors.New("fog manager has no scene")
)

// Record is one persisted exploration; at most one exists per (SceneID, UserID).
type Record struct {
	SceneID  string    `json:"scene_id"`
	UserID   string    `json:"user_id"`
	Blob     []byte    `json:"blob"`
	Modified time.Time `json:"modified"`
}

// Store persists exploration records. Implementations must be safe for
// concurrent use: saves run off the owning goroutine.
type Store interface {
	Load(ctx context.Context, sceneID, userID string) (Record, bool, error)
	Save(ctx context.Context, rec Record) error
	DeleteScene(ctx context.Context, sceneID string) (int, error)
}

type NoticeType string

const (
	NoticeReset   NoticeType = "FOG_RESET"
	NoticeSync    NoticeType = "FOG_SYNC"
	NoticeWarning NoticeType = "FOG_WARNING"
)

// Notice tells clients their explored fog changed out of band.
type Notice struct {
	Type      NoticeType `json:"type"`
	SceneID   string     `json:"scene_id"`
	Viewers   []string   `json:"viewers,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
	Message   string     `json:"message,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Notifiers fans a notice out to every notifier, in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, x := range ns {
		if x == nil {
			continue
		}
		if err := x.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AuditEntry records one persistence-affecting action.
type AuditEntry struct {
	Time      time.Time `json:"time"`
	SceneID   string    `json:"scene_id"`
	Action    string    `json:"action"`
	Users     []string  `json:"users,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type Auditor interface {
	Audit(e AuditEntry)
}

type Config struct {
	// Scene extent in scene units.
	Width  float64
	Height float64

	CellSize          float64
	CommitThreshold   int
	WarnAfterFailures int
	SaveTimeout       time.Duration
}

func (c *Config) applyDefaults() {
	if c.CellSize <= 0 {
		c.CellSize = 1
	}
	if c.CommitThreshold <= 0 {
		c.CommitThreshold = 1
	}
	if c.WarnAfterFailures <= 0 {
		c.WarnAfterFailures = 3
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 5 * time.Second
	}
}

type Stats struct {
	Persists  uint64 `json:"persists"`
	Failures  uint64 `json:"failures"`
	Coalesced uint64 `json:"coalesced"`
	Discarded uint64 `json:"discarded"`
}
