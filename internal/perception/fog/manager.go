package fog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sightline.ai/internal/geom"
	"sightline.ai/internal/logging"
	"sightline.ai/internal/perception/coverage"
	"sightline.ai/internal/persistence/fogblob"
)

// Extractor turns a mask into a persistable blob.
type Extractor func(*coverage.Mask) ([]byte, error)

type viewer struct {
	mask     *coverage.Mask
	pending  int // geometry refreshes not yet persisted
	lastBlob []byte
	failures int
}

type saveItem struct {
	user       string
	blob       []byte
	dispatched int
}

// SaveResult reports a finished background save back to the owning goroutine.
type SaveResult struct {
	gen    uint64
	scene  string
	items  []saveItem
	failed map[string]error
}

// Manager owns the per-viewer accumulation buffers of one scene. All methods
// must be called from the owning goroutine; only saves run elsewhere and
// report through Results.
type Manager struct {
	cfg      Config
	store    Store
	notifier Notifier
	auditor  Auditor
	extract  Extractor
	log      logrus.FieldLogger
	now      func() time.Time

	scene   string
	gen     uint64
	viewers map[string]*viewer

	inflight bool
	again    bool
	results  chan SaveResult
	wg       sync.WaitGroup

	stats Stats
}

type Option func(*Manager)

func WithNotifier(n Notifier) Option   { return func(m *Manager) { m.notifier = n } }
func WithAuditor(a Auditor) Option     { return func(m *Manager) { m.auditor = a } }
func WithExtractor(e Extractor) Option { return func(m *Manager) { m.extract = e } }
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(cfg Config, store Store, log logrus.FieldLogger, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:     cfg,
		store:   store,
		extract: fogblob.Encode,
		log:     logging.OrDiscard(log),
		now:     time.Now,
		viewers: map[string]*viewer{},
		results: make(chan SaveResult, 1),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Scene() string { return m.scene }

func (m *Manager) Stats() Stats { return m.stats }

// Results delivers finished saves; pass each to HandleSaveResult.
func (m *Manager) Results() <-chan SaveResult { return m.results }

func (m *Manager) blank() *coverage.Mask {
	return coverage.ForScene(m.cfg.Width, m.cfg.Height, m.cfg.CellSize)
}

// Initialize switches to scene and seeds a buffer per viewer from the store
// (blank when nothing usable is persisted). Results of saves started for a
// previous scene are discarded.
func (m *Manager) Initialize(ctx context.Context, scene string, viewers []string) error {
	m.gen++
	m.scene = scene
	m.viewers = map[string]*viewer{}
	m.again = false
	var errs []error
	for _, u := range viewers {
		if err := m.Ensure(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ensure adds user if not yet tracked, seeding from the store.
func (m *Manager) Ensure(ctx context.Context, user string) error {
	if m.scene == "" {
		return ErrNoScene
	}
	if _, ok := m.viewers[user]; ok {
		return nil
	}
	v := &viewer{mask: m.blank()}
	m.viewers[user] = v
	if m.store == nil {
		return nil
	}
	rec, ok, err := m.store.Load(ctx, m.scene, user)
	if err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{"scene": m.scene, "user": user}).Warn("fog load failed; starting blank")
		return fmt.Errorf("load fog %s/%s: %w", m.scene, user, err)
	}
	if !ok {
		return nil
	}
	mask, _, err := fogblob.DecodeShape(rec.Blob, v.mask.W, v.mask.H)
	if err != nil || !mask.SameShape(v.mask) {
		m.log.WithError(err).WithFields(logrus.Fields{"scene": m.scene, "user": user}).Warn("persisted fog unusable; starting blank")
		return nil
	}
	v.mask = mask
	v.lastBlob = rec.Blob
	return nil
}

// Forget drops user's buffer without touching the store.
func (m *Manager) Forget(user string) { delete(m.viewers, user) }

func (m *Manager) Viewers() []string {
	out := make([]string, 0, len(m.viewers))
	for u := range m.viewers {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Accumulate unions polys into user's buffer. Each call counts as one
// geometry-changing refresh toward the commit threshold.
func (m *Manager) Accumulate(user string, polys ...geom.Polygon) (int, error) {
	v, ok := m.viewers[user]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoViewer, user)
	}
	added := 0
	for _, p := range polys {
		added += v.mask.FillPolygon(p)
	}
	v.pending++
	return added, nil
}

// Pending returns the refreshes accumulated for user since its last persist.
func (m *Manager) Pending(user string) int {
	if v, ok := m.viewers[user]; ok {
		return v.pending
	}
	return 0
}

func (m *Manager) Mask(user string) (*coverage.Mask, bool) {
	v, ok := m.viewers[user]
	if !ok {
		return nil, false
	}
	return v.mask.Clone(), true
}

func (m *Manager) Explored(user string, x, y float64) bool {
	v, ok := m.viewers[user]
	return ok && v.mask.Explored(x, y)
}

// Blob extracts user's current coverage, falling back to the last good blob.
func (m *Manager) Blob(user string) ([]byte, error) {
	v, ok := m.viewers[user]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoViewer, user)
	}
	b, err := m.extract(v.mask)
	if err != nil {
		if v.lastBlob != nil {
			return v.lastBlob, fmt.Errorf("%w: %v", ErrExtract, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrExtract, err)
	}
	return b, nil
}

// Commit persists every viewer whose pending refreshes reached the
// threshold. A commit while a save is in flight is folded into one follow-up
// save. Extraction failures keep the previous blob and are returned.
func (m *Manager) Commit(ctx context.Context) error {
	if m.scene == "" || m.store == nil {
		return nil
	}
	var due []string
	for u, v := range m.viewers {
		if v.pending >= m.cfg.CommitThreshold {
			due = append(due, u)
		}
	}
	if len(due) == 0 {
		return nil
	}
	if m.inflight {
		if !m.again {
			m.stats.Coalesced++
		}
		m.again = true
		return nil
	}
	sort.Strings(due)

	var errs []error
	items := make([]saveItem, 0, len(due))
	for _, u := range due {
		v := m.viewers[u]
		b, err := m.extract(v.mask)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrExtract, u, err))
			m.log.WithError(err).WithFields(logrus.Fields{"scene": m.scene, "user": u}).Warn("fog extraction failed; keeping last blob")
			continue
		}
		items = append(items, saveItem{user: u, blob: b, dispatched: v.pending})
	}
	if len(items) > 0 {
		m.dispatch(ctx, items)
	}
	return errors.Join(errs...)
}

func (m *Manager) dispatch(ctx context.Context, items []saveItem) {
	m.inflight = true
	gen, scene := m.gen, m.scene
	now := m.now().UTC()
	store, timeout := m.store, m.cfg.SaveTimeout
	// Saves outlive the caller's cancellation; the generation check decides
	// whether their results still apply.
	base := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		res := SaveResult{gen: gen, scene: scene, items: items, failed: map[string]error{}}
		for _, it := range items {
			sctx, cancel := context.WithTimeout(base, timeout)
			err := store.Save(sctx, Record{SceneID: scene, UserID: it.user, Blob: it.blob, Modified: now})
			cancel()
			if err != nil {
				res.failed[it.user] = err
			}
		}
		m.results <- res
	}()
}

// HandleSaveResult applies a finished save. It must run on the owning goroutine.
func (m *Manager) HandleSaveResult(ctx context.Context, res SaveResult) {
	m.inflight = false
	if res.gen != m.gen {
		m.stats.Discarded++
		m.again = false
		return
	}
	var saved []string
	for _, it := range res.items {
		v, ok := m.viewers[it.user]
		if !ok {
			continue
		}
		if err, failed := res.failed[it.user]; failed {
			v.failures++
			m.stats.Failures++
			m.log.WithError(err).WithFields(logrus.Fields{"scene": res.scene, "user": it.user, "failures": v.failures}).Warn("fog save failed")
			if v.failures == m.cfg.WarnAfterFailures {
				m.warn(ctx, it.user, err)
			}
			continue
		}
		v.pending -= it.dispatched
		if v.pending < 0 {
			v.pending = 0
		}
		v.lastBlob = it.blob
		v.failures = 0
		saved = append(saved, it.user)
	}
	if len(saved) > 0 {
		m.stats.Persists++
		m.audit(AuditEntry{SceneID: res.scene, Action: "persist", Users: saved})
	}
	if m.again {
		m.again = false
		if err := m.Commit(ctx); err != nil {
			m.log.WithError(err).Warn("follow-up fog commit")
		}
	}
}

func (m *Manager) warn(ctx context.Context, user string, cause error) {
	msg := fmt.Sprintf("explored area is not being saved (%d consecutive failures)", m.cfg.WarnAfterFailures)
	m.log.WithFields(logrus.Fields{"scene": m.scene, "user": user}).Error(msg)
	m.audit(AuditEntry{SceneID: m.scene, Action: "warn", Users: []string{user}, Error: cause.Error()})
	m.notify(ctx, Notice{Type: NoticeWarning, SceneID: m.scene, Viewers: []string{user}, Message: msg})
}

// Settle blocks until no save is in flight, applying results as they land.
func (m *Manager) Settle(ctx context.Context) error {
	for m.inflight {
		select {
		case res := <-m.results:
			m.HandleSaveResult(ctx, res)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Reset deletes all persisted coverage for the scene, blanks every buffer and
// tells clients to re-initialize. Store failures are returned unretried.
func (m *Manager) Reset(ctx context.Context) (string, error) {
	if m.scene == "" {
		return "", ErrNoScene
	}
	m.again = false
	if err := m.Settle(ctx); err != nil {
		return "", err
	}
	reqID := uuid.NewString()
	if m.store != nil {
		if _, err := m.store.DeleteScene(ctx, m.scene); err != nil {
			m.audit(AuditEntry{SceneID: m.scene, Action: "reset", RequestID: reqID, Error: err.Error()})
			return "", fmt.Errorf("reset fog %s: %w", m.scene, err)
		}
	}
	m.gen++
	m.again = false
	for _, v := range m.viewers {
		v.mask.Clear()
		v.pending = 0
		v.lastBlob = nil
		v.failures = 0
	}
	users := m.Viewers()
	m.audit(AuditEntry{SceneID: m.scene, Action: "reset", Users: users, RequestID: reqID})
	m.notify(ctx, Notice{Type: NoticeReset, SceneID: m.scene, Viewers: users, RequestID: reqID})
	return reqID, nil
}

// Sync overwrites the persisted and in-memory coverage of to (every other
// viewer when empty) with from's current buffer.
func (m *Manager) Sync(ctx context.Context, from string, to []string) (string, error) {
	if m.scene == "" {
		return "", ErrNoScene
	}
	src, ok := m.viewers[from]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoViewer, from)
	}
	if len(to) == 0 {
		for _, u := range m.Viewers() {
			if u != from {
				to = append(to, u)
			}
		}
	}
	for _, u := range to {
		if _, ok := m.viewers[u]; !ok {
			return "", fmt.Errorf("%w: %s", ErrNoViewer, u)
		}
	}
	blob, err := m.extract(src.mask)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrExtract, from, err)
	}
	m.again = false
	if err := m.Settle(ctx); err != nil {
		return "", err
	}
	reqID := uuid.NewString()
	now := m.now().UTC()
	if m.store != nil {
		for _, u := range to {
			if err := m.store.Save(ctx, Record{SceneID: m.scene, UserID: u, Blob: blob, Modified: now}); err != nil {
				m.audit(AuditEntry{SceneID: m.scene, Action: "sync", Users: to, RequestID: reqID, Error: err.Error()})
				return "", fmt.Errorf("sync fog %s -> %s: %w", from, u, err)
			}
		}
	}
	for _, u := range to {
		v := m.viewers[u]
		v.mask = src.mask.Clone()
		v.pending = 0
		v.lastBlob = blob
		v.failures = 0
	}
	m.audit(AuditEntry{SceneID: m.scene, Action: "sync", Users: to, RequestID: reqID})
	m.notify(ctx, Notice{Type: NoticeSync, SceneID: m.scene, Viewers: to, RequestID: reqID})
	return reqID, nil
}

// Close waits for background saves to finish.
func (m *Manager) Close() { m.wg.Wait() }

func (m *Manager) notify(ctx context.Context, n Notice) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.log.WithError(err).WithField("type", n.Type).Warn("fog notice delivery failed")
	}
}

func (m *Manager) audit(e AuditEntry) {
	if m.auditor == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = m.now().UTC()
	}
	m.auditor.Audit(e)
}
