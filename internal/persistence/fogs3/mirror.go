package fogs3

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"sightline.ai/internal/logging"
	"sightline.ai/internal/perception/fog"
)

type MirrorStats struct {
	QueueDepth          int    `json:"queue_depth"`
	QueueCapacity       int    `json:"queue_capacity"`
	EnqueuedTotal       uint64 `json:"enqueued_total"`
	QueueSaturatedTotal uint64 `json:"queue_saturated_total"`
	DroppedTotal        uint64 `json:"dropped_total"`
	UploadSuccessTotal  uint64 `json:"upload_success_total"`
	UploadFailTotal     uint64 `json:"upload_fail_total"`
	FencedTotal         uint64 `json:"fenced_total"`
	LastSuccessUnix     int64  `json:"last_success_unix"`
	LastErrorUnix       int64  `json:"last_error_unix"`
}

var errFenced = errors.New("scene reset after upload was queued")

type upload struct {
	rec fog.Record
	gen uint64
}

// Mirror writes through to a primary store and copies every saved record to
// a remote store in the background. Loads fall back to the remote copy when
// the primary has none, so a fresh node recovers exploration from the bucket.
//
// Each scene carries a reset generation. Uploads queued under an older
// generation are discarded, and a scene reset by this process never falls
// back to the remote copy.
type Mirror struct {
	primary fog.Store
	remote  fog.Store
	log     logrus.FieldLogger

	// mu is held shared by each remote put and exclusively while a reset
	// bumps the generation.
	mu    sync.RWMutex
	gens  map[string]uint64
	reset map[string]bool

	jobs        chan upload
	enqueueWait time.Duration
	retryBase   time.Duration
	wg          sync.WaitGroup

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	uploadSuccessTotal  atomic.Uint64
	uploadFailTotal     atomic.Uint64
	fencedTotal         atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

func NewMirror(primary, remote fog.Store, workers, queueCapacity int, enqueueWait time.Duration, log logrus.FieldLogger) *Mirror {
	if workers <= 0 {
		workers = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}
	if enqueueWait <= 0 {
		enqueueWait = 25 * time.Millisecond
	}
	m := &Mirror{
		primary:     primary,
		remote:      remote,
		log:         logging.OrDiscard(log).WithField("component", "fog_mirror"),
		gens:        map[string]uint64{},
		reset:       map[string]bool{},
		jobs:        make(chan upload, queueCapacity),
		enqueueWait: enqueueWait,
		retryBase:   200 * time.Millisecond,
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for job := range m.jobs {
				m.uploadOne(job)
			}
		}()
	}
	return m
}

func (m *Mirror) Load(ctx context.Context, sceneID, userID string) (fog.Record, bool, error) {
	rec, ok, err := m.primary.Load(ctx, sceneID, userID)
	if err != nil || ok {
		return rec, ok, err
	}
	m.mu.RLock()
	wasReset := m.reset[sceneID]
	m.mu.RUnlock()
	if wasReset {
		// Records saved since the reset are always in the primary.
		return fog.Record{}, false, nil
	}
	rec, ok, err = m.remote.Load(ctx, sceneID, userID)
	if err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{"scene": sceneID, "user": userID}).Warn("remote fog load failed")
		return fog.Record{}, false, nil
	}
	if ok {
		if err := m.primary.Save(ctx, rec); err != nil {
			m.log.WithError(err).Warn("restore fog from remote")
		}
	}
	return rec, ok, nil
}

func (m *Mirror) Save(ctx context.Context, rec fog.Record) error {
	gen := m.generation(rec.SceneID)
	if err := m.primary.Save(ctx, rec); err != nil {
		return err
	}
	m.enqueue(upload{rec: rec, gen: gen})
	return nil
}

func (m *Mirror) generation(sceneID string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gens[sceneID]
}

// DeleteScene deletes from both stores. It first bumps the scene's
// generation, waiting out any put in flight, so no upload queued before the
// reset can land after the remote delete.
func (m *Mirror) DeleteScene(ctx context.Context, sceneID string) (int, error) {
	m.mu.Lock()
	m.gens[sceneID]++
	m.reset[sceneID] = true
	m.mu.Unlock()

	n, err := m.primary.DeleteScene(ctx, sceneID)
	if err != nil {
		return n, err
	}
	if _, err := m.remote.DeleteScene(ctx, sceneID); err != nil {
		return n, err
	}
	return n, nil
}

func (m *Mirror) enqueue(job upload) {
	rec := job.rec
	m.enqueuedTotal.Add(1)
	select {
	case m.jobs <- job:
		return
	default:
	}
	m.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(m.enqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- job:
	case <-timer.C:
		dropped := m.droppedTotal.Add(1)
		m.log.WithFields(logrus.Fields{"scene": rec.SceneID, "user": rec.UserID, "dropped_total": dropped}).Warn("fog mirror queue saturated; dropping upload")
	}
}

func (m *Mirror) Close() {
	close(m.jobs)
	m.wg.Wait()
}

func (m *Mirror) Stats() MirrorStats {
	return MirrorStats{
		QueueDepth:          len(m.jobs),
		QueueCapacity:       cap(m.jobs),
		EnqueuedTotal:       m.enqueuedTotal.Load(),
		QueueSaturatedTotal: m.queueSaturatedTotal.Load(),
		DroppedTotal:        m.droppedTotal.Load(),
		UploadSuccessTotal:  m.uploadSuccessTotal.Load(),
		UploadFailTotal:     m.uploadFailTotal.Load(),
		FencedTotal:         m.fencedTotal.Load(),
		LastSuccessUnix:     m.lastSuccessUnix.Load(),
		LastErrorUnix:       m.lastErrorUnix.Load(),
	}
}

func (m *Mirror) uploadOne(job upload) {
	rec := job.rec
	err := m.uploadWithRetry(job)
	if errors.Is(err, errFenced) {
		m.fencedTotal.Add(1)
		m.log.WithFields(logrus.Fields{"scene": rec.SceneID, "user": rec.UserID}).Debug("fog mirror upload discarded by reset")
		return
	}
	if err != nil {
		m.uploadFailTotal.Add(1)
		m.lastErrorUnix.Store(time.Now().UTC().Unix())
		m.log.WithError(err).WithFields(logrus.Fields{"scene": rec.SceneID, "user": rec.UserID}).Warn("fog mirror upload failed")
		return
	}
	m.uploadSuccessTotal.Add(1)
	m.lastSuccessUnix.Store(time.Now().UTC().Unix())
	m.log.WithFields(logrus.Fields{"scene": rec.SceneID, "user": rec.UserID}).Debug("fog mirror uploaded")
}

func (m *Mirror) uploadWithRetry(job upload) error {
	const maxAttempts = 4
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := m.put(job)
		if errors.Is(err, errFenced) {
			return err
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < maxAttempts {
			time.Sleep(time.Duration(attempt*attempt) * m.retryBase)
		}
	}
	return lastErr
}

func (m *Mirror) put(job upload) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.gens[job.rec.SceneID] != job.gen {
		return errFenced
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return m.remote.Save(ctx, job.rec)
}
