// Package replica reconciles the embedded local store with the remote
// authoritative store: serialized syncs with bounded retry, post-write sync
// queueing, periodic auto-sync and disaster-recovery resync.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mindmesh-backend/internal/store"
	appErrors "mindmesh-backend/pkg/errors"
	"mindmesh-backend/pkg/observability"
)

// ErrNotReplica is returned by every sync operation when no sync URL is
// configured, i.e. this process owns its store outright.
var ErrNotReplica = errors.New("store is not an embedded replica")

const (
	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
	queueCapacity  = 64
)

// Status is a point-in-time snapshot of the sync manager's state.
type Status struct {
	LastSyncedAt      time.Time `json:"lastSyncedAt"`
	SyncCount         int64     `json:"syncCount"`
	IsSyncing         bool      `json:"isSyncing"`
	LastError         string    `json:"lastError,omitempty"`
	AutoSyncSuspended bool      `json:"autoSyncSuspended"`
}

// Manager coordinates replica reconciliation. At most one sync runs at any
// moment: concurrent Sync calls coalesce into the in-flight one, and
// post-write syncs queue behind each other on a single worker.
type Manager struct {
	handle *store.Handle
	remote *RemoteClient
	dbPath string
	logger *zap.Logger

	syncing  atomic.Bool
	suspends atomic.Int32

	mu           sync.Mutex
	lastSyncedAt time.Time
	syncCount    int64
	lastError    string

	queue *writeQueue

	autoMu   sync.Mutex
	autoStop chan struct{}
}

// NewManager wires a sync manager. A nil remote puts the manager into
// non-replica mode where every operation returns ErrNotReplica.
func NewManager(handle *store.Handle, remote *RemoteClient, dbPath string, logger *zap.Logger) *Manager {
	m := &Manager{
		handle: handle,
		remote: remote,
		dbPath: dbPath,
		logger: logger,
	}
	m.queue = newWriteQueue(queueCapacity, m.Sync, logger)
	return m
}

// IsReplica reports whether a remote is configured.
func (m *Manager) IsReplica() bool {
	return m.remote != nil
}

// Status returns the current sync state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		LastSyncedAt:      m.lastSyncedAt,
		SyncCount:         m.syncCount,
		IsSyncing:         m.syncing.Load(),
		LastError:         m.lastError,
		AutoSyncSuspended: m.suspends.Load() > 0,
	}
}

// Sync performs one push/pull reconciliation with the remote. If a sync is
// already in flight the call returns nil immediately; the in-flight run
// covers it. Transient contention is retried with exponential backoff before
// being surfaced; divergence fails hard and is never retried.
func (m *Manager) Sync(ctx context.Context) error {
	if m.remote == nil {
		return ErrNotReplica
	}
	if !m.syncing.CompareAndSwap(false, true) {
		observability.SyncRuns.WithLabelValues("coalesced").Inc()
		return nil
	}
	defer m.syncing.Store(false)

	started := time.Now()
	err := m.withRetry(ctx, m.syncOnce)
	m.record(err)

	switch {
	case err == nil:
		observability.SyncRuns.WithLabelValues("ok").Inc()
		observability.SyncDuration.Observe(time.Since(started).Seconds())
	case appErrors.IsDivergence(err):
		observability.SyncRuns.WithLabelValues("divergence").Inc()
		m.logger.Error("replica diverged from remote, full resync required", zap.Error(err))
	case appErrors.IsTransient(err):
		observability.SyncRuns.WithLabelValues("transient").Inc()
	default:
		observability.SyncRuns.WithLabelValues("error").Inc()
	}
	return err
}

// SyncAfterWrite schedules a sync after a committed local mutation. It is a
// no-op when nothing changed or when not running as a replica. Auto-sync is
// suspended for the duration so the ticker cannot race the queued sync.
func (m *Manager) SyncAfterWrite(ctx context.Context, changed bool) error {
	if !changed || m.remote == nil {
		return nil
	}
	m.SuspendAutoSync()
	defer m.ResumeAutoSync()
	return m.queue.enqueue(ctx)
}

// StartAutoSync begins periodic background syncs. Ticks are skipped while
// auto-sync is suspended; failures are logged and the loop continues.
func (m *Manager) StartAutoSync(interval time.Duration) error {
	if m.remote == nil {
		return ErrNotReplica
	}
	if interval <= 0 {
		return appErrors.NewValidation("auto-sync interval must be positive")
	}

	m.autoMu.Lock()
	defer m.autoMu.Unlock()
	if m.autoStop != nil {
		return nil
	}
	stop := make(chan struct{})
	m.autoStop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if m.suspends.Load() > 0 {
					continue
				}
				if err := m.Sync(context.Background()); err != nil {
					m.logger.Warn("auto-sync failed", zap.Error(err))
				}
			case <-stop:
				return
			}
		}
	}()

	m.logger.Info("auto-sync started", zap.Duration("interval", interval))
	return nil
}

// StopAutoSync halts the periodic sync loop.
func (m *Manager) StopAutoSync() {
	m.autoMu.Lock()
	defer m.autoMu.Unlock()
	if m.autoStop != nil {
		close(m.autoStop)
		m.autoStop = nil
	}
}

// SuspendAutoSync pauses ticker-driven syncs. Suspensions nest.
func (m *Manager) SuspendAutoSync() { m.suspends.Add(1) }

// ResumeAutoSync lifts one suspension.
func (m *Manager) ResumeAutoSync() { m.suspends.Add(-1) }

// WithSuspendedAutoSync runs fn with ticker syncs paused.
func (m *Manager) WithSuspendedAutoSync(fn func() error) error {
	m.SuspendAutoSync()
	defer m.ResumeAutoSync()
	return fn()
}

// Close stops background work. The manager is unusable afterwards.
func (m *Manager) Close() {
	m.StopAutoSync()
	m.queue.close()
}

// withRetry runs op, retrying transient failures up to maxRetries extra
// attempts with doubling backoff.
func (m *Manager) withRetry(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil || !appErrors.IsTransient(err) || attempt == maxRetries {
			return err
		}
		delay := baseRetryDelay << attempt
		m.logger.Debug("sync hit transient contention, backing off",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// syncOnce is a single reconciliation pass: verify identity, probe
// generations, push local changes, pull and apply remote changes, advance
// metadata.
func (m *Manager) syncOnce(ctx context.Context) error {
	s := m.handle.Get()
	metaPath := MetadataPath(m.dbPath)

	meta, err := LoadMetadata(metaPath)
	if err != nil {
		return err
	}
	if meta.Remote != "" && meta.Remote != m.remote.Fingerprint() {
		return appErrors.NewDivergence(fmt.Sprintf(
			"local replica was built against remote %s, configured remote is %s; run a full resync",
			meta.Remote, m.remote.Fingerprint()))
	}

	info, err := m.remote.Generation(ctx)
	if err != nil {
		return err
	}
	if meta.Generation < info.Base {
		return appErrors.NewDivergence(fmt.Sprintf(
			"local generation %d is behind the remote's incremental horizon %d; run a full resync",
			meta.Generation, info.Base))
	}

	changed, err := m.collectChangedSpaces(ctx, s, meta.LastSyncedAt)
	if err != nil {
		return err
	}
	newGen := info.Generation
	if len(changed) > 0 {
		newGen, err = m.remote.Push(ctx, ChangeFrame{Generation: meta.Generation, Spaces: changed})
		if err != nil {
			return err
		}
	}

	frame, err := m.remote.Pull(ctx, meta.Generation)
	if err != nil {
		return err
	}
	if err := m.applyFrame(ctx, s, frame); err != nil {
		return err
	}
	if frame.Generation > newGen {
		newGen = frame.Generation
	}

	meta.Generation = newGen
	meta.LastSyncedAt = time.Now().UTC()
	meta.Remote = m.remote.Fingerprint()
	if err := SaveMetadata(metaPath, meta); err != nil {
		return err
	}

	m.logger.Debug("sync completed",
		zap.Int64("generation", newGen),
		zap.Int("pushed", len(changed)),
		zap.Int("pulled", len(frame.Spaces)),
	)
	return nil
}

// collectChangedSpaces gathers full snapshots of spaces modified since the
// last successful sync.
func (m *Manager) collectChangedSpaces(ctx context.Context, s *store.GraphStore, since time.Time) ([]SpaceChange, error) {
	summaries, err := s.ListSpaces(ctx)
	if err != nil {
		return nil, err
	}
	var changes []SpaceChange
	for _, sum := range summaries {
		if !sum.UpdatedAt.After(since) {
			continue
		}
		space, err := s.GetSpace(ctx, sum.ID)
		if err != nil {
			if appErrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		changes = append(changes, SpaceChange{SpaceID: space.ID, Space: space})
	}
	return changes, nil
}

// applyFrame writes pulled remote changes into the local store.
func (m *Manager) applyFrame(ctx context.Context, s *store.GraphStore, frame *ChangeFrame) error {
	for _, change := range frame.Spaces {
		if change.Deleted {
			if _, err := s.DeleteSpace(ctx, change.SpaceID); err != nil {
				return err
			}
			continue
		}
		if change.Space == nil {
			continue
		}
		if err := s.UpsertSpace(ctx, change.Space); err != nil {
			return err
		}
	}
	return nil
}

// record updates the status fields after a completed sync attempt.
func (m *Manager) record(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.lastError = err.Error()
		return
	}
	m.lastError = ""
	m.lastSyncedAt = time.Now().UTC()
	m.syncCount++
}
