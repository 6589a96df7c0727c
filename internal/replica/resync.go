package replica

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"mindmesh-backend/internal/store"
	appErrors "mindmesh-backend/pkg/errors"
)

// Resync rebuilds the local replica from scratch: the current database file
// is preserved as a timestamped backup, all replica state is deleted in
// dependency order (metadata first, then WAL/SHM, then the database), a
// fresh store is opened and installed in the handle, and the remote's full
// snapshot is pulled into it. Returns the backup path.
//
// Resync is the operator remediation for divergence. It replaces the store
// wholesale through the handle; nothing mutates the old store in place.
func (m *Manager) Resync(ctx context.Context) (string, error) {
	if m.remote == nil {
		return "", ErrNotReplica
	}
	// Take the sync slot for the whole rebuild so no reconciliation can
	// interleave with the file swap.
	if !m.syncing.CompareAndSwap(false, true) {
		return "", appErrors.NewTransient("sync in flight, retry resync shortly", nil)
	}
	defer m.syncing.Store(false)

	old := m.handle.Get()
	opts := old.Options()
	schema := old.Schema()
	if err := old.Close(); err != nil {
		m.logger.Warn("closing store before resync", zap.Error(err))
	}

	backup := fmt.Sprintf("%s.bak-%s", m.dbPath, time.Now().UTC().Format("20060102T150405"))
	if err := copyFile(m.dbPath, backup); err != nil {
		return "", appErrors.NewInternal("back up database file", err)
	}

	// Metadata goes first so a crash mid-resync leaves a replica that
	// refuses incremental sync instead of one that silently resumes
	// against a half-deleted database.
	for _, path := range []string{
		MetadataPath(m.dbPath),
		m.dbPath + "-wal",
		m.dbPath + "-shm",
		m.dbPath,
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return "", appErrors.NewInternal(fmt.Sprintf("remove %s", path), err)
		}
	}

	fresh, err := store.Open(opts, schema, m.logger)
	if err != nil {
		return "", appErrors.NewInternal("reopen database after resync", err)
	}
	m.handle.Swap(fresh)

	snapshot, err := m.remote.Snapshot(ctx)
	if err != nil {
		return backup, appErrors.Wrap(err, "pull full snapshot")
	}
	if err := m.applyFrame(ctx, fresh, snapshot); err != nil {
		return backup, appErrors.Wrap(err, "apply full snapshot")
	}

	meta := Metadata{
		Generation:   snapshot.Generation,
		LastSyncedAt: time.Now().UTC(),
		Remote:       m.remote.Fingerprint(),
	}
	if err := SaveMetadata(MetadataPath(m.dbPath), meta); err != nil {
		return backup, err
	}

	m.mu.Lock()
	m.lastError = ""
	m.lastSyncedAt = meta.LastSyncedAt
	m.mu.Unlock()

	m.logger.Info("replica rebuilt from remote snapshot",
		zap.String("backup", backup),
		zap.Int64("generation", snapshot.Generation),
		zap.Int("spaces", len(snapshot.Spaces)),
	)
	return backup, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
