package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindmesh-backend/internal/domain"
	"mindmesh-backend/internal/store"
	appErrors "mindmesh-backend/pkg/errors"
)

// fakeRemote is an in-memory authoritative store behind httptest.
type fakeRemote struct {
	mu         sync.Mutex
	generation int64
	base       int64
	pullFrames []ChangeFrame
	snapshot   ChangeFrame
	pushed     []ChangeFrame

	genCalls    atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64

	failStatus int

	server *httptest.Server
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sync/generation", func(w http.ResponseWriter, r *http.Request) {
		f.track()
		defer f.untrack()
		f.genCalls.Add(1)
		if f.maybeFail(w) {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(GenerationInfo{Generation: f.generation, Base: f.base})
	})
	mux.HandleFunc("/v1/sync/changes", func(w http.ResponseWriter, r *http.Request) {
		f.track()
		defer f.untrack()
		if f.maybeFail(w) {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method == http.MethodPost {
			var frame ChangeFrame
			require.NoError(t, json.NewDecoder(r.Body).Decode(&frame))
			f.pushed = append(f.pushed, frame)
			f.generation++
			fmt.Fprintf(w, `{"generation":%d}`, f.generation)
			return
		}
		frame := ChangeFrame{Generation: f.generation}
		if len(f.pullFrames) > 0 {
			frame = f.pullFrames[0]
			f.pullFrames = f.pullFrames[1:]
		}
		json.NewEncoder(w).Encode(frame)
	})
	mux.HandleFunc("/v1/sync/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if f.maybeFail(w) {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(f.snapshot)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRemote) track() {
	n := f.inFlight.Add(1)
	for {
		max := f.maxInFlight.Load()
		if n <= max || f.maxInFlight.CompareAndSwap(max, n) {
			return
		}
	}
}

func (f *fakeRemote) untrack() { f.inFlight.Add(-1) }

func (f *fakeRemote) maybeFail(w http.ResponseWriter) bool {
	f.mu.Lock()
	status := f.failStatus
	f.mu.Unlock()
	if status == 0 {
		return false
	}
	w.WriteHeader(status)
	return true
}

func (f *fakeRemote) setFailStatus(code int) {
	f.mu.Lock()
	f.failStatus = code
	f.mu.Unlock()
}

func newTestManager(t *testing.T, remoteURL string) (*Manager, *store.Handle, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "replica.db")
	logger := zap.NewNop()
	s, err := store.Open(store.Options{Path: dbPath}, nil, logger)
	require.NoError(t, err)
	handle := store.NewHandle(s)
	t.Cleanup(func() { handle.Get().Close() })

	var remote *RemoteClient
	if remoteURL != "" {
		remote = NewRemoteClient(remoteURL, "", "test-token", logger)
	}
	m := NewManager(handle, remote, dbPath, logger)
	t.Cleanup(m.Close)
	return m, handle, dbPath
}

func TestSyncWithoutRemoteIsNotReplica(t *testing.T) {
	m, _, _ := newTestManager(t, "")

	assert.ErrorIs(t, m.Sync(context.Background()), ErrNotReplica)
	assert.ErrorIs(t, m.StartAutoSync(time.Second), ErrNotReplica)
	_, err := m.Resync(context.Background())
	assert.ErrorIs(t, err, ErrNotReplica)

	// Post-write sync is a silent no-op outside replica mode.
	assert.NoError(t, m.SyncAfterWrite(context.Background(), true))
}

func TestSyncAfterWriteUnchangedIsNoop(t *testing.T) {
	remote := newFakeRemote(t)
	m, _, _ := newTestManager(t, remote.server.URL)

	require.NoError(t, m.SyncAfterWrite(context.Background(), false))
	assert.Zero(t, remote.genCalls.Load())
}

func TestSyncPushesLocalChangesAndAdvancesMetadata(t *testing.T) {
	remote := newFakeRemote(t)
	m, handle, dbPath := newTestManager(t, remote.server.URL)
	ctx := context.Background()

	require.NoError(t, handle.Get().UpsertSpace(ctx, &domain.Space{
		ID:    "sp-local",
		Title: "made here",
		Nodes: []domain.Node{{Key: "n"}},
	}))

	require.NoError(t, m.Sync(ctx))

	remote.mu.Lock()
	require.Len(t, remote.pushed, 1)
	require.Len(t, remote.pushed[0].Spaces, 1)
	assert.Equal(t, "sp-local", remote.pushed[0].Spaces[0].SpaceID)
	remote.mu.Unlock()

	meta, err := LoadMetadata(MetadataPath(dbPath))
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.Generation)
	assert.False(t, meta.LastSyncedAt.IsZero())
	assert.Equal(t, FingerprintURL(remote.server.URL), meta.Remote)

	status := m.Status()
	assert.Equal(t, int64(1), status.SyncCount)
	assert.Empty(t, status.LastError)
	assert.False(t, status.IsSyncing)
}

func TestSyncAppliesPulledChanges(t *testing.T) {
	remote := newFakeRemote(t)
	m, handle, _ := newTestManager(t, remote.server.URL)
	ctx := context.Background()

	require.NoError(t, handle.Get().UpsertSpace(ctx, &domain.Space{
		ID: "sp-doomed", Title: "deleted remotely",
	}))
	// Make the local write look already-synced so nothing is pushed.
	require.NoError(t, SaveMetadata(MetadataPath(m.dbPath), Metadata{
		LastSyncedAt: time.Now().UTC().Add(time.Minute),
		Remote:       FingerprintURL(remote.server.URL),
	}))

	remote.mu.Lock()
	remote.generation = 7
	remote.pullFrames = []ChangeFrame{{
		Generation: 7,
		Spaces: []SpaceChange{
			{SpaceID: "sp-remote", Space: &domain.Space{ID: "sp-remote", Title: "from remote"}},
			{SpaceID: "sp-doomed", Deleted: true},
		},
	}}
	remote.mu.Unlock()

	require.NoError(t, m.Sync(ctx))

	got, err := handle.Get().GetSpace(ctx, "sp-remote")
	require.NoError(t, err)
	assert.Equal(t, "from remote", got.Title)

	_, err = handle.Get().GetSpace(ctx, "sp-doomed")
	assert.True(t, appErrors.IsNotFound(err))
}

func TestSyncRetriesTransientUpToBound(t *testing.T) {
	remote := newFakeRemote(t)
	remote.setFailStatus(http.StatusServiceUnavailable)
	m, _, _ := newTestManager(t, remote.server.URL)

	started := time.Now()
	err := m.Sync(context.Background())
	elapsed := time.Since(started)

	require.Error(t, err)
	assert.True(t, appErrors.IsTransient(err))
	// Initial attempt plus three retries.
	assert.Equal(t, int64(4), remote.genCalls.Load())
	// Backoff of 100+200+400 ms between attempts.
	assert.GreaterOrEqual(t, elapsed, 700*time.Millisecond)

	assert.Contains(t, m.Status().LastError, "503")
}

func TestSyncDivergenceFailsHardWithoutRetry(t *testing.T) {
	remote := newFakeRemote(t)
	remote.mu.Lock()
	remote.generation = 50
	remote.base = 40
	remote.mu.Unlock()
	m, _, _ := newTestManager(t, remote.server.URL)

	err := m.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, appErrors.IsDivergence(err))
	assert.Equal(t, int64(1), remote.genCalls.Load())
}

func TestSyncRejectsForeignRemote(t *testing.T) {
	remote := newFakeRemote(t)
	m, _, dbPath := newTestManager(t, remote.server.URL)

	require.NoError(t, SaveMetadata(MetadataPath(dbPath), Metadata{
		Generation: 3,
		Remote:     FingerprintURL("http://some-other-remote.example"),
	}))

	err := m.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, appErrors.IsDivergence(err))
	// Rejected before any remote traffic.
	assert.Zero(t, remote.genCalls.Load())
}

func TestConcurrentSyncsCoalesce(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			<-release
		}
		switch r.URL.Path {
		case "/v1/sync/generation":
			json.NewEncoder(w).Encode(GenerationInfo{})
		default:
			json.NewEncoder(w).Encode(ChangeFrame{})
		}
	}))
	t.Cleanup(server.Close)
	m, _, _ := newTestManager(t, server.URL)

	first := make(chan error, 1)
	go func() { first <- m.Sync(context.Background()) }()

	// Wait until the first sync holds the slot.
	require.Eventually(t, func() bool { return m.Status().IsSyncing },
		time.Second, 5*time.Millisecond)

	// While it is in flight, further syncs return immediately with nil
	// and never reach the remote.
	before := calls.Load()
	require.NoError(t, m.Sync(context.Background()))
	assert.Equal(t, before, calls.Load())

	close(release)
	require.NoError(t, <-first)
}

func TestSyncAfterWriteSerializesConcurrentCallers(t *testing.T) {
	remote := newFakeRemote(t)
	m, _, _ := newTestManager(t, remote.server.URL)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.SyncAfterWrite(context.Background(), true)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	// One generation probe per sync, never two at once.
	assert.Equal(t, int64(5), remote.genCalls.Load())
	assert.Equal(t, int64(1), remote.maxInFlight.Load())
}

func TestAutoSyncSkipsSuspendedTicks(t *testing.T) {
	remote := newFakeRemote(t)
	m, _, _ := newTestManager(t, remote.server.URL)

	m.SuspendAutoSync()
	require.NoError(t, m.StartAutoSync(20*time.Millisecond))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, remote.genCalls.Load())
	assert.True(t, m.Status().AutoSyncSuspended)

	m.ResumeAutoSync()
	require.Eventually(t, func() bool { return remote.genCalls.Load() > 0 },
		time.Second, 10*time.Millisecond)
	m.StopAutoSync()
}

func TestWithSuspendedAutoSync(t *testing.T) {
	remote := newFakeRemote(t)
	m, _, _ := newTestManager(t, remote.server.URL)

	err := m.WithSuspendedAutoSync(func() error {
		assert.True(t, m.Status().AutoSyncSuspended)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, m.Status().AutoSyncSuspended)
}

func TestResyncRebuildsFromSnapshot(t *testing.T) {
	remote := newFakeRemote(t)
	m, handle, dbPath := newTestManager(t, remote.server.URL)
	ctx := context.Background()

	require.NoError(t, handle.Get().UpsertSpace(ctx, &domain.Space{
		ID: "sp-stale", Title: "diverged local state",
	}))
	oldStore := handle.Get()

	remote.mu.Lock()
	remote.snapshot = ChangeFrame{
		Generation: 99,
		Spaces: []SpaceChange{{
			SpaceID: "sp-truth",
			Space: &domain.Space{
				ID:    "sp-truth",
				Title: "authoritative",
				Nodes: []domain.Node{{Key: "n"}},
			},
		}},
	}
	remote.mu.Unlock()

	backup, err := m.Resync(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, backup)

	// Old database preserved, new handle installed.
	_, statErr := os.Stat(backup)
	require.NoError(t, statErr)
	assert.NotSame(t, oldStore, handle.Get())

	_, err = handle.Get().GetSpace(ctx, "sp-stale")
	assert.True(t, appErrors.IsNotFound(err))
	got, err := handle.Get().GetSpace(ctx, "sp-truth")
	require.NoError(t, err)
	assert.Equal(t, "authoritative", got.Title)

	meta, err := LoadMetadata(MetadataPath(dbPath))
	require.NoError(t, err)
	assert.Equal(t, int64(99), meta.Generation)
}
