// Package di assembles the application. All wiring happens here, once, at
// startup; no component reaches for process-global state.
package di

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mindmesh-backend/interfaces/http/rest"
	"mindmesh-backend/interfaces/websocket"
	"mindmesh-backend/internal/config"
	"mindmesh-backend/internal/domain"
	"mindmesh-backend/internal/notify"
	"mindmesh-backend/internal/replica"
	"mindmesh-backend/internal/store"
)

// Container holds every long-lived component.
type Container struct {
	Config      *config.Config
	Logger      *zap.Logger
	Handle      *store.Handle
	SyncManager *replica.Manager
	Hub         *websocket.Hub
	Notifier    *notify.ChangeNotifier
	Server      *rest.Server
	Watcher     *notify.Watcher
}

// handleSource adapts the store handle to the hub's read surface, going
// through Get on every call so a resync-swapped store is picked up.
type handleSource struct {
	handle *store.Handle
}

func (s handleSource) ListSpaces(ctx context.Context) ([]domain.SpaceSummary, error) {
	return s.handle.Get().ListSpaces(ctx)
}

func (s handleSource) GetSpace(ctx context.Context, id string) (*domain.Space, error) {
	return s.handle.Get().GetSpace(ctx, id)
}

// NewContainer builds the full object graph from configuration.
func NewContainer(cfg *config.Config) (*Container, error) {
	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	st, err := store.Open(store.Options{
		Path:         cfg.DatabasePath,
		VectorSearch: cfg.VectorSearch,
	}, nil, logger.Named("store"))
	if err != nil {
		return nil, err
	}
	handle := store.NewHandle(st)

	var remote *replica.RemoteClient
	if cfg.IsReplica() {
		remote = replica.NewRemoteClient(cfg.SyncURL, cfg.RemoteURL, cfg.AuthToken, logger.Named("remote"))
	}
	syncMgr := replica.NewManager(handle, remote, cfg.DatabasePath, logger.Named("sync"))

	hub := websocket.NewHub(handleSource{handle: handle}, logger.Named("ws"))
	notifier := notify.New(cfg.RelayURL, hub, logger.Named("notify"))
	server := rest.NewServer(handle, syncMgr, notifier, hub, cfg.WriteMode, logger.Named("http"))

	c := &Container{
		Config:      cfg,
		Logger:      logger,
		Handle:      handle,
		SyncManager: syncMgr,
		Hub:         hub,
		Notifier:    notifier,
		Server:      server,
	}

	if cfg.WatchDir != "" {
		watcher, err := notify.NewWatcher(cfg.WatchDir, notifier, nil, logger.Named("watch"))
		if err != nil {
			return nil, fmt.Errorf("watch %s: %w", cfg.WatchDir, err)
		}
		c.Watcher = watcher
	}

	return c, nil
}

// Start launches background components. When sync-on-startup is configured,
// it blocks until the first sync succeeds so no caller can observe a replica
// that is schema-ready but data-stale.
func (c *Container) Start(ctx context.Context) error {
	go c.Hub.Run()
	if c.Watcher != nil {
		c.Watcher.Start(ctx)
	}

	if c.Config.SyncOnStartup && c.SyncManager.IsReplica() {
		c.Logger.Info("performing startup sync")
		if err := c.SyncManager.Sync(ctx); err != nil {
			return fmt.Errorf("startup sync: %w", err)
		}
	}

	if c.SyncManager.IsReplica() && c.Config.SyncInterval > 0 {
		interval := time.Duration(c.Config.SyncInterval) * time.Second
		if err := c.SyncManager.StartAutoSync(interval); err != nil {
			return err
		}
	}

	c.Server.SetReady()
	return nil
}

// Shutdown stops background components and closes the store.
func (c *Container) Shutdown() {
	if c.Watcher != nil {
		if err := c.Watcher.Close(); err != nil {
			c.Logger.Warn("closing watcher", zap.Error(err))
		}
	}
	c.SyncManager.Close()
	c.Hub.Stop()
	if err := c.Handle.Get().Close(); err != nil {
		c.Logger.Warn("closing store", zap.Error(err))
	}
	c.Logger.Sync()
}
