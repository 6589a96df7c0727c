package notify

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// RegenerateFunc re-derives a space's JSON snapshot from a script file.
// The broadcast for a script change is held back until regeneration
// succeeds, so observers only ever see the refreshed snapshot.
type RegenerateFunc func(ctx context.Context, scriptPath string) error

// Watcher is the legacy document-per-file mode: a directory of space files
// is watched and any create/change/remove broadcasts the affected space.
type Watcher struct {
	dir        string
	notifier   *ChangeNotifier
	regenerate RegenerateFunc
	logger     *zap.Logger

	fw   *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher builds a watcher over dir. regenerate may be nil when no
// scripted spaces exist.
func NewWatcher(dir string, notifier *ChangeNotifier, regenerate RegenerateFunc, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		dir:        dir,
		notifier:   notifier,
		regenerate: regenerate,
		logger:     logger,
		fw:         fw,
		done:       make(chan struct{}),
	}, nil
}

// Start consumes filesystem events until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.fw.Events:
				if !ok {
					return
				}
				w.handle(ctx, ev)
			case err, ok := <-w.fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("filesystem watch error", zap.Error(err))
			}
		}
	}()
	w.logger.Info("watching space directory", zap.String("dir", w.dir))
}

// Close stops watching.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	name := filepath.Base(ev.Name)
	switch {
	case isScriptFile(name):
		if w.regenerate == nil {
			return
		}
		if err := w.regenerate(ctx, ev.Name); err != nil {
			w.logger.Error("regenerating space snapshot",
				zap.String("script", name), zap.Error(err))
			return
		}
		w.notifier.BroadcastSpace(ctx, spaceIDFromFile(name))

	case isSpaceFile(name):
		w.notifier.BroadcastSpace(ctx, spaceIDFromFile(name))
		if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
			w.notifier.BroadcastSpaceList(ctx)
		}

	default:
		w.logger.Debug("ignoring unrelated file event", zap.String("file", name))
	}
}

func isSpaceFile(name string) bool {
	return strings.HasSuffix(name, ".json")
}

func isScriptFile(name string) bool {
	return strings.HasSuffix(name, ".thought")
}

func spaceIDFromFile(name string) string {
	return strings.TrimSuffix(strings.TrimSuffix(name, ".json"), ".thought")
}
