package server

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bms-analytics/bmsforest/pkg/errors"
	"github.com/bms-analytics/bmsforest/pkg/log"
)

// reloadDelay coalesces the burst of events a single save produces.
const reloadDelay = 200 * time.Millisecond

// modelWatcher calls reload whenever the model file is written or replaced.
// It watches the parent directory because SaveModel replaces the file with
// a rename.
type modelWatcher struct {
	path    string
	reload  func() error
	logger  log.Logger
	watcher *fsnotify.Watcher
}

func newModelWatcher(path string, reload func() error, logger log.Logger) (*modelWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", path)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create watcher")
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "watch %s", filepath.Dir(abs))
	}
	return &modelWatcher{path: abs, reload: reload, logger: logger, watcher: w}, nil
}

func (m *modelWatcher) matches(ev fsnotify.Event) bool {
	name, err := filepath.Abs(ev.Name)
	if err != nil || name != m.path {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)
}

// run blocks until ctx is done.
func (m *modelWatcher) run(ctx context.Context) {
	defer m.watcher.Close()

	timer := time.NewTimer(reloadDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if m.matches(ev) {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Model watcher error", "error", err.Error(), log.ModelPathKey, m.path)
		case <-timer.C:
			if err := m.reload(); err != nil {
				m.logger.Error("Model reload failed", err, log.ModelPathKey, m.path)
				continue
			}
			m.logger.Info("Model reloaded", log.ModelPathKey, m.path)
		}
	}
}
