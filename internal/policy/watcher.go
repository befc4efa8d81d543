package policy

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 200 * time.Millisecond

// Watcher reloads a Denylist whenever its policy file changes.
type Watcher struct {
	path     string
	denylist *Denylist
	logger   *zap.Logger
	fs       *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	reloaded func()
}

// Watch loads path into d and keeps it in sync. The parent directory is
// watched so editors that replace the file by rename are handled.
func Watch(path string, d *Denylist, logger *zap.Logger) (*Watcher, error) {
	rules, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := d.Replace(rules); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		denylist: d,
		logger:   logger.Named("policy"),
		fs:       fsw,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	w.logger.Info("policy loaded", zap.String("path", path), zap.Int("rules", d.Len()))
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			w.reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	rules, err := LoadFile(w.path)
	if err == nil {
		err = w.denylist.Replace(rules)
	}
	if err != nil {
		w.logger.Warn("policy reload failed, keeping previous rules", zap.Error(err))
		return
	}
	w.logger.Info("policy reloaded", zap.Int("rules", w.denylist.Len()))
	if w.reloaded != nil {
		w.reloaded()
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	return err
}
