package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads the config file when it changes on disk and publishes
// every valid revision on Updates. Invalid revisions are logged and skipped.
type Watcher struct {
	path    string
	fsw     *fsnotify.Watcher
	updates chan *Config
	log     logrus.FieldLogger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWatcher watches the directory holding path, since editors replace
// files rather than writing them in place.
func NewWatcher(path string, log logrus.FieldLogger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    abs,
		fsw:     fsw,
		updates: make(chan *Config, 1),
		log:     log.WithField("component", "config-watcher"),
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Updates delivers reloaded configs. Only the latest pending revision is kept.
func (w *Watcher) Updates() <-chan *Config {
	return w.updates
}

// Close stops watching and waits for the loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watch error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.log.WithError(err).WithField("path", w.path).Warn("ignoring invalid config revision")
		return
	}

	w.log.WithField("path", w.path).Info("config reloaded")

	select {
	case w.updates <- cfg:
	default:
		// drop the stale pending revision
		select {
		case <-w.updates:
		default:
		}
		w.updates <- cfg
	}
}
