package config

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"qios/internal/logging"
)

const defaultWatchDebounce = 100 * time.Millisecond

type WatchOptions struct {
	Debounce time.Duration
	Logger   *logging.Logger
	// Load rereads the file. It must return a validated config.
	Load func(path string) (Config, error)
	// OnChange receives every successfully reloaded config.
	OnChange func(Config)
}

// Watcher reloads a config file when it changes on disk. The parent
// directory is watched so editors that replace the file by rename are seen.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *logging.Logger
	load     func(string) (Config, error)
	onChange func(Config)

	mutex  sync.Mutex
	timer  *time.Timer
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func Watch(path string, options WatchOptions) (*Watcher, error) {
	if options.Load == nil || options.OnChange == nil {
		return nil, errors.New("config watch requires Load and OnChange")
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(absolute)); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}

	debounce := options.Debounce
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	watcher := &Watcher{
		path:     absolute,
		watcher:  fsWatcher,
		debounce: debounce,
		logger:   options.Logger,
		load:     options.Load,
		onChange: options.OnChange,
		done:     make(chan struct{}),
	}
	watcher.wg.Add(1)
	go watcher.run()
	return watcher, nil
}

func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	watcher.closed = true
	if watcher.timer != nil {
		watcher.timer.Stop()
	}
	close(watcher.done)
	watcher.mutex.Unlock()

	err := watcher.watcher.Close()
	watcher.wg.Wait()
	return err
}

func (watcher *Watcher) run() {
	defer watcher.wg.Done()
	for {
		select {
		case <-watcher.done:
			return
		case event, ok := <-watcher.watcher.Events:
			if !ok {
				return
			}
			watcher.handleEvent(event)
		case err, ok := <-watcher.watcher.Errors:
			if !ok {
				return
			}
			watcher.logger.Warn("config watch error", map[string]string{
				"path":  watcher.path,
				"error": err.Error(),
			})
		}
	}
}

func (watcher *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != watcher.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed {
		return
	}
	if watcher.timer == nil {
		watcher.timer = time.AfterFunc(watcher.debounce, watcher.flush)
		return
	}
	watcher.timer.Reset(watcher.debounce)
}

func (watcher *Watcher) flush() {
	watcher.mutex.Lock()
	closed := watcher.closed
	watcher.mutex.Unlock()
	if closed {
		return
	}

	cfg, err := watcher.load(watcher.path)
	if err != nil {
		watcher.logger.Warn("config reload rejected", map[string]string{
			"path":  watcher.path,
			"error": err.Error(),
		})
		return
	}
	watcher.logger.Info("config reloaded", map[string]string{
		"path":      watcher.path,
		"log_level": string(cfg.LogLevel),
	})
	watcher.onChange(cfg)
}
