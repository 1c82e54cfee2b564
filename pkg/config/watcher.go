package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher 监听配置文件变化并热加载
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewWatcher 创建配置监听器，onChange 在每次成功重新加载后调用
func NewWatcher(path string, onChange func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		debounce: defaultDebounce,
		onChange: onChange,
		stopChan: make(chan struct{}),
	}
}

// Start starts watching the configuration file for changes.
// The parent directory is watched so editors that replace the file via rename are seen too.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	w.wg.Add(1)
	go w.watchLoop()

	log.Info().Str("path", w.path).Msg("Started watching configuration file")
	return nil
}

// watchLoop handles file system events
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	target := filepath.Clean(w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.debounceReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("File watcher error")

		case <-w.stopChan:
			return
		}
	}
}

// debounceReload 合并短时间内的多次写事件
func (w *Watcher) debounceReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopChan:
			return
		default:
		}

		cfg, err := Load(w.path)
		if err != nil {
			log.Error().Err(err).Str("path", w.path).Msg("Failed to reload configuration")
			return
		}
		if w.onChange != nil {
			w.onChange(cfg)
		}
		log.Info().Str("path", w.path).Msg("Configuration reloaded")
	})
}

// Stop stops watching for configuration changes
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)

		w.debounceMu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.debounceMu.Unlock()

		if w.watcher != nil {
			w.watcher.Close()
		}
		w.wg.Wait()

		log.Info().Msg("Configuration watcher stopped")
	})
}
