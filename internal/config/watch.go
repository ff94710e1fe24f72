package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/msageha/aispire/internal/model"
)

// Watcher reloads the config file when it changes on disk and hands each
// valid result to a callback. Invalid edits are logged and skipped.
type Watcher struct {
	path     string
	opts     []Option
	onChange func(model.Config)
	logger   zerolog.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewWatcher watches the directory holding path so that editors replacing
// the file by rename are still observed.
func NewWatcher(path string, onChange func(model.Config), logger zerolog.Logger, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		opts:     opts,
		onChange: onChange,
		logger:   logger.With().Str("component", "config_watcher").Logger(),
		debounce: 100 * time.Millisecond,
		watcher:  fw,
	}, nil
}

// Run processes events until ctx ends, then closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.watcher.Close() }()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.logger.Debug().Str("op", event.Op.String()).Msg("config file changed")
				pending = time.After(w.debounce)
			}
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("fsnotify error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path, w.opts...)
	if err != nil {
		w.logger.Warn().Err(err).Msg("ignoring invalid config change")
		return
	}
	w.logger.Info().Msg("config reloaded")
	w.onChange(cfg)
}
