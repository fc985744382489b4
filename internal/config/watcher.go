package config

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Watcher invokes onChange whenever the config file's modification time
// advances. It polls on a ticker; operator edits are rare enough that a
// filesystem-notification dependency is not worth carrying.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
	onChange func()
}

// NewWatcher creates a watcher for path. onChange runs on the watcher
// goroutine and must not block for long; typically it calls Reload.
func NewWatcher(path string, interval time.Duration, logger *slog.Logger, onChange func()) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Watcher{
		path:     path,
		interval: interval,
		logger:   logger.With("component", "watcher"),
		onChange: onChange,
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	lastMod := w.modTime()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("config watcher started", "path", w.path, "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return
		case <-ticker.C:
			mod := w.modTime()
			if !mod.After(lastMod) {
				continue
			}
			lastMod = mod
			w.logger.Info("config file changed", "path", w.path)
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}

// modTime is the file's current modification time; zero when the file is
// missing or unreadable, so an appearing file counts as a change.
func (w *Watcher) modTime() time.Time {
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
