package enforce

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"keygate/internal/security"
)

const (
	// dropFileName is the file an installer or operator drops into the
	// config directory to hand the client a license key.
	dropFileName = "license.key"

	// dropDebounce lets editors and installers finish the write burst that
	// accompanies a file drop before the key is read.
	dropDebounce = 100 * time.Millisecond
)

// startWatcher watches the config directory for license.key drops. The
// directory is watched rather than the file, since the file does not exist
// until someone drops it.
func (m *Manager) startWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.store.Dir()); err != nil {
		watcher.Close()
		return err
	}

	m.watcher = watcher
	m.watchDone = make(chan struct{})
	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer close(m.watchDone)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != dropFileName {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			time.Sleep(dropDebounce)
			m.consumeDropFile(ctx)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("license drop watcher error",
				slog.String("error", err.Error()))
		}
	}
}

// consumeDropFile applies the key in the drop file, if one exists. On
// success the file is removed so the raw key does not linger on disk; a
// drop while a key is already configured is ignored and left in place.
func (m *Manager) consumeDropFile(ctx context.Context) {
	path := filepath.Join(m.store.Dir(), dropFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("license drop file unreadable",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		return
	}

	key := strings.TrimSpace(string(data))
	if key == "" {
		return
	}

	err = m.ApplyLicenseKey(ctx, key)
	switch {
	case err == nil:
		if rmErr := os.Remove(path); rmErr != nil {
			m.logger.Warn("applied drop file could not be removed",
				slog.String("path", path),
				slog.String("error", rmErr.Error()))
		}
		m.logger.Info("license key consumed from drop file",
			slog.String("key_prefix", security.MaskKey(key)))
	case errors.Is(err, ErrKeyAlreadyConfigured):
		m.logger.Warn("license drop ignored, a key is already configured",
			slog.String("path", path))
	default:
		m.logger.Warn("license drop rejected",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
}
