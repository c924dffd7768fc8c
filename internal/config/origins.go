package config

import (
	"bufio"
	"context"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// OriginList is the live CORS allow-list. It starts from the env-configured
// origins and, when an origins file is configured, replaces them with the file
// contents and keeps them fresh as the file changes.
type OriginList struct {
	mu      sync.RWMutex
	origins []string
}

func NewOriginList(origins []string) *OriginList {
	l := &OriginList{}
	l.Set(origins)
	return l
}

func (l *OriginList) Set(origins []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.origins = append([]string(nil), origins...)
}

func (l *OriginList) Snapshot() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.origins...)
}

// LoadOriginsFile reads one origin per line; blank lines and #-comments are
// skipped, and commas within a line are honored too.
func LoadOriginsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var origins []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		origins = append(origins, SplitOrigins(line)...)
	}
	return origins, scanner.Err()
}

// WatchFile loads the origins file immediately, then reloads it whenever it
// is rewritten, until ctx is cancelled. Editors that replace the file via
// rename emit Create events, so those reload as well.
func (l *OriginList) WatchFile(ctx context.Context, path string, logger zerolog.Logger) error {
	origins, err := LoadOriginsFile(path)
	if err != nil {
		return err
	}
	l.Set(origins)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				reloaded, err := LoadOriginsFile(path)
				if err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("origins file reload failed")
					continue
				}
				l.Set(reloaded)
				logger.Info().Int("origins", len(reloaded)).Msg("origins file reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("origins file watcher error")
			}
		}
	}()
	return nil
}
