package precache

import (
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const configDebounce = 250 * time.Millisecond

// WatchConfig reloads path on change and deploys the release it describes when
// the generation name or the seed list moved. Other fields need a restart.
//
// The directory is watched rather than the file so editors that replace the
// file by rename are still seen.
func (s *Service) WatchConfig(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	s.goLoop(func() {
		defer w.Close()
		s.watchLoop(w, abs)
	})
	return nil
}

func (s *Service) watchLoop(w *fsnotify.Watcher, path string) {
	var (
		timer  *time.Timer
		fire   <-chan time.Time
		latest = s.cfg.Release()
	)
	for {
		select {
		case <-s.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watcher", zap.Error(err))
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(configDebounce)
			} else {
				timer.Reset(configDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			rel, changed, err := reloadRelease(path, latest)
			if err != nil {
				s.logger.Warn("reload config", zap.String("path", path), zap.Error(err))
				continue
			}
			if !changed {
				continue
			}
			latest = rel
			s.logger.Info("config changed, deploying", zap.String("generation", rel.Name))
			s.goLoop(func() { s.installLoop(rel) })
		}
	}
}

func reloadRelease(path string, prev Release) (Release, bool, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return Release{}, false, err
	}
	rel := cfg.Release()
	return rel, !sameRelease(rel, prev), nil
}

func sameRelease(a, b Release) bool {
	return a.Name == b.Name &&
		a.OfflinePage == b.OfflinePage &&
		slices.Equal(a.Seeds, b.Seeds)
}

