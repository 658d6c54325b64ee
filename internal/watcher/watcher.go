// Package watcher delivers a stream of candidate file paths from a set of
// watched roots, built on fsnotify with a recursive-registration helper
// since fsnotify itself only watches a single directory level.
package watcher

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/fileward/fileward/internal/pathutil"
	"go.uber.org/zap"
)

// Subscribe starts watching roots recursively, honoring excludes (path
// prefixes that are never registered or forwarded), and returns a channel
// of candidate paths. The channel is closed when ctx is cancelled.
//
// A watch error on one subdirectory (e.g. removed out from under the
// watcher) is logged and that watch is dropped; the whole watcher is never
// torn down for one bad root.
func Subscribe(ctx context.Context, roots []string, excludes []string, log *zap.Logger) (<-chan string, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	out := make(chan string, 256)

	for _, root := range roots {
		addRecursive(w, root, excludes, log)
	}

	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if isExcluded(ev.Name, excludes) {
					continue
				}
				if ev.Op&(fsnotify.Create) != 0 {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						addRecursive(w, ev.Name, excludes, log)
					}
				}
				select {
				case out <- ev.Name:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("watcher: fsnotify error", zap.Error(err))
			}
		}
	}()

	return out, nil
}

func addRecursive(w *fsnotify.Watcher, root string, excludes []string, log *zap.Logger) {
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			log.Warn("watcher: walk error, skipping subtree", zap.String("path", path), zap.Error(err))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if isExcluded(path, excludes) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			log.Warn("watcher: cannot watch directory, dropping", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
}

func isExcluded(path string, excludes []string) bool {
	for _, ex := range excludes {
		if pathutil.HasPrefixDir(path, ex) {
			return true
		}
	}
	return false
}
