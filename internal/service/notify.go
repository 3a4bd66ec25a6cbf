package service

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// watchFile returns a channel receiving a value whenever path is created or
// written. The parent directory is watched, so path does not need to exist.
// Events are hints only, they are coalesced and may be lost.
func watchFile(ctx context.Context, path string) (<-chan struct{}, func(), error) {
	path = filepath.Clean(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, nil, err
	}

	wake := make(chan struct{}, 1)
	var wg sync.WaitGroup
	wg.Go(func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.DebugContext(ctx, "tail: watcher", "error", err)
			}
		}
	})

	stop := func() {
		_ = w.Close()
		wg.Wait()
	}
	return wake, stop, nil
}
