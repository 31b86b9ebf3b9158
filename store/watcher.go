package store

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"Px1LED/diag"
)

// Watcher flags blobs that change outside the upload path, so a
// playback read failure later has an explanation in the diagnostic
// ring. fsnotify delivers events on its own goroutine; submit routes
// each report onto the device loop, which owns the ring.
type Watcher struct {
	fs     *fsnotify.Watcher
	log    *diag.Log
	submit func(func())
	skip   func(name string) bool
}

// NewWatcher watches the store namespace. skip filters names the
// store itself is currently writing (the active session's partial);
// it runs on the device loop.
func NewWatcher(s *Store, log *diag.Log, submit func(func())) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fs.Add(s.Dir()); err != nil {
		fs.Close()
		return nil, fmt.Errorf("watch %s: %w", s.Dir(), err)
	}

	w := &Watcher{
		fs:     fs,
		log:    log,
		submit: submit,
		skip: func(name string) bool {
			if strings.HasSuffix(name, partSuffix) {
				return true
			}
			if s.ConsumeOwnDelete(name) {
				return true
			}
			return s.ActiveSession() != nil && s.ActiveSession().Name == name
		},
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			w.submit(func() {
				if w.skip(name) {
					return
				}
				w.log.Warning("store", "watch",
					fmt.Sprintf("blob %s removed outside the upload path", name),
					diag.CodeBlobVanished)
			})
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.submit(func() {
				w.log.Warning("store", "watch", fmt.Sprintf("watcher error: %v", err), diag.CodeBlobVanished)
			})
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
