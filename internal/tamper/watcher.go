/*
Copyright (c) Facebook, Inc. and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package tamper implements the Tamper Watcher of spec.md §4.5: it
// subscribes to filesystem modification notifications for every cached
// executable path and invalidates the Exe Cache entry on any modify or
// close-write, so the next event re-hashes the (possibly replaced) binary.
// It is grounded on dnsrocks/go.mod's fsnotify dependency, which dnsrocks
// uses to hot-reload its own DB files on modification — the same mechanism,
// retargeted from "reload a zone file" to "invalidate a cached hash".
package tamper

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/netwatchd/netwatchd/internal/errs"
)

// InvalidateFunc is called with the path that changed; the caller (the
// Monitor, via execache.Cache.InvalidateByPath) is responsible for removing
// every ExeId sharing that path.
type InvalidateFunc func(path string)

// Watcher wraps an fsnotify.Watcher with reference-counted per-path
// subscriptions (multiple ExeIds, after a replacement, can briefly share a
// path) and a re-stat fallback for when the kernel facility is unavailable
// or exhausted (spec.md §4.5's degrade path).
type Watcher struct {
	fsw *fsnotify.Watcher

	mu       sync.Mutex
	refCount map[string]int

	onInvalidate InvalidateFunc
	onError      func(error)

	degraded bool
	fallback map[string]struct{}
}

// New creates a Watcher backed by fsnotify. If fsnotify.NewWatcher fails
// (e.g. inotify instances exhausted), the Watcher falls back to polling
// re-stat, logging a startup diagnostic exactly as spec.md §4.5 requires
// ("log a startup diagnostic that tamper precision is reduced").
func New(onInvalidate InvalidateFunc, onError func(error)) *Watcher {
	w := &Watcher{
		refCount:     make(map[string]int),
		onInvalidate: onInvalidate,
		onError:      onError,
		fallback:     make(map[string]struct{}),
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.degraded = true
		log.WithError(err).Warn("tamper watcher: filesystem notification facility unavailable, degrading to re-stat-on-event")
		if onError != nil {
			onError(errs.Wrap(errs.KindWatcherExhausted, err))
		}
		return w
	}
	w.fsw = fsw
	go w.run()
	return w
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Chmod) != 0 {
				w.onInvalidate(ev.Name)
			}
			if ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0 {
				// A removed/renamed path no longer has a valid watch;
				// invalidate its cache entries too so the next exec of
				// that path re-hashes rather than reusing a stale entry.
				w.onInvalidate(ev.Name)
				w.mu.Lock()
				delete(w.refCount, ev.Name)
				w.mu.Unlock()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("tamper watcher: notification stream error")
			if w.onError != nil {
				w.onError(errs.Wrap(errs.KindIoError, err))
			}
		}
	}
}

// Subscribe installs (or, if already installed, ref-counts) a watch on
// path. Installed at cache insert, matching spec.md §4.4's lifecycle
// contract ("Tamper watches are installed at cache insert").
func (w *Watcher) Subscribe(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.degraded {
		w.fallback[path] = struct{}{}
		return nil
	}

	if w.refCount[path] == 0 {
		if err := w.fsw.Add(path); err != nil {
			return errs.Wrap(errs.KindWatcherExhausted, err).With("path", path)
		}
	}
	w.refCount[path]++
	return nil
}

// Unsubscribe removes a reference to path's watch, and the underlying watch
// itself once the last reference is gone — "removed at cache evict"
// (spec.md §4.4).
func (w *Watcher) Unsubscribe(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.degraded {
		delete(w.fallback, path)
		return
	}

	w.refCount[path]--
	if w.refCount[path] <= 0 {
		delete(w.refCount, path)
		_ = w.fsw.Remove(path)
	}
}

// Degraded reports whether the watcher fell back to re-stat polling.
func (w *Watcher) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

// RunFallbackLoop polls every subscribed path at the given interval when
// running in degraded mode, comparing statFn's result to lastKnown and
// invoking onInvalidate on mismatch. Callers only need to start this
// goroutine when Degraded() is true.
func (w *Watcher) RunFallbackLoop(stop <-chan struct{}, interval time.Duration, statFn func(path string) (dev, inode uint64, err error)) {
	lastKnown := make(map[string][2]uint64)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			paths := make([]string, 0, len(w.fallback))
			for p := range w.fallback {
				paths = append(paths, p)
			}
			w.mu.Unlock()

			for _, p := range paths {
				dev, inode, err := statFn(p)
				if err != nil {
					continue
				}
				prev, seen := lastKnown[p]
				cur := [2]uint64{dev, inode}
				if seen && prev != cur {
					w.onInvalidate(p)
				}
				lastKnown[p] = cur
			}
		}
	}
}

// Close tears down the underlying fsnotify watcher, if any.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}
