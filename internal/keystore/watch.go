// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package keystore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/toeirei/sshkeyring/internal/logging"
	"github.com/toeirei/sshkeyring/internal/sshkey"
)

// DefaultDebounce is the quiet period after the last change before a reload.
const DefaultDebounce = time.Second

// Debouncer runs a callback once a burst of triggers has gone quiet. At most
// one timer is armed at any time.
type Debouncer struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending bool
	stopped bool
}

// NewDebouncer returns a Debouncer calling fn delay after the last Trigger.
func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{delay: delay, fn: fn}
}

// Trigger schedules the callback, pushing back one that is already pending.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.pending = true
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

// fire runs the callback unless a later Trigger or Stop superseded gen.
func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}

// Pending reports whether a callback is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Stop cancels a pending callback and disables further triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = false
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Watcher reloads a Store when files in its SSH directory change.
type Watcher struct {
	store *Store
	deb   *Debouncer

	mu  sync.Mutex
	ctx context.Context

	// OnReload, if set, is called after every reload the watcher starts.
	OnReload func(LoadResult, error)
}

// NewWatcher returns a Watcher for store. A zero delay uses DefaultDebounce.
func NewWatcher(store *Store, delay time.Duration) *Watcher {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	w := &Watcher{store: store, ctx: context.Background()}
	w.deb = NewDebouncer(delay, w.reload)
	return w
}

// Notify reports a change to path. It returns whether the change was
// relevant and scheduled a reload.
func (w *Watcher) Notify(path string, op fsnotify.Op) bool {
	if !relevant(path, op) {
		return false
	}
	w.deb.Trigger()
	return true
}

// Close cancels a pending reload.
func (w *Watcher) Close() { w.deb.Stop() }

// relevant reports whether a change to path should cause a reload.
func relevant(path string, op fsnotify.Op) bool {
	if sshkey.IsTempName(filepath.Base(path)) {
		return false
	}
	return op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}

// Run watches the SSH directory until ctx is done. Bursts of changes are
// folded into one reload.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	dir := w.store.Dir()
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return &sshkey.FileError{Op: "watch", Path: dir, Err: err}
	}
	if err := fw.Add(dir); err != nil {
		return &sshkey.FileError{Op: "watch", Path: dir, Err: err}
	}
	logging.Infof("watching %s", dir)

	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.Notify(ev.Name, ev.Op) {
				logging.Debugf("change detected: %s %s", ev.Op, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Warnf("watch %s: %v", dir, err)
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()

	res, err := w.store.Load(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		logging.Errorf("reload %s: %v", w.store.Dir(), err)
	default:
		if res.Warnings != nil {
			logging.Warnf("reload %s: %v", w.store.Dir(), res.Warnings)
		}
		logging.Debugf("reloaded %s: %d added, %d changed, %d removed", w.store.Dir(), res.Added, res.Changed, res.Removed)
	}
	if w.OnReload != nil {
		w.OnReload(res, err)
	}
}
