// Package watch notifies UI connections about filesystem changes in
// session working directories.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"
)

// Bursty writes (editors, build tools) collapse into one notification.
const debounceInterval = 100 * time.Millisecond

type subscription struct {
	id     string
	path   string
	connID string
	conn   *jsonrpc2.Conn
}

// FSWatcher multiplexes one fsnotify watcher across many UI subscriptions.
// A path is watched while at least one subscription references it.
type FSWatcher struct {
	log     *slog.Logger
	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	subs     map[string]*subscription
	connSubs map[string][]string // UI connection -> subscription IDs
	pathSubs map[string][]string // watched path -> subscription IDs
	timers   map[string]*time.Timer
}

func NewFSWatcher(log *slog.Logger) *FSWatcher {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FSWatcher{
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]*subscription),
		connSubs: make(map[string][]string),
		pathSubs: make(map[string][]string),
		timers:   make(map[string]*time.Timer),
	}
}

func (w *FSWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	w.watcher = watcher
	go w.eventLoop()
	return nil
}

func (w *FSWatcher) Stop() {
	w.cancel()
	if w.watcher != nil {
		w.watcher.Close()
	}

	w.mu.Lock()
	for _, timer := range w.timers {
		timer.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	w.mu.Unlock()
}

// Subscribe starts notifying conn about changes under path. Returns the
// subscription ID the client passes to Unsubscribe.
func (w *FSWatcher) Subscribe(path string, conn *jsonrpc2.Conn, connID string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", err
	}

	id := uuid.Must(uuid.NewV7()).String()

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pathSubs[path]) == 0 {
		if err := w.watcher.Add(path); err != nil {
			return "", fmt.Errorf("watch %s: %w", path, err)
		}
		w.log.Debug("watching path", "path", path)
	}

	w.subs[id] = &subscription{id: id, path: path, connID: connID, conn: conn}
	w.connSubs[connID] = append(w.connSubs[connID], id)
	w.pathSubs[path] = append(w.pathSubs[path], id)
	return id, nil
}

// Unsubscribe removes one subscription.
func (w *FSWatcher) Unsubscribe(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeLocked(id)
}

// CleanupConnection removes every subscription owned by a UI connection.
func (w *FSWatcher) CleanupConnection(connID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range w.connSubs[connID] {
		w.removeLocked(id)
	}
}

func (w *FSWatcher) removeLocked(id string) {
	sub, ok := w.subs[id]
	if !ok {
		return
	}
	delete(w.subs, id)
	w.connSubs[sub.connID] = remove(w.connSubs[sub.connID], id)
	if len(w.connSubs[sub.connID]) == 0 {
		delete(w.connSubs, sub.connID)
	}

	w.pathSubs[sub.path] = remove(w.pathSubs[sub.path], id)
	if len(w.pathSubs[sub.path]) == 0 {
		delete(w.pathSubs, sub.path)
		if w.watcher != nil {
			w.watcher.Remove(sub.path)
		}
		w.log.Debug("stopped watching path", "path", sub.path)
	}
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func (w *FSWatcher) eventLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.debounce(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("fs watcher error", "error", err)
		}
	}
}

// debounce coalesces events per watched path and notifies after a quiet
// interval.
func (w *FSWatcher) debounce(event fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := w.watchedPathLocked(event.Name)
	if path == "" {
		return
	}
	if timer, exists := w.timers[path]; exists {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(debounceInterval, func() {
		w.notifyPath(path)
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
	})
}

// watchedPathLocked maps an event's file name back to the subscribed path.
func (w *FSWatcher) watchedPathLocked(name string) string {
	for path := range w.pathSubs {
		if name == path || isUnder(name, path) {
			return path
		}
	}
	return ""
}

func isUnder(name, dir string) bool {
	rel, err := filepath.Rel(dir, name)
	return err == nil && rel != ".." && !filepath.IsAbs(rel) && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)
}

func (w *FSWatcher) notifyPath(path string) {
	w.mu.Lock()
	targets := make([]*subscription, 0, len(w.pathSubs[path]))
	for _, id := range w.pathSubs[path] {
		if sub, ok := w.subs[id]; ok {
			targets = append(targets, sub)
		}
	}
	w.mu.Unlock()

	for _, sub := range targets {
		err := sub.conn.Notify(context.Background(), "watch.changed", map[string]any{
			"id":   sub.id,
			"path": sub.path,
		})
		if err != nil {
			w.log.Debug("watch notify failed", "watchId", sub.id, "error", err)
		}
	}
}
