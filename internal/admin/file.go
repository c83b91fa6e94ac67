package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type fileDoc struct {
	Admins []int64 `json:"admins"`
}

// FileStore keeps admins in a JSON file of the form {"admins":[...]}. Writes
// go through a temp file and rename; edits made by others are picked up by a
// directory watch.
type FileStore struct {
	path string

	mu  sync.RWMutex
	ids map[int64]struct{}

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// OpenFile loads path, creating an empty list when it does not exist.
func OpenFile(path string) (*FileStore, error) {
	s := &FileStore{path: filepath.Clean(path), ids: map[int64]struct{}{}, done: make(chan struct{})}
	if err := s.load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err := s.save(); err != nil {
			return nil, err
		}
	}
	if err := s.watch(); err != nil {
		slog.Warn("admin file watch disabled", "path", s.path, "error", err)
	}
	return s, nil
}

func (s *FileStore) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var doc fileDoc
	if len(b) > 0 {
		if err := json.Unmarshal(b, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", s.path, err)
		}
	}
	ids := make(map[int64]struct{}, len(doc.Admins))
	for _, id := range doc.Admins {
		ids[id] = struct{}{}
	}
	s.mu.Lock()
	s.ids = ids
	s.mu.Unlock()
	return nil
}

// save writes the current set. Callers hold no lock.
func (s *FileStore) save() error {
	s.mu.RLock()
	doc := fileDoc{Admins: make([]int64, 0, len(s.ids))}
	for id := range s.ids {
		doc.Admins = append(doc.Admins, id)
	}
	s.mu.RUnlock()
	slices.Sort(doc.Admins)

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".admins-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *FileStore) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// the directory, so renames over the file keep being seen
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return err
	}
	s.watcher = w
	go s.watchLoop()
	return nil
}

func (s *FileStore) watchLoop() {
	var debounce <-chan time.Time
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(50 * time.Millisecond)
		case <-debounce:
			debounce = nil
			if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Warn("reload admin file failed", "path", s.path, "error", err)
				continue
			}
			slog.Debug("admin file reloaded", "path", s.path)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("admin file watch error", "error", err)
		}
	}
}

func (s *FileStore) List(context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func (s *FileStore) Add(_ context.Context, id int64) error {
	s.mu.Lock()
	if _, ok := s.ids[id]; ok {
		s.mu.Unlock()
		return ErrExists
	}
	s.ids[id] = struct{}{}
	s.mu.Unlock()
	return s.save()
}

func (s *FileStore) Remove(_ context.Context, id int64) error {
	s.mu.Lock()
	if _, ok := s.ids[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.ids, id)
	s.mu.Unlock()
	return s.save()
}

func (s *FileStore) Contains(_ context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok, nil
}

func (s *FileStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}
