package lsp

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/albertocavalcante/pklls/internal/pkl/imports"
	"github.com/albertocavalcante/pklls/internal/pkl/project"
)

// Watcher reports changes to modules and project files under a workspace root.
type Watcher struct {
	// fsWatcher is the underlying file watcher. fsnotify is not recursive, so
	// every directory is added, including ones created later.
	fsWatcher *fsnotify.Watcher
	root      string
	logger    *log.Logger

	// Events receives relevant changes.
	Events chan WatchEvent

	done      chan struct{}
	closeOnce sync.Once
}

// WatchEvent is a change to a module or project file.
type WatchEvent struct {
	Path string
	Op   fsnotify.Op
}

// Removed reports whether the file is gone.
func (e WatchEvent) Removed() bool {
	return e.Op&(fsnotify.Remove|fsnotify.Rename) != 0
}

// NewWatcher watches every directory under root.
func NewWatcher(root string, logger *log.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}

	w := &Watcher{
		fsWatcher: fsWatcher,
		root:      root,
		logger:    logger,
		Events:    make(chan WatchEvent, 100),
		done:      make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

// addTree watches dir and its subdirectories, skipping hidden ones.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsWatcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
	})
	return err
}

// run processes filesystem events.
func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "err", err)
		}
	}
}

// handleEvent processes a file change event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("cannot watch new directory", "dir", event.Name, "err", err)
			}
			return
		}
	}
	if !watched(event.Name) || event.Op == fsnotify.Chmod {
		return
	}

	select {
	case w.Events <- WatchEvent{Path: event.Name, Op: event.Op}:
	case <-w.done:
	}
}

// watched reports whether changes to path matter: modules, project files and
// resolved dependency files.
func watched(path string) bool {
	base := filepath.Base(path)
	return imports.IsModuleFile(path) || base == project.DepsFile
}

// consumeWatchEvents applies watcher events until ctx is done.
func (s *Server) consumeWatchEvents(ctx context.Context, w *Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			s.handleWatchEvent(ev)
		}
	}
}

// handleWatchEvent reindexes modules changed outside the editor and reloads
// projects whose configuration changed.
func (s *Server) handleWatchEvent(ev WatchEvent) {
	ws := s.workspace()
	if ws == nil {
		return
	}

	base := filepath.Base(ev.Path)
	if base == project.ProjectFile || base == project.DepsFile {
		s.logger.Debug("project changed", "path", ev.Path)
		ws.projects.Reload(filepath.Dir(ev.Path))
		if base == project.DepsFile {
			return
		}
	}

	// Open documents are authoritative.
	if s.isOpen(ev.Path) {
		return
	}
	if ev.Removed() {
		ws.index.Remove(ev.Path)
	} else {
		data, err := os.ReadFile(ev.Path)
		if err != nil {
			ws.index.Remove(ev.Path)
		} else {
			ws.index.Update(ev.Path, string(data))
		}
	}
	ws.packages.NotifySourceChanged()
}

func (s *Server) isOpen(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.documents {
		if doc.Path == path {
			return true
		}
	}
	return false
}
