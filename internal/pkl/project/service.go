package project

import (
	"context"
	"io"
	"io/fs"
	"maps"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// Listener receives the full set of known projects, keyed by project directory.
type Listener func(projects map[string]*Project)

// Service tracks the projects inside a workspace and notifies listeners whenever
// the set or any project's resolved graph changes.
type Service struct {
	root   string
	logger *log.Logger

	mu        sync.Mutex
	projects  map[string]*Project
	listeners map[int]Listener
	nextID    int

	// publishMu serializes notifications so listeners observe events in publish order.
	publishMu sync.Mutex
}

// NewService creates a project service for the workspace rooted at root.
func NewService(root string, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Service{
		root:      root,
		logger:    logger,
		projects:  make(map[string]*Project),
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers a listener and returns a function that removes it.
func (s *Service) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Projects returns a copy of the known projects.
func (s *Service) Projects() map[string]*Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.projects)
}

// Discover walks the workspace for PklProject files, loads each one, and publishes
// the result. Unreadable projects are logged and skipped.
func (s *Service) Discover(ctx context.Context) error {
	if s.root == "" {
		return nil
	}

	found := make(map[string]*Project)
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug("skipping unreadable path", "path", path, "err", err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != s.root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != ProjectFile {
			return nil
		}

		dir := filepath.Dir(path)
		p, loadErr := Load(dir)
		if loadErr != nil {
			s.logger.Warn("failed to load project", "dir", dir, "err", loadErr)
			return nil
		}
		found[p.Dir] = p
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.projects = found
	s.mu.Unlock()

	s.logger.Debug("discovered projects", "count", len(found))
	s.publish()
	return nil
}

// Reload re-reads a single project directory and publishes. If the directory no
// longer holds a project it is forgotten.
func (s *Service) Reload(dir string) {
	p, err := Load(dir)

	s.mu.Lock()
	if err != nil {
		abs, _ := filepath.Abs(dir)
		delete(s.projects, abs)
		s.logger.Debug("project removed", "dir", abs, "err", err)
	} else {
		s.projects[p.Dir] = p
	}
	s.mu.Unlock()

	s.publish()
}

// ProjectFor returns the innermost project containing path, or nil.
func (s *Service) ProjectFor(path string) *Project {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Project
	for dir, p := range s.projects {
		if !within(dir, path) {
			continue
		}
		if best == nil || len(dir) > len(best.Dir) {
			best = p
		}
	}
	return best
}

func (s *Service) publish() {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	snapshot := maps.Clone(s.projects)
	listeners := make([]Listener, 0, len(s.listeners))
	for i := 0; i < s.nextID; i++ {
		if l, ok := s.listeners[i]; ok {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules" || name == "build"
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
