// Package packages tracks the Pkl packages a workspace uses, locates their
// downloaded artifacts in the shared cache, and computes dependency closures.
//
// Two populations are tracked independently: packages declared by projects
// (PklProject.deps.json) and packages imported by absolute URI from source
// files. Derived data is cached per (project, dependency) and invalidated when
// the files it was computed from change on disk.
package packages

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/albertocavalcante/pklls/internal/pkl/project"
)

// Options configures a Service.
type Options struct {
	// CacheDir is the pkl package cache root. Empty means packages are never found.
	CacheDir string
	// RefreshDelay is the debounce window for declared package refreshes.
	RefreshDelay time.Duration
	// Index provides absolute import URIs; nil disables declared packages.
	Index ReferenceIndex
	// Projects publishes project changes; nil disables project packages.
	Projects   ProjectSource
	Downloader Downloader
	Mounter    Mounter
	Logger     *log.Logger
	// Workers bounds concurrent background tasks. Defaults to 4.
	Workers int
}

// Service is the per-workspace package service.
type Service struct {
	cacheDir   string
	logger     *log.Logger
	mounter    Mounter
	index      ReferenceIndex
	downloader Downloader
	// readMetadata parses a metadata file; replaced in tests.
	readMetadata func(path string) (*PackageMetadata, error)

	roots    *memo[*LibraryRoots]
	metadata *memo[*PackageMetadata]
	closures *memo[[]PackageDependency]

	exec      *Executor
	scheduler *Scheduler

	mu               sync.RWMutex
	projectPackages  []PackageDependency
	declaredPackages []PackageDependency

	unsubscribe func()
	closeOnce   sync.Once
}

// NewService creates the service and subscribes it to project changes.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	mounter := opts.Mounter
	if mounter == nil {
		mounter = ZipMounter{}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	s := &Service{
		cacheDir:   opts.CacheDir,
		logger:     logger,
		mounter:    mounter,
		index:      opts.Index,
		downloader: opts.Downloader,

		readMetadata: LoadMetadata,
		metadata:     newMemo[*PackageMetadata](nil),
		closures:     newMemo[[]PackageDependency](nil),
		roots: newMemo(func(r *LibraryRoots) {
			if r != nil && r.Root != nil {
				_ = r.Root.Close()
			}
		}),
		exec: NewExecutor(workers, logger),
	}
	s.scheduler = NewScheduler(opts.RefreshDelay, s.exec, s.Refresh, logger)
	if opts.Projects != nil {
		s.unsubscribe = opts.Projects.Subscribe(s.onProjectsUpdated)
	}
	return s
}

// CacheDir returns the package cache root.
func (s *Service) CacheDir() string { return s.cacheDir }

// RefreshPending reports whether source changes are waiting for a refresh.
func (s *Service) RefreshPending() bool { return s.scheduler.Pending() }

// NotifySourceChanged records a change to a source module. The declared
// packages are refreshed once edits settle.
func (s *Service) NotifySourceChanged() {
	s.scheduler.Notify()
}

// Sync replaces a pending refresh with one that runs now, on the caller's
// goroutine.
func (s *Service) Sync(ctx context.Context) error {
	s.scheduler.Cancel()
	return s.Refresh(ctx)
}

// AllPackages returns project packages followed by declared packages, each once.
func (s *Service) AllPackages() []PackageDependency {
	s.mu.RLock()
	projectPackages, declaredPackages := s.projectPackages, s.declaredPackages
	s.mu.RUnlock()
	return uniqueDependencies(projectPackages, declaredPackages)
}

// ProjectPackages returns the latest project package snapshot.
func (s *Service) ProjectPackages() []PackageDependency {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PackageDependency(nil), s.projectPackages...)
}

// DeclaredPackages returns the latest declared package snapshot.
func (s *Service) DeclaredPackages() []PackageDependency {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PackageDependency(nil), s.declaredPackages...)
}

// IsInPackage reports whether uri lies inside a tracked package archive.
func (s *Service) IsInPackage(uri string) bool {
	_, ok := s.DirectlyImportedPackage(uri)
	return ok
}

// DirectlyImportedPackage returns the tracked package whose mounted root contains uri.
func (s *Service) DirectlyImportedPackage(uri string) (PackageDependency, bool) {
	for _, dep := range s.AllPackages() {
		roots, ok := s.LibraryRoots(dep)
		if ok && roots.Root.Contains(uri) {
			return dep, true
		}
	}
	return PackageDependency{}, false
}

// ResolvedDependencies maps each dependency name declared by dep's metadata to
// the dependency it resolves to.
//
// A package owned by a project resolves through that project's graph; entries
// missing from the graph are dropped, and a project without a resolved graph
// yields absence. Otherwise entries resolve through scope's graph when it
// pins them, and to plain package dependencies when it does not.
func (s *Service) ResolvedDependencies(dep PackageDependency, scope *project.Project) (map[string]Dependency, bool) {
	meta, ok := s.Metadata(dep)
	if !ok {
		return nil, false
	}

	if dep.Project != nil {
		if dep.Project.Deps == nil {
			return nil, false
		}
		out := make(map[string]Dependency, len(meta.Dependencies))
		for name, spec := range meta.Dependencies {
			resolved := dep.Project.Deps.ResolvedDependency(spec.URI)
			if resolved == nil {
				continue
			}
			if d := fromResolved(resolved, dep.Project); d != nil {
				out[name] = d
			}
		}
		return out, true
	}

	out := make(map[string]Dependency, len(meta.Dependencies))
	for name, spec := range meta.Dependencies {
		plain := PackageDependency{URI: spec.URI, Checksums: spec.Checksums}
		if scope == nil {
			out[name] = plain
			continue
		}
		resolved := scope.Deps.ResolvedDependency(spec.URI)
		if resolved == nil {
			out[name] = plain
			continue
		}
		if d := fromResolved(resolved, scope); d != nil {
			out[name] = d
		} else {
			out[name] = plain
		}
	}
	return out, true
}

// Close stops the refresh timer, unsubscribes from project events, waits for
// background work and releases mounted archives.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.scheduler.Close()
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.exec.Close()
		s.closures.clear()
		s.metadata.clear()
		s.roots.clear()
	})
}

func discardLogger() *log.Logger {
	return log.New(io.Discard)
}
