package packages

import (
	"context"
	"sort"

	"github.com/albertocavalcante/pklls/internal/pkl/pkguri"
)

// ReferenceIndex is the source-reference index of the workspace: for every
// absolute import URI, the modules that reference it.
type ReferenceIndex interface {
	// Indexing reports whether the index is being (re)built.
	Indexing() bool
	// Read runs fn against a consistent snapshot of the index.
	Read(fn func(View) error) error
}

// View is a read-only snapshot of a ReferenceIndex.
type View interface {
	AllKeys() []string
	Elements(key string) []string
}

// Refresh recomputes the declared packages from the reference index. It is a
// no-op while the index is being built.
func (s *Service) Refresh(ctx context.Context) error {
	if s.index == nil {
		return nil
	}
	if s.index.Indexing() {
		s.logger.Debug("index not ready, skipping declared package refresh")
		return nil
	}

	// Closures are computed after the index lock is released.
	var keys []string
	err := s.index.Read(func(v View) error {
		for _, key := range v.AllKeys() {
			if pkguri.IsPackageURI(key) && len(v.Elements(key)) > 0 {
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(keys)

	var (
		roots    []PackageDependency
		closures [][]PackageDependency
	)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		uri, err := pkguri.Parse(key)
		if err != nil {
			s.logger.Debug("ignoring malformed package import", "uri", key, "err", err)
			continue
		}
		root := NewPackageDependency(uri)
		roots = append(roots, root)
		if closure, ok := s.ResolvedClosure(root); ok {
			closures = append(closures, closure)
		}
	}
	declared := uniqueDependencies(closures...)

	s.mu.Lock()
	s.declaredPackages = declared
	s.mu.Unlock()

	s.logger.Debug("declared packages refreshed", "roots", len(roots), "packages", len(declared))
	return nil
}
