package packages

import (
	"errors"
)

// Metadata returns the parsed metadata of dep, cached until the metadata file changes.
func (s *Service) Metadata(dep PackageDependency) (*PackageMetadata, bool) {
	return s.metadata.get(dep.Key(), func() (*PackageMetadata, []stamp, bool) {
		roots, ok := s.LibraryRoots(dep)
		if !ok {
			return nil, nil, false
		}
		// Stamped before reading: a write racing the read leaves the entry stale.
		st := takeStamp(roots.MetadataFile)
		meta, err := s.readMetadata(roots.MetadataFile)
		if err != nil {
			var metaErr *MetadataError
			if errors.As(err, &metaErr) {
				s.logger.Error("malformed package metadata", "package", dep.URI, "path", metaErr.Path, "err", metaErr.Err)
			} else {
				s.logger.Error("failed to load package metadata", "package", dep.URI, "err", err)
			}
			return nil, nil, false
		}
		return meta, []stamp{st}, true
	})
}

// ResolvedClosure returns dep followed by every package reachable through its
// declared dependencies, each exactly once. Dependencies that cannot be resolved
// are left out; the result is absent only when dep itself cannot be resolved.
//
// The cached result tracks every file consulted while computing it, including
// the candidate paths of packages that were missing, so a download or change
// anywhere in the graph invalidates it.
func (s *Service) ResolvedClosure(dep PackageDependency) ([]PackageDependency, bool) {
	return s.closures.get(dep.Key(), func() ([]PackageDependency, []stamp, bool) {
		return s.computeClosure(dep)
	})
}

func (s *Service) computeClosure(root PackageDependency) ([]PackageDependency, []stamp, bool) {
	var (
		result  []PackageDependency
		stamps  []stamp
		visited = make(map[string]bool)
	)

	var visit func(dep PackageDependency) bool
	visit = func(dep PackageDependency) bool {
		key := dep.Key()
		if visited[key] {
			return true
		}
		visited[key] = true

		roots, ok := s.LibraryRoots(dep)
		if !ok {
			stamps = append(stamps, s.candidateStamps(dep)...)
			return false
		}
		stamps = append(stamps, roots.stamps...)

		meta, ok := s.Metadata(dep)
		if !ok {
			return false
		}
		result = append(result, dep)

		for _, name := range meta.DependencyNames() {
			spec := meta.Dependencies[name]
			child := PackageDependency{URI: spec.URI, Checksums: spec.Checksums}
			if !visit(child) {
				s.logger.Debug("skipping unresolved dependency", "package", dep.URI, "dependency", name, "uri", spec.URI)
			}
		}
		return true
	}

	if !visit(root) {
		return nil, nil, false
	}
	return result, stamps, true
}
