package packages

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// LibraryRoots is the physical presence of a package in the cache.
type LibraryRoots struct {
	ZipFile      string
	MetadataFile string
	Root         *MountedRoot

	// stamps cover every candidate path tried up to and including the ones found.
	stamps []stamp
}

// LibraryRoots locates and mounts the package. The result is cached until the
// metadata or archive file changes, or an earlier candidate path appears.
func (s *Service) LibraryRoots(dep PackageDependency) (*LibraryRoots, bool) {
	return s.roots.get(dep.Key(), func() (*LibraryRoots, []stamp, bool) {
		roots, ok := s.resolveRoots(dep)
		if !ok {
			return nil, nil, false
		}
		return roots, roots.stamps, true
	})
}

func (s *Service) resolveRoots(dep PackageDependency) (*LibraryRoots, bool) {
	s.logger.Debug("getting library roots", "package", dep.URI)

	cacheDir := s.cacheDir
	if cacheDir == "" {
		return nil, false
	}
	if info, err := os.Stat(cacheDir); err != nil || !info.IsDir() {
		s.logger.Debug("package cache directory not available", "dir", cacheDir)
		return nil, false
	}

	metaCandidates := s.candidates(dep.URI.RelativeMetadataFiles())
	metadataFile, metaTried := firstExisting(metaCandidates)
	if metadataFile == "" {
		s.logger.Info("missing metadata file", "package", dep.URI, "paths", quoted(metaCandidates))
		return nil, false
	}

	zipCandidates := s.candidates(dep.URI.RelativeZipFiles())
	zipFile, zipTried := firstExisting(zipCandidates)
	if zipFile == "" {
		s.logger.Info("missing zip file", "package", dep.URI, "paths", quoted(zipCandidates))
		return nil, false
	}

	root, err := s.mounter.Mount(zipFile)
	if err != nil {
		s.logger.Warn("failed to mount package archive", "package", dep.URI, "err", err)
		return nil, false
	}

	stamps := takeStamps(slices.Concat(metaTried, zipTried)...)
	return &LibraryRoots{
		ZipFile:      zipFile,
		MetadataFile: metadataFile,
		Root:         root,
		stamps:       stamps,
	}, true
}

// candidateStamps records the current state of every path a package could live at.
func (s *Service) candidateStamps(dep PackageDependency) []stamp {
	if s.cacheDir == "" {
		return nil
	}
	paths := append(s.candidates(dep.URI.RelativeMetadataFiles()), s.candidates(dep.URI.RelativeZipFiles())...)
	return takeStamps(paths...)
}

func (s *Service) candidates(relative []string) []string {
	paths := make([]string, len(relative))
	for i, rel := range relative {
		paths[i] = filepath.Join(s.cacheDir, rel)
	}
	return paths
}

// firstExisting returns the first regular file among paths and the paths
// inspected to find it.
func firstExisting(paths []string) (string, []string) {
	for i, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, paths[:i+1]
		}
	}
	return "", paths
}

func quoted(paths []string) string {
	parts := make([]string, len(paths))
	for i, p := range paths {
		parts[i] = "`" + p + "`"
	}
	return strings.Join(parts, ", ")
}
