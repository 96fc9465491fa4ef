// Package project loads Pkl projects and their resolved dependency graphs.
//
// A project is a directory holding a PklProject file. The resolved graph lives
// next to it in PklProject.deps.json, written by `pkl project resolve`.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/albertocavalcante/pklls/internal/pkl/pkguri"
)

// File names that make up a project.
const (
	ProjectFile = "PklProject"
	DepsFile    = "PklProject.deps.json"
)

// Dependency kinds as written in the deps file.
const (
	TypeRemote = "remote"
	TypeLocal  = "local"
)

// Project is a Pkl project rooted at Dir.
type Project struct {
	// Dir is the absolute directory containing the PklProject file.
	Dir string

	// Deps is the resolved dependency graph, nil when the project has not been resolved.
	Deps *Deps
}

// Deps is the content of PklProject.deps.json.
type Deps struct {
	SchemaVersion int

	// ResolvedDependencies is keyed by the package URI truncated to its major version,
	// e.g. "package://example.com/foo@1".
	ResolvedDependencies map[string]ResolvedDependency
}

// ResolvedDependency is one entry of the resolved graph: either a RemoteDependency
// or a LocalDependency.
type ResolvedDependency interface {
	PackageURI() pkguri.PackageURI
	isResolvedDependency()
}

// RemoteDependency is a package fetched from a remote host.
type RemoteDependency struct {
	URI       pkguri.PackageURI
	Checksums *pkguri.Checksums
}

// LocalDependency is another project on disk referenced by relative path.
type LocalDependency struct {
	URI  pkguri.PackageURI
	Path string
}

func (d RemoteDependency) PackageURI() pkguri.PackageURI { return d.URI }
func (d LocalDependency) PackageURI() pkguri.PackageURI  { return d.URI }

func (RemoteDependency) isResolvedDependency() {}
func (LocalDependency) isResolvedDependency()  {}

// ResolvedDependency looks up the entry the project resolved for uri, matching on
// the major version. Returns nil if the project does not depend on the package.
func (d *Deps) ResolvedDependency(uri pkguri.PackageURI) ResolvedDependency {
	if d == nil {
		return nil
	}
	return d.ResolvedDependencies[uri.MajorKey()]
}

// Keys returns the resolved dependency keys in sorted order.
func (d *Deps) Keys() []string {
	if d == nil {
		return nil
	}
	keys := make([]string, 0, len(d.ResolvedDependencies))
	for k := range d.ResolvedDependencies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RemoteDependencies returns the remote entries in key order.
func (p *Project) RemoteDependencies() []RemoteDependency {
	if p == nil || p.Deps == nil {
		return nil
	}
	var remotes []RemoteDependency
	for _, key := range p.Deps.Keys() {
		if remote, ok := p.Deps.ResolvedDependencies[key].(RemoteDependency); ok {
			remotes = append(remotes, remote)
		}
	}
	return remotes
}

// LocalDir resolves a local dependency's directory relative to the project.
func (p *Project) LocalDir(dep LocalDependency) string {
	if filepath.IsAbs(dep.Path) {
		return filepath.Clean(dep.Path)
	}
	return filepath.Join(p.Dir, filepath.FromSlash(dep.Path))
}

// Load reads the project in dir. A missing deps file is not an error.
func Load(dir string) (*Project, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving project dir: %w", err)
	}
	if _, err := os.Stat(filepath.Join(absDir, ProjectFile)); err != nil {
		return nil, fmt.Errorf("no %s in %s: %w", ProjectFile, absDir, err)
	}

	deps, err := LoadDeps(filepath.Join(absDir, DepsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Project{Dir: absDir}, nil
		}
		return nil, err
	}
	return &Project{Dir: absDir, Deps: deps}, nil
}

type rawDeps struct {
	SchemaVersion        int                      `json:"schemaVersion"`
	ResolvedDependencies map[string]rawDependency `json:"resolvedDependencies"`
}

type rawDependency struct {
	Type      string            `json:"type"`
	URI       string            `json:"uri"`
	Checksums *pkguri.Checksums `json:"checksums,omitempty"`
	Path      string            `json:"path,omitempty"`
}

// LoadDeps parses a PklProject.deps.json file.
func LoadDeps(path string) (*Deps, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	deps, err := ParseDeps(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return deps, nil
}

// ParseDeps decodes deps file content.
func ParseDeps(data []byte) (*Deps, error) {
	var raw rawDeps
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	deps := &Deps{
		SchemaVersion:        raw.SchemaVersion,
		ResolvedDependencies: make(map[string]ResolvedDependency, len(raw.ResolvedDependencies)),
	}
	for key, entry := range raw.ResolvedDependencies {
		uri, err := pkguri.Parse(entry.URI)
		if err != nil {
			return nil, fmt.Errorf("dependency %q: %w", key, err)
		}
		switch entry.Type {
		case TypeRemote:
			deps.ResolvedDependencies[key] = RemoteDependency{URI: uri, Checksums: entry.Checksums}
		case TypeLocal:
			deps.ResolvedDependencies[key] = LocalDependency{URI: uri, Path: entry.Path}
		default:
			return nil, fmt.Errorf("dependency %q: unknown type %q", key, entry.Type)
		}
	}
	return deps, nil
}
