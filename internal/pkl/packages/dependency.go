package packages

import (
	"github.com/albertocavalcante/pklls/internal/pkl/pkguri"
	"github.com/albertocavalcante/pklls/internal/pkl/project"
)

// Dependency is either a PackageDependency or a LocalProjectDependency.
type Dependency interface {
	String() string
	isDependency()
}

// PackageDependency is a reference to a package, optionally resolved in the
// context of a project whose graph pins its version and checksums.
type PackageDependency struct {
	URI       pkguri.PackageURI
	Project   *project.Project
	Checksums *pkguri.Checksums
}

// LocalProjectDependency is a project on disk that another project depends on.
type LocalProjectDependency struct {
	URI pkguri.PackageURI
	Dir string
}

func (PackageDependency) isDependency()      {}
func (LocalProjectDependency) isDependency() {}

func (d PackageDependency) String() string      { return d.URI.String() }
func (d LocalProjectDependency) String() string { return d.URI.String() + " (" + d.Dir + ")" }

// NewPackageDependency returns an ad hoc dependency on uri, outside any project.
func NewPackageDependency(uri pkguri.PackageURI) PackageDependency {
	return PackageDependency{URI: uri, Checksums: uri.Checksums}
}

// Key is the cache identity: project directory plus package URI.
func (d PackageDependency) Key() string {
	if d.Project == nil {
		return d.URI.Key()
	}
	return d.Project.Dir + "|" + d.URI.Key()
}

// ProjectDir returns the owning project's directory, or "".
func (d PackageDependency) ProjectDir() string {
	if d.Project == nil {
		return ""
	}
	return d.Project.Dir
}

func fromResolved(resolved project.ResolvedDependency, p *project.Project) Dependency {
	switch d := resolved.(type) {
	case project.RemoteDependency:
		return PackageDependency{URI: d.URI.AsPackage(), Project: p, Checksums: d.Checksums}
	case project.LocalDependency:
		return LocalProjectDependency{URI: d.URI, Dir: p.LocalDir(d)}
	default:
		return nil
	}
}

func uniqueDependencies(lists ...[]PackageDependency) []PackageDependency {
	seen := make(map[string]bool)
	var out []PackageDependency
	for _, list := range lists {
		for _, dep := range list {
			key := dep.Key()
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, dep)
		}
	}
	return out
}
