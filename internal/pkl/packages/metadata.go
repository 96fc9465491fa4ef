package packages

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/albertocavalcante/pklls/internal/pkl/pkguri"
)

// PackageMetadata is the content of a package's metadata JSON file.
type PackageMetadata struct {
	Name                string
	PackageURI          pkguri.PackageURI
	Version             string
	PackageZipURL       string
	PackageZipChecksums *pkguri.Checksums
	Dependencies        map[string]DependencySpec
	SourceCode          string
	SourceCodeURLScheme string
	Documentation       string
	License             string
	Authors             []string
	IssueTracker        string
	Description         string
}

// DependencySpec is a dependency as declared in package metadata.
type DependencySpec struct {
	URI       pkguri.PackageURI
	Checksums *pkguri.Checksums
}

// DependencyNames returns the declared dependency names in sorted order.
func (m *PackageMetadata) DependencyNames() []string {
	names := make([]string, 0, len(m.Dependencies))
	for name := range m.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MetadataError reports a metadata file that could not be read or parsed.
type MetadataError struct {
	Path string
	Err  error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("package metadata %s: %v", e.Path, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

type rawMetadata struct {
	Name                string                   `json:"name"`
	PackageURI          string                   `json:"packageUri"`
	Version             string                   `json:"version"`
	PackageZipURL       string                   `json:"packageZipUrl"`
	PackageZipChecksums *pkguri.Checksums        `json:"packageZipChecksums,omitempty"`
	Dependencies        map[string]rawDependency `json:"dependencies"`
	SourceCode          string                   `json:"sourceCode,omitempty"`
	SourceCodeURLScheme string                   `json:"sourceCodeUrlScheme,omitempty"`
	Documentation       string                   `json:"documentation,omitempty"`
	License             string                   `json:"license,omitempty"`
	Authors             []string                 `json:"authors,omitempty"`
	IssueTracker        string                   `json:"issueTracker,omitempty"`
	Description         string                   `json:"description,omitempty"`
}

type rawDependency struct {
	URI       string            `json:"uri"`
	Checksums *pkguri.Checksums `json:"checksums,omitempty"`
}

// LoadMetadata reads and parses the metadata file at path.
func LoadMetadata(path string) (*PackageMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &MetadataError{Path: path, Err: err}
	}
	meta, err := ParseMetadata(data)
	if err != nil {
		return nil, &MetadataError{Path: path, Err: err}
	}
	return meta, nil
}

// ParseMetadata decodes metadata JSON.
func ParseMetadata(data []byte) (*PackageMetadata, error) {
	var raw rawMetadata
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	uri, err := pkguri.Parse(raw.PackageURI)
	if err != nil {
		return nil, fmt.Errorf("packageUri: %w", err)
	}

	meta := &PackageMetadata{
		Name:                raw.Name,
		PackageURI:          uri,
		Version:             raw.Version,
		PackageZipURL:       raw.PackageZipURL,
		PackageZipChecksums: raw.PackageZipChecksums,
		Dependencies:        make(map[string]DependencySpec, len(raw.Dependencies)),
		SourceCode:          raw.SourceCode,
		SourceCodeURLScheme: raw.SourceCodeURLScheme,
		Documentation:       raw.Documentation,
		License:             raw.License,
		Authors:             raw.Authors,
		IssueTracker:        raw.IssueTracker,
		Description:         raw.Description,
	}
	for name, dep := range raw.Dependencies {
		depURI, err := pkguri.Parse(dep.URI)
		if err != nil {
			return nil, fmt.Errorf("dependency %q: %w", name, err)
		}
		meta.Dependencies[name] = DependencySpec{URI: depURI, Checksums: dep.Checksums}
	}
	return meta, nil
}
