package packages

import (
	"archive/zip"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/albertocavalcante/pklls/internal/pkl/pkguri"
)

// cacheFixture writes packages into a throwaway pkl cache directory.
type cacheFixture struct {
	t   *testing.T
	dir string
}

func newCacheFixture(t *testing.T) *cacheFixture {
	t.Helper()
	return &cacheFixture{t: t, dir: t.TempDir()}
}

// layout selects the candidate path index (0 = current, 1 = legacy).
func (c *cacheFixture) metadataPath(uri string, layout int) string {
	return filepath.Join(c.dir, pkguri.MustParse(uri).RelativeMetadataFiles()[layout])
}

func (c *cacheFixture) zipPath(uri string, layout int) string {
	return filepath.Join(c.dir, pkguri.MustParse(uri).RelativeZipFiles()[layout])
}

// writePackage writes both metadata and archive in the current layout.
func (c *cacheFixture) writePackage(uri string, deps map[string]string) {
	c.t.Helper()
	c.writeMetadata(uri, deps, 0)
	c.writeZip(uri, 0)
}

func (c *cacheFixture) writeMetadata(uri string, deps map[string]string, layout int) {
	c.t.Helper()
	raw := rawMetadata{
		Name:         pkguri.MustParse(uri).Name(),
		PackageURI:   uri,
		Version:      pkguri.MustParse(uri).Version.String(),
		Dependencies: map[string]rawDependency{},
	}
	for name, depURI := range deps {
		raw.Dependencies[name] = rawDependency{URI: depURI}
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		c.t.Fatalf("marshal metadata: %v", err)
	}
	c.writeFile(c.metadataPath(uri, layout), data)
}

func (c *cacheFixture) writeZip(uri string, layout int) {
	c.t.Helper()
	path := c.zipPath(uri, layout)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		c.t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create(pkguri.MustParse(uri).Name() + ".pkl")
	if err != nil {
		c.t.Fatalf("zip entry: %v", err)
	}
	if _, err := w.Write([]byte("module " + pkguri.MustParse(uri).Name() + "\n")); err != nil {
		c.t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		c.t.Fatalf("zip close: %v", err)
	}
	if err := f.Close(); err != nil {
		c.t.Fatalf("file close: %v", err)
	}
}

func (c *cacheFixture) writeFile(path string, data []byte) {
	c.t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.t.Fatalf("write %s: %v", path, err)
	}
}

func (c *cacheFixture) service(t *testing.T, opts Options) *Service {
	t.Helper()
	opts.CacheDir = c.dir
	s := NewService(opts)
	t.Cleanup(s.Close)
	return s
}

func dep(uri string) PackageDependency {
	return NewPackageDependency(pkguri.MustParse(uri))
}

func uris(deps []PackageDependency) []string {
	out := make([]string, len(deps))
	for i, d := range deps {
		out[i] = d.URI.String()
	}
	return out
}

// fakeIndex is an in-memory ReferenceIndex.
type fakeIndex struct {
	indexing bool
	refs     map[string][]string
}

func (f *fakeIndex) Indexing() bool { return f.indexing }

func (f *fakeIndex) Read(fn func(View) error) error { return fn(f) }

func (f *fakeIndex) AllKeys() []string {
	keys := make([]string, 0, len(f.refs))
	for k := range f.refs {
		keys = append(keys, k)
	}
	return keys
}

func (f *fakeIndex) Elements(key string) []string { return f.refs[key] }
