package imports

import (
	"context"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/albertocavalcante/pklls/internal/pkl/packages"
)

// Reference is an import found in a workspace file.
type Reference struct {
	File string
	Import
}

// Index maps module URIs to the files that reference them.
//
// Keys are the literal URI strings. When the last reference to a key goes
// away the key stays in the index with no elements, the way a stub index
// keeps stale keys until it is rebuilt.
type Index struct {
	logger   *log.Logger
	indexing atomic.Bool

	mu    sync.RWMutex
	files map[string][]Import
	keys  map[string]map[string]struct{}
}

// NewIndex returns an empty index.
func NewIndex(logger *log.Logger) *Index {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Index{
		logger: logger,
		files:  make(map[string][]Import),
		keys:   make(map[string]map[string]struct{}),
	}
}

// Indexing reports whether a workspace scan is in progress.
func (x *Index) Indexing() bool { return x.indexing.Load() }

// Read runs fn under the index read lock.
func (x *Index) Read(fn func(packages.View) error) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return fn(view{x})
}

type view struct{ x *Index }

func (v view) AllKeys() []string {
	return slices.Sorted(maps.Keys(v.x.keys))
}

func (v view) Elements(key string) []string {
	return slices.Sorted(maps.Keys(v.x.keys[key]))
}

// Update rescans a file's content and returns its imports.
func (x *Index) Update(path, content string) []Import {
	found := Scan(content)

	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(path)
	x.files[path] = found
	for _, imp := range found {
		files, ok := x.keys[imp.URI]
		if !ok {
			files = make(map[string]struct{})
			x.keys[imp.URI] = files
		}
		files[path] = struct{}{}
	}
	return found
}

// Remove forgets a file.
func (x *Index) Remove(path string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(path)
}

func (x *Index) removeLocked(path string) {
	for _, imp := range x.files[path] {
		delete(x.keys[imp.URI], path)
	}
	delete(x.files, path)
}

// Rename moves a file's entries to a new path without rescanning.
func (x *Index) Rename(from, to string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	found, ok := x.files[from]
	if !ok {
		return
	}
	x.removeLocked(from)
	x.files[to] = found
	for _, imp := range found {
		if x.keys[imp.URI] == nil {
			x.keys[imp.URI] = make(map[string]struct{})
		}
		x.keys[imp.URI][to] = struct{}{}
	}
}

// Imports returns the indexed imports of path.
func (x *Index) Imports(path string) []Import {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Clone(x.files[path])
}

// Files returns every indexed file in sorted order.
func (x *Index) Files() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Sorted(maps.Keys(x.files))
}

// ReferencesTo returns the relative imports, in any indexed file, that resolve
// to target.
func (x *Index) ReferencesTo(target string) []Reference {
	target = filepath.Clean(target)

	x.mu.RLock()
	defer x.mu.RUnlock()

	var refs []Reference
	for _, file := range slices.Sorted(maps.Keys(x.files)) {
		for _, imp := range x.files[file] {
			if resolved, ok := Resolve(file, imp); ok && resolved == target {
				refs = append(refs, Reference{File: file, Import: imp})
			}
		}
	}
	return refs
}

// Resolve returns the file a relative, non-glob import in file points to.
func Resolve(file string, imp Import) (string, bool) {
	if !IsRelative(imp) {
		return "", false
	}
	return filepath.Join(filepath.Dir(file), filepath.FromSlash(imp.URI)), true
}

// IsRelative reports whether imp is a plain relative path.
// Glob patterns and triple-dot imports are not.
func IsRelative(imp Import) bool {
	if imp.URI == "" || imp.HasScheme() || imp.IsGlob() {
		return false
	}
	if strings.HasPrefix(imp.URI, "/") || strings.HasPrefix(imp.URI, ".../") {
		return false
	}
	return true
}

// IsModuleFile reports whether path is a Pkl source file.
func IsModuleFile(path string) bool {
	return strings.HasSuffix(path, ".pkl") || filepath.Base(path) == "PklProject"
}

// ScanWorkspace indexes every module under root. Indexing reports true for
// the duration.
func (x *Index) ScanWorkspace(ctx context.Context, root string) error {
	x.indexing.Store(true)
	defer x.indexing.Store(false)

	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			x.logger.Debug("skipping unreadable path", "path", path, "err", err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsModuleFile(path) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			x.logger.Warn("failed to read module", "path", path, "err", err)
			return nil
		}
		x.Update(path, string(data))
		count++
		return nil
	})
	x.logger.Debug("indexed workspace", "root", root, "modules", count)
	return err
}

func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules" || name == "build"
}
