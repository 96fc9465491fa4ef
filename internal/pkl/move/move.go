// Package move keeps relative module imports resolvable when Pkl modules are
// moved or renamed.
//
// A move is planned in the order a refactoring host drives it: every moving
// module is prepared, references to it from modules that stay put are
// retargeted, and finally each moved module's own relative imports are
// rewritten for its new directory.
package move

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/albertocavalcante/pklls/internal/pkl/imports"
)

// ErrNotModule is returned for paths that are not Pkl modules.
var ErrNotModule = errors.New("not a pkl module")

// Source reads module content. The LSP server overlays unsaved buffers.
type Source interface {
	ReadFile(path string) (string, error)
}

// DiskSource reads modules from disk.
type DiskSource struct{}

func (DiskSource) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Finder locates the modules that import a given file.
type Finder interface {
	ReferencesTo(target string) []imports.Reference
}

// Move is one file move.
type Move struct {
	From, To string
}

// Edit replaces the content of one module URI literal.
type Edit struct {
	// File is the path of the edited module before any move.
	File    string
	Range   imports.Range
	Start   int
	End     int
	OldText string
	NewText string
}

// Edits groups edits by file.
type Edits map[string][]Edit

// Files returns the edited files in sorted order.
func (e Edits) Files() []string {
	files := make([]string, 0, len(e))
	for f := range e {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

func (e Edits) add(edits ...Edit) {
	for _, ed := range edits {
		e[ed.File] = append(e[ed.File], ed)
	}
}

// Handler plans import rewrites for module moves.
type Handler struct {
	source Source
	finder Finder
	logger *log.Logger

	// moving maps each prepared module to its destination.
	moving map[string]string
}

// NewHandler returns a handler. finder may be nil, in which case no
// referencing modules are found.
func NewHandler(source Source, finder Finder, logger *log.Logger) *Handler {
	if source == nil {
		source = DiskSource{}
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Handler{
		source: source,
		finder: finder,
		logger: logger,
		moving: make(map[string]string),
	}
}

// CanHandle reports whether path is a module this handler rewrites.
func (h *Handler) CanHandle(path string) bool {
	return strings.HasSuffix(path, ".pkl") || filepath.Base(path) == "PklProject"
}

// Prepare records that path is about to move to newPath.
func (h *Handler) Prepare(path, newPath string) error {
	if !h.CanHandle(path) {
		return fmt.Errorf("%s: %w", path, ErrNotModule)
	}
	h.moving[filepath.Clean(path)] = filepath.Clean(newPath)
	return nil
}

// FindReferences returns the relative imports that currently resolve to path.
// The referencing modules are re-read so offsets match their content.
func (h *Handler) FindReferences(path string) []imports.Reference {
	if h.finder == nil {
		return nil
	}
	path = filepath.Clean(path)

	var refs []imports.Reference
	seen := make(map[string]bool)
	for _, candidate := range h.finder.ReferencesTo(path) {
		if seen[candidate.File] {
			continue
		}
		seen[candidate.File] = true

		content, err := h.source.ReadFile(candidate.File)
		if err != nil {
			h.logger.Warn("failed to read referencing module", "path", candidate.File, "err", err)
			continue
		}
		for _, imp := range imports.Scan(content) {
			if target, ok := imports.Resolve(candidate.File, imp); ok && target == path {
				refs = append(refs, imports.Reference{File: candidate.File, Import: imp})
			}
		}
	}
	return refs
}

// Retarget points refs at the new location of the modules they import.
// References from modules that are moving themselves are skipped; Finalize
// rewrites those.
func (h *Handler) Retarget(refs []imports.Reference) []Edit {
	var edits []Edit
	for _, ref := range refs {
		if _, ok := h.moving[filepath.Clean(ref.File)]; ok {
			continue
		}
		target, ok := imports.Resolve(ref.File, ref.Import)
		if !ok {
			continue
		}
		newTarget, ok := h.moving[target]
		if !ok {
			continue
		}
		newURI, err := relativeURI(filepath.Dir(ref.File), newTarget, ref.URI)
		if err != nil {
			h.logger.Warn("failed to retarget import", "path", ref.File, "uri", ref.URI, "err", err)
			continue
		}
		if newURI == ref.URI {
			continue
		}
		edits = append(edits, newEdit(ref.File, ref.Import, newURI))
	}
	return edits
}

// Finalize rewrites the relative imports of a prepared module so they resolve
// from its destination. Imports of modules moving alongside it follow them.
func (h *Handler) Finalize(path string) ([]Edit, error) {
	path = filepath.Clean(path)
	dest, ok := h.moving[path]
	if !ok {
		return nil, nil
	}

	content, err := h.source.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	oldDir, newDir := filepath.Dir(path), filepath.Dir(dest)
	var edits []Edit
	for _, imp := range imports.Scan(content) {
		newURI, ok, err := h.rewrite(imp, oldDir, newDir)
		if err != nil {
			h.logger.Warn("failed to rewrite import", "path", path, "uri", imp.URI, "err", err)
			continue
		}
		if ok && newURI != imp.URI {
			edits = append(edits, newEdit(path, imp, newURI))
		}
	}
	return edits, nil
}

func (h *Handler) rewrite(imp imports.Import, oldDir, newDir string) (string, bool, error) {
	if imp.IsGlob() {
		return rewriteGlob(imp.URI, oldDir, newDir)
	}
	if !imports.IsRelative(imp) {
		return "", false, nil
	}
	target := filepath.Join(oldDir, filepath.FromSlash(imp.URI))
	if moved, ok := h.moving[target]; ok {
		target = moved
	}
	newURI, err := relativeURI(newDir, target, imp.URI)
	return newURI, err == nil, err
}

// rewriteGlob shifts a relative glob pattern by the directory offset.
func rewriteGlob(pattern, oldDir, newDir string) (string, bool, error) {
	if pattern == "" || strings.HasPrefix(pattern, "/") || strings.Contains(pattern, ":") {
		return "", false, nil
	}
	offset, err := filepath.Rel(newDir, oldDir)
	if err != nil {
		return "", false, err
	}
	shifted := filepath.ToSlash(filepath.Join(offset, filepath.FromSlash(pattern)))
	return keepDotPrefix(pattern, shifted), true, nil
}

// Plan computes every edit needed to carry out moves. Non-module moves are
// ignored. Failures on individual modules are logged and skipped.
func (h *Handler) Plan(moves []Move) (Edits, error) {
	var prepared []string
	for _, m := range moves {
		if !h.CanHandle(m.From) {
			continue
		}
		if err := h.Prepare(m.From, m.To); err != nil {
			return nil, err
		}
		prepared = append(prepared, filepath.Clean(m.From))
	}
	slices.Sort(prepared)

	edits := make(Edits)
	for _, from := range prepared {
		edits.add(h.Retarget(h.FindReferences(from))...)
	}
	for _, from := range prepared {
		own, err := h.Finalize(from)
		if err != nil {
			h.logger.Warn("failed to update moved module", "path", from, "err", err)
			continue
		}
		edits.add(own...)
	}
	for file := range edits {
		dedupe(edits, file)
	}
	h.moving = make(map[string]string)
	return edits, nil
}

// ExpandDir turns a directory move into moves of every module inside it.
func ExpandDir(from, to string) ([]Move, error) {
	info, err := os.Stat(from)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []Move{{From: from, To: to}}, nil
	}
	var moves []Move
	err = filepath.WalkDir(from, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !imports.IsModuleFile(path) {
			return nil
		}
		rel, err := filepath.Rel(from, path)
		if err != nil {
			return err
		}
		moves = append(moves, Move{From: path, To: filepath.Join(to, rel)})
		return nil
	})
	return moves, err
}

// Apply applies edits to content. Edits must not overlap.
func Apply(content string, edits []Edit) (string, error) {
	sorted := slices.Clone(edits)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start > sorted[j].Start })

	prev := len(content)
	for _, e := range sorted {
		if e.Start < 0 || e.End > prev || e.Start > e.End {
			return "", fmt.Errorf("edit %d:%d out of range or overlapping", e.Start, e.End)
		}
		if content[e.Start:e.End] != e.OldText {
			return "", fmt.Errorf("edit %d:%d: content changed, expected %q", e.Start, e.End, e.OldText)
		}
		content = content[:e.Start] + e.NewText + content[e.End:]
		prev = e.Start
	}
	return content, nil
}

func newEdit(file string, imp imports.Import, newURI string) Edit {
	return Edit{
		File:    file,
		Range:   imp.Range,
		Start:   imp.Start,
		End:     imp.End,
		OldText: imp.Raw,
		NewText: imports.Quote(newURI, imp.Pounds),
	}
}

// relativeURI renders target relative to dir in URI form, keeping a "./"
// prefix when the original import had one.
func relativeURI(dir, target, original string) (string, error) {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return "", err
	}
	return keepDotPrefix(original, filepath.ToSlash(rel)), nil
}

func keepDotPrefix(original, rel string) string {
	if strings.HasPrefix(original, "./") && !strings.HasPrefix(rel, ".") {
		return "./" + rel
	}
	return rel
}

func dedupe(edits Edits, file string) {
	list := edits[file]
	sort.SliceStable(list, func(i, j int) bool { return list[i].Start < list[j].Start })
	out := list[:0]
	for i, e := range list {
		if i > 0 && e.Start == out[len(out)-1].Start {
			continue
		}
		out = append(out, e)
	}
	edits[file] = out
}
