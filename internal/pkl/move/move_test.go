package move

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/albertocavalcante/pklls/internal/pkl/imports"
)

// memSource serves module content from a map and backs an import index.
type memSource map[string]string

func (m memSource) ReadFile(path string) (string, error) {
	content, ok := m[path]
	if !ok {
		return "", os.ErrNotExist
	}
	return content, nil
}

func (m memSource) index() *imports.Index {
	x := imports.NewIndex(nil)
	for path, content := range m {
		x.Update(path, content)
	}
	return x
}

// applyAll applies the planned edits and returns the resulting workspace,
// keyed by post-move path.
func applyAll(t *testing.T, src memSource, moves []Move, edits Edits) memSource {
	t.Helper()
	out := make(memSource, len(src))
	for path, content := range src {
		out[path] = content
	}
	for file, list := range edits {
		updated, err := Apply(out[file], list)
		if err != nil {
			t.Fatalf("Apply(%s): %v", file, err)
		}
		out[file] = updated
	}
	for _, m := range moves {
		out[m.To] = out[m.From]
		delete(out, m.From)
	}
	return out
}

func TestPlanRewritesRelativeImports(t *testing.T) {
	src := memSource{
		"/w/app/main.pkl": `amends "../base/Base.pkl"
import "lib.pkl"
import "./util/strings.pkl"
import "package://example.com/foo@1.0.0#/Foo.pkl"
import "https://example.com/remote.pkl"
import "pkl:json"
import ".../shared.pkl"
import* "configs/*.pkl"
`,
		"/w/app/lib.pkl":          `import "main.pkl"` + "\n",
		"/w/app/util/strings.pkl": "",
		"/w/base/Base.pkl":        "",
		"/w/other/uses.pkl":       `import "../app/main.pkl"` + "\n",
		"/w/other/unrelated.pkl":  `import "../app/lib.pkl"` + "\n",
	}
	moves := []Move{{From: "/w/app/main.pkl", To: "/w/app/nested/deep/main.pkl"}}

	h := NewHandler(src, src.index(), nil)
	edits, err := h.Plan(moves)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	got := applyAll(t, src, moves, edits)

	wantMain := `amends "../../../base/Base.pkl"
import "../../lib.pkl"
import "../../util/strings.pkl"
import "package://example.com/foo@1.0.0#/Foo.pkl"
import "https://example.com/remote.pkl"
import "pkl:json"
import ".../shared.pkl"
import* "../../configs/*.pkl"
`
	if diff := cmp.Diff(wantMain, got["/w/app/nested/deep/main.pkl"]); diff != "" {
		t.Errorf("moved module mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(`import "nested/deep/main.pkl"`+"\n", got["/w/app/lib.pkl"]); diff != "" {
		t.Errorf("sibling reference mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(`import "../app/nested/deep/main.pkl"`+"\n", got["/w/other/uses.pkl"]); diff != "" {
		t.Errorf("remote reference mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(src["/w/other/unrelated.pkl"], got["/w/other/unrelated.pkl"]); diff != "" {
		t.Errorf("unrelated module changed (-want +got):\n%s", diff)
	}
	if _, ok := edits["/w/other/unrelated.pkl"]; ok {
		t.Error("unexpected edits for unrelated module")
	}
}

func TestPlanMovesTogether(t *testing.T) {
	src := memSource{
		"/w/pkg/a.pkl":   `import "b.pkl"` + "\nimport \"../outside.pkl\"\n",
		"/w/pkg/b.pkl":   `import "a.pkl"` + "\n",
		"/w/outside.pkl": `import "pkg/a.pkl"` + "\n",
	}
	moves := []Move{
		{From: "/w/pkg/a.pkl", To: "/w/moved/pkg/a.pkl"},
		{From: "/w/pkg/b.pkl", To: "/w/moved/pkg/b.pkl"},
	}

	h := NewHandler(src, src.index(), nil)
	edits, err := h.Plan(moves)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	got := applyAll(t, src, moves, edits)

	want := memSource{
		"/w/moved/pkg/a.pkl": `import "b.pkl"` + "\nimport \"../../outside.pkl\"\n",
		"/w/moved/pkg/b.pkl": `import "a.pkl"` + "\n",
		"/w/outside.pkl":     `import "moved/pkg/a.pkl"` + "\n",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("workspace mismatch (-want +got):\n%s", diff)
	}
	// Modules moving together keep their mutual imports unchanged.
	if list := edits["/w/pkg/b.pkl"]; len(list) != 0 {
		t.Errorf("unexpected edits for b.pkl: %+v", list)
	}
}

func TestPlanKeepsDotPrefixAndEscapes(t *testing.T) {
	src := memSource{
		"/w/a.pkl": `import "./b.pkl"` + "\n" + `import #"./c.pkl"#` + "\n",
		"/w/b.pkl": "",
		"/w/c.pkl": "",
	}
	moves := []Move{{From: "/w/b.pkl", To: "/w/sub/b.pkl"}, {From: "/w/c.pkl", To: "/w/sub/c.pkl"}}

	h := NewHandler(src, src.index(), nil)
	edits, err := h.Plan(moves)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	got := applyAll(t, src, moves, edits)

	want := `import "./sub/b.pkl"` + "\n" + `import #"./sub/c.pkl"#` + "\n"
	if diff := cmp.Diff(want, got["/w/a.pkl"]); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRetargetSkipsMovingModules(t *testing.T) {
	src := memSource{
		"/w/a.pkl": `import "b.pkl"` + "\n",
		"/w/b.pkl": "",
	}
	h := NewHandler(src, src.index(), nil)
	if err := h.Prepare("/w/a.pkl", "/w/x/a.pkl"); err != nil {
		t.Fatal(err)
	}
	if err := h.Prepare("/w/b.pkl", "/w/y/b.pkl"); err != nil {
		t.Fatal(err)
	}

	refs := h.FindReferences("/w/b.pkl")
	if len(refs) != 1 {
		t.Fatalf("FindReferences returned %d refs, want 1", len(refs))
	}
	if edits := h.Retarget(refs); len(edits) != 0 {
		t.Errorf("Retarget rewrote a moving module: %+v", edits)
	}

	edits, err := h.Finalize("/w/a.pkl")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(edits) != 1 || edits[0].NewText != "../y/b.pkl" {
		t.Errorf("Finalize edits = %+v", edits)
	}
}

func TestPrepareRejectsNonModules(t *testing.T) {
	h := NewHandler(memSource{}, nil, nil)
	if h.CanHandle("/w/readme.md") {
		t.Error("CanHandle accepted a markdown file")
	}
	if !h.CanHandle("/w/PklProject") {
		t.Error("CanHandle rejected PklProject")
	}
	if err := h.Prepare("/w/readme.md", "/w/docs/readme.md"); !errors.Is(err, ErrNotModule) {
		t.Errorf("Prepare error = %v, want ErrNotModule", err)
	}
}

func TestFinalizeUnreadableModule(t *testing.T) {
	h := NewHandler(memSource{}, nil, nil)
	if err := h.Prepare("/w/gone.pkl", "/w/x/gone.pkl"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Finalize("/w/gone.pkl"); err == nil {
		t.Error("expected an error for a missing module")
	}

	edits, err := NewHandler(memSource{}, nil, nil).Plan([]Move{{From: "/w/gone.pkl", To: "/w/x/gone.pkl"}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(edits) != 0 {
		t.Errorf("expected no edits, got %v", edits)
	}
}

func TestApplyDetectsChangedContent(t *testing.T) {
	content := `import "a.pkl"`
	imp := imports.Scan(content)[0]
	edit := newEdit("/w/x.pkl", imp, "b.pkl")

	got, err := Apply(content, []Edit{edit})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != `import "b.pkl"` {
		t.Errorf("Apply = %q", got)
	}
	if _, err := Apply(`import "z.pkl"`, []Edit{edit}); err == nil {
		t.Error("expected an error when the content changed")
	}
}

func TestExpandDir(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{"a.pkl", "sub/b.pkl", "notes.txt"} {
		path := filepath.Join(root, "src", rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	moves, err := ExpandDir(filepath.Join(root, "src"), filepath.Join(root, "dst"))
	if err != nil {
		t.Fatalf("ExpandDir: %v", err)
	}
	want := []Move{
		{From: filepath.Join(root, "src", "a.pkl"), To: filepath.Join(root, "dst", "a.pkl")},
		{From: filepath.Join(root, "src", "sub", "b.pkl"), To: filepath.Join(root, "dst", "sub", "b.pkl")},
	}
	if diff := cmp.Diff(want, moves); diff != "" {
		t.Errorf("ExpandDir mismatch (-want +got):\n%s", diff)
	}
}
