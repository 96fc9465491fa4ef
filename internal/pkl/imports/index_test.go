package imports

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/albertocavalcante/pklls/internal/pkl/packages"
)

const fooPkg = "package://example.com/foo@1.0.0#/Foo.pkl"

func readView(t *testing.T, x *Index) (keys []string, elems map[string][]string) {
	t.Helper()
	elems = make(map[string][]string)
	err := x.Read(func(v packages.View) error {
		keys = v.AllKeys()
		for _, k := range keys {
			elems[k] = v.Elements(k)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return keys, elems
}

func TestIndexKeysAndOrphans(t *testing.T) {
	x := NewIndex(nil)
	x.Update("/w/a.pkl", `import "`+fooPkg+`"`+"\nimport \"b.pkl\"\n")
	x.Update("/w/c.pkl", `import "`+fooPkg+`"`+"\n")

	keys, elems := readView(t, x)
	if diff := cmp.Diff([]string{"b.pkl", fooPkg}, keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"/w/a.pkl", "/w/c.pkl"}, elems[fooPkg]); diff != "" {
		t.Errorf("elements mismatch (-want +got):\n%s", diff)
	}

	// Dropping the import leaves an orphaned key with no elements.
	x.Update("/w/a.pkl", "import \"b.pkl\"\n")
	x.Remove("/w/c.pkl")
	keys, elems = readView(t, x)
	if diff := cmp.Diff([]string{"b.pkl", fooPkg}, keys); diff != "" {
		t.Errorf("keys after removal mismatch (-want +got):\n%s", diff)
	}
	if len(elems[fooPkg]) != 0 {
		t.Errorf("expected orphaned key, got elements %v", elems[fooPkg])
	}
}

func TestIndexSatisfiesReferenceIndex(t *testing.T) {
	var _ packages.ReferenceIndex = NewIndex(nil)
}

func TestReferencesTo(t *testing.T) {
	x := NewIndex(nil)
	x.Update("/w/a.pkl", "import \"lib/b.pkl\"\nimport \"package://example.com/foo@1.0.0#/b.pkl\"\n")
	x.Update("/w/lib/c.pkl", "amends \"./b.pkl\"\n")
	x.Update("/w/other/d.pkl", "import \"../lib/b.pkl\"\nimport* \"../lib/*.pkl\"\n")
	x.Update("/w/e.pkl", "import \"b.pkl\"\n")

	var got []string
	for _, ref := range x.ReferencesTo("/w/lib/b.pkl") {
		got = append(got, ref.File+" "+ref.URI)
	}
	want := []string{
		"/w/a.pkl lib/b.pkl",
		"/w/lib/c.pkl ./b.pkl",
		"/w/other/d.pkl ../lib/b.pkl",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReferencesTo mismatch (-want +got):\n%s", diff)
	}
}

func TestIndexRename(t *testing.T) {
	x := NewIndex(nil)
	x.Update("/w/a.pkl", "import \"b.pkl\"\n")
	x.Rename("/w/a.pkl", "/w/sub/a.pkl")

	if got := x.Files(); !cmp.Equal(got, []string{"/w/sub/a.pkl"}) {
		t.Errorf("Files() = %v", got)
	}
	_, elems := readView(t, x)
	if diff := cmp.Diff([]string{"/w/sub/a.pkl"}, elems["b.pkl"]); diff != "" {
		t.Errorf("elements mismatch (-want +got):\n%s", diff)
	}
}

func TestIsRelative(t *testing.T) {
	tests := []struct {
		imp  Import
		want bool
	}{
		{Import{URI: "a.pkl"}, true},
		{Import{URI: "../a.pkl"}, true},
		{Import{URI: "/abs/a.pkl"}, false},
		{Import{URI: ".../a.pkl"}, false},
		{Import{URI: "pkl:base"}, false},
		{Import{URI: "*.pkl", Kind: KindImportGlob}, false},
		{Import{URI: ""}, false},
	}
	for _, tt := range tests {
		if got := IsRelative(tt.imp); got != tt.want {
			t.Errorf("IsRelative(%q) = %v, want %v", tt.imp.URI, got, tt.want)
		}
	}
}

func TestScanWorkspace(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		t.Helper()
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("a.pkl", "import \"b.pkl\"\n")
	write("PklProject", "amends \"pkl:Project\"\n")
	write("sub/b.pkl", "")
	write(".git/x.pkl", "import \"hidden.pkl\"\n")
	write("notes.txt", "import \"text.pkl\"\n")

	x := NewIndex(nil)
	if err := x.ScanWorkspace(context.Background(), root); err != nil {
		t.Fatalf("ScanWorkspace: %v", err)
	}
	if x.Indexing() {
		t.Error("Indexing() still true after scan")
	}

	want := []string{
		filepath.Join(root, "PklProject"),
		filepath.Join(root, "a.pkl"),
		filepath.Join(root, "sub", "b.pkl"),
	}
	if diff := cmp.Diff(want, x.Files()); diff != "" {
		t.Errorf("Files mismatch (-want +got):\n%s", diff)
	}
}
