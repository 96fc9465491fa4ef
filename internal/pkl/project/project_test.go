package project

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/albertocavalcante/pklls/internal/pkl/pkguri"
)

const sampleDeps = `{
  "schemaVersion": 1,
  "resolvedDependencies": {
    "package://example.com/bar@2": {
      "type": "remote",
      "uri": "projectpackage://example.com/bar@2.1.0",
      "checksums": {"sha256": "abc"}
    },
    "package://example.com/baz@1": {
      "type": "local",
      "uri": "projectpackage://example.com/baz@1.0.0",
      "path": "../baz"
    }
  }
}`

func writeProject(t *testing.T, dir, deps string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ProjectFile), []byte("amends \"pkl:Project\"\n"), 0o644); err != nil {
		t.Fatalf("write PklProject: %v", err)
	}
	if deps != "" {
		if err := os.WriteFile(filepath.Join(dir, DepsFile), []byte(deps), 0o644); err != nil {
			t.Fatalf("write deps: %v", err)
		}
	}
}

func TestParseDeps(t *testing.T) {
	deps, err := ParseDeps([]byte(sampleDeps))
	if err != nil {
		t.Fatalf("ParseDeps failed: %v", err)
	}

	want := map[string]ResolvedDependency{
		"package://example.com/bar@2": RemoteDependency{
			URI:       pkguri.MustParse("projectpackage://example.com/bar@2.1.0"),
			Checksums: &pkguri.Checksums{SHA256: "abc"},
		},
		"package://example.com/baz@1": LocalDependency{
			URI:  pkguri.MustParse("projectpackage://example.com/baz@1.0.0"),
			Path: "../baz",
		},
	}
	if diff := cmp.Diff(want, deps.ResolvedDependencies); diff != "" {
		t.Errorf("ResolvedDependencies mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDepsUnknownType(t *testing.T) {
	_, err := ParseDeps([]byte(`{"resolvedDependencies":{"k":{"type":"weird","uri":"package://a.com/b@1.0.0"}}}`))
	if err == nil {
		t.Fatal("expected error for unknown dependency type")
	}
}

func TestResolvedDependencyMatchesMajor(t *testing.T) {
	deps, err := ParseDeps([]byte(sampleDeps))
	if err != nil {
		t.Fatalf("ParseDeps failed: %v", err)
	}

	got := deps.ResolvedDependency(pkguri.MustParse("package://example.com/bar@2.0.0"))
	remote, ok := got.(RemoteDependency)
	if !ok {
		t.Fatalf("expected RemoteDependency, got %T", got)
	}
	if remote.URI.Version.Minor != 1 {
		t.Errorf("expected pinned 2.1.0, got %s", remote.URI.Version)
	}

	if got := deps.ResolvedDependency(pkguri.MustParse("package://example.com/bar@3.0.0")); got != nil {
		t.Errorf("expected no match for other major, got %v", got)
	}

	var nilDeps *Deps
	if got := nilDeps.ResolvedDependency(pkguri.MustParse("package://example.com/bar@2.0.0")); got != nil {
		t.Errorf("expected nil deps to resolve nothing, got %v", got)
	}
}

func TestLoadWithoutDeps(t *testing.T) {
	dir := t.TempDir()
	writeProject(t, dir, "")

	p, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.Deps != nil {
		t.Errorf("expected nil deps, got %+v", p.Deps)
	}
	if len(p.RemoteDependencies()) != 0 {
		t.Error("expected no remote dependencies")
	}
}

func TestLoadNotAProject(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error loading a directory without PklProject")
	}
}

func TestRemoteDependenciesAndLocalDir(t *testing.T) {
	dir := t.TempDir()
	writeProject(t, dir, sampleDeps)

	p, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	remotes := p.RemoteDependencies()
	if len(remotes) != 1 || remotes[0].URI.Path != "bar" {
		t.Fatalf("RemoteDependencies() = %+v, want only bar", remotes)
	}

	local := p.Deps.ResolvedDependencies["package://example.com/baz@1"].(LocalDependency)
	if got, want := p.LocalDir(local), filepath.Join(filepath.Dir(p.Dir), "baz"); got != want {
		t.Errorf("LocalDir() = %q, want %q", got, want)
	}
}

func TestServiceDiscoverPublishes(t *testing.T) {
	root := t.TempDir()
	writeProject(t, filepath.Join(root, "a"), sampleDeps)
	writeProject(t, filepath.Join(root, "a", "nested"), "")
	writeProject(t, filepath.Join(root, ".hidden"), "")

	svc := NewService(root, nil)

	var mu sync.Mutex
	var events []map[string]*Project
	unsubscribe := svc.Subscribe(func(projects map[string]*Project) {
		mu.Lock()
		events = append(events, projects)
		mu.Unlock()
	})

	if err := svc.Discover(context.Background()); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	mu.Lock()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if len(events[0]) != 2 {
		t.Errorf("expected 2 projects (hidden skipped), got %d", len(events[0]))
	}
	mu.Unlock()

	nested := svc.ProjectFor(filepath.Join(root, "a", "nested", "x.pkl"))
	if nested == nil || nested.Dir != filepath.Join(root, "a", "nested") {
		t.Errorf("ProjectFor picked %+v, want innermost project", nested)
	}
	if svc.ProjectFor(filepath.Join(root, "other.pkl")) != nil {
		t.Error("expected no project outside project dirs")
	}

	unsubscribe()
	svc.Reload(filepath.Join(root, "a"))

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Errorf("expected no events after unsubscribe, got %d", len(events))
	}
}

func TestServiceReloadRemovesProject(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "p")
	writeProject(t, dir, "")

	svc := NewService(root, nil)
	if err := svc.Discover(context.Background()); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(svc.Projects()) != 1 {
		t.Fatalf("expected 1 project")
	}

	if err := os.Remove(filepath.Join(dir, ProjectFile)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	svc.Reload(dir)

	if len(svc.Projects()) != 0 {
		t.Errorf("expected project to be forgotten, got %v", svc.Projects())
	}
}
