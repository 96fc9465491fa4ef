package lsp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/albertocavalcante/pklls/internal/pkl/project"
)

func TestWatched(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/w/a.pkl", true},
		{"/w/PklProject", true},
		{"/w/PklProject.deps.json", true},
		{"/w/notes.txt", false},
		{"/w/other.json", false},
	}
	for _, tt := range tests {
		if got := watched(filepath.FromSlash(tt.path)); got != tt.want {
			t.Errorf("watched(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestWatcherReportsModules(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(root, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	// Directories created after start are watched too.
	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	writeFile(t, filepath.Join(sub, "notes.txt"), []byte("ignored"))
	module := filepath.Join(sub, "a.pkl")
	writeFile(t, module, []byte("x = 1"))

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events:
			if filepath.Ext(ev.Path) != ".pkl" {
				t.Fatalf("unexpected event for %s", ev.Path)
			}
			if ev.Path == module {
				return
			}
		case <-timeout:
			t.Fatal("no event for new module")
		}
	}
}

func TestWatchEventRemoved(t *testing.T) {
	for op, want := range map[fsnotify.Op]bool{
		fsnotify.Create: false,
		fsnotify.Write:  false,
		fsnotify.Remove: true,
		fsnotify.Rename: true,
	} {
		if got := (WatchEvent{Op: op}).Removed(); got != want {
			t.Errorf("Removed() for %v = %v, want %v", op, got, want)
		}
	}
}

func TestHandleWatchEvent(t *testing.T) {
	f := newFixture(t)
	s, _ := f.server(nil)
	ws := s.workspace()

	path := f.write("a.pkl", `import "b.pkl"`+"\n")
	s.handleWatchEvent(WatchEvent{Path: path, Op: fsnotify.Create})
	if got := ws.index.Imports(path); len(got) != 1 {
		t.Fatalf("imports after create = %+v", got)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	s.handleWatchEvent(WatchEvent{Path: path, Op: fsnotify.Remove})
	if got := ws.index.Imports(path); len(got) != 0 {
		t.Errorf("imports after remove = %+v, want none", got)
	}
}

func TestHandleWatchEventSkipsOpenDocuments(t *testing.T) {
	f := newFixture(t)
	path := f.write("a.pkl", "")
	s, _ := f.server(nil)
	openDocument(t, s, path, `import "editor.pkl"`+"\n")

	writeFile(t, path, []byte(`import "disk.pkl"`+"\n"))
	s.handleWatchEvent(WatchEvent{Path: path, Op: fsnotify.Write})
	if got := s.workspace().index.Imports(path); len(got) != 1 || got[0].URI != "editor.pkl" {
		t.Errorf("imports = %+v, want the open document's", got)
	}
}

func TestHandleWatchEventReloadsProject(t *testing.T) {
	f := newFixture(t)
	s, _ := f.server(nil)
	ws := s.workspace()
	if len(ws.projects.Projects()) != 0 {
		t.Fatal("fixture should start without projects")
	}

	dir := f.path("app")
	writeFile(t, filepath.Join(dir, project.ProjectFile), []byte("amends \"pkl:Project\"\n"))
	s.handleWatchEvent(WatchEvent{Path: filepath.Join(dir, project.ProjectFile), Op: fsnotify.Create})

	if _, ok := ws.projects.Projects()[dir]; !ok {
		t.Errorf("project %s not loaded; have %v", dir, ws.projects.Projects())
	}
}
