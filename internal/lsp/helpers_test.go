package lsp

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.lsp.dev/protocol"

	"github.com/albertocavalcante/pklls/internal/pkl/packages"
	"github.com/albertocavalcante/pklls/internal/pkl/pkguri"
	"github.com/albertocavalcante/pklls/internal/pklconfig"
)

func rawID(n int) *json.RawMessage {
	raw := json.RawMessage([]byte{byte('0' + n)})
	return &raw
}

// capture records everything the server writes to the client.
type capture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *capture) Read(p []byte) (int, error) { return 0, io.EOF }
func (c *capture) Close() error               { return nil }

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

// messages parses the frames written so far with method.
func (c *capture) messages(t *testing.T, method string) []json.RawMessage {
	t.Helper()
	c.mu.Lock()
	data := bytes.Clone(c.buf.Bytes())
	c.mu.Unlock()

	reader := NewConn(&mockConn{Reader: bytes.NewReader(data), Writer: io.Discard}, nil, nil)
	var out []json.RawMessage
	for {
		req, err := reader.readRequest()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("parsing server output: %v", err)
		}
		if req.Method == method {
			out = append(out, req.Params)
		}
	}
}

// waitFor polls until a message with method arrives.
func (c *capture) waitFor(t *testing.T, method string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := c.messages(t, method); len(msgs) > 0 {
			return msgs[len(msgs)-1]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s message", method)
	return nil
}

// waitUntil polls cond until it holds.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// waitDiagnostics waits for the first diagnostics published for u and
// returns the latest.
func (c *capture) waitDiagnostics(t *testing.T, u protocol.DocumentURI) []protocol.Diagnostic {
	t.Helper()
	var diags []protocol.Diagnostic
	waitUntil(t, func() bool {
		diags = c.diagnostics(t, u)
		return diags != nil
	})
	return diags
}

// diagnostics returns the latest diagnostics published for u, nil when none were.
func (c *capture) diagnostics(t *testing.T, u protocol.DocumentURI) []protocol.Diagnostic {
	t.Helper()
	var latest []protocol.Diagnostic
	for _, raw := range c.messages(t, "textDocument/publishDiagnostics") {
		var p protocol.PublishDiagnosticsParams
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Fatalf("decoding diagnostics: %v", err)
		}
		if p.URI == u {
			latest = p.Diagnostics
		}
	}
	return latest
}

type mockConn struct {
	io.Reader
	io.Writer
}

func (m *mockConn) Close() error {
	return nil
}

// fixture is a workspace and package cache on disk.
type fixture struct {
	t     *testing.T
	root  string
	cache string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	f := &fixture{t: t, root: filepath.Join(base, "work"), cache: filepath.Join(base, "cache")}
	for _, dir := range []string{f.root, f.cache} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func (f *fixture) path(rel string) string {
	return filepath.Join(f.root, filepath.FromSlash(rel))
}

func (f *fixture) write(rel, content string) string {
	f.t.Helper()
	path := f.path(rel)
	writeFile(f.t, path, []byte(content))
	return path
}

// writePackage puts a package's metadata and archive into the cache.
func (f *fixture) writePackage(uri string, deps map[string]string) {
	f.t.Helper()
	writeCachedPackage(f.t, f.cache, uri, deps)
}

func writeCachedPackage(t *testing.T, cache, uri string, deps map[string]string) {
	t.Helper()
	name := pkguri.MustParse(uri).Name()
	writeCachedPackageFiles(t, cache, uri, deps, map[string]string{name + ".pkl": "module " + name + "\n"})
}

// writeCachedPackageFiles writes a package whose archive holds files.
func writeCachedPackageFiles(t *testing.T, cache, uri string, deps, files map[string]string) {
	t.Helper()
	pkg := pkguri.MustParse(uri)

	dependencies := map[string]any{}
	for name, dep := range deps {
		dependencies[name] = map[string]string{"uri": dep}
	}
	meta, err := json.Marshal(map[string]any{
		"name":         pkg.Name(),
		"packageUri":   uri,
		"version":      pkg.Version.String(),
		"dependencies": dependencies,
	})
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(cache, pkg.RelativeMetadataFiles()[0]), meta)

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(w, content); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(cache, pkg.RelativeZipFiles()[0]), archive.Bytes())
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// server starts an initialized server over the fixture. The workspace is
// loaded synchronously.
func (f *fixture) server(downloader packages.Downloader) (*Server, *capture) {
	f.t.Helper()
	return f.serverWith(Options{Downloader: downloader})
}

// serverWith is server with extra options; Config is always the fixture's.
func (f *fixture) serverWith(opts Options) (*Server, *capture) {
	f.t.Helper()
	cfg := pklconfig.DefaultConfig()
	cfg.Packages.CacheDir = f.cache
	cfg.Packages.RefreshDelay.Duration = time.Hour
	opts.Config = cfg

	s := NewServer(opts)
	out := &capture{}
	s.SetConn(NewConn(out, s, nil))

	call(f.t, s, "initialize", protocol.InitializeParams{RootURI: pathToURI(f.root)})
	f.t.Cleanup(func() {
		_, _ = s.Handle(context.Background(), &Request{Method: "shutdown", ID: rawID(9)})
	})
	s.loadWorkspace(context.Background())
	return s, out
}

// call sends a request and fails the test on error.
func call(t *testing.T, s *Server, method string, params any) any {
	t.Helper()
	result, err := s.Handle(context.Background(), request(t, method, params, rawID(1)))
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return result
}

// send delivers a notification.
func send(t *testing.T, s *Server, method string, params any) {
	t.Helper()
	if _, err := s.Handle(context.Background(), request(t, method, params, nil)); err != nil {
		t.Fatalf("%s: %v", method, err)
	}
}

func request(t *testing.T, method string, params any, id *json.RawMessage) *Request {
	t.Helper()
	data, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	return &Request{JSONRPC: "2.0", ID: id, Method: method, Params: data}
}

func openDocument(t *testing.T, s *Server, path, text string) protocol.DocumentURI {
	t.Helper()
	u := pathToURI(path)
	send(t, s, "textDocument/didOpen", protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: u, LanguageID: "pkl", Version: 1, Text: text},
	})
	return u
}

// fakeDownloader writes requested packages into a cache directory.
type fakeDownloader struct {
	t     *testing.T
	cache string
	err   error
}

func (d *fakeDownloader) Download(ctx context.Context, uris []pkguri.PackageURI) error {
	if d.err != nil {
		return d.err
	}
	for _, uri := range uris {
		writeCachedPackage(d.t, d.cache, uri.String(), nil)
	}
	return nil
}
