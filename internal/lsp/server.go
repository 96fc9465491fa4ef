package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"go.lsp.dev/protocol"

	"github.com/albertocavalcante/pklls/internal/pkl/imports"
	"github.com/albertocavalcante/pklls/internal/pkl/packages"
	"github.com/albertocavalcante/pklls/internal/pkl/project"
	"github.com/albertocavalcante/pklls/internal/pklconfig"
	"github.com/albertocavalcante/pklls/internal/version"
)

// ServerName is reported to clients in the initialize result.
const ServerName = "pklls"

// Options configures a Server.
type Options struct {
	// Config overrides configuration discovery from the workspace root.
	Config *pklconfig.Config
	// Downloader overrides the pkl CLI downloader.
	Downloader packages.Downloader
	// Mounter overrides how package archives are opened.
	Mounter packages.Mounter
	// Watch starts a filesystem watcher once the client is initialized.
	Watch  bool
	Logger *log.Logger
	// OnExit is called when the client sends exit.
	OnExit func()
}

// Server handles LSP requests for Pkl files.
type Server struct {
	conn   *Conn
	opts   Options
	logger *log.Logger

	// ctx outlives requests; background work started by the server uses it.
	ctx    context.Context
	cancel context.CancelFunc

	// State
	mu        sync.RWMutex
	shutdown  bool
	documents map[protocol.DocumentURI]*Document
	// ws is set by initialize; requests other than lifecycle ones need it.
	ws *workspace

	// diagGen is bumped whenever a document's diagnostics are recomputed or
	// cleared; only the latest computation publishes.
	diagMu      sync.Mutex
	diagGen     map[protocol.DocumentURI]uint64
	diagStopped bool
	// background tracks diagnostics computations.
	background sync.WaitGroup
}

// Document represents an open text document.
type Document struct {
	URI     protocol.DocumentURI
	Path    string
	Version int32
	Content string
}

// workspace holds the per-root services created on initialize.
type workspace struct {
	root     string
	config   *pklconfig.Config
	index    *imports.Index
	projects *project.Service
	packages *packages.Service
	watcher  *Watcher
}

// NewServer creates a new LSP server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:      opts,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		documents: make(map[protocol.DocumentURI]*Document),
		diagGen:   make(map[protocol.DocumentURI]uint64),
	}
}

// SetConn sets the connection for sending notifications.
func (s *Server) SetConn(conn *Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// Handle implements Handler interface - routes requests to methods.
func (s *Server) Handle(ctx context.Context, req *Request) (any, error) {
	s.mu.RLock()
	shutdown := s.shutdown
	initialized := s.ws != nil
	s.mu.RUnlock()

	// Only exit is allowed after shutdown
	if shutdown && req.Method != "exit" {
		return nil, &ResponseError{
			Code:    CodeInvalidRequest,
			Message: "server is shutting down",
		}
	}

	if !initialized {
		switch req.Method {
		case "initialize", "initialized", "shutdown", "exit":
		default:
			return nil, &ResponseError{
				Code:    CodeInvalidRequest,
				Message: "server not initialized",
			}
		}
	}

	switch req.Method {
	// Lifecycle
	case "initialize":
		return s.handleInitialize(ctx, req.Params)
	case "initialized":
		return s.handleInitialized(ctx, req.Params)
	case "shutdown":
		return s.handleShutdown(ctx)
	case "exit":
		return s.handleExit(ctx)

	// Text document sync
	case "textDocument/didOpen":
		return s.handleDidOpen(ctx, req.Params)
	case "textDocument/didChange":
		return s.handleDidChange(ctx, req.Params)
	case "textDocument/didClose":
		return s.handleDidClose(ctx, req.Params)
	case "textDocument/didSave":
		return s.handleDidSave(ctx, req.Params)

	// Language features
	case "textDocument/documentLink":
		return s.handleDocumentLink(ctx, req.Params)

	// Workspace
	case "workspace/willRenameFiles":
		return s.handleWillRenameFiles(ctx, req.Params)
	case "workspace/didRenameFiles":
		return s.handleDidRenameFiles(ctx, req.Params)
	case "workspace/executeCommand":
		return s.handleExecuteCommand(ctx, req.Params)

	// Pkl extensions
	case MethodPackages:
		return s.handlePackages(ctx, req.Params)
	case MethodResolvedDependencies:
		return s.handleResolvedDependencies(ctx, req.Params)
	case MethodFileContents:
		return s.handleFileContents(ctx, req.Params)

	case "$/cancelRequest", "$/setTrace", "workspace/didChangeConfiguration":
		return nil, nil

	default:
		s.logger.Debug("unhandled method", "method", req.Method)
		return nil, ErrMethodNotFound
	}
}

// --- Lifecycle methods ---

func (s *Server) handleInitialize(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.InitializeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &ResponseError{Code: CodeInvalidParams, Message: fmt.Sprintf("parsing initialize params: %v", err)}
	}

	var root string
	if len(p.WorkspaceFolders) > 0 {
		root = uriToPath(protocol.DocumentURI(p.WorkspaceFolders[0].URI))
	} else if p.RootURI != "" {
		root = uriToPath(p.RootURI)
	}

	ws := s.newWorkspace(root)
	s.mu.Lock()
	if s.ws != nil {
		s.mu.Unlock()
		ws.close()
		return nil, &ResponseError{Code: CodeInvalidRequest, Message: "server already initialized"}
	}
	s.ws = ws
	s.mu.Unlock()

	s.logger.Info("initialize", "root", root, "cache", ws.packages.CacheDir())

	// go.lsp.dev/protocol v0.12.0 predates workspace file operations, so the
	// result is assembled by hand.
	renameFilters := []map[string]any{
		{"scheme": "file", "pattern": map[string]any{"glob": "**/*.pkl", "matches": "file"}},
		{"scheme": "file", "pattern": map[string]any{"glob": "**/" + project.ProjectFile, "matches": "file"}},
		{"scheme": "file", "pattern": map[string]any{"glob": "**", "matches": "folder"}},
	}
	return map[string]any{
		"capabilities": map[string]any{
			"textDocumentSync": map[string]any{
				"openClose": true,
				"change":    protocol.TextDocumentSyncKindFull,
				"save":      map[string]any{"includeText": true},
			},
			"documentLinkProvider": map[string]any{"resolveProvider": false},
			"executeCommandProvider": map[string]any{
				"commands": []string{CommandDownloadPackage, CommandSyncPackages},
			},
			"workspace": map[string]any{
				"fileOperations": map[string]any{
					"willRename": map[string]any{"filters": renameFilters},
					"didRename":  map[string]any{"filters": renameFilters},
				},
			},
		},
		"serverInfo": map[string]string{
			"name":    ServerName,
			"version": version.Version,
		},
	}, nil
}

func (s *Server) newWorkspace(root string) *workspace {
	cfg := s.opts.Config
	if cfg == nil {
		discovered, path, err := pklconfig.DiscoverConfig(root)
		switch {
		case err != nil:
			s.logger.Warn("failed to load configuration, using defaults", "err", err)
			cfg = pklconfig.DefaultConfig()
		case path != "":
			s.logger.Info("loaded configuration", "path", path)
			cfg = discovered
		default:
			cfg = discovered
		}
	}

	cacheDir, err := cfg.CacheDir()
	if err != nil {
		s.logger.Warn("package cache unavailable", "err", err)
	}

	downloader := s.opts.Downloader
	if downloader == nil {
		downloader = &packages.CLIDownloader{
			Command:  cfg.CLI.Path,
			CacheDir: cacheDir,
			Timeout:  cfg.CLI.DownloadTimeout.Duration,
			Logger:   s.logger,
		}
	}

	index := imports.NewIndex(s.logger)
	projects := project.NewService(root, s.logger)
	return &workspace{
		root:     root,
		config:   cfg,
		index:    index,
		projects: projects,
		packages: packages.NewService(packages.Options{
			CacheDir:     cacheDir,
			RefreshDelay: cfg.Packages.RefreshDelay.Duration,
			Index:        index,
			Projects:     projects,
			Downloader:   downloader,
			Mounter:      s.opts.Mounter,
			Logger:       s.logger,
			Workers:      cfg.Packages.Workers,
		}),
	}
}

func (s *Server) handleInitialized(ctx context.Context, params json.RawMessage) (any, error) {
	s.logger.Debug("initialized")
	go s.loadWorkspace(s.ctx)
	return nil, nil
}

// loadWorkspace indexes every module, discovers projects and starts the
// watcher. Open documents take precedence over disk content.
func (s *Server) loadWorkspace(ctx context.Context) {
	ws := s.workspace()
	if ws == nil || ws.root == "" {
		return
	}

	if err := ws.index.ScanWorkspace(ctx, ws.root); err != nil {
		s.logger.Warn("workspace scan failed", "root", ws.root, "err", err)
	}
	for _, doc := range s.openDocuments() {
		ws.index.Update(doc.Path, doc.Content)
	}
	if err := ws.projects.Discover(ctx); err != nil {
		s.logger.Warn("project discovery failed", "root", ws.root, "err", err)
	}
	ws.packages.NotifySourceChanged()

	if s.opts.Watch && ctx.Err() == nil {
		w, err := NewWatcher(ws.root, s.logger)
		if err != nil {
			s.logger.Warn("file watcher unavailable", "err", err)
			return
		}
		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			_ = w.Close()
			return
		}
		ws.watcher = w
		s.mu.Unlock()
		go s.consumeWatchEvents(ctx, w)
	}
}

func (s *Server) handleShutdown(ctx context.Context) (any, error) {
	s.mu.Lock()
	s.shutdown = true
	ws := s.ws
	s.mu.Unlock()

	s.logger.Debug("shutdown")
	s.cancel()
	s.stopDiagnostics()
	if ws != nil {
		ws.close()
	}
	return nil, nil
}

func (s *Server) handleExit(ctx context.Context) (any, error) {
	s.logger.Debug("exit")
	if s.opts.OnExit != nil {
		s.opts.OnExit()
	}
	return nil, nil
}

func (ws *workspace) close() {
	if ws.watcher != nil {
		_ = ws.watcher.Close()
	}
	ws.packages.Close()
}

// --- Text document sync ---

func (s *Server) handleDidOpen(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.DidOpenTextDocumentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}

	doc := &Document{
		URI:     p.TextDocument.URI,
		Path:    uriToPath(p.TextDocument.URI),
		Version: p.TextDocument.Version,
		Content: p.TextDocument.Text,
	}
	s.mu.Lock()
	s.documents[doc.URI] = doc
	s.mu.Unlock()

	s.logger.Debug("didOpen", "uri", doc.URI)
	s.documentChanged(ctx, doc.URI, doc.Path, doc.Content)
	return nil, nil
}

func (s *Server) handleDidChange(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.DidChangeTextDocumentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if len(p.ContentChanges) == 0 {
		return nil, nil
	}

	// Full sync - take the last change
	content := p.ContentChanges[len(p.ContentChanges)-1].Text
	s.mu.Lock()
	doc, ok := s.documents[p.TextDocument.URI]
	if ok {
		doc.Version = p.TextDocument.Version
		doc.Content = content
	}
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}

	s.logger.Debug("didChange", "uri", p.TextDocument.URI, "version", p.TextDocument.Version)
	s.documentChanged(ctx, doc.URI, doc.Path, content)
	return nil, nil
}

func (s *Server) handleDidClose(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.DidCloseTextDocumentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.documents, p.TextDocument.URI)
	s.mu.Unlock()

	s.logger.Debug("didClose", "uri", p.TextDocument.URI)

	// The index falls back to what is on disk.
	if path := uriToPath(p.TextDocument.URI); path != "" {
		if ws := s.workspace(); ws != nil {
			if data, err := os.ReadFile(path); err == nil {
				ws.index.Update(path, string(data))
			} else {
				ws.index.Remove(path)
			}
			ws.packages.NotifySourceChanged()
		}
	}

	s.clearDiagnostics(ctx, p.TextDocument.URI)
	return nil, nil
}

func (s *Server) handleDidSave(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.DidSaveTextDocumentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}

	s.logger.Debug("didSave", "uri", p.TextDocument.URI)
	if p.Text == "" {
		return nil, nil
	}

	s.mu.Lock()
	doc, ok := s.documents[p.TextDocument.URI]
	if ok {
		doc.Content = p.Text
	}
	s.mu.Unlock()
	if ok {
		s.documentChanged(ctx, doc.URI, doc.Path, p.Text)
	}
	return nil, nil
}

// documentChanged reindexes a module, schedules a package refresh and
// republishes the module's diagnostics. Documents without a file path are
// only diagnosed, and modules inside package archives not at all.
func (s *Server) documentChanged(ctx context.Context, u protocol.DocumentURI, path, content string) {
	ws := s.workspace()
	if ws == nil {
		return
	}
	if path == "" {
		s.publishDiagnostics(ctx, u, content)
		return
	}
	if !imports.IsModuleFile(path) {
		return
	}
	ws.index.Update(path, content)
	ws.packages.NotifySourceChanged()
	s.publishDiagnostics(ctx, u, content)
}

// --- helpers ---

func (s *Server) workspace() *workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ws
}

func (s *Server) document(u protocol.DocumentURI) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[u]
	if !ok {
		return Document{}, false
	}
	return *doc, true
}

func (s *Server) openDocuments() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := make([]Document, 0, len(s.documents))
	for _, doc := range s.documents {
		docs = append(docs, *doc)
	}
	return docs
}

// notify sends a notification when a connection is attached.
func (s *Server) notify(ctx context.Context, method string, params any) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}
	if err := conn.Notify(ctx, method, params); err != nil {
		s.logger.Warn("failed to send notification", "method", method, "err", err)
	}
}

// ReadFile serves open documents from memory and everything else from disk.
func (s *Server) ReadFile(path string) (string, error) {
	s.mu.RLock()
	for _, doc := range s.documents {
		if doc.Path == path {
			content := doc.Content
			s.mu.RUnlock()
			return content, nil
		}
	}
	s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
