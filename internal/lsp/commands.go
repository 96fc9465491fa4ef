package lsp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.lsp.dev/protocol"

	"github.com/albertocavalcante/pklls/internal/pkl/packages"
	"github.com/albertocavalcante/pklls/internal/pkl/pkguri"
	"github.com/albertocavalcante/pklls/internal/pkl/project"
)

// Commands accepted by workspace/executeCommand.
const (
	// CommandDownloadPackage downloads the package URIs given as arguments.
	CommandDownloadPackage = "pkl.downloadPackage"
	// CommandSyncPackages refreshes imported packages without waiting for
	// edits to settle.
	CommandSyncPackages = "pkl.syncPackages"
)

// Pkl-specific methods.
const (
	MethodPackages             = "pkl/packages"
	MethodResolvedDependencies = "pkl/resolvedDependencies"
	MethodFileContents         = "pkl/fileContents"
	// MethodDownloadFinished is sent to the client when a download job ends.
	MethodDownloadFinished = "pkl/downloadPackageFinished"
)

// DownloadJob is the result of CommandDownloadPackage.
type DownloadJob struct {
	JobID string `json:"jobId"`
}

// DownloadFinished reports the outcome of a download job.
type DownloadFinished struct {
	JobID    string   `json:"jobId"`
	Packages []string `json:"packages"`
	Error    string   `json:"error,omitempty"`
}

// PackageInfo describes one tracked package.
type PackageInfo struct {
	URI          string `json:"uri"`
	Project      string `json:"project,omitempty"`
	Downloaded   bool   `json:"downloaded"`
	MetadataFile string `json:"metadataFile,omitempty"`
	ZipFile      string `json:"zipFile,omitempty"`
	Root         string `json:"root,omitempty"`
}

// ResolvedDependenciesParams names a package and, optionally, a document
// whose project provides the resolution context.
type ResolvedDependenciesParams struct {
	PackageURI string               `json:"packageUri"`
	Context    protocol.DocumentURI `json:"context,omitempty"`
}

// ResolvedDependency is one entry of a pkl/resolvedDependencies result.
type ResolvedDependency struct {
	URI string `json:"uri"`
	// Kind is "package" or "local".
	Kind    string `json:"kind"`
	Project string `json:"project,omitempty"`
	Dir     string `json:"dir,omitempty"`
}

func (s *Server) handleExecuteCommand(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.ExecuteCommandParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	ws := s.workspace()

	s.logger.Debug("executeCommand", "command", p.Command, "args", len(p.Arguments))
	switch p.Command {
	case CommandDownloadPackage:
		uris, err := commandURIs(p.Arguments)
		if err != nil {
			return nil, &ResponseError{Code: CodeInvalidParams, Message: err.Error()}
		}
		return s.startDownload(ws, uris), nil

	case CommandSyncPackages:
		if err := ws.packages.Sync(ctx); err != nil {
			return nil, err
		}
		s.republishDiagnostics(ctx)
		return nil, nil

	default:
		return nil, &ResponseError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown command %q", p.Command)}
	}
}

// startDownload runs a download in the background and reports the outcome
// with MethodDownloadFinished.
func (s *Server) startDownload(ws *workspace, uris []pkguri.PackageURI) DownloadJob {
	job := DownloadJob{JobID: uuid.NewString()}
	names := make([]string, len(uris))
	for i, uri := range uris {
		names[i] = uri.String()
	}

	future := ws.packages.Download(s.ctx, uris...)
	go func() {
		err := future.Wait(s.ctx)
		finished := DownloadFinished{JobID: job.JobID, Packages: names}
		if err != nil {
			finished.Error = err.Error()
		}
		s.notify(s.ctx, MethodDownloadFinished, finished)
		if err == nil {
			s.republishDiagnostics(s.ctx)
		}
	}()
	return job
}

// commandURIs accepts package URIs as string arguments or string arrays.
func commandURIs(args []any) ([]pkguri.PackageURI, error) {
	var raw []string
	for _, arg := range args {
		switch v := arg.(type) {
		case string:
			raw = append(raw, v)
		case []any:
			for _, item := range v {
				str, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("package URI must be a string, got %T", item)
				}
				raw = append(raw, str)
			}
		default:
			return nil, fmt.Errorf("package URI must be a string, got %T", arg)
		}
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s needs at least one package URI", CommandDownloadPackage)
	}

	uris := make([]pkguri.PackageURI, 0, len(raw))
	for _, r := range raw {
		uri, err := pkguri.Parse(r)
		if err != nil {
			return nil, err
		}
		uris = append(uris, uri)
	}
	return uris, nil
}

// settlePackages runs a pending refresh now so answers reflect the latest edits.
func (s *Server) settlePackages(ctx context.Context, ws *workspace) error {
	if !ws.packages.RefreshPending() {
		return nil
	}
	return ws.packages.Sync(ctx)
}

func (s *Server) handlePackages(ctx context.Context, params json.RawMessage) (any, error) {
	ws := s.workspace()
	if err := s.settlePackages(ctx, ws); err != nil {
		return nil, err
	}
	all := ws.packages.AllPackages()
	infos := make([]PackageInfo, 0, len(all))
	for _, dep := range all {
		info := PackageInfo{URI: dep.URI.String(), Project: dep.ProjectDir()}
		if roots, ok := ws.packages.LibraryRoots(dep); ok {
			info.Downloaded = true
			info.MetadataFile = roots.MetadataFile
			info.ZipFile = roots.ZipFile
			info.Root = roots.Root.Root()
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *Server) handleResolvedDependencies(ctx context.Context, params json.RawMessage) (any, error) {
	var p ResolvedDependenciesParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &ResponseError{Code: CodeInvalidParams, Message: err.Error()}
	}
	uri, err := pkguri.Parse(p.PackageURI)
	if err != nil {
		return nil, &ResponseError{Code: CodeInvalidParams, Message: err.Error()}
	}

	ws := s.workspace()
	var scope *project.Project
	if path := uriToPath(p.Context); path != "" {
		scope = ws.projects.ProjectFor(path)
	}

	dep := trackedDependency(ws.packages, uri, scope)
	resolved, ok := ws.packages.ResolvedDependencies(dep, scope)
	if !ok {
		return nil, nil
	}

	out := make(map[string]ResolvedDependency, len(resolved))
	for name, r := range resolved {
		switch d := r.(type) {
		case packages.PackageDependency:
			out[name] = ResolvedDependency{URI: d.URI.String(), Kind: "package", Project: d.ProjectDir()}
		case packages.LocalProjectDependency:
			out[name] = ResolvedDependency{URI: d.URI.String(), Kind: "local", Dir: d.Dir}
		}
	}
	return out, nil
}

// trackedDependency prefers the tracked dependency owned by scope, then any
// tracked dependency with the same identity, then an ad hoc one.
func trackedDependency(svc *packages.Service, uri pkguri.PackageURI, scope *project.Project) packages.PackageDependency {
	var fallback *packages.PackageDependency
	for _, dep := range svc.AllPackages() {
		if dep.URI.Key() != uri.Key() {
			continue
		}
		if scope != nil && dep.ProjectDir() == scope.Dir {
			return dep
		}
		if fallback == nil {
			fallback = &dep
		}
	}
	if fallback != nil {
		return *fallback
	}
	return packages.NewPackageDependency(uri)
}
