package lsp

import (
	"context"
	"fmt"

	"go.lsp.dev/protocol"

	"github.com/albertocavalcante/pklls/internal/pkl/imports"
	"github.com/albertocavalcante/pklls/internal/pkl/packages"
	"github.com/albertocavalcante/pklls/internal/pkl/pkguri"
)

// Diagnostic codes.
const (
	DiagnosticMissingPackage = "missing-package"
	DiagnosticInvalidPackage = "invalid-package-uri"
)

const diagnosticSource = "pklls"

// publishDiagnostics reports package imports that cannot be used. It runs off
// the notification loop; a newer edit of the same document supersedes it.
func (s *Server) publishDiagnostics(ctx context.Context, u protocol.DocumentURI, content string) {
	ws := s.workspace()
	if ws == nil {
		return
	}

	s.diagMu.Lock()
	if s.diagStopped {
		s.diagMu.Unlock()
		return
	}
	s.diagGen[u]++
	gen := s.diagGen[u]
	s.background.Add(1)
	s.diagMu.Unlock()

	go func() {
		defer s.background.Done()
		if uriToPath(u) == "" && ws.packages.IsInPackage(string(u)) {
			return
		}
		diags := packageDiagnostics(ws.packages, content)

		s.diagMu.Lock()
		defer s.diagMu.Unlock()
		if s.diagGen[u] != gen {
			return
		}
		s.notify(s.ctx, "textDocument/publishDiagnostics", protocol.PublishDiagnosticsParams{
			URI:         u,
			Diagnostics: diags,
		})
	}()
}

// clearDiagnostics drops a closed document's diagnostics, including any
// still being computed.
func (s *Server) clearDiagnostics(ctx context.Context, u protocol.DocumentURI) {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	s.diagGen[u]++
	s.notify(ctx, "textDocument/publishDiagnostics", protocol.PublishDiagnosticsParams{
		URI:         u,
		Diagnostics: []protocol.Diagnostic{},
	})
}

// stopDiagnostics waits for running computations and rejects new ones.
func (s *Server) stopDiagnostics() {
	s.diagMu.Lock()
	s.diagStopped = true
	s.diagMu.Unlock()
	s.background.Wait()
}

// republishDiagnostics refreshes the diagnostics of every open document.
func (s *Server) republishDiagnostics(ctx context.Context) {
	for _, doc := range s.openDocuments() {
		s.publishDiagnostics(ctx, doc.URI, doc.Content)
	}
}

// packageDiagnostics warns about package imports whose package is malformed
// or not in the cache.
func packageDiagnostics(svc *packages.Service, content string) []protocol.Diagnostic {
	diags := []protocol.Diagnostic{}
	for _, imp := range imports.Scan(content) {
		if !pkguri.IsPackageURI(imp.URI) {
			continue
		}
		uri, err := pkguri.Parse(imp.URI)
		if err != nil {
			diags = append(diags, protocol.Diagnostic{
				Range:    toProtocolRange(imp.Range),
				Severity: protocol.DiagnosticSeverityError,
				Code:     DiagnosticInvalidPackage,
				Source:   diagnosticSource,
				Message:  err.Error(),
			})
			continue
		}
		if _, ok := svc.LibraryRoots(packages.NewPackageDependency(uri)); ok {
			continue
		}
		diags = append(diags, protocol.Diagnostic{
			Range:    toProtocolRange(imp.Range),
			Severity: protocol.DiagnosticSeverityWarning,
			Code:     DiagnosticMissingPackage,
			Source:   diagnosticSource,
			Message:  fmt.Sprintf("package %s is not downloaded; run the %q command", uri, CommandDownloadPackage),
		})
	}
	return diags
}

func toProtocolRange(r imports.Range) protocol.Range {
	return protocol.Range{
		Start: protocol.Position{Line: uint32(r.Start.Line), Character: uint32(r.Start.Character)},
		End:   protocol.Position{Line: uint32(r.End.Line), Character: uint32(r.End.Character)},
	}
}
