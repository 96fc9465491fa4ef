package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"go.lsp.dev/protocol"

	"github.com/albertocavalcante/pklls/internal/pkl/imports"
	"github.com/albertocavalcante/pklls/internal/pkl/packages"
	"github.com/albertocavalcante/pklls/internal/pkl/pkguri"
)

// handleDocumentLink links relative imports to their modules and package
// imports to the module inside the downloaded archive.
func (s *Server) handleDocumentLink(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.DocumentLinkParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}

	doc, ok := s.document(p.TextDocument.URI)
	ws := s.workspace()
	if !ok || ws == nil {
		return []protocol.DocumentLink{}, nil
	}
	return documentLinks(ws.packages, doc), nil
}

func documentLinks(svc *packages.Service, doc Document) []protocol.DocumentLink {
	// Modules inside a package archive resolve relative imports within it.
	var archive *packages.LibraryRoots
	if doc.Path == "" {
		if dep, ok := svc.DirectlyImportedPackage(string(doc.URI)); ok {
			archive, _ = svc.LibraryRoots(dep)
		}
	}

	links := []protocol.DocumentLink{}
	for _, imp := range imports.Scan(doc.Content) {
		switch {
		case pkguri.IsPackageURI(imp.URI):
			base, fragment := pkguri.SplitFragment(imp.URI)
			uri, err := pkguri.Parse(base)
			if err != nil {
				continue
			}
			roots, ok := svc.LibraryRoots(packages.NewPackageDependency(uri))
			if !ok {
				continue
			}
			target := pathToURI(roots.MetadataFile)
			if entry, ok := archiveEntry(roots.Root, strings.TrimPrefix(fragment, "/")); ok {
				target = protocol.DocumentURI(roots.Root.Root() + entry)
			}
			links = append(links, protocol.DocumentLink{
				Range:   toProtocolRange(imp.Range),
				Target:  target,
				Tooltip: fmt.Sprintf("Pkl package %s", uri),
			})

		case archive != nil:
			if !imports.IsRelative(imp) {
				continue
			}
			rel, ok := archive.Root.Rel(string(doc.URI))
			if !ok {
				continue
			}
			entry, ok := archiveEntry(archive.Root, path.Join(path.Dir(rel), imp.URI))
			if !ok {
				continue
			}
			links = append(links, protocol.DocumentLink{
				Range:  toProtocolRange(imp.Range),
				Target: protocol.DocumentURI(archive.Root.Root() + entry),
			})

		case doc.Path != "":
			target, ok := imports.Resolve(doc.Path, imp)
			if !ok {
				continue
			}
			if info, err := os.Stat(target); err != nil || info.IsDir() {
				continue
			}
			links = append(links, protocol.DocumentLink{
				Range:  toProtocolRange(imp.Range),
				Target: pathToURI(target),
			})
		}
	}
	return links
}

// archiveEntry checks that name is a file in the mounted archive and returns
// its cleaned path.
func archiveEntry(root *packages.MountedRoot, name string) (string, bool) {
	name = path.Clean(name)
	if name == "." || !fs.ValidPath(name) {
		return "", false
	}
	info, err := fs.Stat(root.FS(), name)
	if err != nil || info.IsDir() {
		return "", false
	}
	return name, true
}

// FileContentsParams names a module inside a downloaded package.
type FileContentsParams struct {
	URI protocol.DocumentURI `json:"uri"`
}

// handleFileContents serves the text of a module inside a package archive,
// addressed by a jar:file: URI from a document link.
func (s *Server) handleFileContents(ctx context.Context, params json.RawMessage) (any, error) {
	var p FileContentsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &ResponseError{Code: CodeInvalidParams, Message: err.Error()}
	}
	ws := s.workspace()
	if err := s.settlePackages(ctx, ws); err != nil {
		return nil, err
	}

	dep, ok := ws.packages.DirectlyImportedPackage(string(p.URI))
	if !ok {
		return nil, &ResponseError{Code: CodeInvalidParams, Message: fmt.Sprintf("%s is not inside a tracked package", p.URI)}
	}
	roots, ok := ws.packages.LibraryRoots(dep)
	if !ok {
		return nil, &ResponseError{Code: CodeInvalidParams, Message: fmt.Sprintf("package %s is not downloaded", dep.URI)}
	}
	rel, _ := roots.Root.Rel(string(p.URI))
	data, err := fs.ReadFile(roots.Root.FS(), rel)
	if err != nil {
		return nil, &ResponseError{Code: CodeInvalidParams, Message: err.Error()}
	}
	return string(data), nil
}
