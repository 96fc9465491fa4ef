package lsp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"go.lsp.dev/protocol"

	"github.com/albertocavalcante/pklls/internal/pkl/imports"
	"github.com/albertocavalcante/pklls/internal/pkl/move"
	"github.com/albertocavalcante/pklls/internal/pkl/project"
)

// RenameFilesParams is the payload of workspace/willRenameFiles and
// workspace/didRenameFiles.
type RenameFilesParams struct {
	Files []FileRename `json:"files"`
}

// FileRename is one renamed file or folder.
type FileRename struct {
	OldURI string `json:"oldUri"`
	NewURI string `json:"newUri"`
}

// handleWillRenameFiles returns the import rewrites that keep the workspace
// consistent once the client performs the renames.
func (s *Server) handleWillRenameFiles(ctx context.Context, params json.RawMessage) (any, error) {
	var p RenameFilesParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &ResponseError{Code: CodeInvalidParams, Message: err.Error()}
	}
	ws := s.workspace()

	var moves []move.Move
	for _, f := range p.Files {
		from, to := uriToPath(protocol.DocumentURI(f.OldURI)), uriToPath(protocol.DocumentURI(f.NewURI))
		if from == "" || to == "" {
			continue
		}
		expanded, err := expandRename(from, to)
		if err != nil {
			s.logger.Warn("cannot plan rename", "from", from, "to", to, "err", err)
			continue
		}
		moves = append(moves, expanded...)
	}
	if len(moves) == 0 {
		return nil, nil
	}

	handler := move.NewHandler(s, ws.index, s.logger)
	edits, err := handler.Plan(moves)
	if err != nil {
		return nil, err
	}
	s.logger.Info("planned module moves", "moves", len(moves), "files", len(edits))
	return workspaceEdit(edits), nil
}

// expandRename turns a file or folder rename into module moves.
func expandRename(from, to string) ([]move.Move, error) {
	info, err := os.Stat(from)
	if err == nil && info.IsDir() {
		return move.ExpandDir(from, to)
	}
	if !imports.IsModuleFile(from) {
		return nil, nil
	}
	return []move.Move{{From: from, To: to}}, nil
}

func workspaceEdit(edits move.Edits) *protocol.WorkspaceEdit {
	changes := make(map[protocol.DocumentURI][]protocol.TextEdit, len(edits))
	for _, file := range edits.Files() {
		list := edits[file]
		textEdits := make([]protocol.TextEdit, 0, len(list))
		for _, e := range list {
			textEdits = append(textEdits, protocol.TextEdit{
				Range:   toProtocolRange(e.Range),
				NewText: e.NewText,
			})
		}
		changes[pathToURI(file)] = textEdits
	}
	return &protocol.WorkspaceEdit{Changes: changes}
}

// handleDidRenameFiles moves index entries and open documents to their new
// paths and reloads affected projects.
func (s *Server) handleDidRenameFiles(ctx context.Context, params json.RawMessage) (any, error) {
	var p RenameFilesParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	ws := s.workspace()

	for _, f := range p.Files {
		from, to := uriToPath(protocol.DocumentURI(f.OldURI)), uriToPath(protocol.DocumentURI(f.NewURI))
		if from == "" || to == "" {
			continue
		}
		for _, file := range ws.index.Files() {
			if moved, ok := rebase(file, from, to); ok {
				ws.index.Rename(file, moved)
			}
		}
		s.renameDocuments(from, to)

		if filepath.Base(from) == project.ProjectFile || filepath.Base(to) == project.ProjectFile {
			ws.projects.Reload(filepath.Dir(from))
			ws.projects.Reload(filepath.Dir(to))
		} else if info, err := os.Stat(to); err == nil && info.IsDir() {
			// A moved folder may carry projects with it.
			if err := ws.projects.Discover(ctx); err != nil {
				s.logger.Warn("project discovery failed", "err", err)
			}
		}
	}
	ws.packages.NotifySourceChanged()
	return nil, nil
}

func (s *Server) renameDocuments(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range s.documents {
		if moved, ok := rebase(doc.Path, from, to); ok {
			doc.Path = moved
		}
	}
}

// rebase maps path under from to the same place under to.
func rebase(path, from, to string) (string, bool) {
	if path == from {
		return to, true
	}
	rest, ok := strings.CutPrefix(path, from+string(filepath.Separator))
	if !ok {
		return "", false
	}
	return filepath.Join(to, rest), true
}
