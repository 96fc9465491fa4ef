package pklls

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"github.com/albertocavalcante/pklls/internal/cli"
	"github.com/albertocavalcante/pklls/internal/pkl/imports"
	"github.com/albertocavalcante/pklls/internal/pkl/move"
)

func newMoveCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "move <src> <dst>",
		Short: "Move a module or folder and rewrite relative imports",
		Long: `Move a Pkl module or a folder of modules, rewriting relative imports in
the workspace so they keep resolving: imports of the moved modules from
elsewhere, and the moved modules' own imports.

With --dry-run the rewrites are printed as a unified diff and nothing is
changed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := loggerFromContext(ctx)

			from, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			to, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}

			info, err := os.Stat(from)
			if err != nil {
				return err
			}
			var moves []move.Move
			if info.IsDir() {
				moves, err = move.ExpandDir(from, to)
				if err != nil {
					return err
				}
			} else {
				if !imports.IsModuleFile(from) {
					return fmt.Errorf("%s: %w", from, move.ErrNotModule)
				}
				moves = []move.Move{{From: from, To: to}}
			}

			ws, err := a.openWorkspace(ctx, logger)
			if err != nil {
				return err
			}
			defer ws.Close()

			handler := move.NewHandler(move.DiskSource{}, ws.index, logger)
			edits, err := handler.Plan(moves)
			if err != nil {
				return err
			}
			logger.Debug("planned move", "modules", len(moves), "files", len(edits))

			if dryRun {
				return writeMoveDiff(cmd.OutOrStdout(), ws.root, edits)
			}
			if err := applyEdits(edits); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
				return err
			}
			if err := os.Rename(from, to); err != nil {
				return err
			}
			cli.Writef(cmd.OutOrStdout(), "moved %s to %s, updated %d files\n",
				relativeTo(ws.root, from), relativeTo(ws.root, to), len(edits))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "print the import rewrites as a diff without changing anything")
	return cmd
}

// applyEdits rewrites files in place. Edits are keyed by the paths before
// the move.
func applyEdits(edits move.Edits) error {
	for _, file := range edits.Files() {
		info, err := os.Stat(file)
		if err != nil {
			return err
		}
		content, err := move.DiskSource{}.ReadFile(file)
		if err != nil {
			return err
		}
		updated, err := move.Apply(content, edits[file])
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		if err := os.WriteFile(file, []byte(updated), info.Mode().Perm()); err != nil {
			return err
		}
	}
	return nil
}

func writeMoveDiff(w io.Writer, root string, edits move.Edits) error {
	for _, file := range edits.Files() {
		content, err := move.DiskSource{}.ReadFile(file)
		if err != nil {
			return err
		}
		updated, err := move.Apply(content, edits[file])
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		name := relativeTo(root, file)
		diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(content),
			B:        difflib.SplitLines(updated),
			FromFile: "a/" + name,
			ToFile:   "b/" + name,
			Context:  1,
		})
		if err != nil {
			return err
		}
		cli.Write(w, diff)
	}
	return nil
}
