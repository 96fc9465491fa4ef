package pklls

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/albertocavalcante/pklls/internal/ci"
	"github.com/albertocavalcante/pklls/internal/cli"
	"github.com/albertocavalcante/pklls/internal/pkl/packages"
	"github.com/albertocavalcante/pklls/internal/pkl/pkguri"
	"github.com/albertocavalcante/pklls/internal/pkl/project"
)

// packageEntry is one line of `pklls packages` output.
type packageEntry struct {
	URI        string `json:"uri"`
	Project    string `json:"project,omitempty"`
	Downloaded bool   `json:"downloaded"`
	ZipFile    string `json:"zipFile,omitempty"`
}

func newPackagesCmd(a *app) *cobra.Command {
	var (
		asJSON   bool
		ciSystem string
	)
	cmd := &cobra.Command{
		Use:   "packages",
		Short: "List the packages the workspace depends on",
		Long: `List every package the workspace depends on: remote dependencies of
PklProject files first, then packages imported directly by modules.

Exits with status 2 when a package is not in the cache.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := loggerFromContext(ctx)

			ws, err := a.openWorkspace(ctx, logger)
			if err != nil {
				return err
			}
			defer ws.Close()

			if err := ws.packages.Sync(ctx); err != nil {
				return fmt.Errorf("refreshing packages: %w", err)
			}

			var (
				entries []packageEntry
				missing []packages.PackageDependency
			)
			for _, dep := range ws.packages.AllPackages() {
				entry := packageEntry{URI: dep.URI.String()}
				if dir := dep.ProjectDir(); dir != "" {
					entry.Project = relativeTo(ws.root, dir)
				}
				if roots, ok := ws.packages.LibraryRoots(dep); ok {
					entry.Downloaded = true
					entry.ZipFile = roots.ZipFile
				} else {
					missing = append(missing, dep)
				}
				entries = append(entries, entry)
			}

			switch {
			case ciSystem != "":
				system, err := ci.ParseSystem(ciSystem, nil)
				if err != nil {
					return err
				}
				report := ciReport(ws, entries, missing)
				if err := ci.HandlerFor(ci.Config{System: system, Root: ws.root}).Handle(report, cmd.OutOrStdout(), cmd.ErrOrStderr()); err != nil {
					return err
				}
			case asJSON:
				if err := writeJSON(cmd.OutOrStdout(), entries); err != nil {
					return err
				}
			default:
				writePackageTable(cmd.OutOrStdout(), entries)
			}

			if len(missing) > 0 {
				logger.Warn("packages missing from the cache", "count", len(missing), "cache", ws.packages.CacheDir())
				return cli.ExitCodeError(cli.ExitWarning)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	cmd.Flags().StringVar(&ciSystem, "ci", "", "report for a CI system (github, gitlab, circleci, azure, jenkins, generic or auto)")
	cmd.Flags().Lookup("ci").NoOptDefVal = "auto"
	return cmd
}

// ciReport locates where each missing package is required: the importing
// module lines, or the PklProject declaring it.
func ciReport(ws *workspace, entries []packageEntry, missing []packages.PackageDependency) *ci.Report {
	report := &ci.Report{}
	for _, e := range entries {
		report.Packages = append(report.Packages, ci.PackageStatus{URI: e.URI, Project: e.Project, Downloaded: e.Downloaded})
	}

	missingKeys := make(map[string]bool, len(missing))
	for _, dep := range missing {
		missingKeys[dep.URI.Key()] = true
		if dir := dep.ProjectDir(); dir != "" {
			report.Findings = append(report.Findings, ci.Finding{
				File:    filepath.Join(dir, project.ProjectFile),
				Message: fmt.Sprintf("dependency %s is not downloaded", dep.URI),
			})
		}
	}

	for _, file := range ws.index.Files() {
		for _, imp := range ws.index.Imports(file) {
			if !pkguri.IsPackageURI(imp.URI) {
				continue
			}
			uri, err := pkguri.Parse(imp.URI)
			if err != nil || !missingKeys[uri.Key()] {
				continue
			}
			report.Findings = append(report.Findings, ci.Finding{
				File:    file,
				Line:    imp.Range.Start.Line + 1,
				Column:  imp.Range.Start.Character + 1,
				Message: fmt.Sprintf("package %s is not downloaded", uri),
			})
		}
	}
	return report
}

func writePackageTable(w io.Writer, entries []packageEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	cli.Writeln(tw, "PACKAGE\tPROJECT\tSTATUS")
	for _, e := range entries {
		project := e.Project
		if project == "" {
			project = "-"
		}
		status := "missing"
		if e.Downloaded {
			status = "downloaded"
		}
		cli.Writef(tw, "%s\t%s\t%s\n", e.URI, project, status)
	}
	_ = tw.Flush()
}

func newClosureCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "closure <package-uri>",
		Short: "Print the transitive dependencies of a cached package",
		Long: `Print every package reachable from the given package through the
dependencies recorded in cached package metadata, the package itself first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uri, err := pkguri.Parse(args[0])
			if err != nil {
				return err
			}
			cacheDir, err := a.cfg.CacheDir()
			if err != nil {
				return err
			}

			svc := packages.NewService(packages.Options{
				CacheDir: cacheDir,
				Logger:   loggerFromContext(cmd.Context()),
			})
			defer svc.Close()

			closure, ok := svc.ResolvedClosure(packages.NewPackageDependency(uri))
			if !ok {
				return fmt.Errorf("package %s is not in the cache %s", uri, cacheDir)
			}
			for _, dep := range closure {
				cli.Writeln(cmd.OutOrStdout(), dep.URI.String())
			}
			return nil
		},
	}
}

func newDownloadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "download <package-uri>...",
		Short: "Download packages into the cache with the pkl CLI",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := loggerFromContext(ctx)

			uris := make([]pkguri.PackageURI, 0, len(args))
			for _, arg := range args {
				uri, err := pkguri.Parse(arg)
				if err != nil {
					return err
				}
				uris = append(uris, uri)
			}
			cacheDir, err := a.cfg.CacheDir()
			if err != nil {
				return err
			}

			svc := packages.NewService(packages.Options{
				CacheDir:   cacheDir,
				Downloader: a.downloader(cacheDir, logger),
				Logger:     logger,
			})
			defer svc.Close()

			if err := svc.Download(ctx, uris...).Wait(ctx); err != nil {
				return err
			}
			for _, uri := range uris {
				cli.Writef(cmd.OutOrStdout(), "downloaded %s\n", uri)
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// relativeTo renders path relative to root when it lies inside it.
func relativeTo(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return path
	}
	return rel
}
