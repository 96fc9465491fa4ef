// Package pklls implements the pklls command: a Pkl language server plus
// command-line access to its package cache and module move planning.
package pklls

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/albertocavalcante/pklls/internal/cli"
	"github.com/albertocavalcante/pklls/internal/pkl/imports"
	"github.com/albertocavalcante/pklls/internal/pkl/packages"
	"github.com/albertocavalcante/pklls/internal/pkl/project"
	"github.com/albertocavalcante/pklls/internal/pklconfig"
	"github.com/albertocavalcante/pklls/internal/version"
)

// Run executes pklls with the given arguments.
func Run(args []string) int {
	return RunWithIO(context.Background(), args, os.Stdin, os.Stdout, os.Stderr)
}

// RunWithIO allows custom IO for testing.
func RunWithIO(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return cli.Execute(ctx, newRootCmd(), args, stdin, stdout, stderr)
}

// app is the state shared by every subcommand, filled in by the root
// command's persistent flags.
type app struct {
	root       string
	configPath string
	cacheDir   string
	verbose    bool

	cfg *pklconfig.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "pklls",
		Short: "Pkl language server and package tools",
		Long: `pklls is a language server for Pkl.

Without a subcommand it serves LSP over stdio. The subcommands expose the
same package cache, dependency closure and import rewriting logic on the
command line.`,
		Version:      version.Version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd, serveOptions{watch: true})
		},
	}

	root.SetVersionTemplate(fmt.Sprintf("pklls %s\n", version.String()))
	flags := root.PersistentFlags()
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging to stderr")
	flags.StringVar(&a.root, "root", "", "workspace root (default: current directory)")
	flags.StringVar(&a.configPath, "config", "", "config file (default: discover "+pklconfig.ConfigTOML+")")
	flags.StringVar(&a.cacheDir, "cache-dir", "", "pkl package cache (default: ~/.pkl/cache)")

	root.AddCommand(
		newServeCmd(a),
		newPackagesCmd(a),
		newClosureCmd(a),
		newDownloadCmd(a),
		newMoveCmd(a),
		newVersionCmd(),
	)
	return root
}

// setup resolves the workspace root, loads configuration and attaches a
// logger to the command context.
func (a *app) setup(cmd *cobra.Command) error {
	root := a.root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving root: %w", err)
	}
	a.root = abs

	var cfgPath string
	if a.configPath != "" {
		loaded, err := pklconfig.LoadTOMLConfig(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = pklconfig.DefaultConfig()
		a.cfg.Merge(loaded)
		cfgPath = a.configPath
	} else {
		a.cfg, cfgPath, err = pklconfig.DiscoverConfig(a.root)
		if err != nil {
			return err
		}
	}
	if a.cacheDir != "" {
		a.cfg.Packages.CacheDir = a.cacheDir
	}

	level, err := a.cfg.LogLevel()
	if err != nil {
		return err
	}
	if a.verbose {
		level = log.DebugLevel
	}
	logger := newLogger(cmd.ErrOrStderr(), level)
	if cfgPath != "" {
		logger.Debug("loaded configuration", "path", cfgPath)
	}
	cmd.SetContext(withLogger(cmd.Context(), logger))
	return nil
}

// workspace is the set of services a command needs to answer questions
// about the modules under the root.
type workspace struct {
	root     string
	index    *imports.Index
	projects *project.Service
	packages *packages.Service
}

// openWorkspace indexes the root, discovers projects and wires the package
// service to the cache.
func (a *app) openWorkspace(ctx context.Context, logger *log.Logger) (*workspace, error) {
	cacheDir, err := a.cfg.CacheDir()
	if err != nil {
		return nil, err
	}

	index := imports.NewIndex(logger)
	projects := project.NewService(a.root, logger)
	svc := packages.NewService(packages.Options{
		CacheDir:     cacheDir,
		RefreshDelay: a.cfg.Packages.RefreshDelay.Duration,
		Index:        index,
		Projects:     projects,
		Downloader:   a.downloader(cacheDir, logger),
		Logger:       logger,
		Workers:      a.cfg.Packages.Workers,
	})
	ws := &workspace{root: a.root, index: index, projects: projects, packages: svc}

	if err := index.ScanWorkspace(ctx, a.root); err != nil {
		ws.Close()
		return nil, fmt.Errorf("indexing %s: %w", a.root, err)
	}
	if err := projects.Discover(ctx); err != nil {
		ws.Close()
		return nil, fmt.Errorf("discovering projects: %w", err)
	}
	return ws, nil
}

func (ws *workspace) Close() {
	ws.packages.Close()
}

func (a *app) downloader(cacheDir string, logger *log.Logger) *packages.CLIDownloader {
	return &packages.CLIDownloader{
		Command:  a.cfg.CLI.Path,
		CacheDir: cacheDir,
		Timeout:  a.cfg.CLI.DownloadTimeout.Duration,
		Logger:   logger,
	}
}
