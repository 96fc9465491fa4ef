package pklls

import (
	"context"
	"io"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/albertocavalcante/pklls/internal/lsp"
)

type serveOptions struct {
	watch bool
}

func newServeCmd(a *app) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the language server over stdio",
		Long: `Run the Pkl language server, speaking JSON-RPC 2.0 over stdin and stdout.

Configure your editor to launch "pklls serve" (or just "pklls") as the
language server for .pkl files. Logs go to stderr with --verbose.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "watch the workspace for changes made outside the editor")
	return cmd
}

func (a *app) serve(cmd *cobra.Command, opts serveOptions) error {
	// stdout belongs to the protocol.
	logger := log.New(io.Discard)
	if a.verbose {
		logger = loggerFromContext(cmd.Context())
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	server := lsp.NewServer(lsp.Options{
		Config: a.cfg,
		Watch:  opts.watch,
		Logger: logger,
		OnExit: cancel,
	})
	conn := lsp.NewConn(&stdioConn{Reader: cmd.InOrStdin(), Writer: cmd.OutOrStdout()}, server, logger)
	server.SetConn(conn)

	logger.Info("starting server", "root", a.root)
	if err := conn.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// stdioConn wraps stdin/stdout as an io.ReadWriteCloser.
type stdioConn struct {
	io.Reader
	io.Writer
}

func (s *stdioConn) Close() error {
	return nil
}
