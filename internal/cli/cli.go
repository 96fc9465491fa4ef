package cli

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"
)

// Execute runs a cobra command tree and returns a process exit code.
// An ExitCodeError sets the code silently; other errors are printed to
// stderr and exit with ExitError.
func Execute(ctx context.Context, root *cobra.Command, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SilenceErrors = true

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	var code ExitCodeError
	if errors.As(err, &code) {
		return int(code)
	}
	Writef(stderr, "%s: %v\n", root.Name(), err)
	return ExitError
}
