// Package cli provides shared utilities for the pklls command line.
package cli

import "fmt"

// Exit codes follow Unix conventions:
//   - 0: Success
//   - 1: General error (bad arguments, I/O failures, download failures)
//   - 2: Completed with findings (packages missing from the cache)
const (
	// ExitOK indicates successful execution with no issues.
	ExitOK = 0

	// ExitError indicates a fatal error occurred.
	ExitError = 1

	// ExitWarning indicates the command completed but found issues, such as
	// imported packages that are not downloaded.
	ExitWarning = 2
)

// ExitCodeError ends a command with a specific exit code and no message.
type ExitCodeError int

func (e ExitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", int(e))
}
