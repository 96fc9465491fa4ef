package cli

import (
	"fmt"
	"io"
)

// Writef writes formatted CLI output. Write errors on stdout or stderr have
// no recovery and are dropped.
func Writef(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// Writeln writes args followed by a newline, dropping write errors.
func Writeln(w io.Writer, args ...any) {
	_, _ = fmt.Fprintln(w, args...)
}

// Write writes s verbatim, dropping write errors.
func Write(w io.Writer, s string) {
	_, _ = io.WriteString(w, s)
}
