package ci

import (
	"fmt"
	"io"
	"strings"
)

// GenericHandler prints a plain text report. It serves CI systems without
// a richer integration.
type GenericHandler struct {
	Config Config
	Name   string
}

// Handle prints the summary and every missing package with its importers.
func (h *GenericHandler) Handle(report *Report, stdout, stderr io.Writer) error {
	downloaded, missing, total := report.Summary()

	fmt.Fprintf(stdout, "Pkl packages (%s)\n", h.Name)
	fmt.Fprintln(stdout, strings.Repeat("=", 40))
	fmt.Fprintf(stdout, "Downloaded: %d\n", downloaded)
	fmt.Fprintf(stdout, "Missing:    %d\n", missing)
	fmt.Fprintf(stdout, "Total:      %d\n", total)

	if missing > 0 {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Unresolved imports:")
		fmt.Fprintln(stdout, strings.Repeat("-", 40))
		for _, f := range report.Findings {
			if f.Line > 0 {
				fmt.Fprintf(stdout, "  %s:%d: %s\n", f.File, f.Line, f.Message)
			} else {
				fmt.Fprintf(stdout, "  %s: %s\n", f.File, f.Message)
			}
		}
	}
	return nil
}
