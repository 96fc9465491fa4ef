package ci

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// GitHubHandler writes workflow annotations, a job summary and step outputs.
type GitHubHandler struct {
	Config Config
}

// Handle reports to GitHub Actions.
func (h *GitHubHandler) Handle(report *Report, stdout, stderr io.Writer) error {
	h.writeAnnotations(report, stdout)

	if err := h.writeSummary(report); err != nil {
		fmt.Fprintf(stderr, "pklls: warning: writing summary: %v\n", err)
	}
	if err := h.writeOutputs(report); err != nil {
		fmt.Fprintf(stderr, "pklls: warning: writing outputs: %v\n", err)
	}
	return nil
}

// writeAnnotations outputs workflow commands that GitHub shows on the
// importing lines.
func (h *GitHubHandler) writeAnnotations(report *Report, w io.Writer) {
	for _, f := range report.Findings {
		path := f.File
		if h.Config.Root != "" {
			if rel, err := filepath.Rel(h.Config.Root, f.File); err == nil && !strings.HasPrefix(rel, "..") {
				path = filepath.ToSlash(rel)
			}
		}

		props := "file=" + path
		if f.Line > 0 {
			props += fmt.Sprintf(",line=%d", f.Line)
		}
		if f.Column > 0 {
			props += fmt.Sprintf(",col=%d", f.Column)
		}
		fmt.Fprintf(w, "::warning %s::%s\n", props, escapeAnnotation(f.Message))
	}
}

// writeSummary appends Markdown to $GITHUB_STEP_SUMMARY.
func (h *GitHubHandler) writeSummary(report *Report) error {
	summaryPath := h.Config.getenv("GITHUB_STEP_SUMMARY")
	if summaryPath == "" {
		return nil
	}

	f, err := os.OpenFile(summaryPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	downloaded, missing, total := report.Summary()

	fmt.Fprintln(f, "## Pkl packages")
	fmt.Fprintln(f)
	fmt.Fprintln(f, "| Status | Count |")
	fmt.Fprintln(f, "|--------|-------|")
	fmt.Fprintf(f, "| Downloaded | %d |\n", downloaded)
	fmt.Fprintf(f, "| Missing | %d |\n", missing)
	fmt.Fprintf(f, "| **Total** | **%d** |\n", total)
	fmt.Fprintln(f)

	if missing > 0 {
		fmt.Fprintln(f, "<details>")
		fmt.Fprintln(f, "<summary>Missing packages</summary>")
		fmt.Fprintln(f)
		fmt.Fprintln(f, "```")
		for _, p := range report.Packages {
			if !p.Downloaded {
				fmt.Fprintln(f, p.URI)
			}
		}
		fmt.Fprintln(f, "```")
		fmt.Fprintln(f, "</details>")
	}
	return nil
}

// writeOutputs appends step outputs to $GITHUB_OUTPUT.
func (h *GitHubHandler) writeOutputs(report *Report) error {
	outputPath := h.Config.getenv("GITHUB_OUTPUT")
	if outputPath == "" {
		return nil
	}

	f, err := os.OpenFile(outputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	downloaded, missing, _ := report.Summary()
	fmt.Fprintf(f, "downloaded=%d\n", downloaded)
	fmt.Fprintf(f, "missing=%d\n", missing)
	return nil
}

// escapeAnnotation escapes special characters for GitHub workflow commands.
func escapeAnnotation(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	s = strings.ReplaceAll(s, "\r", "%0D")
	s = strings.ReplaceAll(s, "\n", "%0A")
	return s
}
