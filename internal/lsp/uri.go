package lsp

import (
	"path/filepath"
	"strings"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// uriToPath converts a file:// document URI to a clean file path. Other
// schemes yield "".
func uriToPath(u protocol.DocumentURI) string {
	s := string(u)
	if !strings.HasPrefix(s, uri.FileScheme+"://") {
		return ""
	}
	return filepath.Clean(uri.URI(s).Filename())
}

// pathToURI converts an absolute file path to a file:// document URI.
func pathToURI(path string) protocol.DocumentURI {
	return protocol.DocumentURI(uri.File(path))
}
