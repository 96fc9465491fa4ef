// Command pklls is a language server for Pkl.
package main

import (
	"os"

	"github.com/albertocavalcante/pklls/internal/cmd/pklls"
)

func main() {
	os.Exit(pklls.Run(os.Args[1:]))
}
