// Package cmdtest provides a testscript-based test harness for the pklls
// command line.
//
// Test files use the txtar format to lay out a workspace and the expected
// output. Example (testdata/pklls/move.txtar):
//
//	exec pklls move lib/b.pkl vendor/b.pkl
//	stdout 'updated 1 files'
//	cmp main.pkl want/main.pkl
//
//	-- main.pkl --
//	import "lib/b.pkl"
//	-- lib/b.pkl --
//	-- want/main.pkl --
//	import "vendor/b.pkl"
package cmdtest

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rogpeppe/go-internal/testscript"

	"github.com/albertocavalcante/pklls/internal/cmd/pklls"
	"github.com/albertocavalcante/pklls/internal/pkl/pkguri"
	"github.com/albertocavalcante/pklls/internal/pklconfig"
)

// Run executes the testscript tests in the given directory. Each script gets
// an empty package cache at $WORK/.cache and no inherited config file.
func Run(t *testing.T, dir string) {
	testscript.Run(t, testscript.Params{
		Dir: dir,
		Cmds: map[string]func(ts *testscript.TestScript, neg bool, args []string){
			"pkgcache": cmdPkgCache,
		},
		Setup: func(env *testscript.Env) error {
			cache := filepath.Join(env.WorkDir, ".cache")
			env.Setenv(pklconfig.EnvCacheDir, cache)
			env.Setenv(pklconfig.EnvConfig, "")
			return os.MkdirAll(cache, 0o755)
		},
	})
}

// Main is the TestMain function that should be called from test files.
// It registers pklls as a testscript command.
func Main(m *testing.M) {
	os.Exit(testscript.RunMain(m, map[string]func() int{
		"pklls": wrapRun(pklls.Run),
	}))
}

// wrapRun wraps a Run(args []string) int function to func() int for testscript.
// The args are taken from os.Args[1:].
func wrapRun(run func(args []string) int) func() int {
	return func() int {
		return run(os.Args[1:])
	}
}

// cmdPkgCache puts a package into the script's cache:
//
//	pkgcache <package-uri> [name=<dependency-uri>...]
func cmdPkgCache(ts *testscript.TestScript, neg bool, args []string) {
	if neg {
		ts.Fatalf("unsupported: ! pkgcache")
	}
	if len(args) == 0 {
		ts.Fatalf("usage: pkgcache <package-uri> [name=uri...]")
	}
	uri, err := pkguri.Parse(args[0])
	ts.Check(err)

	deps := map[string]map[string]string{}
	for _, arg := range args[1:] {
		name, dep, ok := strings.Cut(arg, "=")
		if !ok {
			ts.Fatalf("dependency %q is not name=uri", arg)
		}
		deps[name] = map[string]string{"uri": dep}
	}
	meta, err := json.MarshalIndent(map[string]any{
		"name":         uri.Name(),
		"packageUri":   uri.String(),
		"version":      uri.Version.String(),
		"dependencies": deps,
	}, "", "  ")
	ts.Check(err)

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	w, err := zw.Create(uri.Name() + ".pkl")
	ts.Check(err)
	_, err = w.Write([]byte("module " + uri.Name() + "\n"))
	ts.Check(err)
	ts.Check(zw.Close())

	cache := ts.Getenv(pklconfig.EnvCacheDir)
	for file, data := range map[string][]byte{
		uri.RelativeMetadataFiles()[0]: meta,
		uri.RelativeZipFiles()[0]:      archive.Bytes(),
	} {
		path := filepath.Join(cache, file)
		ts.Check(os.MkdirAll(filepath.Dir(path), 0o755))
		ts.Check(os.WriteFile(path, data, 0o644))
	}
}
