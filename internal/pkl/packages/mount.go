package packages

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
)

// Mounter exposes a package archive as a browsable root.
type Mounter interface {
	Mount(archive string) (*MountedRoot, error)
}

// MountedRoot is a mounted package archive. Files inside it are addressed by
// URIs under Root(), e.g. jar:file:///cache/foo@1.0.0.zip!/Foo.pkl.
type MountedRoot struct {
	archive string
	fsys    fs.FS
	closer  io.Closer

	closeOnce sync.Once
}

// NewMountedRoot wraps an already-opened filesystem for archive.
// closer may be nil.
func NewMountedRoot(archive string, fsys fs.FS, closer io.Closer) *MountedRoot {
	return &MountedRoot{archive: archive, fsys: fsys, closer: closer}
}

// Archive is the path of the mounted zip file.
func (r *MountedRoot) Archive() string { return r.archive }

// FS returns the archive content.
func (r *MountedRoot) FS() fs.FS { return r.fsys }

// Root is the URI of the archive root, always ending in "!/".
func (r *MountedRoot) Root() string {
	p := filepath.ToSlash(r.archive)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return "jar:file://" + p + "!/"
}

// Contains reports whether uri names the root or a file inside it.
func (r *MountedRoot) Contains(uri string) bool {
	return strings.HasPrefix(uri, r.Root())
}

// Rel returns the archive-relative path of uri.
func (r *MountedRoot) Rel(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, r.Root())
	if !ok {
		return "", false
	}
	if rest == "" {
		return ".", true
	}
	return rest, true
}

// Close releases the archive. Safe to call more than once.
func (r *MountedRoot) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.closer != nil {
			err = r.closer.Close()
		}
	})
	return err
}

// ZipMounter mounts zip archives from disk.
type ZipMounter struct{}

// Mount opens archive and registers a faster deflate decompressor on it.
func (ZipMounter) Mount(archive string) (*MountedRoot, error) {
	rc, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", archive, err)
	}
	rc.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
	return NewMountedRoot(archive, rc, rc), nil
}
