package packages

import (
	"io"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
)

// stamp captures the identity of a file at the time a cached value was computed.
// A missing file is a valid identity too: a stamp with exists=false goes stale
// as soon as the file appears.
type stamp struct {
	path    string
	exists  bool
	size    int64
	modTime time.Time
	hash    uint64
}

func takeStamp(path string) stamp {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return stamp{path: path}
	}
	st := stamp{
		path:    path,
		exists:  true,
		size:    info.Size(),
		modTime: info.ModTime(),
	}
	if h, err := hashFile(path); err == nil {
		st.hash = h
	}
	return st
}

func takeStamps(paths ...string) []stamp {
	stamps := make([]stamp, 0, len(paths))
	for _, p := range paths {
		stamps = append(stamps, takeStamp(p))
	}
	return stamps
}

// current reports whether the file still has the captured identity. Size and
// modification time short-circuit the check; when only the time moved the
// content hash decides.
func (s stamp) current() bool {
	info, err := os.Stat(s.path)
	if err != nil || info.IsDir() {
		return !s.exists
	}
	if !s.exists || info.Size() != s.size {
		return false
	}
	if info.ModTime().Equal(s.modTime) {
		return true
	}
	h, err := hashFile(s.path)
	return err == nil && h == s.hash
}

func allCurrent(stamps []stamp) bool {
	for _, s := range stamps {
		if !s.current() {
			return false
		}
	}
	return true
}

func hashFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
