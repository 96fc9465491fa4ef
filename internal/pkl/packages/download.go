package packages

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/flock"

	"github.com/albertocavalcante/pklls/internal/pkl/pkguri"
)

// LockFile is the name of the lock taken in the cache directory while downloading.
const LockFile = ".pklls-download.lock"

// Downloader fetches packages into the cache directory.
type Downloader interface {
	Download(ctx context.Context, uris []pkguri.PackageURI) error
}

// CLIDownloader delegates to `pkl download-package`.
type CLIDownloader struct {
	// Command is the pkl executable; defaults to "pkl".
	Command  string
	CacheDir string
	// Timeout bounds a single invocation. Zero means no timeout.
	Timeout time.Duration
	Logger  *log.Logger
}

// Download runs the CLI while holding a cross-process lock on the cache directory.
func (d *CLIDownloader) Download(ctx context.Context, uris []pkguri.PackageURI) error {
	if len(uris) == 0 {
		return nil
	}
	logger := d.Logger
	if logger == nil {
		logger = discardLogger()
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	if d.CacheDir != "" {
		if err := os.MkdirAll(d.CacheDir, 0o755); err != nil {
			return fmt.Errorf("creating cache directory: %w", err)
		}
		unlock, err := lockCache(ctx, d.CacheDir)
		if err != nil {
			return err
		}
		defer unlock()
	}

	cmd := exec.CommandContext(ctx, d.command(), d.args(uris)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger.Info("downloading packages", "command", d.command(), "packages", len(uris))
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if msg == "" {
			return fmt.Errorf("pkl download-package: %w", err)
		}
		return fmt.Errorf("pkl download-package: %w: %s", err, msg)
	}
	return nil
}

func (d *CLIDownloader) command() string {
	if d.Command == "" {
		return "pkl"
	}
	return d.Command
}

func (d *CLIDownloader) args(uris []pkguri.PackageURI) []string {
	args := []string{"download-package"}
	if d.CacheDir != "" {
		args = append(args, "--cache-dir", d.CacheDir)
	}
	for _, uri := range uris {
		args = append(args, uri.StringWithChecksums())
	}
	return args
}

func lockCache(ctx context.Context, cacheDir string) (func(), error) {
	lock := flock.New(filepath.Join(cacheDir, LockFile))
	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("locking package cache: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("locking package cache: %s is held by another process", lock.Path())
	}
	return func() { _ = lock.Unlock() }, nil
}

// Future is the outcome of an asynchronous download.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Done is closed when the download finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the download error. Only meaningful after Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the download finished or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Download fetches uris in the background. The future fails with the
// downloader's error, or a panic in it; there is no retry. A successful
// download refreshes immediately so declared packages pick up the new archives.
func (s *Service) Download(ctx context.Context, uris ...pkguri.PackageURI) *Future {
	f := newFuture()
	if s.downloader == nil {
		f.complete(fmt.Errorf("no package downloader configured"))
		return f
	}
	names := make([]string, len(uris))
	for i, uri := range uris {
		names[i] = uri.String()
	}

	err := s.exec.Go("download", func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("download panicked: %v", r)
				s.logger.Error("package download failed", "packages", names, "err", err)
				f.complete(err)
			}
		}()
		err = s.downloader.Download(ctx, uris)
		if err != nil {
			s.logger.Error("package download failed", "packages", names, "err", err)
		} else {
			s.logger.Info("downloaded packages", "packages", names)
			s.scheduler.Flush()
		}
		f.complete(err)
		return nil
	})
	if err != nil {
		f.complete(err)
	}
	return f
}
