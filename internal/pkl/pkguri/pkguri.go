// Package pkguri models Pkl package URIs and the on-disk cache layout derived from them.
//
// A package URI has the form:
//
//	package://example.com/path/to/foo@1.2.3
//	package://example.com/path/to/foo@1.2.3::sha256:<hex>
//
// The projectpackage:// scheme is accepted as well; it is what project
// dependency files use for packages resolved on behalf of a project.
package pkguri

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// URI schemes that identify a package.
const (
	SchemePackage        = "package"
	SchemeProjectPackage = "projectpackage"
)

// Cache layout directories, newest first.
const (
	LayoutCurrent = "package-2"
	LayoutLegacy  = "package-1"
)

// ErrInvalid is returned (wrapped) for malformed package URIs.
var ErrInvalid = errors.New("invalid package URI")

var versionPattern = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(?:-([0-9A-Za-z.-]+))?(?:\+([0-9A-Za-z.-]+))?$`)

// Checksums holds the content checksums of a package archive.
type Checksums struct {
	SHA256 string `json:"sha256"`
}

// Version is a semantic version.
type Version struct {
	Major, Minor, Patch int
	PreRelease          string
	Build               string
}

// ParseVersion parses a full MAJOR.MINOR.PATCH version.
func ParseVersion(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("%w: bad version %q", ErrInvalid, s)
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return Version{Major: major, Minor: minor, Patch: patch, PreRelease: m[4], Build: m[5]}, nil
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.PreRelease != "" {
		s += "-" + v.PreRelease
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}

// PackageURI is the canonical identity of a package.
type PackageURI struct {
	Scheme    string
	Authority string
	// Path is the package path without the leading slash, e.g. "org/foo".
	Path      string
	Version   Version
	Checksums *Checksums
}

// Parse parses a package URI string. A fragment naming a module inside the
// package (#/Foo.pkl) is ignored.
func Parse(s string) (PackageURI, error) {
	raw := s
	s, _ = SplitFragment(s)
	var checksums *Checksums
	if base, sum, found := strings.Cut(s, "::"); found {
		hex, ok := strings.CutPrefix(sum, "sha256:")
		if !ok || hex == "" {
			return PackageURI{}, fmt.Errorf("%w: unsupported checksum in %q", ErrInvalid, raw)
		}
		s = base
		checksums = &Checksums{SHA256: hex}
	}

	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return PackageURI{}, fmt.Errorf("%w: missing scheme in %q", ErrInvalid, raw)
	}
	if scheme != SchemePackage && scheme != SchemeProjectPackage {
		return PackageURI{}, fmt.Errorf("%w: unexpected scheme %q", ErrInvalid, scheme)
	}

	authority, pkgPath, ok := strings.Cut(rest, "/")
	if !ok || authority == "" {
		return PackageURI{}, fmt.Errorf("%w: missing authority in %q", ErrInvalid, raw)
	}

	at := strings.LastIndex(pkgPath, "@")
	if at <= 0 {
		return PackageURI{}, fmt.Errorf("%w: missing version in %q", ErrInvalid, raw)
	}
	version, err := ParseVersion(pkgPath[at+1:])
	if err != nil {
		return PackageURI{}, fmt.Errorf("%s: %w", raw, err)
	}

	pkgPath = strings.Trim(pkgPath[:at], "/")
	if pkgPath == "" {
		return PackageURI{}, fmt.Errorf("%w: empty path in %q", ErrInvalid, raw)
	}

	return PackageURI{
		Scheme:    scheme,
		Authority: authority,
		Path:      pkgPath,
		Version:   version,
		Checksums: checksums,
	}, nil
}

// SplitFragment splits a package import into the package URI and the module
// path after '#'. The fragment is empty when absent.
func SplitFragment(s string) (base, fragment string) {
	base, fragment, _ = strings.Cut(s, "#")
	return base, fragment
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) PackageURI {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// IsPackageURI reports whether s looks like a package URI, without validating it.
func IsPackageURI(s string) bool {
	return strings.HasPrefix(s, SchemePackage+"://") || strings.HasPrefix(s, SchemeProjectPackage+"://")
}

// String renders the URI without checksums.
func (u PackageURI) String() string {
	return fmt.Sprintf("%s://%s/%s@%s", u.Scheme, u.Authority, u.Path, u.Version)
}

// StringWithChecksums renders the URI including the sha256 suffix when known.
func (u PackageURI) StringWithChecksums() string {
	if u.Checksums == nil || u.Checksums.SHA256 == "" {
		return u.String()
	}
	return u.String() + "::sha256:" + u.Checksums.SHA256
}

// Key identifies the package independently of scheme and checksums.
func (u PackageURI) Key() string {
	return fmt.Sprintf("%s/%s@%s", u.Authority, u.Path, u.Version)
}

// MajorKey is the key a project dependency file uses for this package.
func (u PackageURI) MajorKey() string {
	return fmt.Sprintf("%s://%s/%s@%d", SchemePackage, u.Authority, u.Path, u.Version.Major)
}

// AsPackage returns a copy with the package:// scheme.
func (u PackageURI) AsPackage() PackageURI {
	u.Scheme = SchemePackage
	return u
}

// Name is the last path segment of the package.
func (u PackageURI) Name() string {
	return path.Base(u.Path)
}

// RelativeMetadataFiles returns candidate metadata paths relative to the cache root,
// in the order they must be tried.
func (u PackageURI) RelativeMetadataFiles() []string {
	return u.relativeFiles(".json")
}

// RelativeZipFiles returns candidate archive paths relative to the cache root,
// in the order they must be tried.
func (u PackageURI) RelativeZipFiles() []string {
	return u.relativeFiles(".zip")
}

func (u PackageURI) relativeFiles(ext string) []string {
	versioned := u.Path + "@" + u.Version.String()
	file := u.Name() + "@" + u.Version.String() + ext

	current := path.Join(LayoutCurrent, EncodePath(u.Authority), EncodePath(versioned), EncodePath(file))
	legacy := path.Join(LayoutLegacy, u.Authority, versioned, file)
	return []string{filepath.FromSlash(current), filepath.FromSlash(legacy)}
}

// EncodePath escapes characters that are not portable in file names.
// Each reserved character becomes "(xx)" with its lowercase hex code and
// a literal "(" becomes "((". Path separators are preserved.
func EncodePath(p string) string {
	if !strings.ContainsAny(p, `<>:"\|?*(`) {
		return p
	}
	var sb strings.Builder
	for _, r := range p {
		switch r {
		case '<', '>', ':', '"', '\\', '|', '?', '*':
			fmt.Fprintf(&sb, "(%x)", r)
		case '(':
			sb.WriteString("((")
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
