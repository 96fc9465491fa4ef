// Package imports finds module references in Pkl source and indexes them
// across a workspace.
//
// Scanning is lexical: comments and strings are skipped properly, but the
// source is never parsed. That is enough to find the string literal that
// follows `import`, `import*`, `amends` and `extends`.
package imports

import (
	"strings"
	"unicode/utf8"
)

// Kind is the clause a module URI appears in.
type Kind int

const (
	KindImport Kind = iota
	KindImportGlob
	KindAmends
	KindExtends
)

func (k Kind) String() string {
	switch k {
	case KindImport:
		return "import"
	case KindImportGlob:
		return "import*"
	case KindAmends:
		return "amends"
	case KindExtends:
		return "extends"
	default:
		return "unknown"
	}
}

// Position is a zero-based line and UTF-16 column, as used by LSP.
type Position struct {
	Line      int
	Character int
}

// Range is a half-open span of source text.
type Range struct {
	Start Position
	End   Position
}

// Import is one module URI literal.
type Import struct {
	URI  string
	Kind Kind
	// Range covers the literal content, excluding quotes and delimiters.
	Range Range
	// Start and End are byte offsets matching Range.
	Start, End int
	// Raw is the literal content as written, escapes included.
	Raw string
	// Pounds is the number of '#' in a custom string delimiter.
	Pounds int
}

// HasScheme reports whether the URI is absolute (package:, https:, file:, pkl:, ...).
func (i Import) HasScheme() bool {
	return hasScheme(i.URI)
}

// IsGlob reports whether the import is a glob pattern.
func (i Import) IsGlob() bool {
	return i.Kind == KindImportGlob
}

func hasScheme(uri string) bool {
	colon := strings.IndexByte(uri, ':')
	if colon <= 0 {
		return false
	}
	for i, r := range uri[:colon] {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokPunct
)

type token struct {
	kind       tokenKind
	text       string
	start, end int

	// strings only
	value      string
	valueStart int
	valueEnd   int
	pounds     int
	constant   bool
}

// Scan returns the module URI literals in src, in source order.
func Scan(src string) []Import {
	toks := tokenize(src)
	lines := newLineIndex(src)

	var out []Import
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind != tokIdent {
			continue
		}

		var kind Kind
		switch t.text {
		case "import":
			kind = KindImport
			if i+1 < len(toks) && toks[i+1].kind == tokPunct && toks[i+1].text == "*" && toks[i+1].start == t.end {
				kind = KindImportGlob
				i++
			}
		case "amends":
			kind = KindAmends
		case "extends":
			kind = KindExtends
		default:
			continue
		}

		j := i + 1
		if j < len(toks) && toks[j].kind == tokPunct && toks[j].text == "(" {
			j++
		}
		if j >= len(toks) || toks[j].kind != tokString || !toks[j].constant {
			continue
		}
		s := toks[j]
		out = append(out, Import{
			URI:    s.value,
			Kind:   kind,
			Start:  s.valueStart,
			End:    s.valueEnd,
			Raw:    src[s.valueStart:s.valueEnd],
			Pounds: s.pounds,
			Range: Range{
				Start: lines.position(s.valueStart),
				End:   lines.position(s.valueEnd),
			},
		})
		i = j
	}
	return out
}

func tokenize(src string) []token {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '\f' || c == ';':
			i++
		case strings.HasPrefix(src[i:], "//"):
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				i = len(src)
			} else {
				i += end + 1
			}
		case strings.HasPrefix(src[i:], "/*"):
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				i = len(src)
			} else {
				i += 2 + end + 2
			}
		case c == '"' || c == '#':
			t, next, ok := scanString(src, i)
			if !ok {
				toks = append(toks, token{kind: tokPunct, text: string(c), start: i, end: i + 1})
				i++
				continue
			}
			toks = append(toks, t)
			i = next
		case c == '`':
			end := strings.IndexByte(src[i+1:], '`')
			if end < 0 {
				i = len(src)
			} else {
				// quoted identifiers keep their backticks so they never match a keyword
				toks = append(toks, token{kind: tokIdent, text: src[i : i+2+end], start: i, end: i + 2 + end})
				i += end + 2
			}
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], start: start, end: i})
		default:
			_, size := utf8.DecodeRuneInString(src[i:])
			toks = append(toks, token{kind: tokPunct, text: src[i : i+size], start: i, end: i + size})
			i += size
		}
	}
	return toks
}

// scanString reads a string literal at src[i], which is '"' or '#'.
// Multi-line strings are skipped and never constant.
func scanString(src string, i int) (token, int, bool) {
	start := i
	pounds := 0
	for i < len(src) && src[i] == '#' {
		pounds++
		i++
	}
	if i >= len(src) || src[i] != '"' {
		return token{}, 0, false
	}
	closing := `"` + strings.Repeat("#", pounds)
	escape := `\` + strings.Repeat("#", pounds)

	if strings.HasPrefix(src[i:], `"""`) {
		closing = `"""` + strings.Repeat("#", pounds)
		end := strings.Index(src[i+3:], closing)
		next := len(src)
		if end >= 0 {
			next = i + 3 + end + len(closing)
		}
		return token{kind: tokString, start: start, end: next}, next, true
	}

	i++
	valueStart := i
	var sb strings.Builder
	constant := true
	for i < len(src) {
		if src[i] == '\n' {
			break
		}
		if strings.HasPrefix(src[i:], closing) {
			return token{
				kind:       tokString,
				start:      start,
				end:        i + len(closing),
				value:      sb.String(),
				valueStart: valueStart,
				valueEnd:   i,
				pounds:     pounds,
				constant:   constant,
			}, i + len(closing), true
		}
		if strings.HasPrefix(src[i:], escape) {
			i += len(escape)
			if i >= len(src) {
				break
			}
			switch src[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '"', '\\':
				sb.WriteByte(src[i])
			default:
				// interpolation or unicode escape: not a constant URI
				constant = false
				sb.WriteByte(src[i])
			}
			i++
			continue
		}
		sb.WriteByte(src[i])
		i++
	}
	// unterminated
	return token{kind: tokString, start: start, end: i}, i, true
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= utf8.RuneSelf
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

// Quote renders uri as the content of a string literal with the given number
// of delimiter pounds.
func Quote(uri string, pounds int) string {
	if pounds > 0 {
		return uri
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return r.Replace(uri)
}

// lineIndex converts byte offsets to LSP positions.
type lineIndex struct {
	src    string
	starts []int
}

func newLineIndex(src string) *lineIndex {
	starts := []int{0}
	for i := 0; i < len(src); i++ {
		if src[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &lineIndex{src: src, starts: starts}
}

func (l *lineIndex) position(offset int) Position {
	line := 0
	lo, hi := 0, len(l.starts)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if l.starts[mid] <= offset {
			line = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	col := 0
	for _, r := range l.src[l.starts[line]:offset] {
		if r >= 0x10000 {
			col += 2
		} else {
			col++
		}
	}
	return Position{Line: line, Character: col}
}

// PositionAt converts a byte offset in src to an LSP position.
func PositionAt(src string, offset int) Position {
	return newLineIndex(src).position(offset)
}
