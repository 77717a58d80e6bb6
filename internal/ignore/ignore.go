// Package ignore matches paths against gitignore-style patterns. Ingestion
// uses it to skip files listed in .tonecaptureignore or ingest.ignore.
//
// Supported syntax: blank lines and # comments, ! negation (last match
// wins), trailing / for directories, leading / or an inner / to anchor at
// the root, and the * ? [...] ** wildcards.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

// FileName is the per-directory ignore file.
const FileName = ".tonecaptureignore"

// Matcher holds compiled patterns. It is immutable after construction and
// safe for concurrent use.
type Matcher struct {
	rules []rule
}

type rule struct {
	pattern  string
	regex    *regexp.Regexp
	negation bool
	dirOnly  bool
	anchored bool
}

// New compiles patterns in order.
func New(patterns ...string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		if r, ok := compile(p); ok {
			m.rules = append(m.rules, r)
		}
	}
	return m
}

// Load compiles extra, then the patterns of dir/.tonecaptureignore when it
// exists, so the file can override configured patterns.
func Load(dir string, extra ...string) (*Matcher, error) {
	m := New(extra...)
	path := filepath.Join(dir, FileName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, tcerrors.StorageError("failed to open ignore file", err).WithDetail("path", path)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if r, ok := compile(sc.Text()); ok {
			m.rules = append(m.rules, r)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, tcerrors.StorageError("failed to read ignore file", err).WithDetail("path", path)
	}
	return m, nil
}

// Len returns the number of patterns.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}

// Match reports whether rel (slash or OS separated, relative to the root the
// patterns were written for) is ignored. A nil Matcher ignores nothing.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m == nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	ignored := false
	for _, r := range m.rules {
		if r.matches(rel, isDir) {
			ignored = !r.negation
		}
	}
	return ignored
}

func compile(line string) (rule, bool) {
	escapedSpace := strings.HasSuffix(line, `\ `)
	p := strings.TrimSpace(line)
	if p == "" || (strings.HasPrefix(p, "#") && !strings.HasPrefix(p, `\#`)) {
		return rule{}, false
	}

	r := rule{pattern: p}
	switch {
	case strings.HasPrefix(p, `\#`), strings.HasPrefix(p, `\!`):
		p = p[1:]
	case strings.HasPrefix(p, "!"):
		r.negation = true
		p = p[1:]
	}
	if escapedSpace && strings.HasSuffix(p, `\`) {
		p = strings.TrimSuffix(p, `\`) + " "
	}
	if strings.HasSuffix(p, "/") {
		r.dirOnly = true
		p = strings.TrimSuffix(p, "/")
	}
	if strings.HasPrefix(p, "/") {
		r.anchored = true
		p = strings.TrimPrefix(p, "/")
	}
	// "doc/old" means "/doc/old", not "**/doc/old".
	if strings.Contains(p, "/") && !strings.HasPrefix(p, "**/") && !strings.HasPrefix(p, "*") {
		r.anchored = true
	}
	if p == "" {
		return rule{}, false
	}
	r.regex = regexp.MustCompile("^" + toRegex(p) + "$")
	return r, true
}

// matches reports whether rel is matched by r. Directory patterns also match
// everything below the directory.
func (r rule) matches(rel string, isDir bool) bool {
	parts := strings.Split(rel, "/")

	if r.anchored {
		if r.regex.MatchString(rel) {
			return !r.dirOnly || isDir
		}
		for i := range parts[:len(parts)-1] {
			if r.regex.MatchString(strings.Join(parts[:i+1], "/")) {
				return true
			}
		}
		return false
	}

	for i, part := range parts {
		if !r.regex.MatchString(part) {
			continue
		}
		if i == len(parts)-1 {
			return !r.dirOnly || isDir
		}
		return true
	}
	return !r.dirOnly && r.regex.MatchString(rel)
}

func toRegex(pattern string) string {
	var sb strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					sb.WriteString("(?:.*/)?")
					i += 2
					continue
				}
				if i == 0 || pattern[i-1] == '/' {
					sb.WriteString(".*")
					i++
					continue
				}
			}
			sb.WriteString("[^/]*")
		case '?':
			sb.WriteString("[^/]")
		case '[':
			end := strings.IndexByte(pattern[i+1:], ']')
			if end < 0 {
				sb.WriteString(`\[`)
				continue
			}
			class := pattern[i : i+end+2]
			if strings.HasPrefix(class, "[!") {
				class = "[^" + class[2:]
			}
			sb.WriteString(class)
			i += end + 1
		case '\\':
			if i+1 < len(pattern) {
				sb.WriteString(regexp.QuoteMeta(string(pattern[i+1])))
				i++
			} else {
				sb.WriteString(`\\`)
			}
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return sb.String()
}
