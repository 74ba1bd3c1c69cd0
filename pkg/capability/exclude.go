package capability

import (
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// ExcludeSet holds the two independent exclusion classes applied to a tree.
//
// Dirs are directory patterns: a pattern containing a slash is rooted at the
// tree ("AppData/Local/Temp"), a bare name matches a directory of that name at
// any depth ("node_modules"). Files are globs matched against a file's base
// name ("*.tmp", "~$*").
type ExcludeSet struct {
	Dirs  []string `json:"dirs,omitempty"`
	Files []string `json:"files,omitempty"`
}

// ParseExcludes splits mixed patterns into the two classes. Patterns ending
// in a slash or "/**" are directory patterns, everything else is a file glob.
func ParseExcludes(patterns []string) ExcludeSet {
	var set ExcludeSet
	for _, p := range patterns {
		p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
		if p == "" {
			continue
		}
		switch {
		case strings.HasSuffix(p, "/**"):
			set.Dirs = append(set.Dirs, strings.TrimSuffix(p, "/**"))
		case strings.HasSuffix(p, "/"):
			set.Dirs = append(set.Dirs, strings.TrimSuffix(p, "/"))
		default:
			set.Files = append(set.Files, p)
		}
	}
	return set
}

// Rebase returns the set as seen from a subtree rooted at prefix. Rooted
// directory patterns outside prefix are dropped, those inside are trimmed.
func (s ExcludeSet) Rebase(prefix string) ExcludeSet {
	prefix = strings.Trim(path.Clean("/"+prefix), "/")
	// Patterns match case-insensitively, so the prefix does too.
	lower := strings.ToLower(prefix) + "/"
	out := ExcludeSet{Files: append([]string(nil), s.Files...)}
	for _, d := range s.Dirs {
		d = strings.Trim(d, "/")
		if !strings.Contains(d, "/") {
			out.Dirs = append(out.Dirs, d)
			continue
		}
		if prefix != "" && strings.HasPrefix(strings.ToLower(d), lower) {
			out.Dirs = append(out.Dirs, d[len(lower):])
		}
	}
	return out
}

// Empty reports whether no pattern is set.
func (s ExcludeSet) Empty() bool {
	return len(s.Dirs) == 0 && len(s.Files) == 0
}

// Matcher is a compiled ExcludeSet.
type Matcher struct {
	rooted map[string]struct{}
	names  map[string]struct{}
	files  []glob.Glob
}

// Compile prepares the set for matching.
func (s ExcludeSet) Compile() (*Matcher, error) {
	m := &Matcher{
		rooted: make(map[string]struct{}),
		names:  make(map[string]struct{}),
	}
	for _, d := range s.Dirs {
		d = strings.Trim(path.Clean("/"+d), "/")
		if d == "" {
			continue
		}
		if strings.Contains(d, "/") {
			m.rooted[strings.ToLower(d)] = struct{}{}
		} else {
			m.names[strings.ToLower(d)] = struct{}{}
		}
	}
	for _, f := range s.Files {
		g, err := glob.Compile(strings.ToLower(f))
		if err != nil {
			return nil, err
		}
		m.files = append(m.files, g)
	}
	return m, nil
}

// ExcludesDir reports whether the directory at rel (slash separated,
// relative to the tree root) is excluded.
func (m *Matcher) ExcludesDir(rel string) bool {
	if m == nil {
		return false
	}
	rel = strings.ToLower(strings.Trim(rel, "/"))
	if _, ok := m.rooted[rel]; ok {
		return true
	}
	_, ok := m.names[path.Base(rel)]
	return ok
}

// ExcludesFile reports whether the file at rel is excluded.
func (m *Matcher) ExcludesFile(rel string) bool {
	if m == nil {
		return false
	}
	base := strings.ToLower(path.Base(rel))
	for _, g := range m.files {
		if g.Match(base) {
			return true
		}
	}
	return false
}
