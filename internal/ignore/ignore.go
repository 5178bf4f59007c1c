// Package ignore merges built-in defaults, .gitignore, and .osgrepignore
// patterns into a single per-path inclusion decision.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPatterns are built-in exclusions: VCS metadata, lockfiles, compiled
// artifacts, and binary blobs that are never useful search targets.
var DefaultPatterns = []string{
	".git/", ".hg/", ".svn/",
	"node_modules/", "vendor/", "dist/", "build/", "target/", ".next/",
	"*.min.js", "*.min.css",
	"*.lock", "package-lock.json", "yarn.lock", "pnpm-lock.yaml",
	"go.sum",
	"*.ipynb",
	"*.exe", "*.dll", "*.so", "*.dylib", "*.o", "*.a",
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.ico", "*.pdf", "*.zip", "*.tar", "*.gz",
	"*.pyc", "__pycache__/",
}

// rule is one compiled pattern, following gitignore precedence semantics:
// later rules override earlier ones, and a negated rule (!pattern) can
// re-include a path an earlier rule excluded.
type rule struct {
	pattern  string
	negation bool
	dirOnly  bool
	anchored bool
	base     string // directory the rule was loaded from, relative to root
}

// Filter decides whether a path should be excluded from indexing.
type Filter struct {
	mu    sync.RWMutex
	rules []rule

	cacheMu sync.RWMutex
	cache   map[string]bool
}

// New returns a Filter seeded with DefaultPatterns.
func New() *Filter {
	f := &Filter{cache: make(map[string]bool)}
	for _, p := range DefaultPatterns {
		f.addPattern(p, "")
	}
	return f
}

// LoadForRoot builds a Filter for root by merging built-in defaults with
// every .gitignore found under root (hierarchical, nearest-wins like git)
// and a top-level .osgrepignore. Evaluations against the resulting Filter
// are memoized.
func LoadForRoot(root string) (*Filter, error) {
	f := New()

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil // individual subdirectory errors are not fatal
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if d.IsDir() {
			return nil
		}
		if d.Name() != ".gitignore" {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return nil
		}
		if rel == "." {
			rel = ""
		}
		return f.loadFile(path, filepath.ToSlash(rel))
	})
	if err != nil {
		return nil, err
	}

	osgrepIgnore := filepath.Join(root, ".osgrepignore")
	if _, err := os.Stat(osgrepIgnore); err == nil {
		if err := f.loadFile(osgrepIgnore, ""); err != nil {
			return nil, err
		}
	}

	return f, nil
}

// AddPattern adds a single ignore pattern, as if it were one line read from
// a .gitignore file at the filter's root.
func (f *Filter) AddPattern(pattern string) {
	f.addPattern(pattern, "")
}

// AddFromFile loads ignore patterns from the file at path, scoping them to
// base (the file's directory, relative to root; "" for the root itself).
// A missing file is returned as-is so callers can check os.IsNotExist.
func (f *Filter) AddFromFile(path, base string) error {
	return f.loadFile(path, base)
}

func (f *Filter) loadFile(path, base string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		f.addPattern(scanner.Text(), base)
	}
	return scanner.Err()
}

func (f *Filter) addPattern(pattern, base string) {
	pattern = strings.TrimRight(pattern, "\r\n")
	trimmed := strings.TrimSpace(pattern)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return
	}

	r := rule{base: base}
	if strings.HasPrefix(trimmed, "!") {
		r.negation = true
		trimmed = trimmed[1:]
	}
	if strings.HasSuffix(trimmed, "/") {
		r.dirOnly = true
		trimmed = strings.TrimSuffix(trimmed, "/")
	}
	if strings.HasPrefix(trimmed, "/") {
		r.anchored = true
		trimmed = strings.TrimPrefix(trimmed, "/")
	}
	if strings.Contains(trimmed, "/") {
		r.anchored = true
	}
	r.pattern = trimmed

	f.mu.Lock()
	f.rules = append(f.rules, r)
	f.mu.Unlock()
}

// IsIgnored reports whether relPath (slash-separated, relative to the root
// the Filter was built for) should be excluded. Any path component starting
// with "." is always ignored. Results are memoized per relPath.
func (f *Filter) IsIgnored(relPath string, isDir bool) bool {
	relPath = filepath.ToSlash(relPath)

	cacheKey := relPath
	if isDir {
		cacheKey += "/"
	}
	f.cacheMu.RLock()
	if v, ok := f.cache[cacheKey]; ok {
		f.cacheMu.RUnlock()
		return v
	}
	f.cacheMu.RUnlock()

	result := f.evaluate(relPath, isDir)

	f.cacheMu.Lock()
	f.cache[cacheKey] = result
	f.cacheMu.Unlock()

	return result
}

func (f *Filter) evaluate(relPath string, isDir bool) bool {
	for _, part := range strings.Split(relPath, "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	ignored := false
	for _, r := range f.rules {
		if matchRule(relPath, isDir, r) {
			ignored = !r.negation
		}
	}
	return ignored
}

func matchRule(path string, isDir bool, r rule) bool {
	if r.base != "" {
		if path != r.base && !strings.HasPrefix(path, r.base+"/") {
			return false
		}
		if path == r.base {
			path = filepath.Base(path)
		} else {
			path = strings.TrimPrefix(path, r.base+"/")
		}
	}

	if r.dirOnly && !isDir {
		// A dir-only pattern can still match a file nested inside the matched
		// directory, so check ancestor components rather than bailing out.
		return matchesAncestorDir(path, r)
	}

	if r.anchored {
		return doublestarMatch(r.pattern, path)
	}

	if doublestarMatch(r.pattern, filepath.Base(path)) {
		return true
	}
	if doublestarMatch(r.pattern, path) {
		return true
	}
	for _, part := range strings.Split(path, "/") {
		if doublestarMatch(r.pattern, part) {
			return true
		}
	}
	return false
}

func matchesAncestorDir(path string, r rule) bool {
	parts := strings.Split(path, "/")
	for i := 0; i < len(parts)-1; i++ {
		candidate := strings.Join(parts[:i+1], "/")
		if r.anchored {
			if doublestarMatch(r.pattern, candidate) {
				return true
			}
			continue
		}
		if doublestarMatch(r.pattern, parts[i]) || doublestarMatch(r.pattern, candidate) {
			return true
		}
	}
	return false
}

func doublestarMatch(pattern, name string) bool {
	if !strings.Contains(pattern, "/") && !strings.Contains(pattern, "*") {
		return pattern == name
	}
	ok, err := doublestar.Match(pattern, name)
	if err != nil {
		return pattern == name
	}
	return ok
}
