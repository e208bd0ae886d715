//go:build linux

package sandbox

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// builtinIgnorePatterns are always applied, independent of any
// .gitignore/.ignore file (spec.md §4.6).
var builtinIgnorePatterns = []string{
	"/tmp/**",
	"/home/*/.*/**",
	"/home/*/.*",
	"**/.git/**",
	"**/.git",
}

// ignorePattern is one parsed line from a .gitignore/.ignore file.
type ignorePattern struct {
	negate  bool
	pattern string
}

// IgnoreEngine evaluates built-in and cascading .gitignore/.ignore
// patterns against entries discovered by the Upper-Entry Walker.
// overlayBase is the sandbox's merged overlay root, used to resolve
// .gitignore/.ignore files against the merged view rather than the
// host (spec.md §4.6).
type IgnoreEngine struct {
	overlayBase string
	cache       map[string][]ignorePattern
}

func NewIgnoreEngine(overlayBase string) *IgnoreEngine {
	return &IgnoreEngine{
		overlayBase: overlayBase,
		cache:       map[string][]ignorePattern{},
	}
}

// IsIgnored reports whether lowerPath should be dropped from the walk.
// overlayPath is the same path resolved against the merged overlay
// view, used to locate ancestor .gitignore/.ignore files.
func (ig *IgnoreEngine) IsIgnored(lowerPath, overlayPath string) bool {
	for _, p := range builtinIgnorePatterns {
		if ok, _ := doublestar.Match(p, lowerPath); ok {
			return true
		}
		if ok, _ := doublestar.Match(p, strings.TrimPrefix(lowerPath, "/")); ok {
			return true
		}
	}

	components := strings.Split(strings.Trim(overlayPath, "/"), "/")

	ignored := false
	dir := "/"
	for i := 0; i < len(components); i++ {
		patterns := ig.patternsFor(dir)
		relFromDir := strings.Join(components[i:], "/")
		for _, p := range patterns {
			if matchIgnorePattern(p.pattern, relFromDir) {
				ignored = !p.negate
			}
		}
		if i < len(components) {
			dir = filepath.Join(dir, components[i])
		}
	}

	return ignored
}

func matchIgnorePattern(pattern, rel string) bool {
	ok, _ := doublestar.Match(pattern, rel)
	return ok
}

// patternsFor returns (and caches) the parsed ignore patterns that
// apply within dir, read from dir's own .gitignore then .ignore.
func (ig *IgnoreEngine) patternsFor(dir string) []ignorePattern {
	if p, ok := ig.cache[dir]; ok {
		return p
	}

	overlayDir := filepath.Join(ig.overlayBase, strings.TrimPrefix(dir, "/"))
	var patterns []ignorePattern
	for _, name := range []string{".gitignore", ".ignore"} {
		patterns = append(patterns, parseIgnoreFile(filepath.Join(overlayDir, name))...)
	}

	ig.cache[dir] = patterns
	return patterns
}

// parseIgnoreFile reads one ignore file, registering both the pattern
// itself and "<pattern>/**" for every line. This is a deliberate
// divergence from Git's directory-negation semantics, documented as an
// Open Question in spec.md §9: a later "!dir/" line negates both forms
// independently rather than un-ignoring only the directory shell.
func parseIgnoreFile(path string) []ignorePattern {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []ignorePattern
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		negate := false
		if strings.HasPrefix(line, "!") {
			negate = true
			line = line[1:]
		}
		if line == "" {
			continue
		}

		pattern := line
		if strings.Contains(pattern, "/") {
			// A separator anywhere in the pattern, a trailing one
			// included, anchors it to this .gitignore's own directory
			// level; a leading "/" is just the anchoring marker and must be
			// stripped, since match targets are always relative and
			// never carry one.
			pattern = strings.TrimPrefix(pattern, "/")
		} else {
			pattern = "**/" + pattern
		}

		out = append(out, ignorePattern{negate: negate, pattern: pattern})
		out = append(out, ignorePattern{negate: negate, pattern: strings.TrimSuffix(pattern, "/") + "/**"})
	}
	return out
}
