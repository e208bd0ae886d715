//go:build linux

package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIgnoreEngineBuiltinPatterns(t *testing.T) {
	t.Parallel()

	ig := NewIgnoreEngine(t.TempDir())

	cases := []struct {
		lowerPath string
		want      bool
	}{
		{"/tmp/foo", true},
		{"/home/alice/.cache/thing", true},
		{"/home/alice/.bashrc", true},
		{"/repo/.git/HEAD", true},
		{"/home/alice/project/main.go", false},
	}
	for _, c := range cases {
		got := ig.IsIgnored(c.lowerPath, c.lowerPath)
		if got != c.want {
			t.Errorf("IsIgnored(%q) = %v, want %v", c.lowerPath, got, c.want)
		}
	}
}

func TestIgnoreEngineCascadingGitignore(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	must(t, os.MkdirAll(filepath.Join(base, "proj", "build"), 0o755))
	must(t, os.WriteFile(filepath.Join(base, "proj", ".gitignore"), []byte("build/\n!build/keep.txt\n"), 0o644))

	ig := NewIgnoreEngine(base)

	if !ig.IsIgnored("/proj/build/output.o", "/proj/build/output.o") {
		t.Fatal("expected /proj/build/output.o to be ignored by build/ rule")
	}
	if ig.IsIgnored("/proj/build/keep.txt", "/proj/build/keep.txt") {
		t.Fatal("expected /proj/build/keep.txt to be un-ignored by the negation")
	}
	if ig.IsIgnored("/proj/main.go", "/proj/main.go") {
		t.Fatal("did not expect /proj/main.go to be ignored")
	}
}

func TestIgnoreEngineAnchoredLeadingSlashPattern(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	must(t, os.MkdirAll(filepath.Join(base, "proj", "sub"), 0o755))
	must(t, os.WriteFile(filepath.Join(base, "proj", ".gitignore"), []byte("/target\n/dist/\n"), 0o644))

	ig := NewIgnoreEngine(base)

	if !ig.IsIgnored("/proj/target", "/proj/target") {
		t.Fatal("expected /proj/target to be ignored by the anchored /target rule")
	}
	if !ig.IsIgnored("/proj/dist/out.js", "/proj/dist/out.js") {
		t.Fatal("expected /proj/dist/out.js to be ignored by the anchored /dist/ rule")
	}
	// Anchored patterns must not match at a deeper level than where
	// the .gitignore lives.
	if ig.IsIgnored("/proj/sub/target", "/proj/sub/target") {
		t.Fatal("did not expect /proj/sub/target to match the anchored /target rule")
	}
}

func TestIgnoreEngineDeeperGitignoreOverridesAncestor(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	must(t, os.MkdirAll(filepath.Join(base, "a", "b"), 0o755))
	must(t, os.WriteFile(filepath.Join(base, "a", ".gitignore"), []byte("*.log\n"), 0o644))
	must(t, os.WriteFile(filepath.Join(base, "a", "b", ".gitignore"), []byte("!important.log\n"), 0o644))

	ig := NewIgnoreEngine(base)

	if !ig.IsIgnored("/a/b/debug.log", "/a/b/debug.log") {
		t.Fatal("expected debug.log to be ignored")
	}
	if ig.IsIgnored("/a/b/important.log", "/a/b/important.log") {
		t.Fatal("expected important.log to be un-ignored by the deeper rule")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
