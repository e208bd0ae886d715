//go:build linux

package sandbox

import "testing"

func changeAt(dest string) ChangeEntry {
	return setChangeEntry(dest, SetCreate, nil, FileFacts{Path: dest})
}

func TestMatchingNoPatternsRestrictsToCwd(t *testing.T) {
	t.Parallel()

	changes := []ChangeEntry{
		changeAt("/home/alice/project/a.go"),
		changeAt("/home/alice/project/sub/b.go"),
		changeAt("/etc/hosts"),
	}
	matched, rest := Matching("/home/alice/project", changes, nil)

	if len(matched) != 2 {
		t.Fatalf("matched = %d entries, want 2", len(matched))
	}
	if len(rest) != 1 || rest[0].Destination != "/etc/hosts" {
		t.Fatalf("rest = %v", rest)
	}
}

func TestMatchingWithGlobPattern(t *testing.T) {
	t.Parallel()

	changes := []ChangeEntry{
		changeAt("/repo/a.go"),
		changeAt("/repo/a_test.go"),
		changeAt("/repo/README.md"),
	}
	matched, rest := Matching("/repo", changes, []string{"*.go"})

	if len(matched) != 2 {
		t.Fatalf("matched = %v, want 2 entries", matched)
	}
	if len(rest) != 1 || rest[0].Destination != "/repo/README.md" {
		t.Fatalf("rest = %v", rest)
	}
}

func TestMatchingNegationExcludesSubset(t *testing.T) {
	t.Parallel()

	changes := []ChangeEntry{
		changeAt("/repo/a_test.go"),
		changeAt("/repo/a.go"),
	}
	matched, _ := Matching("/repo", changes, []string{"*.go", "!*_test.go"})

	if len(matched) != 1 || matched[0].Destination != "/repo/a.go" {
		t.Fatalf("matched = %v", matched)
	}
}

func TestResolvePatternsExpandsDirectoryPrefixes(t *testing.T) {
	t.Parallel()

	destinations := []string{"/repo/build/out.o", "/repo/main.go"}
	patterns := ResolvePatterns("/repo", []string{"build"}, destinations)

	if len(patterns) != 1 {
		t.Fatalf("got %d patterns", len(patterns))
	}
	if patterns[0].Glob != "/repo/build/**" {
		t.Fatalf("Glob = %q, want /repo/build/**", patterns[0].Glob)
	}
}
