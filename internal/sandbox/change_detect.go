//go:build linux

package sandbox

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

func readDirNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

// findMountForPath returns the ShadowedMount whose MountPoint is the
// longest matching prefix of path ("find_mount_point" equivalent,
// restricted to the mounts this sandbox actually shadows).
func findMountForPath(mounts []ShadowedMount, path string) (ShadowedMount, bool) {
	var best ShadowedMount
	bestLen := -1
	for _, m := range mounts {
		mp := m.MountPoint
		if path == mp || strings.HasPrefix(path, strings.TrimRight(mp, "/")+"/") {
			if len(mp) > bestLen {
				best = m
				bestLen = len(mp)
			}
		}
	}
	return best, bestLen >= 0
}

// resolveSource implements the redirect-chain resolution algorithm of
// spec.md §4.7: walk from upperPath toward the mount's upper root,
// accumulating trailing path components, stopping at the first
// redirect attribute found (resolving it against either the owning
// mount's root, for absolute redirects, or the current lower parent,
// for relative ones) or at the upper root itself (natural lower path).
// mounts is every shadowed mount, so an absolute redirect can be
// anchored at whichever mount currently owns curLower.
func resolveSource(mounts []ShadowedMount, mount ShadowedMount, upperBase, upperPath, subPath string) (string, FileFacts, bool, error) {
	upperRoot := filepath.Join(upperBase, string(mount.ID))
	curUpper := upperPath
	curLower := filepath.Join(mount.MountPoint, subPath)
	var components string

	for {
		curFacts, exists, err := FactsFromPath(curUpper)
		if err != nil {
			return "", FileFacts{}, false, err
		}
		if !exists {
			break
		}
		if curUpper == upperRoot {
			break
		}

		redirectTo, hasRedirect, err := curFacts.RedirectTo()
		if err != nil {
			return "", FileFacts{}, false, err
		}
		if hasRedirect {
			components = joinComponents(redirectTo, components)
			var resolved string
			if strings.HasPrefix(redirectTo, "/") {
				owningMount, found := findMountForPath(mounts, curLower)
				if !found {
					owningMount = mount
				}
				resolved = filepath.Join(owningMount.MountPoint, strings.TrimPrefix(components, "/"))
			} else {
				resolved = filepath.Join(filepath.Dir(curLower), components)
			}
			f, exists, err := FactsFromPath(resolved)
			if err != nil {
				return "", FileFacts{}, false, err
			}
			if !exists {
				return "", FileFacts{}, false, nil
			}
			return resolved, f, true, nil
		}

		trailing := filepath.Base(curUpper)
		components = joinComponents(trailing, components)
		curUpper = filepath.Dir(curUpper)
		curLower = filepath.Dir(curLower)
	}

	resolved := filepath.Join(mount.MountPoint, components)
	f, exists, err := FactsFromPath(resolved)
	if err != nil {
		return "", FileFacts{}, false, err
	}
	if !exists {
		return "", FileFacts{}, false, nil
	}
	return resolved, f, true, nil
}

func joinComponents(head, rest string) string {
	head = strings.TrimPrefix(head, "/")
	if rest == "" {
		return head
	}
	return strings.TrimSuffix(head, "/") + "/" + rest
}

// hasOpaqueAncestor walks the parents of an upper path looking for an
// opaque directory; if found, the path is treated as brand new even if
// a same-named host path exists (spec.md §4.7 "Opaque ancestor test").
func hasOpaqueAncestor(upperPath string) (bool, error) {
	current := upperPath
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return false, nil
		}
		facts, exists, err := FactsFromPath(parent)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, nil
		}
		opaque, err := facts.IsOpaque()
		if err != nil {
			return false, err
		}
		if opaque {
			return true, nil
		}
		current = parent
	}
}

// DetectChanges runs the two-pass Change Engine detection algorithm of
// spec.md §4.7 over the entries produced by WalkUpperEntries.
func DetectChanges(entries []UpperEntry) ([]ChangeEntry, error) {
	renamedSources := map[string]bool{}
	for _, e := range entries {
		redirectTo, hasRedirect, err := e.UpperFacts.RedirectTo()
		if err != nil {
			return nil, err
		}
		if hasRedirect && redirectTo != "" && e.HasSource {
			renamedSources[e.SourcePath] = true
		}
	}

	var out []ChangeEntry
	for _, e := range entries {
		change, err := classifyEntry(e, renamedSources)
		if err != nil {
			return nil, err
		}
		out = append(out, change...)
	}
	return out, nil
}

func classifyEntry(e UpperEntry, renamedSources map[string]bool) ([]ChangeEntry, error) {
	isWhiteout, err := e.UpperFacts.IsWhiteout()
	if err != nil {
		return nil, err
	}
	isOpaque, err := e.UpperFacts.IsOpaque()
	if err != nil {
		return nil, err
	}
	sourceIsDir := e.HasSource && e.SourceFacts.IsDir()
	replacedByNonDir := !e.UpperFacts.IsDir() && sourceIsDir

	// Teardown of whatever used to live at this path runs whenever the
	// upper entry is opaque, a whiteout, or replaces a directory with a
	// non-directory — independent of whether e itself still needs a Set
	// or Rename below (opaque/replaced-by-non-dir are not removals of e).
	var out []ChangeEntry
	if isOpaque || isWhiteout || replacedByNonDir {
		if e.HasSource && !renamedSources[e.SourcePath] {
			if e.SourceFacts.IsDir() {
				removed, err := removeDirectoryEntries(e)
				if err != nil {
					return nil, err
				}
				out = append(out, removed...)
			} else {
				// Removal targets where the content currently lives
				// (e.SourcePath), not the naive upper-path mapping: when
				// e sits under a renamed ancestor directory the two
				// diverge, and the host file has not moved yet at this
				// point in the apply pipeline.
				out = append(out, removeChangeEntry(e.SourcePath, e.SourceFacts))
			}
		}
	}

	// Non-deletion cases: e is not a whiteout, so it still needs its own
	// Set/Rename/Error entry even if it was also opaque or replaced a
	// directory above.
	if isWhiteout {
		return out, nil
	}

	redirectTo, hasRedirect, err := e.UpperFacts.RedirectTo()
	if err != nil {
		return nil, err
	}
	if hasRedirect && redirectTo != "" {
		if !e.HasSource {
			return append(out, errorChangeEntry(e.LowerPath, ErrRedirectPathNotFound)), nil
		}
		return append(out, renameChangeEntry(e.LowerPath, e.SourceFacts, e.UpperFacts)), nil
	}

	switch e.UpperFacts.Kind() {
	case KindFile, KindDir, KindSymlink:
		opaqueAncestor, err := hasOpaqueAncestor(e.UpperPath)
		if err != nil {
			return nil, err
		}
		if !e.HasSource || opaqueAncestor {
			return append(out, setChangeEntry(e.LowerPath, SetCreate, nil, e.UpperFacts)), nil
		}
		src := e.SourceFacts
		return append(out, setChangeEntry(e.LowerPath, SetModify, &src, e.UpperFacts)), nil
	default:
		return append(out, errorChangeEntry(e.LowerPath, ErrUnsupportedFileType)), nil
	}
}

// removeDirectoryEntries walks e.Source on the host and emits a Remove
// for every path found, attaching e.Upper's FileFacts as the staged
// reference on the source directory's own entry so the applier can
// clean up the corresponding upper artifact.
func removeDirectoryEntries(e UpperEntry) ([]ChangeEntry, error) {
	paths, err := walkAllPaths(e.SourcePath)
	if err != nil {
		return nil, err
	}

	sort.Sort(sort.Reverse(sort.StringSlice(paths)))

	out := make([]ChangeEntry, 0, len(paths))
	for _, p := range paths {
		facts, ok, ferr := FactsFromPath(p)
		if ferr != nil {
			return nil, ferr
		}
		if !ok {
			continue
		}
		ce := removeChangeEntry(p, facts)
		if p == e.SourcePath {
			ce.HasStaged = true
			ce.Staged = e.UpperFacts
		}
		out = append(out, ce)
	}
	return out, nil
}

// walkAllPaths returns root and every path beneath it (root included),
// via lstat-based traversal so symlinks are never followed.
func walkAllPaths(root string) ([]string, error) {
	facts, ok, err := FactsFromPath(root)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	paths := []string{root}
	if !facts.IsDir() {
		return paths, nil
	}

	entries, err := readDirNames(root)
	if err != nil {
		return nil, err
	}
	for _, name := range entries {
		sub, err := walkAllPaths(filepath.Join(root, name))
		if err != nil {
			return nil, err
		}
		paths = append(paths, sub...)
	}
	return paths, nil
}
