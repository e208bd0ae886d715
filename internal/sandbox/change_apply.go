//go:build linux

package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Pattern is one caller-supplied glob filter (spec.md §4.7 "Filtering
// by caller pattern"), already split into its negate flag and glob.
type Pattern struct {
	Negate  string
	Glob    string
	Negated bool
}

// ResolvePatterns absolute-izes and normalizes raw pattern strings
// relative to cwd, matching spec.md §4.7's resolution rules: relative
// patterns are prefixed with cwd, ".." is normalized away, and a
// pattern is expanded to "pattern/**" if it ends in "/", or if
// pattern+"/" is a prefix of an existing destination.
func ResolvePatterns(cwd string, raw []string, destinations []string) []Pattern {
	out := make([]Pattern, 0, len(raw))
	for _, r := range raw {
		negated := false
		p := r
		if strings.HasPrefix(p, "!") {
			negated = true
			p = p[1:]
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(cwd, p)
		} else {
			p = filepath.Clean(p)
		}

		if !strings.HasSuffix(r, "/") {
			prefix := strings.TrimSuffix(p, "/") + "/"
			for _, dest := range destinations {
				if strings.HasPrefix(dest, prefix) {
					p = p + "/**"
					break
				}
			}
		} else {
			p = strings.TrimSuffix(p, "/") + "/**"
		}

		out = append(out, Pattern{Glob: p, Negated: negated})
	}
	return out
}

// Matching filters a change set by caller patterns. An empty pattern
// list restricts to entries at or below cwd.
func Matching(cwd string, changes []ChangeEntry, rawPatterns []string) (matched, rest []ChangeEntry) {
	if len(rawPatterns) == 0 {
		prefix := strings.TrimSuffix(cwd, "/") + "/"
		for _, c := range changes {
			if c.Destination == cwd || strings.HasPrefix(c.Destination, prefix) {
				matched = append(matched, c)
			} else {
				rest = append(rest, c)
			}
		}
		return
	}

	destinations := make([]string, len(changes))
	for i, c := range changes {
		destinations[i] = c.Destination
	}
	patterns := ResolvePatterns(cwd, rawPatterns, destinations)

	for _, c := range changes {
		keep := false
		for _, p := range patterns {
			ok, _ := doublestar.Match(p.Glob, strings.TrimPrefix(c.Destination, "/"))
			if !ok {
				ok, _ = doublestar.Match(p.Glob, c.Destination)
			}
			if ok {
				keep = !p.Negated
			}
		}
		if keep {
			matched = append(matched, c)
		} else {
			rest = append(rest, c)
		}
	}
	return
}

func byReverseSource(changes []ChangeEntry) []ChangeEntry {
	out := append([]ChangeEntry(nil), changes...)
	sort.SliceStable(out, func(i, j int) bool {
		return sourceKey(out[i]) > sourceKey(out[j])
	})
	return out
}

func sourceKey(c ChangeEntry) string {
	if c.HasSource {
		return c.Source.Path
	}
	return ""
}

func byDestination(changes []ChangeEntry) []ChangeEntry {
	out := append([]ChangeEntry(nil), changes...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Destination < out[j].Destination
	})
	return out
}

func byStagedDescending(changes []ChangeEntry) []ChangeEntry {
	out := append([]ChangeEntry(nil), changes...)
	sort.SliceStable(out, func(i, j int) bool {
		return stagedKey(out[i]) > stagedKey(out[j])
	})
	return out
}

func stagedKey(c ChangeEntry) string {
	if c.HasStaged {
		return c.Staged.Path
	}
	return ""
}

// AcceptResult is the outcome of ApplyChanges.
type AcceptResult struct {
	Accepted    int
	NonMatching int
}

// ApplyChanges runs the two-pass (pretend, then real) application
// algorithm of spec.md §4.7. matched is the filtered set to apply;
// nonMatchingCount should be len(allChanges) - len(matched), supplied
// by the caller so the counting semantics in spec.md §4.7 hold even
// though ApplyChanges itself only ever sees the matched subset.
func ApplyChanges(cwd string, matched []ChangeEntry, nonMatchingCount int, mounts []ShadowedMount) (AcceptResult, error) {
	for _, c := range matched {
		if c.Operation.Kind == OpError {
			return AcceptResult{}, fmt.Errorf("change set contains an error entry for %s: %s", c.Destination, c.Operation.ErrKind)
		}
	}

	if _, err := runPass(cwd, matched, mounts, true); err != nil {
		return AcceptResult{}, err
	}

	result, err := runPass(cwd, matched, mounts, false)
	if err != nil {
		return AcceptResult{}, err
	}
	result.NonMatching = nonMatchingCount

	if err := syncAndDropCaches(); err != nil {
		return result, err
	}

	return result, nil
}

// runPass executes one pass (pretend or real) of the application
// algorithm, in the strict order spec.md §4.7 mandates.
func runPass(cwd string, matched []ChangeEntry, mounts []ShadowedMount, pretend bool) (AcceptResult, error) {
	var result AcceptResult

	// Step 1: Remove, deepest-first.
	var deferredStaged []string
	for _, c := range byReverseSource(matched) {
		if c.Operation.Kind != OpRemove {
			continue
		}
		if !pretend {
			if err := removeOne(c); err != nil {
				return result, err
			}
			result.Accepted++
		}
		if c.HasStaged {
			deferredStaged = append(deferredStaged, c.Staged.Path)
		}
	}

	// Step 2: pre-move Rename sources to flat temp paths, deepest-first.
	tmpByDest := map[string]string{}
	for _, c := range byReverseSource(matched) {
		if c.Operation.Kind != OpRename {
			continue
		}
		tmp := renameTempPath(cwd, c)
		tmpByDest[c.Destination] = tmp

		if pretend {
			if err := checkSameMountPoint(mounts, c.Source.Path, tmp, c.Destination); err != nil {
				return result, err
			}
		} else {
			if err := unix.Rename(c.Source.Path, tmp); err != nil {
				return result, fmt.Errorf("stage rename %s -> %s: %w", c.Source.Path, tmp, err)
			}
		}
	}

	// Step 3: Set/Rename, shallowest-destination-first. The pretend
	// pass does not count (spec.md §4.7 "Counting semantics").
	for _, c := range byDestination(matched) {
		switch c.Operation.Kind {
		case OpSet:
			if !pretend {
				if err := applySet(c); err != nil {
					return result, err
				}
				result.Accepted++
			}
		case OpRename:
			tmp := tmpByDest[c.Destination]
			if !pretend {
				if err := unix.Rename(tmp, c.Destination); err != nil {
					return result, fmt.Errorf("finalize rename %s -> %s: %w", tmp, c.Destination, err)
				}
				result.Accepted++
			}
			if c.HasStaged {
				deferredStaged = append(deferredStaged, c.Staged.Path)
			}
		}
	}

	// Step 4: deferred staged-upper cleanup, deepest first, deduped.
	if !pretend {
		seen := map[string]bool{}
		staged := append([]string(nil), deferredStaged...)
		sort.Sort(sort.Reverse(sort.StringSlice(staged)))
		for _, p := range staged {
			if seen[p] || p == "" {
				continue
			}
			seen[p] = true
			if err := removeStagedRecursive(p, mounts); err != nil {
				return result, err
			}
		}
	}

	return result, nil
}

func renameTempPath(cwd string, c ChangeEntry) string {
	oldName := filepath.Base(c.Source.Path)
	newName := filepath.Base(c.Destination)
	return filepath.Join(cwd, fmt.Sprintf(".rename-%s-to-%s-%s", oldName, newName, uuid.NewString()))
}

func checkSameMountPoint(mounts []ShadowedMount, paths ...string) error {
	var first string
	var firstMP string
	for _, p := range paths {
		dir := p
		for {
			if _, err := os.Stat(dir); err == nil {
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
		m, ok := findMountForPath(mounts, dir)
		mp := "/"
		if ok {
			mp = m.MountPoint
		}
		if first == "" {
			first = p
			firstMP = mp
			continue
		}
		if mp != firstMP {
			return fmt.Errorf("rename from %s to %s crosses a mount point", first, p)
		}
	}
	return nil
}

func removeOne(c ChangeEntry) error {
	if !c.HasSource {
		return fmt.Errorf("remove %s: no source facts recorded", c.Destination)
	}
	switch c.Source.Kind() {
	case KindFile, KindSymlink, KindFIFO, KindSocket:
		if err := unix.Unlink(c.Destination); err != nil && err != unix.ENOENT {
			return fmt.Errorf("remove %s: %w", c.Destination, err)
		}
	case KindDir:
		if err := unix.Rmdir(c.Destination); err != nil && err != unix.ENOENT {
			return fmt.Errorf("remove directory %s: %w", c.Destination, err)
		}
	default:
		return fmt.Errorf("cowardly refusing to remove special file %s", c.Destination)
	}
	return nil
}

func applySet(c ChangeEntry) error {
	switch c.Staged.Kind() {
	case KindFile:
		return applySetFile(c)
	case KindSymlink:
		return applySetSymlink(c)
	case KindDir:
		return applySetDir(c)
	default:
		return fmt.Errorf("unsupported staged kind for %s", c.Destination)
	}
}

func applySetFile(c ChangeEntry) error {
	tmp := c.Destination + "." + uuid.NewString()
	if err := copyFile(c.Staged.Path, tmp, c.Staged.Mode); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", c.Staged.Path, tmp, err)
	}
	if err := unix.Rename(tmp, c.Destination); err != nil {
		_ = unix.Unlink(tmp)
		return fmt.Errorf("finalize set %s: %w", c.Destination, err)
	}
	if err := unix.Fchownat(unix.AT_FDCWD, c.Destination, int(c.Staged.Uid), int(c.Staged.Gid), unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("chown %s: %w", c.Destination, err)
	}
	if err := unix.Fchmodat(unix.AT_FDCWD, c.Destination, uint32(c.Staged.Mode)); err != nil {
		return fmt.Errorf("chmod %s: %w", c.Destination, err)
	}
	return nil
}

func applySetSymlink(c ChangeEntry) error {
	target, err := os.Readlink(c.Staged.Path)
	if err != nil {
		return fmt.Errorf("readlink %s: %w", c.Staged.Path, err)
	}
	if _, err := os.Lstat(c.Destination); err == nil {
		if err := unix.Unlink(c.Destination); err != nil {
			return fmt.Errorf("unlink existing %s: %w", c.Destination, err)
		}
	}
	if err := unix.Symlink(target, c.Destination); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", c.Destination, target, err)
	}
	if err := unix.Fchownat(unix.AT_FDCWD, c.Destination, int(c.Staged.Uid), int(c.Staged.Gid), unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("chown symlink %s: %w", c.Destination, err)
	}
	return nil
}

func applySetDir(c ChangeEntry) error {
	if facts, ok, err := FactsFromPath(c.Destination); err != nil {
		return err
	} else if !ok || !facts.IsDir() {
		if err := unix.Mkdir(c.Destination, uint32(c.Staged.Mode)); err != nil && err != unix.EEXIST {
			return fmt.Errorf("mkdir %s: %w", c.Destination, err)
		}
	}
	if err := unix.Fchownat(unix.AT_FDCWD, c.Destination, int(c.Staged.Uid), int(c.Staged.Gid), unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("chown dir %s: %w", c.Destination, err)
	}
	if err := unix.Fchmodat(unix.AT_FDCWD, c.Destination, uint32(c.Staged.Mode)); err != nil {
		return fmt.Errorf("chmod dir %s: %w", c.Destination, err)
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// removeStagedRecursive removes a staged upper artifact. Directories
// are removed recursively but the walk refuses to cross into another
// host file system (guarding against descending into a host mount
// accidentally staged beneath it). Every child is removed before the
// directory itself.
func removeStagedRecursive(path string, mounts []ShadowedMount) error {
	facts, ok, err := FactsFromPath(path)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if !facts.IsDir() {
		return unix.Unlink(path)
	}

	startMount, _ := findMountForPath(mounts, path)

	names, err := readDirNames(path)
	if err != nil {
		return fmt.Errorf("readdir %s: %w", path, err)
	}
	for _, name := range names {
		child := filepath.Join(path, name)
		childFacts, ok, err := FactsFromPath(child)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if childFacts.IsDir() {
			childMount, _ := findMountForPath(mounts, child)
			if childMount.MountPoint != startMount.MountPoint {
				return fmt.Errorf("refusing to remove %s: crosses into another host mount", child)
			}
			if err := removeStagedRecursive(child, mounts); err != nil {
				return err
			}
			continue
		}
		if err := unix.Unlink(child); err != nil {
			return fmt.Errorf("unlink %s: %w", child, err)
		}
	}

	return unix.Rmdir(path)
}

// RejectChanges discards upper state for a change set without
// touching the host, unlinking/rmdir-ing every staged artifact
// (deepest first, deduplicated) (spec.md §4.7 "Rejection").
func RejectChanges(changes []ChangeEntry, mounts []ShadowedMount) error {
	staged := byStagedDescending(changes)
	seen := map[string]bool{}
	for _, c := range staged {
		if !c.HasStaged || c.Staged.Path == "" {
			continue
		}
		if seen[c.Staged.Path] {
			continue
		}
		seen[c.Staged.Path] = true
		if err := removeStagedRecursive(c.Staged.Path, mounts); err != nil {
			return err
		}
	}
	return syncAndDropCaches()
}

// Sync flushes dirty pages and drops caches on demand (the `sync`
// action of spec.md §6), outside of an accept/reject cycle.
func Sync() error {
	return syncAndDropCaches()
}

// syncAndDropCaches flushes dirty pages and asks the kernel to drop
// its page/dentry/inode caches so a process running inside the
// sandbox observes the host's post-accept state immediately.
func syncAndDropCaches() error {
	unix.Sync()
	if f, err := os.OpenFile("/proc/sys/vm/drop_caches", os.O_WRONLY, 0); err == nil {
		_, _ = f.WriteString("3\n")
		_ = f.Close()
	}
	return nil
}
