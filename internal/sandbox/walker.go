//go:build linux

package sandbox

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// Logf is the sink Walker uses for non-fatal diagnostics (invalid
// MountId directory names). Set by callers that want visibility;
// defaults to a no-op.
type Logf func(format string, args ...any)

// WalkUpperEntries walks upperBase (the sandbox's "upper" directory)
// and produces one UpperEntry per path found, resolving each entry's
// source on the host via the redirect-chain algorithm (spec.md §4.5,
// §4.7 "Redirect resolution").
//
// mounts is every ShadowedMount of the sandbox; it is indexed by
// MountId to decode the lower path and is used to know where a
// "/"-prefixed redirect target is rooted.
func WalkUpperEntries(upperBase string, mounts []ShadowedMount, ignored *IgnoreEngine, includeIgnored bool, logf Logf) ([]UpperEntry, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	byID := make(map[MountId]ShadowedMount, len(mounts))
	for _, m := range mounts {
		byID[m.ID] = m
	}

	var entries []UpperEntry

	err := filepath.WalkDir(upperBase, func(upperPath string, d fs.DirEntry, err error) error {
		if err != nil {
			if err == fs.ErrNotExist {
				return nil
			}
			return err
		}
		if upperPath == upperBase {
			return nil
		}

		rel, err := filepath.Rel(upperBase, upperPath)
		if err != nil {
			return fmt.Errorf("rel %s: %w", upperPath, err)
		}
		parts := strings.SplitN(rel, string(filepath.Separator), 2)
		idPart := parts[0]

		// Skip the per-sandbox "data" area (settings, etc.) which lives
		// alongside the MountId directories but is not a MountId itself.
		if idPart == "data" {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		id := MountId(idPart)
		mount, known := byID[id]
		if !known {
			if _, ok := id.Decode(); !ok {
				logf("skipping upper entry with invalid MountId directory name: %s", idPart)
			} else {
				logf("skipping upper entry for unknown mount id: %s", idPart)
			}
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if len(parts) == 1 {
			// The MountId directory itself, not an entry within it.
			return nil
		}
		subPath := parts[1]
		lowerPath := filepath.Join(mount.MountPoint, subPath)

		facts, ok, err := FactsFromPath(upperPath)
		if err != nil {
			return err
		}
		if !ok {
			// Raced with concurrent removal; skip.
			return nil
		}

		if ignored != nil && ignored.IsIgnored(lowerPath, lowerPath) && !includeIgnored {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		entry := UpperEntry{
			LowerPath:  lowerPath,
			UpperPath:  upperPath,
			UpperFacts: facts,
		}

		srcPath, srcFacts, hasSource, err := resolveSource(mounts, mount, upperBase, upperPath, subPath)
		if err != nil {
			return err
		}
		entry.SourcePath = srcPath
		entry.SourceFacts = srcFacts
		entry.HasSource = hasSource

		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk upper tree %s: %w", upperBase, err)
	}

	return entries, nil
}
