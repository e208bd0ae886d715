//go:build linux

package sandbox

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// AcceptableMountFSTypes is the set of local, non-network file systems
// the Mount Catalogue will shadow. NFS and other network file systems
// are excluded because overlayfs does not support them as a lowerdir
// reliably; the root mount is always kept regardless of type.
var AcceptableMountFSTypes = map[string]bool{
	"xfs":   true,
	"ext2":  true,
	"ext3":  true,
	"ext4":  true,
	"zfs":   true,
	"btrfs": true,
}

// AcceptableStorageFSTypes is the separate allow-list for the sandbox's
// own storage directory (where upper/work/overlay triples live).
var AcceptableStorageFSTypes = map[string]bool{
	"btrfs": true,
	"ext4":  true,
	"tmpfs": true,
	"xfs":   true,
	"zfs":   true,
}

// HostMount is one entry from the kernel's mount table.
type HostMount struct {
	MountPoint string
	FSType     string
}

// ReadMountTable parses /proc/mounts.
func ReadMountTable() ([]HostMount, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return nil, fmt.Errorf("open /proc/mounts: %w", err)
	}
	defer f.Close()

	var mounts []HostMount
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mounts = append(mounts, HostMount{
			MountPoint: unescapeMountField(fields[1]),
			FSType:     fields[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read /proc/mounts: %w", err)
	}
	return mounts, nil
}

// unescapeMountField decodes the octal escapes /proc/mounts uses for
// spaces, tabs, newlines, and backslashes in paths.
func unescapeMountField(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// ChooseShadowedMounts selects the subset of the host's real mounts the
// sandbox will shadow: "/" unconditionally, plus any mount whose
// fstype is in AcceptableMountFSTypes, excluding anything under
// storageDir. Sorted by mount point so derived MountIds are stable.
func ChooseShadowedMounts(storageDir string) ([]HostMount, error) {
	all, err := ReadMountTable()
	if err != nil {
		return nil, err
	}

	storageDir = strings.TrimRight(storageDir, "/")

	var chosen []HostMount
	for _, m := range all {
		if isUnderStorage(m.MountPoint, storageDir) {
			continue
		}
		if m.MountPoint == "/" || AcceptableMountFSTypes[m.FSType] {
			chosen = append(chosen, m)
		}
	}

	if len(chosen) == 0 {
		return nil, fmt.Errorf("no suitable mounts found to shadow (checked %d host mounts)", len(all))
	}

	sort.Slice(chosen, func(i, j int) bool {
		return chosen[i].MountPoint < chosen[j].MountPoint
	})

	// De-duplicate mount points the kernel lists multiple times (bind
	// mounts of the same source commonly appear twice).
	deduped := chosen[:0]
	seen := map[string]bool{}
	for _, m := range chosen {
		if seen[m.MountPoint] {
			continue
		}
		seen[m.MountPoint] = true
		deduped = append(deduped, m)
	}

	return deduped, nil
}

func isUnderStorage(path, storageDir string) bool {
	if storageDir == "" {
		return false
	}
	return path == storageDir || strings.HasPrefix(path, storageDir+"/")
}
