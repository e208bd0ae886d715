//go:build linux

package sandbox

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// BuildShadowedMount creates the upper/work/overlay directory triple
// for one host mount inside the sandbox's storage tree and mounts the
// overlay file system over it.
//
// redirect_dir=on and metacopy=off are mandatory, not tunable: off
// disables the trusted-attribute inode aliasing that would both
// complicate change detection and open an attacker path, and on is the
// only mechanism by which the Change Engine can reconstruct directory
// renames (spec.md §4.2).
func BuildShadowedMount(storageDir, mountPoint string) (ShadowedMount, error) {
	id := NewMountId(mountPoint)

	var st unix.Stat_t
	if err := unix.Stat(mountPoint, &st); err != nil {
		return ShadowedMount{}, fmt.Errorf("stat mount point %s: %w", mountPoint, err)
	}

	upper := storageDir + "/upper/" + string(id)
	work := storageDir + "/work/" + string(id)
	overlay := storageDir + "/overlay/" + string(id)

	for _, dir := range []string{upper, work, overlay} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ShadowedMount{}, fmt.Errorf("mkdir %s: %w", dir, err)
		}
		if err := unix.Chown(dir, int(st.Uid), int(st.Gid)); err != nil {
			return ShadowedMount{}, fmt.Errorf("chown %s: %w", dir, err)
		}
	}

	opts := fmt.Sprintf(
		"lowerdir=%s,upperdir=%s,workdir=%s,index=off,redirect_dir=on,metacopy=off",
		mountPoint, upper, work,
	)
	if err := unix.Mount("overlay", overlay, "overlay", 0, opts); err != nil {
		if err == unix.EINVAL || err == unix.ENOSPC {
			return ShadowedMount{}, fmt.Errorf(
				"mount overlay at %s: maximum overlay stacking depth exceeded (or invalid option string): %w", overlay, err)
		}
		return ShadowedMount{}, fmt.Errorf("mount overlay at %s: %w", overlay, err)
	}

	return ShadowedMount{
		MountPoint: mountPoint,
		ID:         id,
		Upper:      upper,
		Work:       work,
		Overlay:    overlay,
	}, nil
}

// BuildShadowedMounts builds every ShadowedMount for the selected host
// mounts, in the caller's order (sorted by ChooseShadowedMounts).
func BuildShadowedMounts(storageDir string, hostMounts []HostMount) ([]ShadowedMount, error) {
	out := make([]ShadowedMount, 0, len(hostMounts))
	for _, hm := range hostMounts {
		sm, err := BuildShadowedMount(storageDir, hm.MountPoint)
		if err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, nil
}
