//go:build linux

package sandbox

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Lifecycle manages locking, pid tracking, unmounting, and deletion
// for one named sandbox (spec.md §4.8).
type Lifecycle struct {
	Name      string
	StorageDir string
}

func (l Lifecycle) baseDir() string  { return l.StorageDir + "/" + l.Name }
func (l Lifecycle) lockPath() string { return l.StorageDir + "/" + l.Name + ".lock" }
func (l Lifecycle) pidPath() string  { return l.StorageDir + "/" + l.Name + ".pid" }

// Lock is a held advisory lock on a sandbox's lock file. Must be
// released via Unlock on every exit path (spec.md §9 "Resource
// acquisition").
type Lock struct {
	file *os.File
}

func (lk *Lock) Unlock() error {
	if lk == nil || lk.file == nil {
		return nil
	}
	err := unix.Flock(int(lk.file.Fd()), unix.LOCK_UN)
	closeErr := lk.file.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// AcquireLock takes an exclusive advisory lock on the sandbox's lock
// file, creating the storage directory and lock file if needed.
func (l Lifecycle) AcquireLock() (*Lock, error) {
	if err := os.MkdirAll(l.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir storage dir %s: %w", l.StorageDir, err)
	}
	f, err := os.OpenFile(l.lockPath(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", l.lockPath(), err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", l.lockPath(), err)
	}
	return &Lock{file: f}, nil
}

// WritePID records the anchor's pid.
func (l Lifecycle) WritePID(pid int) error {
	return os.WriteFile(l.pidPath(), []byte(strconv.Itoa(pid)), 0o600)
}

// ReadPID returns the recorded anchor pid, or NoAnchorPID if the
// sandbox is not running (no pid file, or the recorded pid is dead).
// Stale pid files are removed lazily.
func (l Lifecycle) ReadPID() (int, error) {
	b, err := os.ReadFile(l.pidPath())
	if err != nil {
		if os.IsNotExist(err) {
			return NoAnchorPID, nil
		}
		return NoAnchorPID, fmt.Errorf("read pid file %s: %w", l.pidPath(), err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return NoAnchorPID, fmt.Errorf("parse pid file %s: %w", l.pidPath(), err)
	}
	if !pidIsLive(pid) {
		_ = os.Remove(l.pidPath())
		return NoAnchorPID, nil
	}
	return pid, nil
}

// pidIsLive reports whether pid is alive and not a zombie/traced
// process (spec.md §4.8).
func pidIsLive(pid int) bool {
	if err := unix.Kill(pid, 0); err != nil {
		return false
	}
	state, err := procState(pid)
	if err != nil {
		return true
	}
	return state != 'Z' && state != 't'
}

func procState(pid int) (byte, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty /proc/%d/stat", pid)
	}
	line := scanner.Text()
	idx := strings.LastIndex(line, ")")
	if idx < 0 || idx+2 >= len(line) {
		return 0, fmt.Errorf("malformed /proc/%d/stat", pid)
	}
	return line[idx+2], nil
}

// Stop kills every process sharing the anchor's PID namespace, then
// removes the pid file (spec.md §4.8). It opens the anchor's
// /proc/<pid>/ns/pid_for_children and iterates every
// /proc/<pid>/ns/pid, sending SIGKILL to any process whose namespace
// link target matches. Tolerant of processes disappearing mid-walk.
func (l Lifecycle) Stop(pid int) error {
	if pid == NoAnchorPID {
		return os.Remove(l.pidPath())
	}

	nsPath := fmt.Sprintf("/proc/%d/ns/pid_for_children", pid)
	if _, err := os.Lstat(nsPath); err == nil {
		target, err := os.Readlink(nsPath)
		if err == nil {
			entries, err := os.ReadDir("/proc")
			if err == nil {
				for _, ent := range entries {
					candidate, err := strconv.Atoi(ent.Name())
					if err != nil {
						continue
					}
					procNsPath := fmt.Sprintf("/proc/%d/ns/pid", candidate)
					procTarget, err := os.Readlink(procNsPath)
					if err != nil {
						continue
					}
					if procTarget == target {
						_ = unix.Kill(candidate, unix.SIGKILL)
					}
				}
			}
		}
	}

	if err := os.Remove(l.pidPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file %s: %w", l.pidPath(), err)
	}
	return nil
}

// Unmount enumerates every mount point inside the sandbox's base
// directory in reverse-length order and issues detached unmounts,
// tolerant of the second detach being a no-op (spec.md §4.8).
func (l Lifecycle) Unmount() error {
	dirs, err := mountsUnder(l.baseDir())
	if err != nil {
		return err
	}
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		if err := unix.Unmount(d, unix.MNT_DETACH); err != nil && err != unix.EINVAL && err != unix.ENOENT {
			return fmt.Errorf("unmount %s: %w", d, err)
		}
	}
	return nil
}

// mountsUnder returns every currently-mounted path beneath dir.
func mountsUnder(dir string) ([]string, error) {
	all, err := ReadMountTable()
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimRight(dir, "/") + "/"
	var out []string
	for _, m := range all {
		if strings.HasPrefix(m.MountPoint, prefix) {
			out = append(out, m.MountPoint)
		}
	}
	return out, nil
}

// Delete stops the anchor, unmounts all overlays, and removes the
// sandbox's storage and lock file (spec.md §4.8).
func (l Lifecycle) Delete() error {
	pid, err := l.ReadPID()
	if err != nil {
		return err
	}
	if pid != NoAnchorPID {
		if err := l.Stop(pid); err != nil {
			return err
		}
	}
	if err := l.Unmount(); err != nil {
		return err
	}
	if err := removeRecursiveSameDevice(l.baseDir()); err != nil {
		return err
	}
	if err := os.Remove(l.pidPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(l.lockPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// removeRecursiveSameDevice removes root recursively, refusing to
// cross into a different file system (the same guard accept uses for
// staged-upper cleanup).
func removeRecursiveSameDevice(root string) error {
	var st unix.Stat_t
	if err := unix.Lstat(root, &st); err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return fmt.Errorf("lstat %s: %w", root, err)
	}
	dev := st.Dev
	return removeRecursiveDev(root, dev)
}

func removeRecursiveDev(path string, dev uint64) error {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return err
	}
	if uint64(st.Dev) != dev {
		return fmt.Errorf("refusing to remove %s: crosses a mount point", path)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return unix.Unlink(path)
	}
	names, err := readDirNames(path)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := removeRecursiveDev(path+"/"+name, dev); err != nil {
			return err
		}
	}
	return unix.Rmdir(path)
}
