//go:build linux

package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// AnchorSubcommand is the hidden argv[1] go-sandbox re-execs itself
// with to become the anchor process. cmd/sandbox's main() checks for
// it before any flag parsing, the same way the teacher's multicall
// dispatch checks argv[0]/argv[1] before building a Config.
const AnchorSubcommand = "__anchor__"

// TmpfsSize is the fixed size used for the /dev and /run tmpfs mounts
// (spec.md §4.3 step 5).
const TmpfsSize = 64 * 1024 * 1024

// AnchorSpec is everything the anchor child needs, handed across the
// re-exec boundary as a JSON file (argv[2]) since clone-with-namespace
// flags precludes passing complex state any other way without shared
// memory.
type AnchorSpec struct {
	SandboxName string
	StorageDir  string
	Mounts      []ShadowedMount
	Network     Network
	Binds       []BindSpec
}

func writeAnchorSpec(spec AnchorSpec) (string, error) {
	b, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("marshal anchor spec: %w", err)
	}
	path := filepath.Join(os.TempDir(), fmt.Sprintf("sandbox-anchor-spec-%s.json", uuid.NewString()))
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return "", fmt.Errorf("write anchor spec %s: %w", path, err)
	}
	return path, nil
}

func readAnchorSpec(path string) (AnchorSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return AnchorSpec{}, fmt.Errorf("read anchor spec %s: %w", path, err)
	}
	var spec AnchorSpec
	if err := json.Unmarshal(b, &spec); err != nil {
		return AnchorSpec{}, fmt.Errorf("parse anchor spec %s: %w", path, err)
	}
	return spec, nil
}

// StartAnchor clones a fresh anchor process holding the sandbox's
// namespaces and blocks until it signals readiness over a pipe
// (spec.md §4.3). Returns the anchor's pid once it is sleeping and
// ready to be joined.
func StartAnchor(executable string, spec AnchorSpec) (pid int, err error) {
	specPath, err := writeAnchorSpec(spec)
	if err != nil {
		return 0, err
	}
	defer os.Remove(specPath)

	readR, readW, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("create readiness pipe: %w", err)
	}
	defer readR.Close()

	cmd := exec.Command(executable, AnchorSubcommand, specPath)
	cmd.ExtraFiles = []*os.File{readW}
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	flags := syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC |
		syscall.CLONE_NEWUTS | syscall.CLONE_NEWCGROUP
	if spec.Network == NetworkNone {
		flags |= syscall.CLONE_NEWNET
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: uintptr(flags),
	}

	if err := cmd.Start(); err != nil {
		readW.Close()
		return 0, fmt.Errorf("start anchor: %w", err)
	}
	readW.Close()

	buf := make([]byte, 1)
	n, _ := readR.Read(buf)
	if n != 1 || buf[0] != 0 {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return 0, fmt.Errorf("failed to setup sandbox")
	}

	return cmd.Process.Pid, nil
}

// RunAnchorMain is invoked by cmd/sandbox's main() when argv[1] ==
// AnchorSubcommand. It never returns on success; it sleeps forever
// holding the sandbox's namespaces.
func RunAnchorMain(specPath string) {
	runtime.LockOSThread()

	spec, err := readAnchorSpec(specPath)
	if err != nil {
		failAnchor(err)
	}

	readyFile := os.NewFile(3, "sandbox-anchor-ready")
	if err := setupAnchor(spec); err != nil {
		signalAnchorFailure(readyFile)
		failAnchor(err)
	}

	signalAnchorReady(readyFile)

	_ = os.Stdin.Close()
	_ = os.Stdout.Close()
	_ = os.Stderr.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	<-sigCh
	os.Exit(0)
}

func failAnchor(err error) {
	fmt.Fprintln(os.Stderr, "anchor setup failed:", err)
	os.Exit(1)
}

func signalAnchorFailure(f *os.File) {
	if f != nil {
		_, _ = f.Write([]byte{1})
		_ = f.Close()
	}
}

func signalAnchorReady(f *os.File) {
	if f != nil {
		_, _ = f.Write([]byte{0})
		_ = f.Close()
	}
}

// setupAnchor performs the fifteen-step pivot-root dance of spec.md
// §4.3 in the cloned child.
func setupAnchor(spec AnchorSpec) error {
	// 1. New session.
	if _, err := unix.Setsid(); err != nil {
		return fmt.Errorf("setsid: %w", err)
	}

	// 2. Make / recursive private.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make / private: %w", err)
	}

	rootMount, ok := shadowedMountFor(spec.Mounts, "/")
	if !ok {
		return fmt.Errorf("no shadowed mount for /")
	}
	newRoot := rootMount.Overlay

	// 3. Bind-mount the merged root overlay onto itself.
	if err := unix.Mount(newRoot, newRoot, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind-mount new root onto itself: %w", err)
	}

	// 4. Unique directory to receive the old root.
	oldRootName := ".old-root-" + uuid.NewString()
	oldRootHost := filepath.Join(newRoot, oldRootName)
	if err := os.Mkdir(oldRootHost, 0o700); err != nil {
		return fmt.Errorf("mkdir old root %s: %w", oldRootHost, err)
	}

	// 5. tmpfs at /dev and /run.
	for _, dir := range []string{"dev", "run"} {
		p := filepath.Join(newRoot, dir)
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", p, err)
		}
		opts := fmt.Sprintf("size=%d,mode=755", TmpfsSize)
		if err := unix.Mount("tmpfs", p, "tmpfs", unix.MS_NOSUID, opts); err != nil {
			return fmt.Errorf("mount tmpfs at %s: %w", p, err)
		}
	}

	// 6. Stage user binds/masks.
	stagingDir := filepath.Join(newRoot, "run", "bind-mounts-staging-"+uuid.NewString())
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return fmt.Errorf("mkdir staging dir: %w", err)
	}
	staged, err := stageBinds(spec.Binds, stagingDir)
	if err != nil {
		return err
	}

	// 7. Pivot root. The old root is unmounted and removed after step 12.
	if err := unix.PivotRoot(newRoot, oldRootHost); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	oldRootLocal := "/" + oldRootName

	// 8. procfs.
	if err := os.MkdirAll("/proc", 0o555); err != nil {
		return fmt.Errorf("mkdir /proc: %w", err)
	}
	if err := unix.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return fmt.Errorf("mount /proc: %w", err)
	}

	// 9. Minimal /dev nodes, devpts/mqueue/shm, symlinks.
	if err := populateDev(); err != nil {
		return err
	}

	// 10. sysfs + cgroup2 read-only.
	if err := mountReadOnly("sysfs", "/sys", "sysfs"); err != nil {
		return err
	}
	if err := os.MkdirAll("/sys/fs/cgroup", 0o555); err == nil {
		_ = mountReadOnly("cgroup2", "/sys/fs/cgroup", "cgroup2")
	}

	// 11. Masked / read-only paths.
	applyMaskedAndReadOnlyPaths()

	// 12. Bind every other ShadowedMount at its original mount point.
	for _, m := range spec.Mounts {
		if m.MountPoint == "/" {
			continue
		}
		if err := os.MkdirAll(m.MountPoint, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", m.MountPoint, err)
		}
		if err := unix.Mount(m.Overlay, m.MountPoint, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind %s onto %s: %w", m.Overlay, m.MountPoint, err)
		}
	}

	// unmount and remove old root.
	if err := unix.Unmount(oldRootLocal, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount old root: %w", err)
	}
	if err := os.RemoveAll(oldRootLocal); err != nil {
		return fmt.Errorf("remove old root: %w", err)
	}

	// 13. Finalize staged binds.
	if err := finalizeBinds(staged); err != nil {
		return err
	}
	if err := os.RemoveAll(stagingDir); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}

	// 14. Hostname.
	if err := unix.Sethostname([]byte(spec.SandboxName)); err != nil {
		return fmt.Errorf("sethostname: %w", err)
	}

	return nil
}

func shadowedMountFor(mounts []ShadowedMount, mountPoint string) (ShadowedMount, bool) {
	for _, m := range mounts {
		if m.MountPoint == mountPoint {
			return m, true
		}
	}
	return ShadowedMount{}, false
}

func mountReadOnly(source, target, fstype string) error {
	if err := unix.Mount(source, target, fstype, 0, ""); err != nil {
		return fmt.Errorf("mount %s at %s: %w", fstype, target, err)
	}
	if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("remount %s read-only: %w", target, err)
	}
	return nil
}

// devNode is one minimal character device node created under /dev
// (spec.md §4.3 step 9), with the canonical (major, minor) pair.
type devNode struct {
	name        string
	major, minor uint32
}

var canonicalDevNodes = []devNode{
	{"null", 1, 3},
	{"zero", 1, 5},
	{"full", 1, 7},
	{"random", 1, 8},
	{"urandom", 1, 9},
	{"tty", 5, 0},
}

func populateDev() error {
	for _, n := range canonicalDevNodes {
		path := "/dev/" + n.name
		dev := unix.Mkdev(n.major, n.minor)
		if err := unix.Mknod(path, unix.S_IFCHR|0o666, int(dev)); err != nil && err != unix.EEXIST {
			return fmt.Errorf("mknod %s: %w", path, err)
		}
	}

	if err := os.MkdirAll("/dev/pts", 0o755); err != nil {
		return fmt.Errorf("mkdir /dev/pts: %w", err)
	}
	if err := unix.Mount("devpts", "/dev/pts", "devpts", unix.MS_NOSUID|unix.MS_NOEXEC, "newinstance,ptmxmode=0666,mode=0620"); err != nil {
		return fmt.Errorf("mount devpts: %w", err)
	}

	if err := os.MkdirAll("/dev/mqueue", 0o755); err != nil {
		return fmt.Errorf("mkdir /dev/mqueue: %w", err)
	}
	if err := unix.Mount("mqueue", "/dev/mqueue", "mqueue", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, ""); err != nil {
		return fmt.Errorf("mount mqueue: %w", err)
	}

	if err := os.MkdirAll("/dev/shm", 0o1777); err != nil {
		return fmt.Errorf("mkdir /dev/shm: %w", err)
	}
	if err := unix.Mount("shm", "/dev/shm", "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=1777"); err != nil {
		return fmt.Errorf("mount /dev/shm: %w", err)
	}

	symlinks := map[string]string{
		"/dev/fd":     "/proc/self/fd",
		"/dev/stdin":  "/proc/self/fd/0",
		"/dev/stdout": "/proc/self/fd/1",
		"/dev/stderr": "/proc/self/fd/2",
		"/dev/core":   "/proc/kcore",
		"/dev/ptmx":   "/dev/pts/ptmx",
	}
	for link, target := range symlinks {
		_ = os.Remove(link)
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("symlink %s -> %s: %w", link, target, err)
		}
	}
	return nil
}

// maskedPaths are masked tmpfs-over-directory / bind-null-over-file,
// modeled after well-known container defaults (spec.md §4.3 step 11).
var maskedPaths = []string{
	"/proc/asound",
	"/proc/acpi",
	"/proc/interrupts",
	"/proc/kcore",
	"/proc/keys",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/timer_stats",
	"/proc/sched_debug",
	"/proc/scsi",
	"/sys/firmware",
	"/sys/devices/virtual/powercap",
}

// readOnlyPaths are bind-then-remount-read-only (spec.md §4.3 step 11).
var readOnlyPaths = []string{
	"/proc/bus",
	"/proc/fs",
	"/proc/irq",
	"/proc/sys",
	"/proc/sysrq-trigger",
}

func applyMaskedAndReadOnlyPaths() {
	for _, p := range maskedPaths {
		maskPath(p)
	}
	for _, cpu := range thermalThrottleDirs() {
		maskPath(cpu)
	}
	for _, p := range readOnlyPaths {
		if err := unix.Mount(p, p, "", unix.MS_BIND, ""); err == nil {
			_ = unix.Mount("", p, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, "")
		}
	}
}

func maskPath(p string) {
	facts, ok, err := FactsFromPath(p)
	if err != nil || !ok {
		return
	}
	if facts.IsDir() {
		_ = unix.Mount("tmpfs", p, "tmpfs", unix.MS_RDONLY, "mode=000")
	} else {
		_ = unix.Mount("/dev/null", p, "", unix.MS_BIND, "")
	}
}

func thermalThrottleDirs() []string {
	entries, err := os.ReadDir("/sys/devices/system/cpu")
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		p := filepath.Join("/sys/devices/system/cpu", e.Name(), "thermal_throttle")
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// stagedBind is one user bind/mask request staged under the staging
// dir, recorded for finalization after pivot_root.
type stagedBind struct {
	stagingPath string
	finalTarget string
	isDir       bool
}

func stageBinds(binds []BindSpec, stagingDir string) ([]stagedBind, error) {
	all := append([]BindSpec(nil), binds...)
	all = append(all, BindSpec{Source: "/run/systemd", Target: "/run/systemd", Options: "ro"})

	var out []stagedBind
	for i, b := range all {
		target := b.Target
		if target == "" {
			target = b.Source
		}
		opts := b.Options
		if opts == "" {
			opts = "rw"
		}

		isDir := true
		if opts != "mask" {
			facts, ok, err := FactsFromPath(b.Source)
			if err != nil {
				return nil, err
			}
			if ok {
				isDir = facts.IsDir()
			}
		}

		stagingPath := filepath.Join(stagingDir, fmt.Sprintf("mount-%d", i))
		if isDir {
			if err := os.MkdirAll(stagingPath, 0o755); err != nil {
				return nil, fmt.Errorf("mkdir staging %s: %w", stagingPath, err)
			}
		} else {
			f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_RDWR, 0o644)
			if err != nil {
				return nil, fmt.Errorf("create staging file %s: %w", stagingPath, err)
			}
			f.Close()
		}

		switch opts {
		case "mask":
			if isDir {
				if err := unix.Mount("tmpfs", stagingPath, "tmpfs", 0, "mode=000"); err != nil {
					return nil, fmt.Errorf("mask dir %s: %w", stagingPath, err)
				}
			} else {
				if err := unix.Mount("/dev/null", stagingPath, "", unix.MS_BIND, ""); err != nil {
					return nil, fmt.Errorf("mask file %s: %w", stagingPath, err)
				}
			}
		default:
			if err := unix.Mount(b.Source, stagingPath, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
				return nil, fmt.Errorf("bind %s: %w", b.Source, err)
			}
			if opts == "ro" || opts == "readonly" {
				if err := unix.Mount("", stagingPath, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
					return nil, fmt.Errorf("remount %s read-only: %w", stagingPath, err)
				}
			}
		}

		out = append(out, stagedBind{stagingPath: stagingPath, finalTarget: target, isDir: isDir})
	}
	return out, nil
}

func finalizeBinds(staged []stagedBind) error {
	for _, s := range staged {
		if _, err := os.Stat(s.finalTarget); err != nil {
			if s.isDir {
				if err := os.MkdirAll(s.finalTarget, 0o755); err != nil {
					return fmt.Errorf("mkdir %s: %w", s.finalTarget, err)
				}
			} else {
				if err := os.MkdirAll(filepath.Dir(s.finalTarget), 0o755); err != nil {
					return fmt.Errorf("mkdir parent of %s: %w", s.finalTarget, err)
				}
				f, err := os.OpenFile(s.finalTarget, os.O_CREATE|os.O_RDWR, 0o644)
				if err != nil {
					return fmt.Errorf("create %s: %w", s.finalTarget, err)
				}
				f.Close()
			}
		}
		if err := unix.Mount(s.stagingPath, s.finalTarget, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("finalize bind %s -> %s: %w", s.stagingPath, s.finalTarget, err)
		}
		_ = unix.Unmount(s.stagingPath, unix.MNT_DETACH)
	}
	return nil
}
