//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// joinNamespaceFlags are every namespace setns() enters when joining
// an anchor (spec.md §4.4). Network is included unconditionally: the
// anchor itself chose whether to unshare CLONE_NEWNET at launch time,
// so joining it is always correct regardless of that choice.
const joinNamespaceFlags = unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWIPC |
	unix.CLONE_NEWUTS | unix.CLONE_NEWCGROUP | unix.CLONE_NEWNET

// joinOrder is the order namespaces must be entered in: the PID
// namespace must be entered before any fork, and the mount namespace
// last since every preceding setns() can still be done against the
// pre-chroot /proc.
var joinOrder = []struct {
	name string
	flag int
}{
	{"ipc", unix.CLONE_NEWIPC},
	{"uts", unix.CLONE_NEWUTS},
	{"net", unix.CLONE_NEWNET},
	{"cgroup", unix.CLONE_NEWCGROUP},
	{"pid", unix.CLONE_NEWPID},
	{"mnt", unix.CLONE_NEWNS},
}

// JoinAndExec enters the anchor pid's namespaces, chroots into its
// mount namespace's root, restores identity and working directory,
// exports SANDBOX/SANDBOX_STORAGE_DIR, and execs command. It blocks
// until command exits and returns its exit code. When command is
// killed by a signal it returns 128 plus the signal number; the signal
// is not re-raised in this process (spec.md §4.4).
func JoinAndExec(anchorPID int, identity SandboxIdentity, storageDir string, uid, gid int, command []string) (exitCode int, err error) {
	if len(command) == 0 {
		return 0, fmt.Errorf("no command given")
	}

	cwd, err := os.Getwd()
	if err != nil {
		return 0, fmt.Errorf("getwd: %w", err)
	}

	pidfd, err := unix.PidfdOpen(anchorPID, 0)
	if err != nil {
		return 0, fmt.Errorf("pidfd_open(%d): %w", anchorPID, err)
	}
	defer unix.Close(pidfd)

	for _, ns := range joinOrder {
		nsFile, err := os.Open(fmt.Sprintf("/proc/%d/ns/%s", anchorPID, ns.name))
		if err != nil {
			return 0, fmt.Errorf("open %s namespace: %w", ns.name, err)
		}
		err = unix.Setns(int(nsFile.Fd()), ns.flag)
		nsFile.Close()
		if err != nil {
			return 0, fmt.Errorf("setns(%s): %w", ns.name, err)
		}
	}

	if err := unix.Chroot("."); err != nil {
		return 0, fmt.Errorf("chroot: %w", err)
	}
	if err := os.Chdir(cwd); err != nil {
		// The sandbox's view of the filesystem may not have this
		// path; fall back to the sandbox root rather than failing.
		_ = os.Chdir("/")
	}

	if gid != -1 {
		if err := unix.Setgid(gid); err != nil {
			return 0, fmt.Errorf("setgid(%d): %w", gid, err)
		}
	}
	if uid != -1 {
		if err := unix.Setuid(uid); err != nil {
			return 0, fmt.Errorf("setuid(%d): %w", uid, err)
		}
	}

	os.Setenv("SANDBOX", identity.Name)
	os.Setenv("SANDBOX_STORAGE_DIR", storageDir)

	// A fresh fork+exec here, rather than exec'ing in place, is what
	// actually lands the new process inside the joined PID namespace
	// as a child visible under it (the joining process itself stays
	// outside, having merely setns'd its view).
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Args = command
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("exec %s: %w", command[0], err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	for {
		select {
		case sig := <-sigCh:
			if s, ok := sig.(syscall.Signal); ok {
				_ = cmd.Process.Signal(s)
			}
		case waitErr := <-done:
			signal.Stop(sigCh)
			return exitStatus(waitErr)
		}
	}
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1, err
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
		return status.ExitStatus(), nil
	}
	return 1, nil
}
