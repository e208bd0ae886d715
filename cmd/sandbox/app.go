//go:build linux

package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/anoek/go-sandbox/internal/config"
	"github.com/anoek/go-sandbox/internal/jsonsink"
	"github.com/anoek/go-sandbox/internal/sandbox"
	"github.com/anoek/go-sandbox/internal/sandboxlog"
)

type app struct {
	cfg    config.Config
	logger *sandboxlog.Logger
	sink   *jsonsink.Sink
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	sigCh  <-chan os.Signal
}

func (a *app) storageDir() string {
	if a.cfg.StorageDir != "" {
		return a.cfg.StorageDir
	}
	home := a.cfg.Identity.Home
	if home == "" {
		home = os.Getenv("HOME")
	}
	return home + "/.local/share/sandbox"
}

// existingSandboxes lists names discovered via <name>.pid / <name>.lock
// files directly under the storage directory, sorted by name (pid files
// created with timestamped --new names therefore sort chronologically).
func (a *app) existingSandboxes() ([]string, error) {
	dir := a.storageDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read storage dir %s: %w", dir, err)
	}
	seen := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".lock"):
			seen[strings.TrimSuffix(name, ".lock")] = true
		case strings.HasSuffix(name, ".pid"):
			seen[strings.TrimSuffix(name, ".pid")] = true
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (a *app) lifecycleFor(name string) sandbox.Lifecycle {
	return sandbox.Lifecycle{Name: name, StorageDir: a.storageDir()}
}

// resolveMounts builds the sandbox's ShadowedMounts from the current
// host mount table, whether or not the sandbox is running; persisted
// settings are not read. The result is the mount set the Upper-Entry
// Walker and Change Engine use.
func (a *app) resolveMounts(name string) ([]sandbox.ShadowedMount, error) {
	hostMounts, err := sandbox.ChooseShadowedMounts(a.storageDir())
	if err != nil {
		return nil, err
	}
	sandboxStorage := a.storageDir() + "/" + name
	var mounts []sandbox.ShadowedMount
	for _, hm := range hostMounts {
		id := sandbox.NewMountId(hm.MountPoint)
		mounts = append(mounts, sandbox.ShadowedMount{
			MountPoint: hm.MountPoint,
			ID:         id,
			Upper:      sandboxStorage + "/upper/" + string(id),
			Work:       sandboxStorage + "/work/" + string(id),
			Overlay:    sandboxStorage + "/overlay/" + string(id),
		})
	}
	return mounts, nil
}

func (a *app) rootOverlay(mounts []sandbox.ShadowedMount) string {
	for _, m := range mounts {
		if m.MountPoint == "/" {
			return m.Overlay
		}
	}
	return ""
}
