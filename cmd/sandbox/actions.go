//go:build linux

package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/anoek/go-sandbox/internal/sandbox"
)

func (a *app) runConfig(keys []string) (int, error) {
	if len(keys) == 0 {
		for _, k := range sortedKeys(a.cfg.Source) {
			fmt.Fprintf(a.stdout, "%s = %v (from %s)\n", k, a.configValue(k), a.cfg.Source[k])
		}
		a.sink.Set("config", a.cfg.Source)
		return 0, nil
	}
	for _, k := range keys {
		src, ok := a.cfg.Source[k]
		if !ok {
			src = "unknown"
		}
		fmt.Fprintf(a.stdout, "%s = %v (from %s)\n", k, a.configValue(k), src)
	}
	return 0, nil
}

func (a *app) configValue(key string) any {
	switch key {
	case "log_level":
		return a.cfg.LogLevel
	case "name":
		return a.cfg.Name
	case "storage_dir":
		return a.storageDir()
	case "net":
		return a.cfg.Net
	case "bind":
		return a.cfg.Binds
	case "mask":
		return a.cfg.Masks
	case "no_default_binds":
		return a.cfg.NoDefaultBinds
	case "bind_fuse":
		return a.cfg.BindFuse
	case "ignored":
		return a.cfg.Ignored
	default:
		return nil
	}
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (a *app) runList(patterns []string) (int, error) {
	names, err := a.existingSandboxes()
	if err != nil {
		return 1, err
	}
	var running, stopped []string
	for _, name := range names {
		if !matchesAnyPattern(name, patterns) {
			continue
		}
		pid, err := a.lifecycleFor(name).ReadPID()
		if err != nil {
			return 1, err
		}
		if pid != sandbox.NoAnchorPID {
			running = append(running, name)
		} else {
			stopped = append(stopped, name)
		}
	}
	for _, n := range running {
		fmt.Fprintf(a.stdout, "%s (running)\n", n)
	}
	for _, n := range stopped {
		fmt.Fprintf(a.stdout, "%s (stopped)\n", n)
	}
	a.sink.Set("running_sandboxes", running)
	a.sink.Set("stopped_sandboxes", stopped)
	return 0, nil
}

func matchesAnyPattern(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	matched := false
	for _, p := range patterns {
		neg := strings.HasPrefix(p, "!")
		glob := strings.TrimPrefix(p, "!")
		if ok, _ := doublestar.Match(glob, name); ok {
			matched = !neg
		}
	}
	return matched
}

// detectChangesFor resolves a sandbox's current change set: builds its
// mount list, walks the upper layer, and classifies every entry.
func (a *app) detectChangesFor(name string) ([]sandbox.ChangeEntry, []sandbox.ShadowedMount, error) {
	mounts, err := a.resolveMounts(name)
	if err != nil {
		return nil, nil, err
	}
	root := a.rootOverlay(mounts)
	ignoreEngine := sandbox.NewIgnoreEngine(root)

	var entries []sandbox.UpperEntry
	for _, m := range mounts {
		logf := func(format string, args ...any) { a.logger.Warnf(format, args...) }
		es, err := sandbox.WalkUpperEntries(m.Upper, mounts, ignoreEngine, a.cfg.Ignored, logf)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, es...)
	}

	changes, err := sandbox.DetectChanges(entries)
	if err != nil {
		return nil, nil, err
	}
	return changes, mounts, nil
}

func (a *app) currentName() (string, error) {
	existing, err := a.existingSandboxes()
	if err != nil {
		return "", err
	}
	return sandboxName(a.cfg, existing)
}

func (a *app) runStatus(patterns []string) (int, error) {
	name, err := a.currentName()
	if err != nil {
		return 1, err
	}
	changes, _, err := a.detectChangesFor(name)
	if err != nil {
		return 1, err
	}
	cwd, _ := os.Getwd()
	matched, _ := sandbox.Matching(cwd, changes, patterns)
	fmt.Fprintln(a.stdout, sandbox.RenderChanges(matched))
	a.sink.Set("changes", jsonEntries(matched))
	return 0, nil
}

func (a *app) runDiff(patterns []string) (int, error) {
	return a.runStatus(patterns)
}

func (a *app) runAccept(patterns []string) (int, error) {
	name, err := a.currentName()
	if err != nil {
		return 1, err
	}
	changes, mounts, err := a.detectChangesFor(name)
	if err != nil {
		return 1, err
	}
	cwd, _ := os.Getwd()
	matched, rest := sandbox.Matching(cwd, changes, patterns)

	result, err := sandbox.ApplyChanges(cwd, matched, len(rest), mounts)
	if err != nil {
		return 1, err
	}
	fmt.Fprintf(a.stdout, "accepted %d change(s)\n", result.Accepted)
	a.sink.Set("changes", jsonEntries(matched))
	a.sink.Set("accepted", result.Accepted)
	return 0, nil
}

func (a *app) runReject(patterns []string) (int, error) {
	name, err := a.currentName()
	if err != nil {
		return 1, err
	}
	changes, mounts, err := a.detectChangesFor(name)
	if err != nil {
		return 1, err
	}
	cwd, _ := os.Getwd()
	matched, _ := sandbox.Matching(cwd, changes, patterns)

	if err := sandbox.RejectChanges(matched, mounts); err != nil {
		return 1, err
	}
	fmt.Fprintf(a.stdout, "rejected %d change(s)\n", len(matched))
	a.sink.Set("changes", jsonEntries(matched))
	return 0, nil
}

func jsonEntries(entries []sandbox.ChangeEntry) []map[string]any {
	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = e.JSON()
	}
	return out
}

func (a *app) runSync() (int, error) {
	name, err := a.currentName()
	if err != nil {
		return 1, err
	}
	lf := a.lifecycleFor(name)
	lock, err := lf.AcquireLock()
	if err != nil {
		return 1, err
	}
	defer lock.Unlock()
	if err := syncSandboxStorage(); err != nil {
		return 1, err
	}
	return 0, nil
}

func (a *app) runStop(patterns []string) (int, error) {
	var names []string
	var err error
	if a.cfg.New {
		return 1, fmt.Errorf("--new is not valid with stop")
	}
	if len(patterns) == 1 && patterns[0] == "--all" {
		patterns = nil
	}
	names, err = a.existingSandboxes()
	if err != nil {
		return 1, err
	}

	var stopped []string
	for _, name := range names {
		if !matchesAnyPattern(name, patterns) {
			continue
		}
		lf := a.lifecycleFor(name)
		pid, err := lf.ReadPID()
		if err != nil {
			return 1, err
		}
		if pid == sandbox.NoAnchorPID {
			continue
		}
		if err := lf.Stop(pid); err != nil {
			return 1, err
		}
		stopped = append(stopped, name)
	}
	for _, n := range stopped {
		fmt.Fprintf(a.stdout, "stopped %s\n", n)
	}
	a.sink.Set("stopped", stopped)
	return 0, nil
}

func (a *app) runDelete(patterns []string) (int, error) {
	names, err := a.existingSandboxes()
	if err != nil {
		return 1, err
	}
	var deleted []string
	var errs []string
	for _, name := range names {
		if !matchesAnyPattern(name, patterns) {
			continue
		}
		lf := a.lifecycleFor(name)
		if err := lf.Delete(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		deleted = append(deleted, name)
	}
	for _, n := range deleted {
		fmt.Fprintf(a.stdout, "deleted %s\n", n)
	}
	a.sink.Set("deleted", deleted)
	a.sink.Set("errors", errs)
	if len(errs) > 0 {
		return 1, fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return 0, nil
}

// runExec is reached when the first positional argument is not one of
// the named actions: it is taken as the command to run inside the
// sandbox, launching a fresh anchor if none exists yet for this name.
func (a *app) runExec(command []string) (int, error) {
	if len(command) == 0 {
		return 1, fmt.Errorf("no command given")
	}

	name, err := a.currentName()
	if err != nil {
		return 1, err
	}
	lf := a.lifecycleFor(name)
	lock, err := lf.AcquireLock()
	if err != nil {
		return 1, err
	}
	defer lock.Unlock()

	pid, err := lf.ReadPID()
	if err != nil {
		return 1, err
	}

	network := sandbox.Network(a.cfg.Net)
	binds, err := parseBindSpecs(a.cfg.Binds, a.cfg.Masks, a.cfg.NoDefaultBinds, a.cfg.BindFuse)
	if err != nil {
		return 1, err
	}
	userBinds, err := parseBindSpecs(a.cfg.Binds, a.cfg.Masks, true, a.cfg.BindFuse)
	if err != nil {
		return 1, err
	}

	storageDir := a.storageDir() + "/" + name
	dataDir := storageDir + "/data"
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return 1, fmt.Errorf("mkdir %s: %w", dataDir, err)
	}
	settingsPath := sandbox.SettingsPath(dataDir)

	if pid == sandbox.NoAnchorPID {
		hostMounts, err := sandbox.ChooseShadowedMounts(a.storageDir())
		if err != nil {
			return 1, err
		}
		mounts, err := sandbox.BuildShadowedMounts(storageDir, hostMounts)
		if err != nil {
			return 1, err
		}

		settings := sandbox.NewSettings(mounts, network, userBinds)
		if err := settings.SaveToFile(settingsPath); err != nil {
			return 1, err
		}

		executable, err := os.Executable()
		if err != nil {
			return 1, err
		}
		newPid, err := sandbox.StartAnchor(executable, sandbox.AnchorSpec{
			SandboxName: name,
			StorageDir:  storageDir,
			Mounts:      mounts,
			Network:     network,
			Binds:       binds,
		})
		if err != nil {
			return 1, err
		}
		if err := lf.WritePID(newPid); err != nil {
			return 1, err
		}
		pid = newPid
	} else {
		existing, err := sandbox.LoadSettingsFromFile(settingsPath)
		if err != nil {
			return 1, err
		}
		mounts, err := a.resolveMounts(name)
		if err != nil {
			return 1, err
		}
		fresh := sandbox.NewSettings(mounts, network, userBinds)
		report := existing.ValidateAgainst(fresh)
		if !report.Empty() {
			return 1, report
		}
	}

	code, err := sandbox.JoinAndExec(pid, sandbox.SandboxIdentity{Name: name}, storageDir, a.cfg.Identity.UID, a.cfg.Identity.GID, command)
	return code, err
}

func parseBindSpecs(binds, masks []string, noDefaults, bindFuse bool) ([]sandbox.BindSpec, error) {
	var out []sandbox.BindSpec
	for _, b := range binds {
		spec, err := parseBindSpec(b)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	for _, m := range masks {
		out = append(out, sandbox.BindSpec{Source: m, Target: m, Options: "mask"})
	}
	if !noDefaults {
		out = append(out, defaultBinds(bindFuse)...)
	}
	return out, nil
}

func parseBindSpec(raw string) (sandbox.BindSpec, error) {
	parts := strings.SplitN(raw, ":", 3)
	spec := sandbox.BindSpec{Options: "rw"}
	switch len(parts) {
	case 1:
		spec.Source, spec.Target = parts[0], parts[0]
	case 2:
		spec.Source, spec.Target = parts[0], parts[1]
	case 3:
		spec.Source, spec.Target, spec.Options = parts[0], parts[1], parts[2]
	default:
		return spec, fmt.Errorf("invalid bind spec %q", raw)
	}
	switch spec.Options {
	case "rw", "ro", "readonly", "mask":
	default:
		return spec, fmt.Errorf("invalid bind option %q in %q", spec.Options, raw)
	}
	return spec, nil
}

// defaultBinds is the implicit bind/mask list suppressed by
// --no-default-binds: fuse, common dbus sockets, and user runtime
// directories (spec.md §6).
func defaultBinds(bindFuse bool) []sandbox.BindSpec {
	var out []sandbox.BindSpec
	if bindFuse {
		if _, err := os.Stat("/dev/fuse"); err == nil {
			out = append(out, sandbox.BindSpec{Source: "/dev/fuse", Target: "/dev/fuse", Options: "rw"})
		}
	}
	for _, p := range []string{"/run/dbus/system_bus_socket", "/var/run/dbus/system_bus_socket"} {
		if _, err := os.Stat(p); err == nil {
			out = append(out, sandbox.BindSpec{Source: p, Target: p, Options: "rw"})
		}
	}
	if uid := os.Getuid(); uid != 0 {
		p := fmt.Sprintf("/run/user/%d", uid)
		if _, err := os.Stat(p); err == nil {
			out = append(out, sandbox.BindSpec{Source: p, Target: p, Options: "rw"})
		}
	}
	return out
}

func syncSandboxStorage() error {
	return sandbox.Sync()
}
