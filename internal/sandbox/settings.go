//go:build linux

package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Network is the sandbox's network isolation mode.
type Network string

const (
	NetworkNone Network = "none"
	NetworkHost Network = "host"
)

// BindSpec is one user-declared bind/mask request, already split into
// its source:target:options parts (spec.md §4.3 step 6).
type BindSpec struct {
	Source  string
	Target  string
	Options string // "rw" (default), "ro", "readonly", or "mask"
}

func (b BindSpec) String() string {
	return fmt.Sprintf("%s:%s:%s", b.Source, b.Target, b.Options)
}

// Settings is the record persisted when an anchor is created and
// compared against on every subsequent join (spec.md §4.1).
type Settings struct {
	Version int         `json:"version"`
	Mounts  []MountId   `json:"mounts"`
	Network Network     `json:"network"`
	Binds   []BindSpec  `json:"binds"`
}

const settingsVersion = 1

// NewSettings builds a Settings record from the resolved set of
// shadowed mounts and user-declared bind/mask requests. Implicit default
// binds are not passed in binds and so are never compared.
func NewSettings(mounts []ShadowedMount, network Network, binds []BindSpec) Settings {
	ids := make([]MountId, len(mounts))
	for i, m := range mounts {
		ids[i] = m.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	userBinds := make([]BindSpec, len(binds))
	copy(userBinds, binds)
	sort.Slice(userBinds, func(i, j int) bool {
		return userBinds[i].String() < userBinds[j].String()
	})

	return Settings{
		Version: settingsVersion,
		Mounts:  ids,
		Network: network,
		Binds:   userBinds,
	}
}

func SettingsPath(sandboxDataDir string) string {
	return sandboxDataDir + "/settings.json"
}

func (s Settings) SaveToFile(path string) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write settings %s: %w", path, err)
	}
	return nil
}

func LoadSettingsFromFile(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
	}
	var s Settings
	if err := json.Unmarshal(b, &s); err != nil {
		return Settings{}, fmt.Errorf("the sandbox may be corrupted: parse settings %s: %w", path, err)
	}
	return s, nil
}

// MismatchReport enumerates added/removed entries discovered by
// ValidateAgainst.
type MismatchReport struct {
	NetworkChanged    bool
	OldNetwork        Network
	NewNetwork        Network
	AddedMounts       []MountId
	RemovedMounts     []MountId
	AddedBinds        []BindSpec
	RemovedBinds      []BindSpec
}

func (r MismatchReport) Empty() bool {
	return !r.NetworkChanged && len(r.AddedMounts) == 0 && len(r.RemovedMounts) == 0 &&
		len(r.AddedBinds) == 0 && len(r.RemovedBinds) == 0
}

func (r MismatchReport) Error() string {
	msg := "sandbox settings do not match the running sandbox"
	if r.NetworkChanged {
		msg += fmt.Sprintf("; network: %s -> %s (stop the sandbox to change network settings)", r.OldNetwork, r.NewNetwork)
	}
	for _, m := range r.AddedMounts {
		msg += fmt.Sprintf("; added mount %s", m)
	}
	for _, m := range r.RemovedMounts {
		msg += fmt.Sprintf("; removed mount %s", m)
	}
	for _, b := range r.AddedBinds {
		msg += fmt.Sprintf("; added bind %s", b)
	}
	for _, b := range r.RemovedBinds {
		msg += fmt.Sprintf("; removed bind %s", b)
	}
	return msg
}

// ValidateAgainst compares persisted settings against a freshly
// resolved configuration and reports every mismatch (spec.md §4.1).
func (s Settings) ValidateAgainst(fresh Settings) MismatchReport {
	var r MismatchReport
	if s.Network != fresh.Network {
		r.NetworkChanged = true
		r.OldNetwork = s.Network
		r.NewNetwork = fresh.Network
	}

	r.AddedMounts, r.RemovedMounts = diffMountIds(s.Mounts, fresh.Mounts)
	r.AddedBinds, r.RemovedBinds = diffBinds(s.Binds, fresh.Binds)
	return r
}

func diffMountIds(old, updated []MountId) (added, removed []MountId) {
	oldSet := map[MountId]bool{}
	for _, m := range old {
		oldSet[m] = true
	}
	newSet := map[MountId]bool{}
	for _, m := range updated {
		newSet[m] = true
		if !oldSet[m] {
			added = append(added, m)
		}
	}
	for _, m := range old {
		if !newSet[m] {
			removed = append(removed, m)
		}
	}
	return
}

func diffBinds(old, updated []BindSpec) (added, removed []BindSpec) {
	oldSet := map[string]bool{}
	for _, b := range old {
		oldSet[b.String()] = true
	}
	newSet := map[string]bool{}
	for _, b := range updated {
		newSet[b.String()] = true
		if !oldSet[b.String()] {
			added = append(added, b)
		}
	}
	for _, b := range old {
		if !newSet[b.String()] {
			removed = append(removed, b)
		}
	}
	return
}
