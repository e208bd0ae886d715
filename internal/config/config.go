// Package config resolves go-sandbox's settings from CLI flags,
// environment variables, TOML config files, and built-in defaults,
// in that precedence order (spec.md §6).
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// LogLevel is one of trace/debug/info/warn/error.
type LogLevel string

const (
	LogTrace LogLevel = "trace"
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// Config is the fully resolved set of options for one invocation.
type Config struct {
	LogLevel LogLevel

	Name string
	New  bool
	Last bool

	StorageDir string
	Net        string
	Binds      []string
	Masks      []string

	NoDefaultBinds bool
	BindFuse       bool

	JSON      bool
	NoConfig  bool
	Ignored   bool
	ConfigFiles []string

	// EffectiveCwd is the working directory config resolution ran
	// against, recorded for debug/status output.
	EffectiveCwd string

	// Source tracks, per key, which layer supplied the final value:
	// "cli", "env", "file:<path>", or "default".
	Source map[string]string

	// Identity is the real uid/gid/home to drop privileges to,
	// SUDO_UID/GID/HOME-aware (spec.md §6).
	Identity Identity
}

// Identity is the real (non-elevated) user identity a join or launch
// should use, honoring sudo's SUDO_UID/SUDO_GID/SUDO_HOME when present.
type Identity struct {
	UID  int
	GID  int
	Home string
}

// ResolveIdentity returns the real user's identity, preferring
// SUDO_UID/SUDO_GID/SUDO_HOME over the process's own credentials when
// running under sudo (spec.md §6).
func ResolveIdentity(env map[string]string) (Identity, error) {
	if sudoUID, ok := env["SUDO_UID"]; ok && sudoUID != "" {
		uid, err := strconv.Atoi(sudoUID)
		if err != nil {
			return Identity{}, fmt.Errorf("parse SUDO_UID %q: %w", sudoUID, err)
		}
		gid := os.Getgid()
		if sudoGID, ok := env["SUDO_GID"]; ok && sudoGID != "" {
			g, err := strconv.Atoi(sudoGID)
			if err != nil {
				return Identity{}, fmt.Errorf("parse SUDO_GID %q: %w", sudoGID, err)
			}
			gid = g
		}
		home := env["SUDO_HOME"]
		if home == "" {
			if u, err := user.LookupId(sudoUID); err == nil {
				home = u.HomeDir
			}
		}
		return Identity{UID: uid, GID: gid, Home: home}, nil
	}

	u, err := user.Current()
	if err != nil {
		return Identity{UID: os.Getuid(), GID: os.Getgid()}, nil
	}
	return Identity{UID: os.Getuid(), GID: os.Getgid(), Home: u.HomeDir}, nil
}

// fileConfig is the TOML-decoded shape of a config file, keyed the
// same as the CLI/env names (spec.md §6).
type fileConfig struct {
	LogLevel       string   `toml:"log_level"`
	Name           string   `toml:"name"`
	StorageDir     string   `toml:"storage_dir"`
	Net            string   `toml:"net"`
	Bind           any      `toml:"bind"`
	Mask           any      `toml:"mask"`
	NoDefaultBinds *bool    `toml:"no_default_binds"`
	BindFuse       *bool    `toml:"bind_fuse"`
	Ignored        *bool    `toml:"ignored"`
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Input bundles everything Load needs to resolve a Config.
type Input struct {
	WorkDir  string
	Env      map[string]string
	CLI      *pflag.FlagSet
	NoConfig bool
	// ExplicitConfigFiles, when non-empty, replaces the ancestor/home/etc
	// search with exactly these files, applied in the given order.
	ExplicitConfigFiles []string
}

// Default returns go-sandbox's built-in defaults (spec.md §6).
func Default() Config {
	return Config{
		LogLevel:   LogInfo,
		Net:        "none",
		BindFuse:   true,
		Source:     map[string]string{},
	}
}

// Load resolves a Config following CLI > env > file > default
// precedence (spec.md §6), the same layering order the teacher applies
// for its own config, generalized to go-sandbox's key set and to TOML
// files instead of JSON/JSONC.
func Load(in Input) (Config, error) {
	cfg := Default()
	markDefaults(&cfg)

	workDir := in.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("getwd: %w", err)
		}
	}
	cfg.EffectiveCwd = workDir

	if !in.NoConfig {
		files, err := configSearchPath(workDir, in.Env, in.ExplicitConfigFiles)
		if err != nil {
			return Config{}, err
		}
		for _, path := range files {
			fc, err := parseConfigFile(path)
			if err != nil {
				return Config{}, err
			}
			applyFileConfig(&cfg, fc, path)
		}
	}

	applyEnv(&cfg, in.Env)

	if in.CLI != nil {
		applyCLI(&cfg, in.CLI)
	}

	identity, err := ResolveIdentity(in.Env)
	if err != nil {
		return Config{}, err
	}
	cfg.Identity = identity

	if cfg.Name != "" && (cfg.New || cfg.Last) {
		return Config{}, fmt.Errorf("name is mutually exclusive with --new and --last")
	}
	if len(cfg.ConfigFiles) > 0 && in.NoConfig {
		return Config{}, fmt.Errorf("--config is mutually exclusive with --no-config")
	}

	return cfg, nil
}

func markDefaults(cfg *Config) {
	for _, k := range []string{"log_level", "net", "bind_fuse", "storage_dir", "name", "ignored", "no_default_binds"} {
		cfg.Source[k] = "default"
	}
}

// configSearchPath returns config files in application order (first
// applied = lowest precedence): /etc/sandbox.{conf,toml}, then the user
// config directory, then every ancestor of workDir up to $HOME
// (deepest last so it overrides shallower ancestors) (spec.md §6).
func configSearchPath(workDir string, env map[string]string, explicit []string) ([]string, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}

	var ancestors []string
	home := env["HOME"]
	dir := workDir
	for {
		ancestors = append(ancestors, dir)
		if dir == home || dir == "/" {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	// Reverse so the shallowest ancestor is applied first, deepest last.
	for i, j := 0, len(ancestors)-1; i < j; i, j = i+1, j-1 {
		ancestors[i], ancestors[j] = ancestors[j], ancestors[i]
	}

	var out []string
	if p := findConfigFile("/etc/sandbox.conf"); p != "" {
		out = append(out, p)
	} else if p := findConfigFile("/etc/sandbox"); p != "" {
		out = append(out, p)
	}

	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		if p := findConfigFile(filepath.Join(xdg, "sandbox", "config")); p != "" {
			out = append(out, p)
		}
	} else if home != "" {
		if p := findConfigFile(filepath.Join(home, ".config", "sandbox", "config")); p != "" {
			out = append(out, p)
		}
	}

	for _, a := range ancestors {
		if p := findConfigFile(filepath.Join(a, ".sandbox")); p != "" {
			out = append(out, p)
		}
	}

	return out, nil
}

// findConfigFile returns the first of basePath, basePath+".toml" and
// basePath+".conf" that exists as a non-directory; empty string if
// none does.
func findConfigFile(basePath string) string {
	for _, candidate := range []string{basePath, basePath + ".toml", basePath + ".conf"} {
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate
		}
	}
	return ""
}

func parseConfigFile(path string) (fileConfig, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

func applyFileConfig(cfg *Config, fc fileConfig, path string) {
	if fc.LogLevel != "" {
		cfg.LogLevel = LogLevel(fc.LogLevel)
		cfg.Source["log_level"] = "file:" + path
	}
	if fc.Name != "" {
		cfg.Name = fc.Name
		cfg.Source["name"] = "file:" + path
	}
	if fc.StorageDir != "" {
		cfg.StorageDir = fc.StorageDir
		cfg.Source["storage_dir"] = "file:" + path
	}
	if fc.Net != "" {
		cfg.Net = fc.Net
		cfg.Source["net"] = "file:" + path
	}
	if binds := toStringSlice(fc.Bind); len(binds) > 0 {
		cfg.Binds = binds
		cfg.Source["bind"] = "file:" + path
	}
	if masks := toStringSlice(fc.Mask); len(masks) > 0 {
		cfg.Masks = masks
		cfg.Source["mask"] = "file:" + path
	}
	if fc.NoDefaultBinds != nil {
		cfg.NoDefaultBinds = *fc.NoDefaultBinds
		cfg.Source["no_default_binds"] = "file:" + path
	}
	if fc.BindFuse != nil {
		cfg.BindFuse = *fc.BindFuse
		cfg.Source["bind_fuse"] = "file:" + path
	}
	if fc.Ignored != nil {
		cfg.Ignored = *fc.Ignored
		cfg.Source["ignored"] = "file:" + path
	}
}

func applyEnv(cfg *Config, env map[string]string) {
	if v, ok := env["SANDBOX_LOG_LEVEL"]; ok && v != "" {
		cfg.LogLevel = LogLevel(v)
		cfg.Source["log_level"] = "env"
	}
	if v, ok := env["SANDBOX_NAME"]; ok && v != "" {
		cfg.Name = v
		cfg.Source["name"] = "env"
	}
	if v, ok := env["SANDBOX_STORAGE_DIR"]; ok && v != "" {
		cfg.StorageDir = v
		cfg.Source["storage_dir"] = "env"
	}
	if v, ok := env["SANDBOX_NET"]; ok && v != "" {
		cfg.Net = v
		cfg.Source["net"] = "env"
	}
	if v, ok := env["SANDBOX_IGNORED"]; ok && v != "" {
		cfg.Ignored = parseBool(v)
		cfg.Source["ignored"] = "env"
	}
	if v, ok := env["SANDBOX_BIND"]; ok && v != "" {
		cfg.Binds = splitCommaList(v)
		cfg.Source["bind"] = "env"
	}
	if v, ok := env["SANDBOX_MASK"]; ok && v != "" {
		cfg.Masks = splitCommaList(v)
		cfg.Source["mask"] = "env"
	}
	if v, ok := env["SANDBOX_NO_DEFAULT_BINDS"]; ok && v != "" {
		cfg.NoDefaultBinds = parseBool(v)
		cfg.Source["no_default_binds"] = "env"
	}
	if v, ok := env["SANDBOX_BIND_FUSE"]; ok && v != "" {
		cfg.BindFuse = parseBool(v)
		cfg.Source["bind_fuse"] = "env"
	}
}

func applyCLI(cfg *Config, flags *pflag.FlagSet) {
	if flags.Changed("log-level") {
		v, _ := flags.GetString("log-level")
		cfg.LogLevel = LogLevel(v)
		cfg.Source["log_level"] = "cli"
	}
	if flags.Changed("verbose") {
		cfg.LogLevel = LogTrace
		cfg.Source["log_level"] = "cli"
	}
	if flags.Changed("name") {
		v, _ := flags.GetString("name")
		cfg.Name = v
		cfg.Source["name"] = "cli"
	}
	if flags.Changed("new") {
		cfg.New, _ = flags.GetBool("new")
	}
	if flags.Changed("last") {
		cfg.Last, _ = flags.GetBool("last")
	}
	if flags.Changed("storage-dir") {
		v, _ := flags.GetString("storage-dir")
		cfg.StorageDir = v
		cfg.Source["storage_dir"] = "cli"
	}
	if flags.Changed("net") {
		v, _ := flags.GetString("net")
		cfg.Net = v
		cfg.Source["net"] = "cli"
	}
	if flags.Changed("bind") {
		v, _ := flags.GetStringArray("bind")
		cfg.Binds = v
		cfg.Source["bind"] = "cli"
	}
	if flags.Changed("mask") {
		v, _ := flags.GetStringArray("mask")
		cfg.Masks = v
		cfg.Source["mask"] = "cli"
	}
	if flags.Changed("no-default-binds") {
		cfg.NoDefaultBinds, _ = flags.GetBool("no-default-binds")
		cfg.Source["no_default_binds"] = "cli"
	}
	if flags.Changed("bind-fuse") {
		cfg.BindFuse, _ = flags.GetBool("bind-fuse")
		cfg.Source["bind_fuse"] = "cli"
	}
	if flags.Changed("json") {
		cfg.JSON, _ = flags.GetBool("json")
	}
	if flags.Changed("ignored") {
		cfg.Ignored, _ = flags.GetBool("ignored")
		cfg.Source["ignored"] = "cli"
	}
	if flags.Changed("config") {
		cfg.ConfigFiles, _ = flags.GetStringArray("config")
	}
	if flags.Changed("no-config") {
		cfg.NoConfig, _ = flags.GetBool("no-config")
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return strings.EqualFold(v, "yes") || strings.EqualFold(v, "on")
	}
	return b
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
