package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func TestLoadPrecedenceCLIOverEnvOverFileOverDefault(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".sandbox.toml"), []byte(`net = "host"`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	env := map[string]string{"HOME": dir}
	cfg, err := Load(Input{WorkDir: dir, Env: env})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Net != "host" {
		t.Fatalf("file layer: got net=%q, want host", cfg.Net)
	}
	if cfg.Source["net"] != "file:"+filepath.Join(dir, ".sandbox.toml") {
		t.Fatalf("unexpected source: %q", cfg.Source["net"])
	}

	env["SANDBOX_NET"] = "none"
	cfg, err = Load(Input{WorkDir: dir, Env: env})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Net != "none" {
		t.Fatalf("env layer: got net=%q, want none", cfg.Net)
	}
	if cfg.Source["net"] != "env" {
		t.Fatalf("unexpected source: %q", cfg.Source["net"])
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("net", "none", "")
	if err := flags.Parse([]string{"--net=host"}); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(Input{WorkDir: dir, Env: env, CLI: flags})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Net != "host" {
		t.Fatalf("cli layer: got net=%q, want host", cfg.Net)
	}
	if cfg.Source["net"] != "cli" {
		t.Fatalf("unexpected source: %q", cfg.Source["net"])
	}
}

func TestLoadDefaultsWhenNoConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, err := Load(Input{WorkDir: dir, Env: map[string]string{"HOME": dir}, NoConfig: true})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Net != "none" {
		t.Fatalf("got net=%q, want default none", cfg.Net)
	}
	if !cfg.BindFuse {
		t.Fatal("expected bind_fuse default true")
	}
	if cfg.Source["net"] != "default" {
		t.Fatalf("unexpected source: %q", cfg.Source["net"])
	}
}

func TestLoadRejectsNameWithNewOrLast(t *testing.T) {
	t.Parallel()

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("name", "", "")
	flags.Bool("new", false, "")
	if err := flags.Parse([]string{"--name=foo", "--new"}); err != nil {
		t.Fatal(err)
	}
	_, err := Load(Input{WorkDir: t.TempDir(), Env: map[string]string{}, CLI: flags, NoConfig: true})
	if err == nil {
		t.Fatal("expected error for --name with --new")
	}
}

func TestResolveIdentityHonorsSudoEnv(t *testing.T) {
	t.Parallel()

	id, err := ResolveIdentity(map[string]string{
		"SUDO_UID":  "1000",
		"SUDO_GID":  "1000",
		"SUDO_HOME": "/home/real",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id.UID != 1000 || id.GID != 1000 || id.Home != "/home/real" {
		t.Fatalf("got %+v", id)
	}
}

func TestBindConfigAcceptsStringOrArray(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".sandbox.toml"), []byte(`bind = "/a:/b:ro"`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(Input{WorkDir: dir, Env: map[string]string{"HOME": dir}})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Binds) != 1 || cfg.Binds[0] != "/a:/b:ro" {
		t.Fatalf("got binds=%v", cfg.Binds)
	}
}
